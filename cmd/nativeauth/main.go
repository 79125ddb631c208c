package main

import (
	"errors"
	"os"

	apperrors "github.com/naotama2002/nativeauth-go/internal/errors"
	"github.com/naotama2002/nativeauth-go/store"
)

// Exit codes
const (
	ExitCodeSuccess      = 0
	ExitCodeError        = 1
	ExitCodeAuthRequired = 2
	ExitCodeAuthFailed   = 3
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps errors to codes scripts can branch on.
func exitCode(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), apperrors.IsInvalidGrant(err):
		return ExitCodeAuthRequired
	case apperrors.IsOAuth(err), apperrors.IsKind(err, apperrors.KindStateMismatch),
		apperrors.IsKind(err, apperrors.KindIDTokenInvalid), apperrors.IsKind(err, apperrors.KindCancelled):
		return ExitCodeAuthFailed
	default:
		return ExitCodeError
	}
}
