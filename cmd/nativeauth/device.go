package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/naotama2002/nativeauth-go/auth"
	"github.com/naotama2002/nativeauth-go/internal/utils"
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Sign in on another device using the device authorization grant",
	Long: `device requests a user code, prints where to enter it and polls the
token endpoint until the user approves, denies or the code expires.`,
	Args: cobra.NoArgs,
	RunE: runDevice,
}

func runDevice(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.requireClient(); err != nil {
		return err
	}

	ctx, cancel := utils.SetupSignalHandlers(cmd.Context(), a.logger)
	defer cancel()

	cfg, err := a.configuration(ctx)
	if err != nil {
		return err
	}
	req, err := auth.NewDeviceAuthorizationRequest(cfg, auth.DeviceAuthorizationRequestOptions{
		ClientID:     a.cfg.ClientID,
		ClientSecret: a.cfg.ClientSecret,
		Scopes:       a.cfg.Scopes,
	})
	if err != nil {
		return err
	}

	out := cmd.ErrOrStderr()
	state, err := a.service.AuthorizeDevice(ctx, req, func(d *auth.DeviceAuthorizationResponse) {
		fmt.Fprintf(out, "\nTo sign in, visit %s and enter the code:\n\n    %s\n\n", d.VerificationURI, d.UserCode)
		if d.VerificationURIComplete != "" {
			fmt.Fprintf(out, "Or open %s\n\n", d.VerificationURIComplete)
		}
		if !d.ExpiresAt.IsZero() {
			fmt.Fprintf(out, "The code expires at %s.\n", d.ExpiresAt.Local().Format(time.Kitchen))
		}
	}, a.stateOptions()...)
	if err != nil {
		return err
	}
	if err := a.states.Save(ctx, state); err != nil {
		return err
	}
	return printLoginSummary(cmd, state)
}
