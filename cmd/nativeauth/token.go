package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	tokenID   bool
	tokenJSON bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a fresh access token, refreshing it if needed",
	Args:  cobra.NoArgs,
	RunE:  runToken,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Force a token refresh and print the new access token",
	Args:  cobra.NoArgs,
	RunE:  runToken,
}

func init() {
	for _, c := range []*cobra.Command{tokenCmd, refreshCmd} {
		c.Flags().BoolVar(&tokenID, "id-token", false, "Print the ID token instead of the access token")
		c.Flags().BoolVar(&tokenJSON, "json", false, "Print tokens and expiry as JSON")
	}
}

type tokenOutput struct {
	AccessToken string     `json:"access_token"`
	IDToken     string     `json:"id_token,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Scope       string     `json:"scope,omitempty"`
}

func runToken(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	state, err := a.loadState(ctx)
	if err != nil {
		return err
	}
	if cmd.Name() == "refresh" {
		state.SetNeedsTokenRefresh()
	}

	accessToken, idToken, err := state.FreshTokens(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if tokenJSON {
		o := tokenOutput{AccessToken: accessToken, IDToken: idToken, Scope: state.Scope()}
		if exp := state.AccessTokenExpiration(); !exp.IsZero() {
			o.ExpiresAt = &exp
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(o)
	}
	if tokenID {
		if idToken == "" {
			return fmt.Errorf("no ID token is stored (request the openid scope)")
		}
		_, err = fmt.Fprintln(out, idToken)
		return err
	}
	_, err = fmt.Fprintln(out, accessToken)
	return err
}
