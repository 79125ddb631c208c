package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/naotama2002/nativeauth-go/auth"
)

var claimsAll bool

var claimsCmd = &cobra.Command{
	Use:   "claims",
	Short: "Show who the stored ID token identifies",
	Args:  cobra.NoArgs,
	RunE:  runClaims,
}

func init() {
	claimsCmd.Flags().BoolVar(&claimsAll, "all", false, "Print every ID token claim as YAML")
}

func runClaims(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	state, err := a.loadState(cmd.Context())
	if err != nil {
		return err
	}
	if state.IDToken() == "" {
		return fmt.Errorf("no ID token is stored (request the openid scope)")
	}

	out := cmd.OutOrStdout()
	if claimsAll {
		claims, err := auth.ParseIDToken(state.IDToken())
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(map[string]interface{}(claims.Raw)); err != nil {
			return err
		}
		return enc.Close()
	}

	authorizer := auth.NewAuthorizer(state, auth.WithAuthorizerLogger(a.logger))
	fmt.Fprintf(out, "subject:        %s\n", authorizer.UserID())
	if email := authorizer.UserEmail(); email != "" {
		fmt.Fprintf(out, "email:          %s\n", email)
		fmt.Fprintf(out, "email_verified: %t\n", authorizer.UserEmailVerified())
	}
	if scope := state.Scope(); scope != "" {
		fmt.Fprintf(out, "scope:          %s\n", scope)
	}
	return nil
}
