package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored tokens for this issuer and client",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

func runLogout(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.states.Remove(cmd.Context()); err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.ErrOrStderr(), "Logged out.")
	return err
}
