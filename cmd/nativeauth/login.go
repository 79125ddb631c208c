package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/naotama2002/nativeauth-go/auth"
	"github.com/naotama2002/nativeauth-go/internal/utils"
	"github.com/naotama2002/nativeauth-go/loopback"
	"github.com/naotama2002/nativeauth-go/presenter"
	"github.com/naotama2002/nativeauth-go/store"
)

const loginLockAttempt = 100 * time.Millisecond

var (
	loginNoBrowser  bool
	loginPort       int
	loginSuccessURL string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with the browser using the authorization code flow",
	Long: `login starts a loopback listener, opens the provider's authorization
page and exchanges the returned code for tokens. The resulting state is
stored for the token, refresh and claims commands.`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

func init() {
	f := loginCmd.Flags()
	f.BoolVar(&loginNoBrowser, "no-browser", false, "Print the authorization URL instead of opening a browser")
	f.IntVar(&loginPort, "port", 0, "Loopback port for the redirect (0 picks one, overrides redirect_port)")
	f.StringVar(&loginSuccessURL, "success-url", "", "Page to redirect the browser to after a successful login")
}

type loginResult struct {
	state *auth.AuthState
	err   error
}

func runLogin(cmd *cobra.Command, _ []string) error {
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

	// With the file store, only one process runs the browser flow for a
	// given key. Others wait for its state to land on disk.
	if fs, ok := a.backend.(*store.FileStore); ok {
		lock := fs.LoginLock(a.states.Key())
		prev := fs.ModTime(a.states.Key())
		if err := lock.Lock(loginLockAttempt); err != nil {
			a.logger.Info().Msg("another login is in progress, waiting for it to finish")
			if _, err := fs.WaitForSave(ctx, a.states.Key(), prev); err != nil {
				return fmt.Errorf("waiting for concurrent login: %w", err)
			}
			_, err = fmt.Fprintln(cmd.ErrOrStderr(), "Logged in by another process.")
			return err
		}
		defer func() {
			if err := lock.Unlock(); err != nil {
				a.logger.Warn().Err(err).Msg("failed to release login lock")
			}
		}()
	}

	state, err := a.browserLogin(ctx, cmd)
	if err != nil {
		return err
	}
	if err := a.states.Save(ctx, state); err != nil {
		return err
	}
	return printLoginSummary(cmd, state)
}

func (a *app) browserLogin(ctx context.Context, cmd *cobra.Command) (*auth.AuthState, error) {
	cfg, err := a.configuration(ctx)
	if err != nil {
		return nil, err
	}

	port := a.cfg.RedirectPort
	if cmd.Flags().Changed("port") {
		port = loginPort
	}
	listener := loopback.New(
		loopback.WithPort(port),
		loopback.WithSuccessURL(loginSuccessURL),
		loopback.WithListenerLogger(a.logger),
	)
	redirectURI, err := listener.Start()
	if err != nil {
		return nil, err
	}
	defer listener.Stop()

	req, err := auth.NewAuthorizationRequest(cfg, auth.AuthorizationRequestOptions{
		ClientID:     a.cfg.ClientID,
		ClientSecret: a.cfg.ClientSecret,
		Scopes:       a.cfg.Scopes,
		RedirectURI:  redirectURI.String(),
	})
	if err != nil {
		return nil, err
	}

	var p auth.Presenter = presenter.NewFallback(cmd.ErrOrStderr(), a.logger)
	if loginNoBrowser {
		p = presenter.NewConsole(cmd.ErrOrStderr())
	}

	results := make(chan loginResult, 1)
	a.service.PresentAuthStateRequest(ctx, req, listener.Presenter(p), func(state *auth.AuthState, err error) {
		results <- loginResult{state: state, err: err}
	}, a.stateOptions()...)

	select {
	case r := <-results:
		return r.state, r.err
	case <-ctx.Done():
		listener.Cancel()
		r := <-results
		return r.state, r.err
	}
}

func printLoginSummary(cmd *cobra.Command, state *auth.AuthState) error {
	out := cmd.ErrOrStderr()
	if _, err := fmt.Fprintln(out, "Logged in."); err != nil {
		return err
	}
	if exp := state.AccessTokenExpiration(); !exp.IsZero() {
		fmt.Fprintf(out, "Access token expires at %s.\n", exp.Local().Format(time.RFC1123))
	}
	if state.RefreshToken() == "" {
		fmt.Fprintln(out, "No refresh token was issued; run login again once the access token expires.")
	}
	return nil
}
