// Package presenter opens authorization URLs for the user.
package presenter

import (
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/pkg/browser"
	"github.com/rs/zerolog"

	"github.com/naotama2002/nativeauth-go/auth"
)

// Browser opens the system browser.
type Browser struct {
	// open defaults to browser.OpenURL.
	open func(string) error
}

// NewBrowser creates a Browser presenter.
func NewBrowser() *Browser {
	return &Browser{open: browser.OpenURL}
}

// Present implements auth.Presenter.
func (b *Browser) Present(authorizationURL *url.URL, _ *auth.FlowSession) error {
	if err := b.open(authorizationURL.String()); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	return nil
}

// Console writes the URL for the user to open by hand.
type Console struct {
	Out io.Writer
}

// NewConsole creates a Console writing to out; nil means stderr.
func NewConsole(out io.Writer) *Console {
	if out == nil {
		out = os.Stderr
	}
	return &Console{Out: out}
}

// Present implements auth.Presenter.
func (c *Console) Present(authorizationURL *url.URL, _ *auth.FlowSession) error {
	_, err := fmt.Fprintf(c.Out, "\nPlease authorize this client by visiting:\n%s\n\n", authorizationURL)
	return err
}

// Fallback tries Primary and, if it fails, Secondary.
type Fallback struct {
	Primary   auth.Presenter
	Secondary auth.Presenter
	Logger    zerolog.Logger
}

// NewFallback opens the browser and prints the URL to out if that fails.
func NewFallback(out io.Writer, logger zerolog.Logger) *Fallback {
	return &Fallback{
		Primary:   NewBrowser(),
		Secondary: NewConsole(out),
		Logger:    logger,
	}
}

// Present implements auth.Presenter.
func (f *Fallback) Present(authorizationURL *url.URL, session *auth.FlowSession) error {
	err := f.Primary.Present(authorizationURL, session)
	if err == nil {
		return nil
	}
	f.Logger.Warn().Err(err).Msg("could not open browser automatically, printing URL instead")
	return f.Secondary.Present(authorizationURL, session)
}
