package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/naotama2002/nativeauth-go/internal/errors"
	"github.com/naotama2002/nativeauth-go/internal/httpclient"
)

// sharedFetchTimeout bounds a coalesced fetch, which no single caller can cancel.
const sharedFetchTimeout = 30 * time.Second

// DiscoveryStrategy derives a metadata document URL from an issuer.
type DiscoveryStrategy interface {
	WellKnownURL(issuer string) (string, error)
	Name() string
}

// OpenIDConnectDiscovery appends /.well-known/openid-configuration to the
// issuer, keeping any issuer path (OpenID Connect Discovery 1.0 Section 4).
type OpenIDConnectDiscovery struct{}

func (OpenIDConnectDiscovery) Name() string {
	return "OpenID Connect Discovery"
}

func (OpenIDConnectDiscovery) WellKnownURL(issuer string) (string, error) {
	u, err := parseIssuer(issuer)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/.well-known/openid-configuration"
	return u.String(), nil
}

// AuthorizationServerDiscovery inserts /.well-known/oauth-authorization-server
// before the issuer path (RFC 8414 Section 3.1).
type AuthorizationServerDiscovery struct{}

func (AuthorizationServerDiscovery) Name() string {
	return "OAuth 2.0 Authorization Server Metadata (RFC 8414)"
}

func (AuthorizationServerDiscovery) WellKnownURL(issuer string) (string, error) {
	u, err := parseIssuer(issuer)
	if err != nil {
		return "", err
	}
	u.Path = "/.well-known/oauth-authorization-server" + strings.TrimSuffix(u.Path, "/")
	return u.String(), nil
}

func parseIssuer(issuer string) (*url.URL, error) {
	u, err := url.Parse(issuer)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindInvalidRequest, "invalid issuer URL")
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, apperrors.New(apperrors.KindInvalidRequest, fmt.Sprintf("issuer must be an absolute URL: %q", issuer))
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// Discoverer fetches provider metadata. Each fetch is a single GET; callers
// that want retries must retry themselves. Concurrent fetches of the same URL
// share one request.
type Discoverer struct {
	http   *httpclient.Client
	logger zerolog.Logger

	group singleflight.Group

	cacheTTL time.Duration
	cacheMu  sync.RWMutex
	cache    map[string]*discoveryCacheEntry
}

type discoveryCacheEntry struct {
	config    *ServiceConfiguration
	fetchedAt time.Time
}

// DiscovererOption configures a Discoverer.
type DiscovererOption func(*Discoverer)

// WithDiscoveryLogger sets the logger.
func WithDiscoveryLogger(logger zerolog.Logger) DiscovererOption {
	return func(d *Discoverer) {
		d.logger = logger
	}
}

// WithDiscoveryHTTPClient sets the HTTP client whose Transport and Timeout are used.
func WithDiscoveryHTTPClient(c *http.Client) DiscovererOption {
	return func(d *Discoverer) {
		cfg := httpclient.DefaultConfig()
		cfg.Timeout = c.Timeout
		cfg.Transport = c.Transport
		d.http = httpclient.New(cfg)
	}
}

// WithDiscoveryCacheTTL keeps successful results for ttl. Zero disables caching.
func WithDiscoveryCacheTTL(ttl time.Duration) DiscovererOption {
	return func(d *Discoverer) {
		d.cacheTTL = ttl
	}
}

// NewDiscoverer creates a Discoverer.
func NewDiscoverer(opts ...DiscovererOption) *Discoverer {
	d := &Discoverer{
		http:   httpclient.New(nil),
		logger: zerolog.Nop(),
		cache:  make(map[string]*discoveryCacheEntry),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DiscoverIssuer fetches the OpenID Connect discovery document of issuer.
func (d *Discoverer) DiscoverIssuer(ctx context.Context, issuer string) (*ServiceConfiguration, error) {
	return d.DiscoverWith(ctx, OpenIDConnectDiscovery{}, issuer)
}

// DiscoverAuthorizationServer fetches the RFC 8414 metadata of issuer.
func (d *Discoverer) DiscoverAuthorizationServer(ctx context.Context, issuer string) (*ServiceConfiguration, error) {
	return d.DiscoverWith(ctx, AuthorizationServerDiscovery{}, issuer)
}

// DiscoverWith fetches the document located by strategy.
func (d *Discoverer) DiscoverWith(ctx context.Context, strategy DiscoveryStrategy, issuer string) (*ServiceConfiguration, error) {
	wellKnownURL, err := strategy.WellKnownURL(issuer)
	if err != nil {
		return nil, err
	}
	d.logger.Debug().Str("strategy", strategy.Name()).Str("url", wellKnownURL).Msg("discovering provider metadata")
	return d.DiscoverURL(ctx, wellKnownURL)
}

// DiscoverURL fetches a discovery document from discoveryURL as-is.
func (d *Discoverer) DiscoverURL(ctx context.Context, discoveryURL string) (*ServiceConfiguration, error) {
	if cfg := d.cached(discoveryURL); cfg != nil {
		return cfg, nil
	}

	// the shared fetch outlives any single caller; each caller stops waiting
	// when its own ctx is done
	fetchCtx := context.WithoutCancel(ctx)
	ch := d.group.DoChan(discoveryURL, func() (interface{}, error) {
		reqCtx, cancel := context.WithTimeout(fetchCtx, sharedFetchTimeout)
		defer cancel()
		cfg, err := d.fetch(reqCtx, discoveryURL)
		if err == nil && d.cacheTTL > 0 {
			d.cacheMu.Lock()
			d.cache[discoveryURL] = &discoveryCacheEntry{config: cfg, fetchedAt: time.Now()}
			d.cacheMu.Unlock()
		}
		return cfg, err
	})

	select {
	case <-ctx.Done():
		return nil, apperrors.Wrap(ctx.Err(), apperrors.KindCancelled, fmt.Sprintf("discovery of %s cancelled", discoveryURL))
	case res := <-ch:
		if res.Shared {
			d.logger.Debug().Str("url", discoveryURL).Msg("shared in-flight discovery request")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ServiceConfiguration), nil
	}
}

func (d *Discoverer) cached(discoveryURL string) *ServiceConfiguration {
	if d.cacheTTL <= 0 {
		return nil
	}
	d.cacheMu.RLock()
	defer d.cacheMu.RUnlock()
	if entry, ok := d.cache[discoveryURL]; ok && time.Since(entry.fetchedAt) < d.cacheTTL {
		return entry.config
	}
	return nil
}

func (d *Discoverer) fetch(ctx context.Context, discoveryURL string) (*ServiceConfiguration, error) {
	resp, err := d.http.Get(ctx, discoveryURL, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindTransport, fmt.Sprintf("failed to fetch discovery document from %s", discoveryURL))
	}
	defer func() { _ = resp.SafeClose() }()

	if !resp.IsSuccess() {
		return nil, apperrors.FromHTTPStatus(resp.StatusCode,
			fmt.Sprintf("discovery document request to %s returned HTTP %d", discoveryURL, resp.StatusCode))
	}

	var doc DiscoveryDocument
	if err := json.Unmarshal(resp.BodyBytes, &doc); err != nil {
		msg := fmt.Sprintf("failed to parse discovery document from %s", discoveryURL)
		if !resp.IsJSON() {
			msg += fmt.Sprintf(" (content type %q)", resp.Header.Get("Content-Type"))
		}
		return nil, apperrors.Wrap(err, apperrors.KindMalformedResponse, msg)
	}
	if !resp.IsJSON() {
		d.logger.Debug().Str("content_type", resp.Header.Get("Content-Type")).Msg("discovery document served without a JSON content type")
	}

	cfg, err := NewServiceConfigurationFromDocument(&doc)
	if err != nil {
		return nil, err
	}
	d.logger.Info().Str("issuer", doc.Issuer).Msg("discovered provider metadata")
	return cfg, nil
}
