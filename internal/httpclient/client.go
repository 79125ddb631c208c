package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/naotama2002/nativeauth-go/internal/errors"
)

const tracerName = "github.com/naotama2002/nativeauth-go/internal/httpclient"

var jsonMediaType = contenttype.NewMediaType("application/json")

// Config holds HTTP client configuration
type Config struct {
	Timeout        time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	DefaultHeaders map[string]string
	// MaxBodySize caps buffered response bodies; zero means DefaultMaxBodySize.
	MaxBodySize int64
	// Transport overrides the underlying round tripper, mostly for tests.
	Transport http.RoundTripper
}

// DefaultMaxBodySize is the response body cap when Config.MaxBodySize is zero.
const DefaultMaxBodySize = 1 << 20

// DefaultConfig returns a default HTTP client configuration with retries off
func DefaultConfig() *Config {
	return &Config{
		Timeout:     30 * time.Second,
		MaxRetries:  0,
		RetryDelay:  time.Second,
		MaxBodySize: DefaultMaxBodySize,
		DefaultHeaders: map[string]string{
			"Accept": "application/json",
		},
	}
}

// Client wraps http.Client with tracing and response buffering
type Client struct {
	httpClient *http.Client
	config     *Config
	tracer     trace.Tracer
}

// New creates a new HTTP client with the given configuration
func New(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: config.Transport,
		},
		config: config,
		tracer: otel.Tracer(tracerName),
	}
}

// Request represents an HTTP request
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	// Body is a string, []byte, io.Reader, url.Values, or a value encoded as JSON.
	Body interface{}
	// BasicAuth, when set, is sent as the Authorization header.
	BasicAuth *BasicAuth
}

// BasicAuth holds HTTP basic credentials
type BasicAuth struct {
	Username string
	Password string
}

// Response represents an HTTP response with its body fully read
type Response struct {
	*http.Response
	BodyBytes []byte
}

// SafeClose safely closes the response body
func (r *Response) SafeClose() error {
	if r.Response == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// JSON unmarshals the response body into the provided interface
func (r *Response) JSON(v interface{}) error {
	if len(r.BodyBytes) == 0 {
		return fmt.Errorf("empty response body")
	}
	return json.Unmarshal(r.BodyBytes, v)
}

// String returns the response body as a string
func (r *Response) String() string {
	return string(r.BodyBytes)
}

// IsSuccess reports whether the status is 2xx
func (r *Response) IsSuccess() bool {
	return r.Response != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// IsJSON reports whether the response declares a JSON media type.
// A missing Content-Type is treated as JSON since several providers omit it.
func (r *Response) IsJSON() bool {
	if r.Response == nil {
		return false
	}
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return true
	}
	mt, err := contenttype.ParseMediaType(ct)
	if err != nil {
		return false
	}
	if mt.Matches(jsonMediaType) {
		return true
	}
	// application/*+json (e.g. jwk-set+json)
	return mt.Type == "application" && strings.HasSuffix(mt.Subtype, "+json")
}

// Do performs an HTTP request. Any HTTP status is returned as a Response;
// only failures to obtain a response are returned as errors, and those are
// transport errors.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, apperrors.Wrap(ctx.Err(), apperrors.KindTransport, "request cancelled")
			case <-time.After(c.config.RetryDelay):
			}
		}

		resp, err := c.doSingle(ctx, req)
		if err == nil && resp.StatusCode < http.StatusInternalServerError {
			return resp, nil
		}
		if err == nil {
			// 5xx: retry if attempts remain, otherwise hand the response back
			if attempt == c.config.MaxRetries {
				return resp, nil
			}
			_ = resp.SafeClose()
			continue
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, apperrors.Wrap(ctx.Err(), apperrors.KindTransport, "request cancelled")
		}
	}

	return nil, apperrors.Wrap(lastErr, apperrors.KindTransport,
		fmt.Sprintf("request failed after %d attempts", c.config.MaxRetries+1))
}

// doSingle performs a single HTTP request inside a client span
func (c *Client) doSingle(ctx context.Context, req *Request) (resp *Response, err error) {
	ctx, span := c.tracer.Start(ctx, "HTTP "+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.full", redactURL(req.URL)),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
			if resp.StatusCode >= 400 {
				span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
			} else {
				span.SetStatus(codes.Ok, "")
			}
		}
		span.End()
	}()

	bodyReader, contentType, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	for key, value := range c.config.DefaultHeaders {
		httpReq.Header.Set(key, value)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	if req.BasicAuth != nil {
		httpReq.SetBasicAuth(req.BasicAuth.Username, req.BasicAuth.Password)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}

	limit := c.config.MaxBodySize
	if limit <= 0 {
		limit = DefaultMaxBodySize
	}
	bodyBytes, err := io.ReadAll(io.LimitReader(httpResp.Body, limit+1))
	if err != nil {
		_ = httpResp.Body.Close()
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(bodyBytes)) > limit {
		_ = httpResp.Body.Close()
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}

	return &Response{
		Response:  httpResp,
		BodyBytes: bodyBytes,
	}, nil
}

func encodeBody(body interface{}) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		return strings.NewReader(b), "", nil
	case []byte:
		return bytes.NewReader(b), "", nil
	case url.Values:
		return strings.NewReader(b.Encode()), "application/x-www-form-urlencoded", nil
	case io.Reader:
		return b, "", nil
	default:
		jsonBytes, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal request body: %w", err)
		}
		return bytes.NewReader(jsonBytes), "application/json", nil
	}
}

// redactURL drops the query so that codes and tokens never reach span attributes.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.String()
}

// Get performs a GET request
func (c *Client) Get(ctx context.Context, rawURL string, headers map[string]string) (*Response, error) {
	return c.Do(ctx, &Request{
		Method:  http.MethodGet,
		URL:     rawURL,
		Headers: headers,
	})
}

// PostJSON performs a POST request with a JSON-encoded body
func (c *Client) PostJSON(ctx context.Context, rawURL string, body interface{}, headers map[string]string) (*Response, error) {
	return c.Do(ctx, &Request{
		Method:  http.MethodPost,
		URL:     rawURL,
		Headers: headers,
		Body:    body,
	})
}

// PostForm performs a POST request with form data
func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values, headers map[string]string, basic *BasicAuth) (*Response, error) {
	return c.Do(ctx, &Request{
		Method:    http.MethodPost,
		URL:       rawURL,
		Headers:   headers,
		Body:      form,
		BasicAuth: basic,
	})
}
