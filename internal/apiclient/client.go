// Package apiclient is a JSON HTTP client whose calls run through the remote
// retry recipe. Every base URL gets its own circuit breaker keyed api:<host>.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/NikhilSetiya/recoverykit/pkg/errors"
	"github.com/NikhilSetiya/recoverykit/pkg/logging"
	"github.com/NikhilSetiya/recoverykit/pkg/recovery"
	"github.com/NikhilSetiya/recoverykit/pkg/tracing"
)

// maxErrorBody bounds how much of an error response ends up in an error message
const maxErrorBody = 512

// Config holds the client settings
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Request describes one API call. Body is encoded as JSON when set.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   interface{}
}

// Response is a fully read API response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v
func (r *Response) Decode(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return errors.NewValidationError("failed to decode response").WithCause(err)
	}
	return nil
}

// Client calls a single JSON API
type Client struct {
	baseURL    *url.URL
	userAgent  string
	httpClient *http.Client
	strategy   *recovery.ErrorRecoveryStrategy
	logger     *logging.Logger
	tracer     *tracing.TracingService
	signer     *tokenSigner
	oauth      *clientcredentials.Config
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithLogger sets the client logger
func WithLogger(logger *logging.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTracer adds a client span per HTTP round trip
func WithTracer(tracer *tracing.TracingService) Option {
	return func(c *Client) {
		c.tracer = tracer
	}
}

// WithServiceToken authenticates with an HS256 bearer token signed with key
func WithServiceToken(issuer string, key []byte, ttl time.Duration) Option {
	return func(c *Client) {
		c.signer = newTokenSigner(issuer, key, ttl)
	}
}

// WithOAuth2 authenticates with the client credentials grant
func WithOAuth2(config clientcredentials.Config) Option {
	return func(c *Client) {
		c.oauth = &config
	}
}

// NewClient creates an API client
func NewClient(config Config, strategy *recovery.ErrorRecoveryStrategy, opts ...Option) (*Client, error) {
	base, err := url.Parse(config.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid base URL %q", errors.ErrInvalidArgument, config.BaseURL)
	}
	if strategy == nil {
		return nil, fmt.Errorf("%w: recovery strategy is required", errors.ErrInvalidArgument)
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = "recoverykit"
	}

	c := &Client{
		baseURL:   base,
		userAgent: config.UserAgent,
		strategy:  strategy,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.GetLogger()
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: config.Timeout}
	}
	c.httpClient = c.tracer.InstrumentHTTPClient(c.httpClient)

	if c.oauth != nil {
		// token requests share the instrumented transport
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, c.httpClient)
		oauthClient := c.oauth.Client(tokenCtx)
		oauthClient.Timeout = c.httpClient.Timeout
		c.httpClient = oauthClient
	}

	return c, nil
}

// Endpoint names the API host for circuit breaking
func (c *Client) Endpoint() string {
	return "api:" + c.baseURL.Host
}

// Do performs req with remote retry behind the host's breaker
func (c *Client) Do(ctx context.Context, testName string, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	var payload []byte
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, errors.NewValidationError("failed to marshal request body").WithCause(err)
		}
		payload = encoded
	}

	rc := recovery.ForRemoteCall(c, testName).
		WithComponent("APIClient").
		WithOperation(req.Method + " " + req.Path)

	return recovery.WithRemoteRetry(ctx, c.strategy, rc, func(ctx context.Context) (*Response, error) {
		return c.roundTrip(ctx, req, payload)
	})
}

// GetJSON fetches path and decodes the JSON response into out
func (c *Client) GetJSON(ctx context.Context, testName, path string, out interface{}) error {
	resp, err := c.Do(ctx, testName, Request{Method: http.MethodGet, Path: path})
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// PostJSON sends body and decodes the JSON response into out when out is non-nil
func (c *Client) PostJSON(ctx context.Context, testName, path string, body, out interface{}) error {
	resp, err := c.Do(ctx, testName, Request{Method: http.MethodPost, Path: path, Body: body})
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	return resp.Decode(out)
}

func (c *Client) roundTrip(ctx context.Context, req Request, payload []byte) (*Response, error) {
	target := c.resolve(req)

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, errors.NewValidationError("failed to create request").WithCause(err)
	}

	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.signer != nil {
		token, err := c.signer.Token(c.baseURL.Host)
		if err != nil {
			return nil, errors.NewInternalError("failed to sign service token").WithCause(err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(c.Endpoint(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	c.logger.Debug("API call completed",
		"endpoint", c.Endpoint(),
		"method", req.Method,
		"path", req.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
	}
	return nil, statusError(c.Endpoint(), req, resp, data)
}

func (c *Client) resolve(req Request) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}
	return u.String()
}

// classifyTransportError keeps network errors classifiable and turns token
// endpoint rejections into authentication failures
func classifyTransportError(endpoint string, err error) error {
	var retrieve *oauth2.RetrieveError
	if stderrors.As(err, &retrieve) {
		if retrieve.Response != nil && retrieve.Response.StatusCode >= 500 {
			return errors.NewUnavailableError(endpoint, "token endpoint unavailable").WithCause(err)
		}
		return errors.NewAuthenticationError("token endpoint rejected client credentials").WithCause(err)
	}
	return fmt.Errorf("request to %s failed: %w", endpoint, err)
}

// statusError maps a non-2xx response onto the error taxonomy
func statusError(endpoint string, req Request, resp *http.Response, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > maxErrorBody {
		cut := maxErrorBody
		for cut > 0 && !utf8.RuneStart(snippet[cut]) {
			cut--
		}
		snippet = snippet[:cut]
	}
	message := fmt.Sprintf("%s %s returned status %d", req.Method, req.Path, resp.StatusCode)
	if snippet != "" {
		message += ": " + snippet
	}

	var appErr *errors.AppError
	switch {
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		appErr = errors.NewTimeoutError(fmt.Sprintf("%s %s", req.Method, req.Path))
	case resp.StatusCode == http.StatusTooManyRequests:
		appErr = errors.NewRateLimitError(message)
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil {
				appErr.WithDetail("retry_after", (time.Duration(seconds) * time.Second).String())
			}
		}
	case resp.StatusCode >= 500:
		appErr = errors.NewUnavailableError(endpoint, message)
	case resp.StatusCode == http.StatusUnauthorized:
		appErr = errors.NewAuthenticationError(message)
	case resp.StatusCode == http.StatusForbidden:
		appErr = errors.NewAuthorizationError(message)
	case resp.StatusCode == http.StatusNotFound:
		appErr = errors.NewNotFoundError(req.Path)
	case resp.StatusCode == http.StatusConflict:
		appErr = errors.NewConflictError(message)
	default:
		appErr = errors.NewValidationError(message)
	}
	return appErr.WithDetail("status_code", strconv.Itoa(resp.StatusCode))
}
