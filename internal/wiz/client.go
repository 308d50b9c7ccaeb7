// Package wiz is a client of the Wiz GraphQL API limited to the cloud
// resource reports wizvms collects virtual machines from.
package wiz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const (
	DefaultAuthURL  = "https://auth.app.wiz.io/oauth/token"
	DefaultAudience = "wiz-api"
	DefaultTimeout  = 60 * time.Second
	DefaultRetries  = 3
)

var (
	ErrUnauthorized = errors.New("wiz: unauthorized")
	ErrReportFailed = errors.New("wiz: report run failed")
)

type Config struct {
	AuthURL      string
	APIURL       string
	ClientID     string
	ClientSecret string
	Audience     string
	// RateLimit is the number of API requests per second, 0 means no limit.
	RateLimit float64
	// Timeout of a single HTTP request.
	Timeout time.Duration
	// Retries of a request failing with a network error, 429 or 5xx.
	Retries int
	// InitialBackoff is the first retry delay; it grows exponentially.
	InitialBackoff time.Duration
	// HTTPClient is the base client used for the token, the API and the
	// downloads. http.DefaultClient when nil.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the Wiz API. The access token is obtained with the OAuth2
// client credentials grant, cached and refreshed when it expires.
type Client struct {
	apiURL  string
	api     *http.Client
	plain   *http.Client
	tokens  oauth2.TokenSource
	limiter *rate.Limiter
	retries uint64
	backoff time.Duration
	logger  *slog.Logger
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	apiURL, err := url.Parse(cfg.APIURL)
	if err != nil {
		return nil, fmt.Errorf("parsing api url: %w", err)
	}
	if apiURL.Scheme == "" || apiURL.Host == "" {
		return nil, fmt.Errorf("api url %q needs a scheme and a host, e.g. https://api.us1.app.wiz.io/graphql", cfg.APIURL)
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("wiz client id and secret are required")
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.Audience == "" {
		cfg.Audience = DefaultAudience
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	base := cfg.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.AuthURL,
		EndpointParams: url.Values{
			"audience": {cfg.Audience},
		},
		AuthStyle: oauth2.AuthStyleInParams,
	}

	// the token source outlives ctx, it must only carry the base client
	tokenCtx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, base)
	tokens := cc.TokenSource(tokenCtx)

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &Client{
		apiURL: apiURL.String(),
		api: &http.Client{
			Transport: &oauth2.Transport{Source: tokens, Base: base.Transport},
			Timeout:   cfg.Timeout,
		},
		// reports may be large, downloads are bound by ctx only
		plain: &http.Client{
			Transport: base.Transport,
		},
		tokens:  tokens,
		limiter: rate.NewLimiter(limit, 1),
		retries: uint64(cfg.Retries),
		backoff: cfg.InitialBackoff,
		logger:  logger.With("component", "wiz"),
	}, nil
}

// Host is the host name of the API endpoint. It is used as the host of
// emitted events.
func (c *Client) Host() string {
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return c.apiURL
	}
	return u.Host
}

// Authenticate obtains an access token, so bad credentials are reported
// before any report is created.
func (c *Client) Authenticate(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.tokens.Token()
	if err != nil {
		return tokenError(err)
	}
	c.logger.DebugContext(ctx, "access token obtained")
	return nil
}

func tokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		switch re.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: obtaining access token: status %d", ErrUnauthorized, re.Response.StatusCode)
		}
	}
	return fmt.Errorf("obtaining access token: %w", err)
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []GraphQLError  `json:"errors"`
}

// GraphQLError is an entry of the errors array of a GraphQL response.
type GraphQLError struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
	Ext     struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

func (e GraphQLError) Error() string {
	if e.Ext.Code != "" {
		return fmt.Sprintf("wiz graphql: %s (%s)", e.Message, e.Ext.Code)
	}
	return "wiz graphql: " + e.Message
}

// statusError is an unexpected HTTP status.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("unexpected status %d", e.status)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.backoff
	b.MaxInterval = 30 * c.backoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, c.retries), ctx)
}

// retry runs op until it succeeds, fails permanently, the retries are
// exhausted or ctx is done. Every attempt waits on the rate limiter.
func (c *Client) retry(ctx context.Context, name string, op func() error) error {
	attempt := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		return op()
	}
	notify := func(err error, next time.Duration) {
		c.logger.WarnContext(ctx, "wiz request failed: retrying", "request", name, "error", err, "next", next)
	}
	return backoff.RetryNotify(attempt, c.newBackOff(ctx), notify)
}

// query executes a GraphQL operation and decodes its data into out.
func (c *Client) query(ctx context.Context, name, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", name, err)
	}

	err = c.retry(ctx, name, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.api.Do(req)
		if err != nil {
			var re *oauth2.RetrieveError
			if errors.As(err, &re) {
				return backoff.Permanent(tokenError(err))
			}
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		return decodeResponse(resp, out)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func decodeResponse(resp *http.Response, out any) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return backoff.Permanent(fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &statusError{status: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return backoff.Permanent(&statusError{status: resp.StatusCode, body: strings.TrimSpace(string(b))})
	}

	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to parse response content type header: %w", err))
	}
	if contentType != "application/json" && contentType != "application/graphql-response+json" {
		return backoff.Permanent(fmt.Errorf("expected `application/json` content type, got: %s", contentType))
	}

	var gr graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return backoff.Permanent(fmt.Errorf("decoding json response failed: %w", err))
	}
	if len(gr.Errors) > 0 {
		errs := make([]error, len(gr.Errors))
		for i, e := range gr.Errors {
			errs[i] = e
		}
		return backoff.Permanent(errors.Join(errs...))
	}
	if len(gr.Data) == 0 || string(gr.Data) == "null" {
		return backoff.Permanent(errors.New("response contains no data"))
	}
	if err := json.Unmarshal(gr.Data, out); err != nil {
		return backoff.Permanent(fmt.Errorf("decoding data: %w", err))
	}
	return nil
}
