// Package scrappey is a client for the Scrappey challenge-solving service,
// the fallback used when the browser cannot clear a challenge on its own.
package scrappey

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/moatless/drawbridge/internal/types"
)

const (
	defaultEndpoint = "https://publisher.scrappey.com/api/v1"

	// The HTTP timeout must exceed the largest solve budget a caller may
	// pass, otherwise the client cuts off solves the context still allows.
	defaultTimeout = 630 * time.Second

	// Solver responses carry the solved page's HTML.
	maxResponseBytes = 20 * 1024 * 1024
)

// Client talks to the Scrappey API. The API key travels as a query
// parameter, so request URLs must never be logged verbatim.
type Client struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

// Config contains configuration for the solver client.
type Config struct {
	APIKey   string
	Timeout  time.Duration
	Endpoint string // Override for testing
}

// New creates a solver client. An empty API key yields an unconfigured
// client whose calls fail with ErrSolverUnconfigured.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	return &Client{
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// IsConfigured returns true if an API key is set.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// SolveRequest are the parameters for a solve. Only URL is required; the
// command is chosen by SolveGet or SolvePost.
type SolveRequest struct {
	URL           string            `json:"url"`
	PostData      string            `json:"postData,omitempty"`
	Session       string            `json:"session,omitempty"`
	Proxy         string            `json:"proxy,omitempty"`
	ProxyCountry  string            `json:"proxyCountry,omitempty"`
	CookieJar     []Cookie          `json:"cookiejar,omitempty"`
	Cookies       string            `json:"cookies,omitempty"`
	CustomHeaders map[string]string `json:"customHeaders,omitempty"`
	RequestType   string            `json:"requestType,omitempty"`
}

// solvePayload is the wire shape: the request fields with the command
// flattened in.
type solvePayload struct {
	Cmd string `json:"cmd"`
	SolveRequest
}

// SolveResult is the service's response envelope.
type SolveResult struct {
	Solution    Solution `json:"solution"`
	TimeElapsed int64    `json:"timeElapsed,omitempty"`
	Data        string   `json:"data,omitempty"`
	Session     string   `json:"session,omitempty"`
}

// Solution carries whatever the service recovered: cookies, user agent,
// response body, and request metadata.
type Solution struct {
	Verified        bool              `json:"verified,omitempty"`
	CurrentURL      string            `json:"currentUrl,omitempty"`
	StatusCode      int               `json:"statusCode,omitempty"`
	UserAgent       string            `json:"userAgent,omitempty"`
	InnerText       string            `json:"innerText,omitempty"`
	LocalStorage    map[string]string `json:"localStorageData,omitempty"`
	Cookies         []Cookie          `json:"cookies,omitempty"`
	CookieString    string            `json:"cookieString,omitempty"`
	Response        string            `json:"response,omitempty"`
	ResponseHeaders map[string]any    `json:"responseHeaders,omitempty"`
	RequestHeaders  map[string]any    `json:"requestHeaders,omitempty"`
	RequestBody     string            `json:"requestBody,omitempty"`
	IPInfo          map[string]any    `json:"ipInfo,omitempty"`
	Method          string            `json:"method,omitempty"`
	Type            string            `json:"type,omitempty"`
}

// Headers flattens the response headers to strings for the API envelope.
func (s *Solution) Headers() map[string]string {
	if len(s.ResponseHeaders) == 0 {
		return nil
	}
	out := make(map[string]string, len(s.ResponseHeaders))
	for k, v := range s.ResponseHeaders {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// Cookie is the service's cookie shape. Expires is seconds since epoch,
// absent for session cookies.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain"`
	Path     string `json:"path"`
	Expires  *int64 `json:"expires,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	SameSite string `json:"sameSite,omitempty"`
}

// Canonical converts the cookie to the canonical record.
func (c Cookie) Canonical() types.Cookie {
	return types.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Expiry:   c.Expires,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
		SameSite: normalizeSameSite(c.SameSite),
	}
}

// CanonicalCookies converts service cookies to canonical records.
func CanonicalCookies(in []Cookie) []types.Cookie {
	out := make([]types.Cookie, 0, len(in))
	for _, c := range in {
		out = append(out, c.Canonical())
	}
	return out
}

// normalizeSameSite maps the service's free-form sameSite strings onto the
// protocol's casing. Unknown values are dropped.
func normalizeSameSite(s string) string {
	switch s {
	case "lax", "Lax", "LAX":
		return "Lax"
	case "strict", "Strict", "STRICT":
		return "Strict"
	case "none", "None", "NONE":
		return "None"
	default:
		return ""
	}
}

// Balance returns the number of requests remaining on the account.
func (c *Client) Balance(ctx context.Context) (int64, error) {
	if !c.IsConfigured() {
		return 0, types.ErrSolverUnconfigured
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/balance?key="+url.QueryEscape(c.apiKey), nil)
	if err != nil {
		return 0, types.NewSolverHTTPError("balance", 0, err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, types.NewSolverHTTPError("balance", 0, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, types.NewSolverHTTPError("balance", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, types.NewSolverHTTPError("balance", resp.StatusCode, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet(respBody)))
	}

	var bal struct {
		Balance int64 `json:"balance"`
	}
	if err := json.Unmarshal(respBody, &bal); err != nil {
		return 0, types.NewSolverParseError("balance", err)
	}

	return bal.Balance, nil
}

// SolveGet asks the service to fetch the URL and clear whatever challenge
// guards it.
func (c *Client) SolveGet(ctx context.Context, req SolveRequest) (*SolveResult, error) {
	return c.solve(ctx, types.CmdRequestGet, req)
}

// SolvePost is SolveGet with a request body.
func (c *Client) SolvePost(ctx context.Context, req SolveRequest) (*SolveResult, error) {
	return c.solve(ctx, types.CmdRequestPost, req)
}

func (c *Client) solve(ctx context.Context, cmd string, req SolveRequest) (*SolveResult, error) {
	if !c.IsConfigured() {
		return nil, types.ErrSolverUnconfigured
	}

	body, err := json.Marshal(solvePayload{Cmd: cmd, SolveRequest: req})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"?key="+url.QueryEscape(c.apiKey), bytes.NewReader(body))
	if err != nil {
		return nil, types.NewSolverHTTPError(cmd, 0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	log.Debug().
		Str("cmd", cmd).
		Str("url", req.URL).
		Msg("Dispatching to external solver")
	start := time.Now()

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, types.NewSolverHTTPError(cmd, 0, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, types.NewSolverHTTPError(cmd, resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewSolverHTTPError(cmd, resp.StatusCode, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet(respBody)))
	}

	var result SolveResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, types.NewSolverParseError(cmd, err)
	}

	log.Debug().
		Str("cmd", cmd).
		Dur("duration", time.Since(start)).
		Bool("verified", result.Solution.Verified).
		Int("status_code", result.Solution.StatusCode).
		Int("cookie_count", len(result.Solution.Cookies)).
		Msg("External solver responded")

	return &result, nil
}

// snippet trims a response body for inclusion in error messages.
func snippet(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
