package types

import (
	"fmt"
	"net/url"
	"strings"
)

// Request validation limits.
const (
	MaxCmdLength       = 64
	MaxURLLength       = 8192
	MaxPostDataLength  = 256 * 1024 // 256KB
	MaxTimeoutMs       = 600000     // 10 minutes in milliseconds
	DefaultMaxTimeout  = 60000      // milliseconds, applied when the request omits maxTimeout
	MaxCookieNameLen   = 256
	MaxCookieValueLen  = 4096
	MaxCookieDomainLen = 256
	MaxCookiePathLen   = 2048
)

// Request represents an incoming API request.
// This matches the FlareSolverr API specification.
type Request struct {
	Cmd               string `json:"cmd"`
	URL               string `json:"url,omitempty"`
	Session           string `json:"session,omitempty"`
	SessionTTL        int    `json:"session_ttl_minutes,omitempty"`
	MaxTimeout        int    `json:"maxTimeout,omitempty"`
	PostData          string `json:"postData,omitempty"`
	ReturnOnlyCookies bool   `json:"returnOnlyCookies,omitempty"`

	// Part of the wire format but without effect here: the browser always
	// rides the configured upstream through the bridge, and its cookie jar
	// is the persisted one.
	Proxy   *Proxy           `json:"proxy,omitempty"`
	Cookies []SolutionCookie `json:"cookies,omitempty"`

	// Accepted for wire compatibility but deprecated upstream; a warning is
	// logged and the value is ignored.
	Headers       map[string]string `json:"headers,omitempty"`
	UserAgent     string            `json:"userAgent,omitempty"`
	ReturnRawHTML bool              `json:"returnRawHtml,omitempty"`
	Download      bool              `json:"download,omitempty"`
}

// Proxy is the per-request proxy block of the wire format.
type Proxy struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Validate validates the request and returns an error if invalid.
func (r *Request) Validate() error {
	if r.Cmd == "" {
		return fmt.Errorf("cmd is required")
	}
	if len(r.Cmd) > MaxCmdLength {
		return fmt.Errorf("cmd exceeds maximum length of %d", MaxCmdLength)
	}

	switch r.Cmd {
	case CmdRequestGet, CmdRequestPost, CmdSessionsCreate, CmdSessionsList, CmdSessionsDestroy:
		// Known command; sessions.* are rejected later with a dedicated message.
	default:
		return fmt.Errorf("unknown command: %q", r.Cmd)
	}

	if r.Cmd == CmdRequestGet || r.Cmd == CmdRequestPost {
		if r.URL == "" {
			return ErrURLRequired
		}
	}

	if r.URL != "" {
		if len(r.URL) > MaxURLLength {
			return fmt.Errorf("url exceeds maximum length of %d", MaxURLLength)
		}
		u, err := url.Parse(r.URL)
		if err != nil {
			return fmt.Errorf("invalid url: %w", err)
		}
		scheme := strings.ToLower(u.Scheme)
		if scheme != "http" && scheme != "https" {
			return fmt.Errorf("url scheme must be http or https, got: %q", scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("url must be absolute")
		}
	}

	if r.MaxTimeout < 0 {
		return fmt.Errorf("maxTimeout cannot be negative")
	}
	if r.MaxTimeout > MaxTimeoutMs {
		return fmt.Errorf("maxTimeout exceeds maximum of %d ms", MaxTimeoutMs)
	}

	if r.Cmd == CmdRequestPost && r.PostData == "" {
		return ErrPostDataRequired
	}
	if len(r.PostData) > MaxPostDataLength {
		return fmt.Errorf("postData exceeds maximum length of %d", MaxPostDataLength)
	}

	return nil
}

// Response represents an API response envelope.
// This matches the FlareSolverr API specification.
type Response struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	StartTime int64     `json:"startTimestamp"`
	EndTime   int64     `json:"endTimestamp"`
	Version   string    `json:"version"`
	Solution  *Solution `json:"solution,omitempty"`
}

// Solution contains the result of a successful solve. Headers stays
// present on the wire even when empty; clients index into it blindly.
type Solution struct {
	URL       string            `json:"url"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Response  string            `json:"response"`
	Cookies   []SolutionCookie  `json:"cookies"`
	UserAgent string            `json:"userAgent"`
}

// SolutionCookie is the API-facing cookie shape. Expires is seconds since
// epoch as a float, -1 for session cookies, mirroring the compatibility
// target.
type SolutionCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	Session  bool    `json:"session,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Cookie is the canonical cookie record. Its JSON form is the persisted
// layout: expiry is seconds since epoch and is absent for session cookies.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain,omitempty"`
	Path     string `json:"path,omitempty"`
	Expiry   *int64 `json:"expiry,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"http_only,omitempty"`
	SameSite string `json:"same_site,omitempty"`
}

// CookieKey is the identity tuple used for deduplication.
type CookieKey struct {
	Name   string
	Domain string
	Path   string
}

// Key returns the cookie's identity tuple.
func (c Cookie) Key() CookieKey {
	return CookieKey{Name: c.Name, Domain: c.Domain, Path: c.Path}
}

// Expired reports whether the cookie is dead at the given Unix time.
// Cookies without an expiry are session cookies and never expire here.
func (c Cookie) Expired(now int64) bool {
	return c.Expiry != nil && *c.Expiry <= now
}

// Solution converts the cookie to its API-facing shape.
func (c Cookie) Solution() SolutionCookie {
	sc := SolutionCookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Expires:  -1,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		Session:  c.Expiry == nil,
		SameSite: c.SameSite,
	}
	if c.Expiry != nil {
		sc.Expires = float64(*c.Expiry)
	}
	return sc
}

// SolutionCookies converts a cookie slice to its API-facing shape.
func SolutionCookies(cookies []Cookie) []SolutionCookie {
	out := make([]SolutionCookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, c.Solution())
	}
	return out
}

// NavigationRequest is the navigator's input, derived from an API request.
type NavigationRequest struct {
	URL               string
	MaxTimeoutMs      int
	ReturnOnlyCookies bool
}

// NavigationResult is the navigator's output. Status is 200 unless the
// fallback solver reported otherwise; the browser driver does not expose
// HTTP status codes.
type NavigationResult struct {
	FinalURL  string
	Status    int
	Body      string
	Cookies   []Cookie
	UserAgent string
	Headers   map[string]string
}

// Commands supported by the API.
const (
	CmdRequestGet      = "request.get"
	CmdRequestPost     = "request.post"
	CmdSessionsCreate  = "sessions.create"
	CmdSessionsList    = "sessions.list"
	CmdSessionsDestroy = "sessions.destroy"
)

// Status values for API responses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)
