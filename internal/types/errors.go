// Package types provides shared types, interfaces, and errors for the application.
package types

import "errors"

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Request errors
	ErrBadRequest       = errors.New("bad request")
	ErrURLRequired      = errors.New("url is required")
	ErrInvalidCommand   = errors.New("invalid command")
	ErrPostDataRequired = errors.New("postData is required for POST requests")

	// Browser driver errors
	ErrDriverUnavailable = errors.New("browser driver unavailable")
	ErrSessionClosed     = errors.New("browser session already closed")
	ErrNavigationFailed  = errors.New("navigation failed")

	// Challenge errors
	ErrChallengeTimeout = errors.New("challenge resolution timed out")

	// Proxy bridge errors
	ErrMalformedRequestLine = errors.New("malformed proxy request line")
	ErrUpstreamRefused      = errors.New("upstream proxy refused the request")

	// Fallback solver errors
	ErrSolverUnconfigured = errors.New("fallback solver not configured: API key missing")
	ErrSolverHTTP         = errors.New("solver request failed")
	ErrSolverParse        = errors.New("solver response is not valid JSON")

	// Persistence errors
	ErrSessionDataMissing = errors.New("session data file not found")
)

// NavigationError provides detailed information about navigation failures.
// It implements the error interface and supports error unwrapping.
type NavigationError struct {
	Stage   string // Failed stage: "acquire", "hydrate", "navigate", "detect", "wait", "extract", "fallback", "release"
	URL     string // The URL being navigated
	Message string // Human-readable error message
	Err     error  // Underlying error (for unwrapping)
}

// Error implements the error interface.
func (e *NavigationError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *NavigationError) Unwrap() error {
	return e.Err
}

// NewAcquireError creates an error for browser session acquisition failures.
func NewAcquireError(url string, err error) *NavigationError {
	return &NavigationError{
		Stage:   "acquire",
		URL:     url,
		Message: "Failed to acquire a browser session. Check that the browser driver is reachable.",
		Err:     errors.Join(ErrDriverUnavailable, err),
	}
}

// NewHydrateError creates an error for cookie hydration failures.
func NewHydrateError(url string, err error) *NavigationError {
	return &NavigationError{
		Stage:   "hydrate",
		URL:     url,
		Message: "Failed to install persisted cookies into the browser session.",
		Err:     errors.Join(ErrNavigationFailed, err),
	}
}

// NewNavigateError creates an error for navigation failures.
func NewNavigateError(url string, err error) *NavigationError {
	return &NavigationError{
		Stage:   "navigate",
		URL:     url,
		Message: "The browser failed to navigate to the target URL.",
		Err:     errors.Join(ErrNavigationFailed, err),
	}
}

// NewDetectError creates an error for title probe failures during
// challenge classification.
func NewDetectError(url string, err error) *NavigationError {
	return &NavigationError{
		Stage:   "detect",
		URL:     url,
		Message: "The browser failed to report the page title for challenge detection.",
		Err:     errors.Join(ErrNavigationFailed, err),
	}
}

// NewChallengeTimeoutError creates an error for challenge timeout.
func NewChallengeTimeoutError(url, kind string) *NavigationError {
	return &NavigationError{
		Stage:   "wait",
		URL:     url,
		Message: "The " + kind + " challenge did not clear within the allowed time.",
		Err:     ErrChallengeTimeout,
	}
}

// NewExtractError creates an error for page extraction failures.
func NewExtractError(url string, err error) *NavigationError {
	return &NavigationError{
		Stage:   "extract",
		URL:     url,
		Message: "Failed to extract the resolved page from the browser.",
		Err:     errors.Join(ErrNavigationFailed, err),
	}
}

// NewFallbackError creates an error for fallback solver failures.
func NewFallbackError(url string, err error) *NavigationError {
	return &NavigationError{
		Stage:   "fallback",
		URL:     url,
		Message: "The external solver could not resolve the challenge.",
		Err:     err,
	}
}

// NewReleaseError creates an error for browser teardown failures.
func NewReleaseError(url string, err error) *NavigationError {
	return &NavigationError{
		Stage:   "release",
		URL:     url,
		Message: "The browser session did not shut down cleanly.",
		Err:     err,
	}
}

// SolverError provides detailed information about fallback solver failures.
type SolverError struct {
	Op      string // The operation that failed: "balance", "request.get", "request.post"
	Status  int    // HTTP status from the solver, 0 if the call never completed
	Message string // Human-readable error message
	Err     error  // Underlying error
}

// Error implements the error interface.
func (e *SolverError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error.
func (e *SolverError) Unwrap() error {
	return e.Err
}

// NewSolverHTTPError creates an error for solver transport failures.
func NewSolverHTTPError(op string, status int, err error) *SolverError {
	return &SolverError{
		Op:      op,
		Status:  status,
		Message: "Solver call " + op + " failed.",
		Err:     errors.Join(ErrSolverHTTP, err),
	}
}

// NewSolverParseError creates an error for malformed solver responses.
func NewSolverParseError(op string, err error) *SolverError {
	return &SolverError{
		Op:      op,
		Message: "Solver call " + op + " returned a response that could not be decoded.",
		Err:     errors.Join(ErrSolverParse, err),
	}
}

// PersistenceError provides detailed information about session store failures.
type PersistenceError struct {
	Op   string // "load" or "save"
	Path string // The file involved
	Err  error  // Underlying error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return "session data " + e.Op + " failed: " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NewPersistenceError creates an error for session store failures.
func NewPersistenceError(op, path string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Path: path, Err: err}
}
