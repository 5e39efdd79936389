package navigator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/moatless/drawbridge/internal/challenge"
	"github.com/moatless/drawbridge/internal/config"
	"github.com/moatless/drawbridge/internal/scrappey"
	"github.com/moatless/drawbridge/internal/session"
	"github.com/moatless/drawbridge/internal/types"
)

func expiry(v int64) *int64 {
	return &v
}

// fakeSession scripts a browser session. Title returns the entries of
// titles in order, repeating the last one forever.
type fakeSession struct {
	mu sync.Mutex

	titles       []string
	titleIdx     int
	navErr       error
	setCookieErr error
	sourceErr    error
	cookiesErr   error
	closeErr     error

	source     string
	currentURL string
	harvest    []types.Cookie

	navigated   []string
	hydrated    [][]types.Cookie
	sourceCalls int
	closeCalls  int
}

func (s *fakeSession) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.navErr != nil {
		return s.navErr
	}
	s.navigated = append(s.navigated, url)
	return nil
}

func (s *fakeSession) Title(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.titles) == 0 {
		return "", nil
	}
	idx := s.titleIdx
	if idx >= len(s.titles) {
		idx = len(s.titles) - 1
	}
	s.titleIdx++
	return s.titles[idx], nil
}

func (s *fakeSession) Source(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sourceCalls++
	if s.sourceErr != nil {
		return "", s.sourceErr
	}
	return s.source, nil
}

func (s *fakeSession) CurrentURL(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentURL == "" {
		return "", errors.New("page info unavailable")
	}
	return s.currentURL, nil
}

func (s *fakeSession) SetCookies(ctx context.Context, cookies []types.Cookie) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setCookieErr != nil {
		return s.setCookieErr
	}
	s.hydrated = append(s.hydrated, cookies)
	return nil
}

func (s *fakeSession) Cookies(ctx context.Context) ([]types.Cookie, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cookiesErr != nil {
		return nil, s.cookiesErr
	}
	return s.harvest, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	return s.closeErr
}

func (s *fakeSession) closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

type fakeFactory struct {
	mu         sync.Mutex
	session    *fakeSession
	err        error
	userAgents []string
	created    int
}

func (f *fakeFactory) NewSession(ctx context.Context, userAgent string) (BrowserSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.created++
	f.userAgents = append(f.userAgents, userAgent)
	return f.session, nil
}

type fakeSolver struct {
	mu     sync.Mutex
	calls  []scrappey.SolveRequest
	result *scrappey.SolveResult
	err    error
	onCall func()
}

func (s *fakeSolver) SolveGet(ctx context.Context, req scrappey.SolveRequest) (*scrappey.SolveResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	onCall := s.onCall
	s.mu.Unlock()

	if onCall != nil {
		onCall()
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *fakeSolver) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestNavigator(t *testing.T, factory SessionFactory, solver Solver) (*Navigator, *config.Config) {
	t.Helper()

	cfg := &config.Config{
		DataPath:  filepath.Join(t.TempDir(), "session.json"),
		ProxyHost: "proxy.example",
		ProxyPort: 3128,
	}

	reg, err := challenge.NewRegistry("", false)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	n := New(cfg, factory, solver, challenge.NewDetector(reg), nil)
	n.waiter = n.waiter.WithInterval(10 * time.Millisecond)
	return n, cfg
}

func seedSessionData(t *testing.T, path string) {
	t.Helper()
	seed := &session.Data{
		UserAgent: "UA-persisted",
		Cookies: []types.Cookie{
			{Name: "live", Value: "1", Domain: "example.com", Path: "/", Expiry: expiry(time.Now().Unix() + 3600)},
			{Name: "dead", Value: "1", Domain: "example.com", Path: "/", Expiry: expiry(time.Now().Unix() - 10)},
		},
	}
	if err := session.Save(path, seed); err != nil {
		t.Fatalf("Failed to seed session data: %v", err)
	}
}

func solvedResult() *scrappey.SolveResult {
	return &scrappey.SolveResult{
		Solution: scrappey.Solution{
			Verified:   true,
			CurrentURL: "https://example.com/landed",
			StatusCode: 200,
			UserAgent:  "UA-X",
			Response:   "<html>solved</html>",
			Cookies: []scrappey.Cookie{
				{
					Name:     "cf_clearance",
					Value:    "tok",
					Domain:   ".example.com",
					Path:     "/",
					Expires:  expiry(4102444800),
					Secure:   true,
					HTTPOnly: true,
					SameSite: "none",
				},
			},
		},
		TimeElapsed: 5120,
	}
}

func TestGet_CleanPage(t *testing.T) {
	sess := &fakeSession{
		titles:     []string{"Example Domain"},
		source:     "<html>clean</html>",
		currentURL: "https://example.com/final",
		harvest:    []types.Cookie{{Name: "sid", Value: "abc", Domain: "example.com", Path: "/"}},
	}
	factory := &fakeFactory{session: sess}
	solver := &fakeSolver{}
	n, cfg := newTestNavigator(t, factory, solver)
	seedSessionData(t, cfg.DataPath)

	result, err := n.Get(context.Background(), types.NavigationRequest{
		URL:          "https://example.com/",
		MaxTimeoutMs: 300,
	})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if result.Status != 200 {
		t.Errorf("Expected status 200, got %d", result.Status)
	}
	if result.Body != "<html>clean</html>" {
		t.Errorf("Expected page source as body, got %q", result.Body)
	}
	if result.FinalURL != "https://example.com/final" {
		t.Errorf("Expected final URL from the browser, got %q", result.FinalURL)
	}
	if result.UserAgent != "UA-persisted" {
		t.Errorf("Expected persisted user agent, got %q", result.UserAgent)
	}
	if len(result.Cookies) != 1 || result.Cookies[0].Name != "sid" {
		t.Errorf("Expected harvested cookies, got %+v", result.Cookies)
	}

	if len(factory.userAgents) != 1 || factory.userAgents[0] != "UA-persisted" {
		t.Errorf("Expected session acquired with persisted user agent, got %v", factory.userAgents)
	}

	// The expired cookie must be swept before hydration.
	if len(sess.hydrated) != 1 {
		t.Fatalf("Expected one hydration, got %d", len(sess.hydrated))
	}
	if len(sess.hydrated[0]) != 1 || sess.hydrated[0][0].Name != "live" {
		t.Errorf("Expected only the live cookie hydrated, got %+v", sess.hydrated[0])
	}

	if sess.closes() != 1 {
		t.Errorf("Expected exactly one session release, got %d", sess.closes())
	}
	if solver.callCount() != 0 {
		t.Errorf("Expected no solver calls, got %d", solver.callCount())
	}

	// The harvest replaces the persisted jar.
	reloaded, err := session.Load(cfg.DataPath)
	if err != nil {
		t.Fatalf("Failed to reload session data: %v", err)
	}
	if len(reloaded.Cookies) != 1 || reloaded.Cookies[0].Name != "sid" {
		t.Errorf("Expected persisted jar replaced by harvest, got %+v", reloaded.Cookies)
	}
	if reloaded.UserAgent != "UA-persisted" {
		t.Errorf("Expected user agent untouched, got %q", reloaded.UserAgent)
	}
}

func TestGet_ChallengeClearsInBrowser(t *testing.T) {
	sess := &fakeSession{
		titles:  []string{"Just a moment...", "Just a moment...", "Example Domain"},
		source:  "<html>through</html>",
		harvest: []types.Cookie{{Name: "cf_clearance", Value: "browser-tok", Domain: ".example.com", Path: "/"}},
	}
	factory := &fakeFactory{session: sess}
	solver := &fakeSolver{}
	n, _ := newTestNavigator(t, factory, solver)

	result, err := n.Get(context.Background(), types.NavigationRequest{
		URL:          "https://example.com/",
		MaxTimeoutMs: 300,
	})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if result.Body != "<html>through</html>" {
		t.Errorf("Expected page source after the challenge cleared, got %q", result.Body)
	}
	if solver.callCount() != 0 {
		t.Errorf("Expected the browser to clear the challenge without the solver, got %d calls", solver.callCount())
	}
	if sess.closes() != 1 {
		t.Errorf("Expected exactly one session release, got %d", sess.closes())
	}
}

func TestGet_FallbackToSolver(t *testing.T) {
	sess := &fakeSession{
		titles: []string{"Just a moment..."},
	}
	factory := &fakeFactory{session: sess}

	var closedBeforeSolver bool
	solver := &fakeSolver{result: solvedResult()}
	solver.onCall = func() {
		closedBeforeSolver = sess.closes() == 1
	}

	n, cfg := newTestNavigator(t, factory, solver)
	seedSessionData(t, cfg.DataPath)

	result, err := n.Get(context.Background(), types.NavigationRequest{
		URL:          "https://example.com/",
		MaxTimeoutMs: 300,
	})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if solver.callCount() != 1 {
		t.Fatalf("Expected one solver call, got %d", solver.callCount())
	}
	call := solver.calls[0]
	if call.URL != "https://example.com/" {
		t.Errorf("Expected solver called with the target URL, got %q", call.URL)
	}
	if call.Proxy != "http://proxy.example:3128" {
		t.Errorf("Expected solver called with the upstream proxy, got %q", call.Proxy)
	}
	if !closedBeforeSolver {
		t.Error("Expected the browser session released before the solver ran")
	}

	if result.Body != "<html>solved</html>" {
		t.Errorf("Expected solver response as body, got %q", result.Body)
	}
	if result.FinalURL != "https://example.com/landed" {
		t.Errorf("Expected solver's final URL, got %q", result.FinalURL)
	}
	if result.UserAgent != "UA-X" {
		t.Errorf("Expected the solver's user agent adopted, got %q", result.UserAgent)
	}

	// Solver cookies supplement the existing jar.
	if len(result.Cookies) != 2 {
		t.Fatalf("Expected 2 cookies (live + cf_clearance), got %+v", result.Cookies)
	}
	if result.Cookies[0].Name != "live" || result.Cookies[1].Name != "cf_clearance" {
		t.Errorf("Expected solver cookie appended after the existing jar, got %+v", result.Cookies)
	}

	reloaded, err := session.Load(cfg.DataPath)
	if err != nil {
		t.Fatalf("Failed to reload session data: %v", err)
	}
	if reloaded.UserAgent != "UA-X" {
		t.Errorf("Expected adopted user agent persisted, got %q", reloaded.UserAgent)
	}
	if len(reloaded.Cookies) != 2 {
		t.Errorf("Expected merged jar persisted, got %+v", reloaded.Cookies)
	}
	if sess.closes() != 1 {
		t.Errorf("Expected exactly one session release, got %d", sess.closes())
	}
}

func TestGet_SolverError(t *testing.T) {
	sess := &fakeSession{
		titles: []string{"Just a moment..."},
	}
	factory := &fakeFactory{session: sess}
	solver := &fakeSolver{err: types.NewSolverHTTPError(types.CmdRequestGet, 503, errors.New("upstream busy"))}
	n, cfg := newTestNavigator(t, factory, solver)

	_, err := n.Get(context.Background(), types.NavigationRequest{
		URL:          "https://example.com/",
		MaxTimeoutMs: 300,
	})
	if err == nil {
		t.Fatal("Expected an error when the solver fails")
	}

	var navErr *types.NavigationError
	if !errors.As(err, &navErr) {
		t.Fatalf("Expected a NavigationError, got %T", err)
	}
	if navErr.Stage != "fallback" {
		t.Errorf("Expected fallback stage, got %q", navErr.Stage)
	}
	if !errors.Is(err, types.ErrSolverHTTP) {
		t.Error("Expected the solver error to be wrapped")
	}
	if sess.closes() != 1 {
		t.Errorf("Expected exactly one session release, got %d", sess.closes())
	}
	if _, statErr := os.Stat(cfg.DataPath); statErr != nil {
		t.Error("Expected session data flushed despite the failure")
	}
}

func TestGet_DdosGuardClears(t *testing.T) {
	sess := &fakeSession{
		titles:  []string{"DDoS-Guard", "Example Domain"},
		source:  "<html>through</html>",
		harvest: []types.Cookie{{Name: "__ddg1", Value: "tok", Domain: ".example.com", Path: "/"}},
	}
	factory := &fakeFactory{session: sess}
	solver := &fakeSolver{}
	n, _ := newTestNavigator(t, factory, solver)

	result, err := n.Get(context.Background(), types.NavigationRequest{
		URL:          "https://example.com/",
		MaxTimeoutMs: 300,
	})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if result.Body != "<html>through</html>" {
		t.Errorf("Expected page source after DDoS-Guard cleared, got %q", result.Body)
	}
	if solver.callCount() != 0 {
		t.Errorf("Expected no solver involvement for DDoS-Guard, got %d calls", solver.callCount())
	}
	if sess.closes() != 1 {
		t.Errorf("Expected exactly one session release, got %d", sess.closes())
	}
}

func TestGet_DdosGuardTimeoutIsTerminal(t *testing.T) {
	sess := &fakeSession{
		titles: []string{"DDoS-Guard"},
	}
	factory := &fakeFactory{session: sess}
	solver := &fakeSolver{result: solvedResult()}
	n, _ := newTestNavigator(t, factory, solver)

	_, err := n.Get(context.Background(), types.NavigationRequest{
		URL:          "https://example.com/",
		MaxTimeoutMs: 300,
	})
	if err == nil {
		t.Fatal("Expected an error when DDoS-Guard never clears")
	}

	var navErr *types.NavigationError
	if !errors.As(err, &navErr) {
		t.Fatalf("Expected a NavigationError, got %T", err)
	}
	if navErr.Stage != "wait" {
		t.Errorf("Expected wait stage, got %q", navErr.Stage)
	}
	if !errors.Is(err, types.ErrChallengeTimeout) {
		t.Error("Expected a challenge timeout error")
	}
	if solver.callCount() != 0 {
		t.Errorf("Expected no solver fallback for DDoS-Guard, got %d calls", solver.callCount())
	}
	if sess.closes() != 1 {
		t.Errorf("Expected exactly one session release, got %d", sess.closes())
	}
}

func TestGet_AcquireError(t *testing.T) {
	factory := &fakeFactory{err: errors.New("browser did not start")}
	solver := &fakeSolver{}
	n, cfg := newTestNavigator(t, factory, solver)

	_, err := n.Get(context.Background(), types.NavigationRequest{
		URL:          "https://example.com/",
		MaxTimeoutMs: 300,
	})
	if err == nil {
		t.Fatal("Expected an error when acquisition fails")
	}

	var navErr *types.NavigationError
	if !errors.As(err, &navErr) {
		t.Fatalf("Expected a NavigationError, got %T", err)
	}
	if navErr.Stage != "acquire" {
		t.Errorf("Expected acquire stage, got %q", navErr.Stage)
	}
	if !errors.Is(err, types.ErrDriverUnavailable) {
		t.Error("Expected a driver unavailable error")
	}
	if _, statErr := os.Stat(cfg.DataPath); statErr != nil {
		t.Error("Expected session data flushed even when no session was acquired")
	}
}

func TestGet_HydrateError(t *testing.T) {
	sess := &fakeSession{
		titles:       []string{"Example Domain"},
		setCookieErr: errors.New("cdp hiccup"),
	}
	factory := &fakeFactory{session: sess}
	n, _ := newTestNavigator(t, factory, &fakeSolver{})

	_, err := n.Get(context.Background(), types.NavigationRequest{
		URL:          "https://example.com/",
		MaxTimeoutMs: 300,
	})
	if err == nil {
		t.Fatal("Expected an error when hydration fails")
	}

	var navErr *types.NavigationError
	if !errors.As(err, &navErr) {
		t.Fatalf("Expected a NavigationError, got %T", err)
	}
	if navErr.Stage != "hydrate" {
		t.Errorf("Expected hydrate stage, got %q", navErr.Stage)
	}
	if sess.closes() != 1 {
		t.Errorf("Expected exactly one session release, got %d", sess.closes())
	}
}

func TestGet_NavigateError(t *testing.T) {
	sess := &fakeSession{
		navErr: errors.New("net::ERR_CONNECTION_REFUSED"),
	}
	factory := &fakeFactory{session: sess}
	n, _ := newTestNavigator(t, factory, &fakeSolver{})

	_, err := n.Get(context.Background(), types.NavigationRequest{
		URL:          "https://example.com/",
		MaxTimeoutMs: 300,
	})
	if err == nil {
		t.Fatal("Expected an error when navigation fails")
	}

	var navErr *types.NavigationError
	if !errors.As(err, &navErr) {
		t.Fatalf("Expected a NavigationError, got %T", err)
	}
	if navErr.Stage != "navigate" {
		t.Errorf("Expected navigate stage, got %q", navErr.Stage)
	}
	if sess.closes() != 1 {
		t.Errorf("Expected exactly one session release, got %d", sess.closes())
	}
}

func TestGet_ReturnOnlyCookies(t *testing.T) {
	sess := &fakeSession{
		titles:  []string{"Example Domain"},
		source:  "<html>should never be read</html>",
		harvest: []types.Cookie{{Name: "sid", Value: "abc", Domain: "example.com", Path: "/"}},
	}
	factory := &fakeFactory{session: sess}
	n, _ := newTestNavigator(t, factory, &fakeSolver{})

	result, err := n.Get(context.Background(), types.NavigationRequest{
		URL:               "https://example.com/",
		MaxTimeoutMs:      300,
		ReturnOnlyCookies: true,
	})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if result.Body != "" {
		t.Errorf("Expected empty body, got %q", result.Body)
	}
	if sess.sourceCalls != 0 {
		t.Errorf("Expected the page source never serialized, got %d calls", sess.sourceCalls)
	}
	if len(result.Cookies) != 1 {
		t.Errorf("Expected cookies still returned, got %+v", result.Cookies)
	}
}

func TestGet_ReleaseErrorReported(t *testing.T) {
	sess := &fakeSession{
		titles:   []string{"Example Domain"},
		closeErr: errors.New("browser refused to die"),
	}
	factory := &fakeFactory{session: sess}
	n, _ := newTestNavigator(t, factory, &fakeSolver{})

	result, err := n.Get(context.Background(), types.NavigationRequest{
		URL:          "https://example.com/",
		MaxTimeoutMs: 300,
	})
	if err == nil {
		t.Fatal("Expected an error when release fails after success")
	}
	if result != nil {
		t.Error("Expected no result when release fails")
	}

	var navErr *types.NavigationError
	if !errors.As(err, &navErr) {
		t.Fatalf("Expected a NavigationError, got %T", err)
	}
	if navErr.Stage != "release" {
		t.Errorf("Expected release stage, got %q", navErr.Stage)
	}
}

func TestGet_WorkErrorWinsOverReleaseError(t *testing.T) {
	sess := &fakeSession{
		navErr:   errors.New("net::ERR_TIMED_OUT"),
		closeErr: errors.New("browser refused to die"),
	}
	factory := &fakeFactory{session: sess}
	n, _ := newTestNavigator(t, factory, &fakeSolver{})

	_, err := n.Get(context.Background(), types.NavigationRequest{
		URL:          "https://example.com/",
		MaxTimeoutMs: 300,
	})

	var navErr *types.NavigationError
	if !errors.As(err, &navErr) {
		t.Fatalf("Expected a NavigationError, got %T", err)
	}
	if navErr.Stage != "navigate" {
		t.Errorf("Expected the first error to win, got stage %q", navErr.Stage)
	}
}

func TestGet_TeardownErrorAbortsFallback(t *testing.T) {
	sess := &fakeSession{
		titles:   []string{"Just a moment..."},
		closeErr: errors.New("browser refused to die"),
	}
	factory := &fakeFactory{session: sess}
	solver := &fakeSolver{result: solvedResult()}
	n, _ := newTestNavigator(t, factory, solver)

	_, err := n.Get(context.Background(), types.NavigationRequest{
		URL:          "https://example.com/",
		MaxTimeoutMs: 300,
	})
	if err == nil {
		t.Fatal("Expected an error when teardown before the fallback fails")
	}

	var navErr *types.NavigationError
	if !errors.As(err, &navErr) {
		t.Fatalf("Expected a NavigationError, got %T", err)
	}
	if navErr.Stage != "release" {
		t.Errorf("Expected release stage, got %q", navErr.Stage)
	}
	if solver.callCount() != 0 {
		t.Errorf("Expected no solver call after a failed teardown, got %d", solver.callCount())
	}
}

func TestGet_ZeroTimeoutUsesDefault(t *testing.T) {
	sess := &fakeSession{
		titles: []string{"Example Domain"},
		source: "<html>clean</html>",
	}
	factory := &fakeFactory{session: sess}
	n, _ := newTestNavigator(t, factory, &fakeSolver{})

	result, err := n.Get(context.Background(), types.NavigationRequest{
		URL: "https://example.com/",
	})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if result.Status != 200 {
		t.Errorf("Expected status 200, got %d", result.Status)
	}
}

func TestGet_SessionReleasedOnEveryPath(t *testing.T) {
	tests := []struct {
		name    string
		session *fakeSession
		solver  *fakeSolver
		wantErr bool
	}{
		{
			name: "clean_page",
			session: &fakeSession{
				titles: []string{"Example Domain"},
				source: "<html>ok</html>",
			},
			solver: &fakeSolver{},
		},
		{
			name: "source_error",
			session: &fakeSession{
				titles:    []string{"Example Domain"},
				sourceErr: errors.New("tab crashed"),
			},
			solver:  &fakeSolver{},
			wantErr: true,
		},
		{
			name: "cookie_harvest_error",
			session: &fakeSession{
				titles:     []string{"Example Domain"},
				cookiesErr: errors.New("tab crashed"),
			},
			solver:  &fakeSolver{},
			wantErr: true,
		},
		{
			name: "ddos_guard_timeout",
			session: &fakeSession{
				titles: []string{"DDoS-Guard"},
			},
			solver:  &fakeSolver{},
			wantErr: true,
		},
		{
			name: "fallback_success",
			session: &fakeSession{
				titles: []string{"Just a moment..."},
			},
			solver: &fakeSolver{result: solvedResult()},
		},
		{
			name: "fallback_error",
			session: &fakeSession{
				titles: []string{"Just a moment..."},
			},
			solver:  &fakeSolver{err: errors.New("solver down")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory := &fakeFactory{session: tt.session}
			n, _ := newTestNavigator(t, factory, tt.solver)

			_, err := n.Get(context.Background(), types.NavigationRequest{
				URL:          "https://example.com/",
				MaxTimeoutMs: 300,
			})
			if tt.wantErr && err == nil {
				t.Fatal("Expected an error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Expected success, got %v", err)
			}

			if got := tt.session.closes(); got != 1 {
				t.Errorf("Expected exactly one session release, got %d", got)
			}
		})
	}
}

func TestGet_FlushOnEveryTerminalState(t *testing.T) {
	tests := []struct {
		name    string
		factory *fakeFactory
		solver  *fakeSolver
	}{
		{
			name: "clean_page",
			factory: &fakeFactory{session: &fakeSession{
				titles: []string{"Example Domain"},
				source: "<html>ok</html>",
			}},
			solver: &fakeSolver{},
		},
		{
			name:    "acquire_error",
			factory: &fakeFactory{err: errors.New("no browser")},
			solver:  &fakeSolver{},
		},
		{
			name: "navigate_error",
			factory: &fakeFactory{session: &fakeSession{
				navErr: errors.New("dns failure"),
			}},
			solver: &fakeSolver{},
		},
		{
			name: "ddos_guard_timeout",
			factory: &fakeFactory{session: &fakeSession{
				titles: []string{"DDoS-Guard"},
			}},
			solver: &fakeSolver{},
		},
		{
			name: "fallback_success",
			factory: &fakeFactory{session: &fakeSession{
				titles: []string{"Just a moment..."},
			}},
			solver: &fakeSolver{result: solvedResult()},
		},
		{
			name: "fallback_error",
			factory: &fakeFactory{session: &fakeSession{
				titles: []string{"Just a moment..."},
			}},
			solver: &fakeSolver{err: errors.New("solver down")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, cfg := newTestNavigator(t, tt.factory, tt.solver)

			n.Get(context.Background(), types.NavigationRequest{
				URL:          "https://example.com/",
				MaxTimeoutMs: 300,
			})

			if _, err := os.Stat(cfg.DataPath); err != nil {
				t.Errorf("Expected session data flushed, stat failed: %v", err)
			}
		})
	}
}
