// Package navigator drives a navigation end to end: acquire a browser
// session, hydrate the persisted identity into it, navigate, wait out
// challenge interstitials, and either extract the resolved page or hand
// the target to the external solver.
//
// Every navigation reaches exactly one terminal state, releases its
// browser session exactly once, and flushes the session data before
// returning, whether it succeeded or not.
package navigator

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/moatless/drawbridge/internal/challenge"
	"github.com/moatless/drawbridge/internal/config"
	"github.com/moatless/drawbridge/internal/driver"
	"github.com/moatless/drawbridge/internal/metrics"
	"github.com/moatless/drawbridge/internal/scrappey"
	"github.com/moatless/drawbridge/internal/security"
	"github.com/moatless/drawbridge/internal/session"
	"github.com/moatless/drawbridge/internal/stats"
	"github.com/moatless/drawbridge/internal/types"
)

// BrowserSession is one acquired browser identity. *driver.Session is the
// production implementation.
type BrowserSession interface {
	Navigate(ctx context.Context, url string) error
	Title(ctx context.Context) (string, error)
	Source(ctx context.Context) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	SetCookies(ctx context.Context, cookies []types.Cookie) error
	Cookies(ctx context.Context) ([]types.Cookie, error)
	Close() error
}

// SessionFactory acquires browser sessions.
type SessionFactory interface {
	NewSession(ctx context.Context, userAgent string) (BrowserSession, error)
}

// Solver resolves challenges the browser could not clear.
type Solver interface {
	SolveGet(ctx context.Context, req scrappey.SolveRequest) (*scrappey.SolveResult, error)
}

// DriverFactory adapts the concrete browser driver to SessionFactory.
type DriverFactory struct {
	Driver *driver.Driver
}

// NewSession acquires a browser session from the underlying driver.
func (f DriverFactory) NewSession(ctx context.Context, userAgent string) (BrowserSession, error) {
	s, err := f.Driver.NewSession(ctx, userAgent)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Navigator owns the navigation state machine. Sessions are acquired per
// navigation and never reused; the persisted identity is what carries
// state across requests.
type Navigator struct {
	cfg      *config.Config
	factory  SessionFactory
	solver   Solver
	detector *challenge.Detector
	waiter   *challenge.Waiter
	stats    *stats.Manager
}

// New creates a Navigator. The solver must be non-nil; an unconfigured
// solver client fails the fallback with ErrSolverUnconfigured, which is
// the desired behavior when no API key is set. The stats manager may be
// nil.
func New(cfg *config.Config, factory SessionFactory, solver Solver, detector *challenge.Detector, statsMgr *stats.Manager) *Navigator {
	return &Navigator{
		cfg:      cfg,
		factory:  factory,
		solver:   solver,
		detector: detector,
		waiter:   challenge.NewWaiter(detector),
		stats:    statsMgr,
	}
}

// Get resolves req.URL and returns the final page state. The whole
// navigation is bounded by req.MaxTimeoutMs.
func (n *Navigator) Get(ctx context.Context, req types.NavigationRequest) (*types.NavigationResult, error) {
	budget := time.Duration(req.MaxTimeoutMs) * time.Millisecond
	if budget <= 0 {
		budget = time.Duration(types.DefaultMaxTimeout) * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	started := time.Now()

	data := n.loadData()
	data.Sweep(time.Now())

	result, outcome, err := n.run(ctx, req, budget, data)

	// Every terminal state flushes the session data. A flush failure is
	// logged and never overrides the navigation outcome.
	if saveErr := session.Save(n.cfg.DataPath, data); saveErr != nil {
		log.Error().
			Err(saveErr).
			Str("path", n.cfg.DataPath).
			Msg("Failed to persist session data")
	}

	metrics.RecordNavigation(outcome)
	if n.stats != nil {
		n.stats.RecordNavigation(req.URL, outcome, time.Since(started))
	}

	if err != nil {
		return nil, err
	}
	return result, nil
}

// run acquires the browser session and guarantees its release. The first
// error observed is the one reported; a release failure after an earlier
// error is only logged.
func (n *Navigator) run(ctx context.Context, req types.NavigationRequest, budget time.Duration, data *session.Data) (*types.NavigationResult, string, error) {
	sess, err := n.factory.NewSession(ctx, data.UserAgent)
	if err != nil {
		return nil, stats.OutcomeFailed, types.NewAcquireError(req.URL, err)
	}

	guard := &sessionGuard{sess: sess}

	result, outcome, err := n.drive(ctx, req, budget, guard, data)

	releaseErr := guard.release()
	if err != nil {
		if releaseErr != nil {
			log.Warn().Err(releaseErr).Msg("Browser release failed after an earlier error")
		}
		return nil, stats.OutcomeFailed, err
	}
	if releaseErr != nil {
		return nil, stats.OutcomeFailed, types.NewReleaseError(req.URL, releaseErr)
	}
	return result, outcome, nil
}

// drive walks the state machine: hydrate, navigate, classify, wait,
// then extract or fall back.
func (n *Navigator) drive(ctx context.Context, req types.NavigationRequest, budget time.Duration, guard *sessionGuard, data *session.Data) (*types.NavigationResult, string, error) {
	sess := guard.sess

	if err := sess.SetCookies(ctx, data.Cookies); err != nil {
		return nil, stats.OutcomeFailed, types.NewHydrateError(req.URL, err)
	}

	log.Info().Str("url", security.RedactURL(req.URL)).Msg("Navigating")
	if err := sess.Navigate(ctx, req.URL); err != nil {
		return nil, stats.OutcomeFailed, types.NewNavigateError(req.URL, err)
	}

	kind, title, err := n.classify(ctx, sess, req.URL)
	if err != nil {
		return nil, stats.OutcomeFailed, err
	}

	// One third of the budget per wait leaves room for the fallback when
	// the browser cannot clear the challenge itself.
	waitBudget := budget / 3

	if kind == challenge.KindDdosGuard {
		n.noteChallenge(req.URL, kind)
		log.Info().Str("title", title).Msg("DDoS-Guard interstitial detected")

		if err := n.waiter.Wait(ctx, sess, kind, waitBudget); err != nil {
			// The solver only fronts Cloudflare; a DDoS-Guard timeout is
			// terminal.
			metrics.RecordChallengeFailed(kind.String())
			return nil, stats.OutcomeFailed, types.NewChallengeTimeoutError(req.URL, kind.String())
		}
		metrics.RecordChallengeSolved(kind.String(), "browser")

		// DDoS-Guard fronts Cloudflare on some targets, so the cleared
		// page gets classified again before it counts as clean.
		kind, title, err = n.classify(ctx, sess, req.URL)
		if err != nil {
			return nil, stats.OutcomeFailed, err
		}
	}

	if kind == challenge.KindCloudflare {
		n.noteChallenge(req.URL, kind)
		log.Info().Str("title", title).Msg("Cloudflare interstitial detected")

		if err := n.waiter.Wait(ctx, sess, kind, waitBudget); err != nil {
			log.Warn().Err(err).Msg("Challenge did not clear in the browser, invoking the solver")

			// The local browser is done; the solver runs its own. Tear it
			// down first so the two never overlap.
			if relErr := guard.release(); relErr != nil {
				return nil, stats.OutcomeFailed, types.NewReleaseError(req.URL, relErr)
			}
			return n.fallback(ctx, req, data)
		}
		metrics.RecordChallengeSolved(kind.String(), "browser")
	}

	result, err := n.extract(ctx, req, sess, data)
	if err != nil {
		return nil, stats.OutcomeFailed, err
	}
	return result, stats.OutcomeBrowser, nil
}

// classify reads the tab title and maps it to an interstitial kind.
func (n *Navigator) classify(ctx context.Context, sess BrowserSession, rawURL string) (challenge.Kind, string, error) {
	title, err := sess.Title(ctx)
	if err != nil {
		return challenge.KindNone, "", types.NewDetectError(rawURL, err)
	}
	return n.detector.Classify(title), title, nil
}

// fallback hands the target to the external solver with whatever time is
// left on ctx. Solver cookies supplement the jar rather than replace it:
// they come from a different browser and carry only what that solve
// minted.
func (n *Navigator) fallback(ctx context.Context, req types.NavigationRequest, data *session.Data) (*types.NavigationResult, string, error) {
	log.Info().Str("url", security.RedactURL(req.URL)).Msg("Invoking the external solver")

	solved, err := n.solver.SolveGet(ctx, scrappey.SolveRequest{
		URL:   req.URL,
		Proxy: n.cfg.ProxyURL(),
	})
	if err != nil {
		metrics.RecordSolverCall(types.CmdRequestGet, "error")
		metrics.RecordChallengeFailed(challenge.KindCloudflare.String())
		return nil, stats.OutcomeFailed, types.NewFallbackError(req.URL, err)
	}
	metrics.RecordSolverCall(types.CmdRequestGet, "ok")
	metrics.RecordChallengeSolved(challenge.KindCloudflare.String(), "solver")

	sol := solved.Solution
	data.Merge(scrappey.CanonicalCookies(sol.Cookies))
	data.AdoptUserAgent(sol.UserAgent)

	finalURL := sol.CurrentURL
	if finalURL == "" {
		finalURL = req.URL
	}
	status := sol.StatusCode
	if status == 0 {
		status = 200
	}
	body := sol.Response
	if req.ReturnOnlyCookies {
		body = ""
	}

	result := &types.NavigationResult{
		FinalURL:  finalURL,
		Status:    status,
		Body:      body,
		Cookies:   append([]types.Cookie(nil), data.Cookies...),
		UserAgent: data.UserAgent,
		Headers:   sol.Headers(),
	}

	log.Info().
		Int("status", status).
		Int("cookies", len(result.Cookies)).
		Int64("elapsed_ms", solved.TimeElapsed).
		Msg("External solver resolved the challenge")

	return result, stats.OutcomeSolver, nil
}

// extract pulls the final page state out of the browser. The harvested
// cookies replace the persisted jar: the browser state after navigation
// supersedes whatever was hydrated in.
func (n *Navigator) extract(ctx context.Context, req types.NavigationRequest, sess BrowserSession, data *session.Data) (*types.NavigationResult, error) {
	var body string
	if !req.ReturnOnlyCookies {
		var err error
		body, err = sess.Source(ctx)
		if err != nil {
			return nil, types.NewExtractError(req.URL, err)
		}
	}

	harvested, err := sess.Cookies(ctx)
	if err != nil {
		return nil, types.NewExtractError(req.URL, err)
	}

	// A failed URL probe is tolerated; the request URL is close enough.
	finalURL := req.URL
	if current, err := sess.CurrentURL(ctx); err == nil && current != "" {
		finalURL = current
	}

	data.Replace(harvested)

	result := &types.NavigationResult{
		FinalURL:  finalURL,
		Status:    200, // the browser driver exposes no response status
		Body:      body,
		Cookies:   append([]types.Cookie(nil), harvested...),
		UserAgent: data.UserAgent,
	}

	log.Info().
		Str("url", security.RedactURL(finalURL)).
		Int("cookies", len(harvested)).
		Msg("Navigation completed in the browser")

	return result, nil
}

// loadData reads the persisted identity, starting fresh when the file is
// missing or unreadable.
func (n *Navigator) loadData() *session.Data {
	data, err := session.Load(n.cfg.DataPath)
	if err != nil {
		if errors.Is(err, types.ErrSessionDataMissing) {
			log.Debug().Str("path", n.cfg.DataPath).Msg("No session data yet, starting fresh")
		} else {
			log.Warn().Err(err).Str("path", n.cfg.DataPath).Msg("Failed to load session data, starting fresh")
		}
		return session.New()
	}
	return data
}

// noteChallenge records a detected interstitial in metrics and stats.
func (n *Navigator) noteChallenge(rawURL string, kind challenge.Kind) {
	metrics.RecordChallengeDetected(kind.String())
	if n.stats != nil {
		n.stats.RecordChallenge(rawURL, kind.String())
	}
}

// sessionGuard releases the browser session exactly once no matter which
// path leaves the state machine.
type sessionGuard struct {
	sess     BrowserSession
	released bool
}

// release closes the session on first call and is a no-op afterwards.
func (g *sessionGuard) release() error {
	if g.released {
		return nil
	}
	g.released = true
	return g.sess.Close()
}
