package driver

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"

	"github.com/moatless/drawbridge/internal/types"
)

// Maximum page source returned to callers (10MB). Challenge pages are tiny;
// anything larger is target content, and unbounded reads can exhaust memory
// on media-heavy sites.
const maxSourceSize = 10 * 1024 * 1024

// Session is a single-use browser identity: one browser, one stealth tab.
// The zero value is not usable; sessions come from Driver.NewSession.
type Session struct {
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher // nil when attached to an external browser
	cancel   context.CancelFunc
	closed   atomic.Bool
}

// Navigate drives the tab to the target URL and waits for the load event.
// A load wait failure is not fatal: challenge pages hold the load event
// open while their scripts run.
func (s *Session) Navigate(ctx context.Context, targetURL string) error {
	if s.closed.Load() {
		return types.ErrSessionClosed
	}

	page := s.page.Context(ctx)
	if err := page.Navigate(targetURL); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", targetURL, err)
	}
	if err := page.WaitLoad(); err != nil {
		log.Warn().Err(err).Msg("WaitLoad failed, continuing anyway")
	}
	return nil
}

// Title returns the current tab title. This is the probe the challenge
// waiter polls.
func (s *Session) Title(ctx context.Context) (string, error) {
	if s.closed.Load() {
		return "", types.ErrSessionClosed
	}

	info, err := s.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

// CurrentURL returns the tab URL after any redirects.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	if s.closed.Load() {
		return "", types.ErrSessionClosed
	}

	info, err := s.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

// Source returns the page HTML.
func (s *Session) Source(ctx context.Context) (string, error) {
	if s.closed.Load() {
		return "", types.ErrSessionClosed
	}

	html, err := s.page.Context(ctx).HTML()
	if err != nil {
		return "", err
	}
	if len(html) > maxSourceSize {
		log.Warn().
			Int("size", len(html)).
			Int("max", maxSourceSize).
			Msg("Page source truncated due to size limit")
		html = html[:maxSourceSize]
	}
	return html, nil
}

// SetCookies installs cookies into the browser. Call before Navigate so the
// first request already carries them. Installation goes through the raw
// Network.setCookie command per cookie: the typed batch call aborts on the
// first bad cookie, and one stale entry should not block the rest of the
// jar.
func (s *Session) SetCookies(ctx context.Context, cookies []types.Cookie) error {
	if s.closed.Load() {
		return types.ErrSessionClosed
	}

	params := cookieParams(cookies)
	if len(params) == 0 {
		return nil
	}

	page := s.page.Context(ctx)
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return fmt.Errorf("failed to enable network domain: %w", err)
	}

	installed := 0
	for _, param := range params {
		res, err := s.page.Call(ctx, string(s.page.SessionID), "Network.setCookie", param)
		if err != nil {
			return fmt.Errorf("failed to install cookie %q: %w", param.Name, err)
		}
		if v, has := gson.New(res).Gets("success"); has && !v.Bool() {
			log.Debug().Str("name", param.Name).Msg("Browser rejected cookie")
			continue
		}
		installed++
	}

	log.Debug().Int("cookie_count", installed).Msg("Cookies installed")
	return nil
}

// Cookies harvests every cookie the browser holds, across all domains the
// navigation touched. A tab-scoped read would miss cookies set by
// cross-origin challenge frames.
func (s *Session) Cookies(ctx context.Context) ([]types.Cookie, error) {
	if s.closed.Load() {
		return nil, types.ErrSessionClosed
	}

	harvested, err := s.browser.Context(ctx).GetCookies()
	if err != nil {
		return nil, fmt.Errorf("failed to read browser cookies: %w", err)
	}
	return fromNetworkCookies(harvested), nil
}

// Close tears the session down: the tab, the browser (or its incognito
// context when attached), and any launched process with its temp dirs.
// Close is idempotent; calls after the first return nil.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	var pageErr error
	if s.page != nil {
		pageErr = s.page.Close()
	}
	browserErr := s.browser.Close()

	if s.launcher != nil {
		if browserErr != nil {
			// The close request may never have reached the process. Kill
			// it so Cleanup cannot block waiting for an exit.
			s.launcher.Kill()
		}
		s.launcher.Cleanup()
	}

	if s.cancel != nil {
		s.cancel()
	}

	log.Debug().Msg("Browser session closed")
	return errors.Join(pageErr, browserErr)
}

// cookieParams converts stored cookies to the DevTools parameter shape.
// Cookies without a domain cannot round-trip through the protocol and are
// skipped.
func cookieParams(cookies []types.Cookie) []*proto.NetworkCookieParam {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		if c.Domain == "" {
			log.Debug().Str("name", c.Name).Msg("Skipping cookie without a domain")
			continue
		}

		path := c.Path
		if path == "" {
			path = "/"
		}

		param := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: proto.NetworkCookieSameSite(c.SameSite),
		}
		// The protocol key is "expires" where the persisted key is
		// "expiry". Without the conversion every restored cookie would
		// come back as a session cookie.
		if c.Expiry != nil {
			param.Expires = proto.TimeSinceEpoch(*c.Expiry)
		}
		params = append(params, param)
	}
	return params
}

// fromNetworkCookies converts harvested DevTools cookies to the stored
// shape. Session cookies report Expires -1 and carry no expiry.
func fromNetworkCookies(in []*proto.NetworkCookie) []types.Cookie {
	out := make([]types.Cookie, 0, len(in))
	for _, c := range in {
		cookie := types.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: string(c.SameSite),
		}
		if c.Expires > 0 {
			expiry := int64(c.Expires)
			cookie.Expiry = &expiry
		}
		out = append(out, cookie)
	}
	return out
}
