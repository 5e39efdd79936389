// Package driver manages headless Chrome over the DevTools protocol.
//
// Every navigation gets a session of its own: a dedicated browser process
// (or an isolated incognito context when attaching to an external browser)
// with a single stealth tab. Sessions are never pooled or reused.
package driver

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"

	"github.com/moatless/drawbridge/internal/config"
	"github.com/moatless/drawbridge/internal/security"
)

// Window dimensions presented to target sites. The launcher window size and
// the device metrics override must agree; a mismatch is itself a detection
// signal.
const (
	viewportWidth  = 1280
	viewportHeight = 720
)

// Driver creates browser sessions. It holds no browser state of its own;
// every NewSession call launches or attaches to a browser for that session
// alone.
type Driver struct {
	cfg        *config.Config
	bridgeAddr string
}

// New creates a driver. bridgeAddr is the local proxy bridge listener the
// browser routes through; the browser never sees the real upstream proxy or
// its credentials.
func New(cfg *config.Config, bridgeAddr string) *Driver {
	return &Driver{cfg: cfg, bridgeAddr: bridgeAddr}
}

// NewSession starts a browser session presenting the given user agent.
// The context bounds acquisition only; the session outlives it and must be
// closed by the caller once the navigation is done.
func (d *Driver) NewSession(ctx context.Context, userAgent string) (*Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	// The session carries its own lifetime so teardown still works after
	// the request context expires.
	sessionCtx, cancel := context.WithCancel(context.Background())

	var (
		browser *rod.Browser
		l       *launcher.Launcher
		err     error
	)
	if d.cfg.DriverURL != "" {
		browser, err = d.attach(sessionCtx)
	} else {
		browser, l, err = d.launch(sessionCtx)
	}
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Session{browser: browser, launcher: l, cancel: cancel}

	page, err := stealth.Page(browser)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to open stealth page: %w", err)
	}
	s.page = page

	// Cookies are only valid alongside the user agent they were minted
	// with, so a session that cannot present it is refused outright.
	if userAgent != "" {
		if err := (proto.NetworkSetUserAgentOverride{UserAgent: userAgent}).Call(page); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to set user agent: %w", err)
		}
	}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             viewportWidth,
		Height:            viewportHeight,
		DeviceScaleFactor: 1,
		Mobile:            false,
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to set viewport")
	}

	log.Debug().Msg("Browser session ready")
	return s, nil
}

// launch starts a dedicated browser process for one session.
func (d *Driver) launch(ctx context.Context) (*rod.Browser, *launcher.Launcher, error) {
	l := d.createLauncher()

	controlURL, err := l.Launch()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	log.Debug().Msg("Browser launched")
	return browser, l, nil
}

// attach connects to an externally managed browser and carves out an
// incognito context so the session's cookie jar stays isolated from
// whatever else lives there.
func (d *Driver) attach(ctx context.Context) (*rod.Browser, error) {
	parent := rod.New().ControlURL(d.cfg.DriverURL).Context(ctx)
	if err := parent.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser at %s: %w", security.RedactURL(d.cfg.DriverURL), err)
	}

	browser, err := parent.Incognito()
	if err != nil {
		return nil, fmt.Errorf("failed to create incognito context: %w", err)
	}

	log.Debug().Str("driver_url", security.RedactURL(d.cfg.DriverURL)).Msg("Attached to external browser")
	return browser, nil
}

// createLauncher assembles the Chromium command line. The flag set mirrors
// what real installations run with while stripping the markers automation
// tooling normally leaves behind.
func (d *Driver) createLauncher() *launcher.Launcher {
	l := launcher.New()

	if d.cfg.BrowserPath != "" {
		l = l.Bin(d.cfg.BrowserPath)
	}

	if d.cfg.Headless {
		// "new" headless renders like a headful browser, which matters
		// for challenge scripts that probe rendering quirks.
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	// Container compatibility
	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	// All browser traffic flows through the local bridge, which injects
	// the upstream credentials Chromium cannot send itself.
	l = l.Set("proxy-server", d.bridgeAddr)

	// WebRTC can reveal the real public IP behind the proxy.
	l = l.Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp")

	// Prevents navigator.webdriver = true, the most common detection vector.
	l = l.Set("disable-blink-features", "AutomationControlled")
	l = l.Delete("enable-automation")

	// Consistent with the spoofed user agent.
	l = l.Set("accept-lang", "en-US,en;q=0.9")

	l = l.Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-search-engine-choice-screen")

	l = l.Set("window-size", fmt.Sprintf("%d,%d", viewportWidth, viewportHeight))

	// Stability in small containers
	l = l.Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio")

	return l
}
