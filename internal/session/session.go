// Package session persists the browser identity (user agent + cookie jar)
// used across navigations.
package session

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/moatless/drawbridge/internal/metrics"
	"github.com/moatless/drawbridge/internal/types"
	"github.com/moatless/drawbridge/pkg/version"
)

// Data is the persisted browser identity: one user agent and the cookie
// jar. Its JSON form is the on-disk layout.
type Data struct {
	UserAgent string         `json:"user_agent"`
	Cookies   []types.Cookie `json:"cookies"`
}

// New returns fresh session data with a spoofed user agent and an empty
// cookie jar.
func New() *Data {
	return &Data{
		UserAgent: version.UserAgent,
		Cookies:   []types.Cookie{},
	}
}

// Load reads session data from path. A missing file surfaces as
// ErrSessionDataMissing inside a PersistenceError so the caller can
// choose to start fresh.
func Load(path string) (*Data, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, types.NewPersistenceError("load", path, types.ErrSessionDataMissing)
		}
		return nil, types.NewPersistenceError("load", path, err)
	}

	var d Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, types.NewPersistenceError("load", path, err)
	}

	// The user agent must never be empty at navigation time.
	if d.UserAgent == "" {
		d.UserAgent = version.UserAgent
	}
	if d.Cookies == nil {
		d.Cookies = []types.Cookie{}
	}

	log.Debug().
		Str("path", path).
		Int("cookies", len(d.Cookies)).
		Msg("Session data loaded")

	return &d, nil
}

// Save writes session data to path as pretty-printed JSON, truncating any
// existing file. Parent directories are created as needed.
func Save(path string, d *Data) error {
	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return types.NewPersistenceError("save", path, err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return types.NewPersistenceError("save", path, err)
		}
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return types.NewPersistenceError("save", path, err)
	}

	metrics.PersistedCookies.Set(float64(len(d.Cookies)))

	log.Debug().
		Str("path", path).
		Int("cookies", len(d.Cookies)).
		Msg("Session data saved")

	return nil
}

// Sweep drops dead cookies in place. A cookie is dead when its expiry is
// set and has passed. Session cookies carry no expiry and are kept.
func (d *Data) Sweep(now time.Time) {
	nowUnix := now.Unix()
	kept := d.Cookies[:0]
	for _, c := range d.Cookies {
		if c.Expired(nowUnix) {
			log.Debug().
				Str("cookie", c.Name).
				Str("domain", c.Domain).
				Msg("Removing expired cookie")
			continue
		}
		kept = append(kept, c)
	}
	d.Cookies = kept
}

// Merge folds cookies into the jar. A cookie supersedes an existing one
// with the same (name, domain, path) identity; otherwise it is appended.
func (d *Data) Merge(cookies []types.Cookie) {
	index := make(map[types.CookieKey]int, len(d.Cookies))
	for i, c := range d.Cookies {
		index[c.Key()] = i
	}
	for _, c := range cookies {
		if i, ok := index[c.Key()]; ok {
			d.Cookies[i] = c
			continue
		}
		index[c.Key()] = len(d.Cookies)
		d.Cookies = append(d.Cookies, c)
	}
}

// Replace swaps the entire cookie jar for the harvested set. Whatever the
// browser holds after navigation supersedes the pre-navigation state.
func (d *Data) Replace(cookies []types.Cookie) {
	if cookies == nil {
		cookies = []types.Cookie{}
	}
	d.Cookies = cookies
}

// AdoptUserAgent replaces the user agent when the new value is non-empty.
func (d *Data) AdoptUserAgent(ua string) {
	if ua != "" {
		d.UserAgent = ua
	}
}
