package challenge

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed signatures.yaml
var embeddedSignaturesFS embed.FS

// Signatures holds the title fragments that identify each interstitial.
// Patterns are matched as case-insensitive substrings.
type Signatures struct {
	Cloudflare []string `yaml:"cloudflare"`
	DdosGuard  []string `yaml:"ddos_guard"`
}

// Validate checks that the Signatures can classify anything at all.
func (s *Signatures) Validate() error {
	if len(s.Cloudflare) == 0 && len(s.DdosGuard) == 0 {
		return fmt.Errorf("signatures must have at least one cloudflare or ddos_guard pattern")
	}
	return nil
}

var (
	embeddedOnce sync.Once
	embeddedSigs *Signatures
)

// embeddedSignatures returns the compiled-in defaults.
func embeddedSignatures() *Signatures {
	embeddedOnce.Do(func() {
		data, err := embeddedSignaturesFS.ReadFile("signatures.yaml")
		if err == nil {
			embeddedSigs, err = parseAndValidate(data)
		}
		if err != nil {
			log.Error().Err(err).Msg("Failed to load embedded signatures, using hardcoded defaults")
			embeddedSigs = &Signatures{
				Cloudflare: []string{"just a moment", "checking your browser"},
				DdosGuard:  []string{"ddos-guard"},
			}
		}
	})
	return embeddedSigs
}

// parseAndValidate parses YAML signature data and lowercases every
// pattern so matching can stay allocation-free on the pattern side.
func parseAndValidate(data []byte) (*Signatures, error) {
	var s Signatures
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	for i, p := range s.Cloudflare {
		s.Cloudflare[i] = strings.ToLower(p)
	}
	for i, p := range s.DdosGuard {
		s.DdosGuard[i] = strings.ToLower(p)
	}
	return &s, nil
}

// ReloadStats contains statistics about signature reloads.
type ReloadStats struct {
	LastReloadTime time.Time `json:"lastReloadTime,omitempty"`
	ReloadCount    int64     `json:"reloadCount"`
	LastError      error     `json:"-"`
	LastErrorStr   string    `json:"lastError,omitempty"`
}

// Registry provides hot-reload capable signature management.
// It holds embedded defaults and optionally watches an external file
// for runtime updates. Reads are lock-free using atomic.Value.
type Registry struct {
	embedded     *Signatures  // compiled-in defaults (immutable)
	current      atomic.Value // *Signatures
	externalPath string
	watcher      *fsnotify.Watcher
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex // protects reload operations
	stats        ReloadStats
	closed       bool
}

// NewRegistry creates a signature registry.
// If externalPath is empty, only embedded signatures are used.
// If hotReload is true and externalPath is set, file changes trigger reloads.
func NewRegistry(externalPath string, hotReload bool) (*Registry, error) {
	r := &Registry{
		embedded:     embeddedSignatures(),
		externalPath: externalPath,
		stopCh:       make(chan struct{}),
	}
	r.current.Store(r.embedded)

	if externalPath != "" {
		if err := r.loadExternal(); err != nil {
			log.Warn().
				Err(err).
				Str("path", externalPath).
				Msg("Failed to load external signatures, using embedded defaults")
		} else {
			log.Info().
				Str("path", externalPath).
				Msg("Loaded external signatures file")
		}

		if hotReload {
			if err := r.startWatcher(); err != nil {
				log.Warn().
					Err(err).
					Str("path", externalPath).
					Msg("Failed to start file watcher, hot-reload disabled")
			} else {
				log.Info().
					Str("path", externalPath).
					Msg("Hot-reload enabled for signatures file")
			}
		}
	}

	return r, nil
}

// Get returns the current Signatures.
// Lock-free and safe for concurrent use.
func (r *Registry) Get() *Signatures {
	return r.current.Load().(*Signatures)
}

// Reload manually reloads signatures from the external file.
// On failure the previous signatures remain in use.
func (r *Registry) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.externalPath == "" {
		return fmt.Errorf("no external signatures path configured")
	}
	return r.loadExternalLocked()
}

// Stats returns the current reload statistics.
func (r *Registry) Stats() ReloadStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := r.stats
	if stats.LastError != nil {
		stats.LastErrorStr = stats.LastError.Error()
	}
	return stats
}

// Close stops the file watcher. Safe to call multiple times.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()

	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

func (r *Registry) loadExternal() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadExternalLocked()
}

// loadExternalLocked loads signatures from the external file.
// Must be called with r.mu held.
func (r *Registry) loadExternalLocked() error {
	data, err := os.ReadFile(r.externalPath)
	if err != nil {
		r.stats.LastError = err
		return fmt.Errorf("failed to read signatures file: %w", err)
	}

	sigs, err := parseAndValidate(data)
	if err != nil {
		r.stats.LastError = err
		return fmt.Errorf("failed to parse signatures file: %w", err)
	}

	// External patterns win per field; embedded fills the gaps.
	r.current.Store(r.mergeWithEmbedded(sigs))

	r.stats.LastReloadTime = time.Now()
	r.stats.ReloadCount++
	r.stats.LastError = nil

	log.Info().
		Int64("reload_count", r.stats.ReloadCount).
		Msg("Signatures hot-reloaded successfully")

	return nil
}

// mergeWithEmbedded creates a new Signatures by merging external with
// embedded. External patterns take precedence per field.
func (r *Registry) mergeWithEmbedded(external *Signatures) *Signatures {
	merged := &Signatures{}

	if len(external.Cloudflare) > 0 {
		merged.Cloudflare = external.Cloudflare
	} else {
		merged.Cloudflare = r.embedded.Cloudflare
	}

	if len(external.DdosGuard) > 0 {
		merged.DdosGuard = external.DdosGuard
	} else {
		merged.DdosGuard = r.embedded.DdosGuard
	}

	return merged
}

// startWatcher starts the file watcher for hot-reload.
func (r *Registry) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := watcher.Add(r.externalPath); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch file: %w", err)
	}

	r.watcher = watcher

	r.wg.Add(1)
	go r.watchFile()

	return nil
}

// watchFile watches for file changes and triggers reloads.
func (r *Registry) watchFile() {
	defer r.wg.Done()

	// Debounce timer to coalesce rapid file changes
	const debounceDelay = 100 * time.Millisecond
	var debounceTimer *time.Timer
	var debouncing bool

	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			log.Debug().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("Signatures file changed")

			if debouncing {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(debounceDelay)
			} else {
				debouncing = true
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					if err := r.Reload(); err != nil {
						log.Warn().
							Err(err).
							Str("path", r.externalPath).
							Msg("Hot-reload failed, keeping previous signatures")
					}
					debouncing = false
				})
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("File watcher error")

		case <-r.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}
