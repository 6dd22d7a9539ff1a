package config

import (
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Watcher monitors a configuration file for changes and emits freshly
// resolved profiles.
type Watcher struct {
	path     string
	lastHash [16]byte
	interval time.Duration
	lookup   IfLookup
	onChange func([]*Profile) error
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
}

// NewWatcher creates a new configuration file watcher. onChange receives
// the profiles of a successfully re-resolved configuration.
func NewWatcher(path string, interval time.Duration, lookup IfLookup, onChange func([]*Profile) error) *Watcher {
	return &Watcher{
		path:     path,
		interval: interval,
		lookup:   lookup,
		onChange: onChange,
		stopChan: make(chan struct{}),
	}
}

// Start begins watching the configuration file.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	hash, err := w.fileHash()
	if err != nil {
		return fmt.Errorf("failed to get initial file hash: %w", err)
	}
	w.lastHash = hash
	w.running = true

	go w.watchLoop()
	return nil
}

// Stop stops watching the configuration file.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	w.running = false
	close(w.stopChan)
}

func (w *Watcher) watchLoop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.checkOnce()
		}
	}
}

func (w *Watcher) checkOnce() {
	hash, err := w.fileHash()
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("config watcher: cannot hash file")
		return
	}
	if hash == w.lastHash {
		return
	}
	w.lastHash = hash

	cfg, err := Load(w.path)
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("config watcher: reload failed, keeping current profiles")
		return
	}

	profiles, errs := cfg.Resolve(w.lookup)
	for _, err := range errs {
		log.Error().Err(err).Msg("config watcher: interface failed to resolve")
	}
	if len(profiles) == 0 {
		log.Error().Str("path", w.path).Msg("config watcher: no interface resolved, keeping current profiles")
		return
	}

	if err := w.onChange(profiles); err != nil {
		log.Error().Err(err).Msg("config watcher: applying new profiles failed")
		return
	}
	log.Info().Int("interfaces", len(profiles)).Msg("configuration reloaded")
}

func (w *Watcher) fileHash() ([16]byte, error) {
	var hash [16]byte

	f, err := os.Open(w.path)
	if err != nil {
		return hash, err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return hash, err
	}
	copy(hash[:], h.Sum(nil))
	return hash, nil
}
