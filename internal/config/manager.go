package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadHandler is called with the full path of a changed file.
type ReloadHandler func(path string) error

// Manager watches a configuration directory and invokes registered
// handlers when files change. The engine uses it to reload model
// pricing and logging levels without a restart.
type Manager struct {
	dir     string
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	handlers map[string][]ReloadHandler
	pending  map[string]*time.Timer
	started  bool

	stopCh chan struct{}
}

// NewManager creates a manager for one directory. Call Start to begin
// watching.
func NewManager(dir string, logger *zap.Logger) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Manager{
		dir:      dir,
		logger:   logger.With(zap.String("component", "config_manager")),
		watcher:  watcher,
		handlers: make(map[string][]ReloadHandler),
		pending:  make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
	}, nil
}

// OnChange registers a handler for one file name (base name, not a
// path). Multiple handlers per file are allowed.
func (m *Manager) OnChange(filename string, h ReloadHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[filename] = append(m.handlers[filename], h)
}

// Start begins watching the directory. Calling Start twice is a no-op.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	if err := m.watcher.Add(m.dir); err != nil {
		return fmt.Errorf("watch config directory %s: %w", m.dir, err)
	}
	go m.watchLoop()

	m.logger.Info("Configuration watcher started", zap.String("dir", m.dir))
	return nil
}

// Stop stops watching. Handlers already dispatched may still run.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false
	close(m.stopCh)
	return m.watcher.Close()
}

func (m *Manager) watchLoop() {
	for {
		select {
		case <-m.stopCh:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m.schedule(ev.Name)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

// schedule debounces bursts of write events for one file. Editors and
// atomic-rename writers emit several events per save.
func (m *Manager) schedule(path string) {
	base := filepath.Base(path)

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.handlers[base]) == 0 {
		return
	}
	if t, ok := m.pending[base]; ok {
		t.Reset(200 * time.Millisecond)
		return
	}
	m.pending[base] = time.AfterFunc(200*time.Millisecond, func() {
		m.mu.Lock()
		delete(m.pending, base)
		handlers := make([]ReloadHandler, len(m.handlers[base]))
		copy(handlers, m.handlers[base])
		m.mu.Unlock()

		for _, h := range handlers {
			if err := h(path); err != nil {
				m.logger.Warn("Config reload handler failed",
					zap.String("file", base),
					zap.Error(err))
				continue
			}
			m.logger.Info("Configuration reloaded", zap.String("file", base))
		}
	})
}
