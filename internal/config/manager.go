package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ChangeEvent describes one applied configuration change.
type ChangeEvent struct {
	File      string                 `json:"file"`
	Action    string                 `json:"action"` // create, modify, delete, manual_reload
	Config    map[string]interface{} `json:"config"`
	Timestamp time.Time              `json:"timestamp"`
}

// ChangeHandler is called after a config file change passes validation.
type ChangeHandler func(event ChangeEvent) error

// Manager watches a config directory and hot-reloads validated changes.
// Yaml and json files feed registered handlers; .rego files trigger the
// registered policy reload hooks.
type Manager struct {
	configDir string
	logger    *zap.Logger

	mu             sync.RWMutex
	configs        map[string]map[string]interface{}
	handlers       map[string][]ChangeHandler
	validators     map[string]func(map[string]interface{}) error
	policyHandlers []func() error
	started        bool

	watcher   *fsnotify.Watcher
	watcherMu sync.Mutex
	stopCh    chan struct{}
}

// NewManager creates a manager for the given directory, creating it when
// missing so a watcher can always be attached.
func NewManager(configDir string, logger *zap.Logger) (*Manager, error) {
	if configDir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Manager{
		configDir:  configDir,
		logger:     logger,
		configs:    make(map[string]map[string]interface{}),
		handlers:   make(map[string][]ChangeHandler),
		validators: make(map[string]func(map[string]interface{}) error),
		watcher:    watcher,
		stopCh:     make(chan struct{}),
	}, nil
}

// Start loads all current config files and begins watching for changes.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.watcher.Add(m.configDir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	if err := m.loadAll(); err != nil {
		return fmt.Errorf("failed to load initial configs: %w", err)
	}

	m.mu.Lock()
	m.started = true
	loaded := len(m.configs)
	m.mu.Unlock()

	go m.watchLoop()

	m.logger.Info("Configuration manager started",
		zap.String("config_dir", m.configDir),
		zap.Int("loaded_configs", loaded),
	)
	return nil
}

// Stop ends watching. Safe to call more than once.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	close(m.stopCh)
	if err := m.watcher.Close(); err != nil {
		m.logger.Error("Error closing file watcher", zap.Error(err))
	}
	m.started = false
	return nil
}

// RegisterHandler registers a change handler for one config file name.
func (m *Manager) RegisterHandler(filename string, handler ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[filename] = append(m.handlers[filename], handler)
}

// RegisterValidator registers a pre-apply validator for one config file
// name. A failing validator keeps the previous config in place.
func (m *Manager) RegisterValidator(filename string, validator func(map[string]interface{}) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators[filename] = validator
}

// RegisterPolicyHandler registers a hook invoked when a .rego file changes.
func (m *Manager) RegisterPolicyHandler(handler func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policyHandlers = append(m.policyHandlers, handler)
}

// GetConfig returns a copy of the current configuration for a file.
func (m *Manager) GetConfig(filename string) (map[string]interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, exists := m.configs[filename]
	if !exists {
		return nil, false
	}
	out := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out, true
}

// ReloadConfig manually reloads one configuration file.
func (m *Manager) ReloadConfig(filename string) error {
	return m.loadFile(filepath.Join(m.configDir, filename), "manual_reload")
}

func (m *Manager) watchLoop() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleWatchEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) handleWatchEvent(event fsnotify.Event) {
	m.watcherMu.Lock()
	defer m.watcherMu.Unlock()

	filename := filepath.Base(event.Name)
	isConfig := isConfigFile(event.Name)
	isPolicy := filepath.Ext(event.Name) == ".rego"
	if !isConfig && !isPolicy {
		return
	}

	var action string
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		action = "create"
	case event.Op&fsnotify.Write == fsnotify.Write:
		action = "modify"
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		action = "delete"
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		action = "rename"
	case event.Op&fsnotify.Chmod == fsnotify.Chmod:
		return
	default:
		action = event.Op.String()
	}

	if action == "delete" || action == "rename" {
		if isConfig {
			m.handleRemoval(filename)
		}
		if isPolicy {
			m.reloadPolicies(filename, action)
		}
		return
	}

	// Let rapid successive writes settle before reading.
	time.Sleep(50 * time.Millisecond)

	if isConfig {
		if err := m.loadFile(event.Name, action); err != nil {
			m.logger.Error("Failed to load config file",
				zap.String("file", filename),
				zap.String("action", action),
				zap.Error(err),
			)
		}
	}
	if isPolicy {
		m.reloadPolicies(filename, action)
	}
}

func (m *Manager) loadAll() error {
	return filepath.WalkDir(m.configDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isConfigFile(path) {
			return nil
		}
		return m.loadFile(path, "initial_load")
	})
}

func (m *Manager) loadFile(filePath, action string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	filename := filepath.Base(filePath)
	cfg := make(map[string]interface{})
	switch filepath.Ext(filename) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("failed to parse JSON config %s: %w", filename, err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("failed to parse YAML config %s: %w", filename, err)
		}
	}

	m.mu.RLock()
	validator := m.validators[filename]
	m.mu.RUnlock()
	if validator != nil {
		if err := validator(cfg); err != nil {
			return fmt.Errorf("configuration validation failed for %s: %w", filename, err)
		}
	}

	cfgCopy := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		cfgCopy[k] = v
	}

	m.mu.Lock()
	m.configs[filename] = cfg
	handlers := make([]ChangeHandler, len(m.handlers[filename]))
	copy(handlers, m.handlers[filename])
	m.mu.Unlock()

	m.notify(handlers, ChangeEvent{
		File:      filename,
		Action:    action,
		Config:    cfgCopy,
		Timestamp: time.Now(),
	})

	m.logger.Info("Configuration loaded",
		zap.String("filename", filename),
		zap.String("action", action),
		zap.Int("keys", len(cfg)),
	)
	return nil
}

func (m *Manager) handleRemoval(filename string) {
	m.mu.Lock()
	last := m.configs[filename]
	delete(m.configs, filename)
	handlers := make([]ChangeHandler, len(m.handlers[filename]))
	copy(handlers, m.handlers[filename])
	m.mu.Unlock()

	var lastCopy map[string]interface{}
	if last != nil {
		lastCopy = make(map[string]interface{}, len(last))
		for k, v := range last {
			lastCopy[k] = v
		}
	}
	m.notify(handlers, ChangeEvent{
		File:      filename,
		Action:    "delete",
		Config:    lastCopy,
		Timestamp: time.Now(),
	})
	m.logger.Info("Configuration file removed", zap.String("filename", filename))
}

// notify runs handlers without holding any Manager lock, so a handler may
// call back into the manager.
func (m *Manager) notify(handlers []ChangeHandler, event ChangeEvent) {
	for _, handler := range handlers {
		h := handler
		go func() {
			if err := h(event); err != nil {
				m.logger.Error("Configuration handler error",
					zap.String("filename", event.File),
					zap.String("action", event.Action),
					zap.Error(err),
				)
			}
		}()
	}
}

func (m *Manager) reloadPolicies(filename, action string) {
	m.mu.RLock()
	handlers := make([]func() error, len(m.policyHandlers))
	copy(handlers, m.policyHandlers)
	m.mu.RUnlock()

	m.logger.Info("Policy file changed, triggering reload",
		zap.String("file", filename),
		zap.String("action", action),
	)
	for _, handler := range handlers {
		if err := handler(); err != nil {
			m.logger.Error("Policy reload handler failed",
				zap.String("file", filename),
				zap.Error(err),
			)
		}
	}
}

func isConfigFile(filename string) bool {
	switch filepath.Ext(filename) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
