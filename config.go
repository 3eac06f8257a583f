package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ========================================
// Configuration - 配置加载与热更新
// ========================================

// fileConfig is the on-disk YAML shape. Durations are strings accepted by
// time.ParseDuration ("45s", "2m").
type fileConfig struct {
	DataDir  string `yaml:"data_dir"`
	Language string `yaml:"language"`

	Agent struct {
		MaxSteps     int    `yaml:"max_steps"`
		DeviceID     string `yaml:"device_id"`
		Verbose      bool   `yaml:"verbose"`
		Record       *bool  `yaml:"record"`
		RecordScript bool   `yaml:"record_script"`
		ScriptDir    string `yaml:"script_dir"`
	} `yaml:"agent"`

	Model struct {
		BaseURL           string  `yaml:"base_url"`
		APIKey            string  `yaml:"api_key"`
		Name              string  `yaml:"name"`
		MaxTokens         int     `yaml:"max_tokens"`
		Temperature       *float64 `yaml:"temperature"`
		TopP              *float64 `yaml:"top_p"`
		FrequencyPenalty  *float64 `yaml:"frequency_penalty"`
		BaseTimeout       string  `yaml:"base_timeout"`
		MaxTimeout        string  `yaml:"max_timeout"`
		MaxRetries        *int    `yaml:"max_retries"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
	} `yaml:"model"`

	Log struct {
		Level string `yaml:"level"`
		File  bool   `yaml:"file"`
	} `yaml:"log"`
}

// Config is the runtime configuration. Snapshots handed to tasks are
// immutable; the live copy may be swapped by the watcher.
type Config struct {
	mu sync.RWMutex

	DataDir string
	agent   AgentConfig
	model   ModelConfig
	Log     LogConfig
}

// DefaultConfig returns a config suitable for a first run.
func DefaultConfig() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		agent:   DefaultAgentConfig(),
		model:   DefaultModelConfig(),
		Log:     DefaultLogConfig(),
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".drover"
	}
	return filepath.Join(home, ".drover")
}

// AgentConfig returns an immutable snapshot for a new task.
func (c *Config) AgentConfig() AgentConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agent
}

// ModelConfig returns an immutable snapshot for a new task.
func (c *Config) ModelConfig() ModelConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := c.model
	cp.RetryDelays = append([]time.Duration(nil), c.model.RetryDelays...)
	return cp
}

// SetAgentConfig replaces the agent defaults (used by CLI flags).
func (c *Config) SetAgentConfig(a AgentConfig) {
	c.mu.Lock()
	c.agent = a
	c.mu.Unlock()
}

// SetModelConfig replaces the model defaults.
func (c *Config) SetModelConfig(m ModelConfig) {
	c.mu.Lock()
	c.model = m
	c.mu.Unlock()
}

// LoadConfig reads the YAML file into a fresh Config. A missing file yields
// the defaults; DROVER_API_KEY overrides the configured key.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.reload(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	if key := os.Getenv("DROVER_API_KEY"); key != "" {
		cfg.mu.Lock()
		cfg.model.APIKey = key
		cfg.mu.Unlock()
	}
	return cfg, nil
}

// reload re-reads the file and swaps the live values.
func (c *Config) reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	agent := DefaultAgentConfig()
	model := DefaultModelConfig()

	if fc.Language != "" {
		agent.Lang = Language(fc.Language)
	}
	if fc.Agent.MaxSteps > 0 {
		agent.MaxSteps = fc.Agent.MaxSteps
	}
	if fc.Agent.DeviceID != "" {
		agent.DeviceID = fc.Agent.DeviceID
	}
	agent.Verbose = fc.Agent.Verbose
	if fc.Agent.Record != nil {
		agent.Record = *fc.Agent.Record
	}
	agent.RecordScript = fc.Agent.RecordScript
	if fc.Agent.ScriptDir != "" {
		agent.ScriptDir = fc.Agent.ScriptDir
	}
	agent.normalize()

	if fc.Model.BaseURL != "" {
		model.BaseURL = fc.Model.BaseURL
	}
	if fc.Model.APIKey != "" {
		model.APIKey = fc.Model.APIKey
	}
	if fc.Model.Name != "" {
		model.Model = fc.Model.Name
	}
	if fc.Model.MaxTokens > 0 {
		model.MaxTokens = fc.Model.MaxTokens
	}
	if fc.Model.Temperature != nil {
		model.Temperature = *fc.Model.Temperature
	}
	if fc.Model.TopP != nil {
		model.TopP = *fc.Model.TopP
	}
	if fc.Model.FrequencyPenalty != nil {
		model.FrequencyPenalty = *fc.Model.FrequencyPenalty
	}
	if fc.Model.BaseTimeout != "" {
		if d, err := time.ParseDuration(fc.Model.BaseTimeout); err == nil {
			model.BaseTimeout = d
		}
	}
	if fc.Model.MaxTimeout != "" {
		if d, err := time.ParseDuration(fc.Model.MaxTimeout); err == nil {
			model.MaxTimeout = d
		}
	}
	if fc.Model.MaxRetries != nil {
		model.MaxRetries = *fc.Model.MaxRetries
	}
	if fc.Model.RequestsPerSecond > 0 {
		model.RequestsPerSecond = fc.Model.RequestsPerSecond
	}

	log := DefaultLogConfig()
	switch fc.Log.Level {
	case "debug":
		log.Level = LogLevelDebug
	case "warn":
		log.Level = LogLevelWarn
	case "error":
		log.Level = LogLevelError
	}

	c.mu.Lock()
	if fc.DataDir != "" {
		c.DataDir = fc.DataDir
	}
	c.agent = agent
	c.model = model
	c.Log = log
	if fc.Log.File {
		c.Log.File = true
		c.Log.FilePath = filepath.Join(c.DataDir, "logs", "drover.log")
	}
	c.mu.Unlock()
	return nil
}

// ========================================
// Config watcher
// ========================================

// ConfigWatcher hot-reloads the config file when an external process edits
// it. Running tasks keep their pinned snapshots; only new tasks see the
// updated values.
type ConfigWatcher struct {
	cfg     *Config
	path    string
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	mu      sync.Mutex
}

// NewConfigWatcher creates a watcher for path, updating cfg in place.
func NewConfigWatcher(cfg *Config, path string) *ConfigWatcher {
	return &ConfigWatcher{
		cfg:    cfg,
		path:   path,
		stopCh: make(chan struct{}),
	}
}

// Start begins watching the config file's directory.
func (w *ConfigWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	LogInfo("config").Str("path", w.path).Msg("watching config file")
	go w.watch()
	return nil
}

func (w *ConfigWatcher) watch() {
	// Editors save through rename+create; debounce rapid event bursts.
	var pending <-chan time.Time
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(200 * time.Millisecond)
		case <-pending:
			pending = nil
			if err := w.cfg.reload(w.path); err != nil {
				LogWarn("config").Err(err).Msg("config reload failed, keeping previous values")
			} else {
				LogInfo("config").Msg("config reloaded")
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			LogWarn("config").Err(err).Msg("config watcher error")
		case <-w.stopCh:
			return
		}
	}
}

// Stop stops watching.
func (w *ConfigWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	if w.watcher != nil {
		w.watcher.Close()
		w.watcher = nil
	}
}
