package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	LogFormat  string           `json:"log_format" yaml:"log_format"`
	Ingest     IngestConfig     `json:"ingest" yaml:"ingest"`
	API        APIConfig        `json:"api" yaml:"api"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Monitoring MonitoringConfig `json:"monitoring" yaml:"monitoring"`
	RateLimit  RateLimitConfig  `json:"rate_limit" yaml:"rate_limit"`
	Sweep      SweepConfig      `json:"sweep" yaml:"sweep"`
	Dashboard  DashboardConfig  `json:"dashboard" yaml:"dashboard"`
}

type IngestConfig struct {
	REST  RESTConfig  `json:"rest" yaml:"rest"`
	Kafka KafkaConfig `json:"kafka" yaml:"kafka"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

// MonitoringConfig is the process-wide tunable state read by the detector,
// dispatcher, and sweep. Mutated only through Manager.Update or the admin
// API's merge endpoint.
type MonitoringConfig struct {
	RealTime                 bool            `json:"real_time" yaml:"real_time"`
	AlertThresholds          AlertThresholds `json:"alert_thresholds" yaml:"alert_thresholds"`
	AlertChannels            AlertChannels   `json:"alert_channels" yaml:"alert_channels"`
	RetentionDays            int             `json:"retention_days" yaml:"retention_days"`
	AutoResolution           bool            `json:"auto_resolution" yaml:"auto_resolution"`
	AutoResolutionDelayHours int             `json:"auto_resolution_delay_hours" yaml:"auto_resolution_delay_hours"`
	MaxAlertRetries          int             `json:"max_alert_retries" yaml:"max_alert_retries"`
}

type AlertThresholds struct {
	FailedLoginsPerHour       int `json:"failed_logins_per_hour" yaml:"failed_logins_per_hour"`
	SuspiciousIPsPerHour      int `json:"suspicious_ips_per_hour" yaml:"suspicious_ips_per_hour"`
	APIErrorsPerMinute        int `json:"api_errors_per_minute" yaml:"api_errors_per_minute"`
	EncryptionFailuresPerHour int `json:"encryption_failures_per_hour" yaml:"encryption_failures_per_hour"`
}

type AlertChannels struct {
	Email     ChannelConfig `json:"email" yaml:"email"`
	SMS       ChannelConfig `json:"sms" yaml:"sms"`
	Webhook   ChannelConfig `json:"webhook" yaml:"webhook"`
	Dashboard ChannelConfig `json:"dashboard" yaml:"dashboard"`
}

// ChannelConfig enables one outbound channel. Recipient is the address the
// channel delivers to (email address, phone number); URL points at the
// gateway or webhook endpoint owned by the external collaborator.
type ChannelConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Recipient string `json:"recipient,omitempty" yaml:"recipient,omitempty"`
	URL       string `json:"url,omitempty" yaml:"url,omitempty"`
}

type RateLimitConfig struct {
	MaxRequests int           `json:"max_requests" yaml:"max_requests"`
	Window      time.Duration `json:"window" yaml:"window"`
	BurstLimit  int           `json:"burst_limit" yaml:"burst_limit"`
}

type SweepConfig struct {
	Interval     time.Duration `json:"interval" yaml:"interval"`
	RetrySpacing time.Duration `json:"retry_spacing" yaml:"retry_spacing"`
	CacheMaxAge  time.Duration `json:"cache_max_age" yaml:"cache_max_age"`
}

type DashboardConfig struct {
	FeedLimit int `json:"feed_limit" yaml:"feed_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Ingest: IngestConfig{
			REST:  RESTConfig{Enabled: true, Addr: ":8080"},
			Kafka: KafkaConfig{Enabled: false},
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:sentinel.db?_pragma=busy_timeout(5000)"},
		Monitoring: MonitoringConfig{
			RealTime: true,
			AlertThresholds: AlertThresholds{
				FailedLoginsPerHour:       10,
				SuspiciousIPsPerHour:      10,
				APIErrorsPerMinute:        50,
				EncryptionFailuresPerHour: 5,
			},
			AlertChannels: AlertChannels{
				Dashboard: ChannelConfig{Enabled: true},
			},
			RetentionDays:            90,
			AutoResolution:           true,
			AutoResolutionDelayHours: 24,
			MaxAlertRetries:          3,
		},
		RateLimit: RateLimitConfig{
			MaxRequests: 100,
			Window:      15 * time.Minute,
			BurstLimit:  10,
		},
		Sweep: SweepConfig{
			Interval:     60 * time.Second,
			RetrySpacing: 30 * time.Second,
			CacheMaxAge:  24 * time.Hour,
		},
		Dashboard: DashboardConfig{FeedLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Monitoring.AlertThresholds.FailedLoginsPerHour <= 0 {
		cfg.Monitoring.AlertThresholds.FailedLoginsPerHour = def.Monitoring.AlertThresholds.FailedLoginsPerHour
	}
	if cfg.Monitoring.AlertThresholds.SuspiciousIPsPerHour <= 0 {
		cfg.Monitoring.AlertThresholds.SuspiciousIPsPerHour = def.Monitoring.AlertThresholds.SuspiciousIPsPerHour
	}
	if cfg.Monitoring.AlertThresholds.APIErrorsPerMinute <= 0 {
		cfg.Monitoring.AlertThresholds.APIErrorsPerMinute = def.Monitoring.AlertThresholds.APIErrorsPerMinute
	}
	if cfg.Monitoring.AlertThresholds.EncryptionFailuresPerHour <= 0 {
		cfg.Monitoring.AlertThresholds.EncryptionFailuresPerHour = def.Monitoring.AlertThresholds.EncryptionFailuresPerHour
	}
	if cfg.Monitoring.RetentionDays <= 0 {
		cfg.Monitoring.RetentionDays = def.Monitoring.RetentionDays
	}
	if cfg.Monitoring.AutoResolutionDelayHours <= 0 {
		cfg.Monitoring.AutoResolutionDelayHours = def.Monitoring.AutoResolutionDelayHours
	}
	if cfg.Monitoring.MaxAlertRetries <= 0 {
		cfg.Monitoring.MaxAlertRetries = def.Monitoring.MaxAlertRetries
	}
	if cfg.RateLimit.MaxRequests <= 0 {
		cfg.RateLimit.MaxRequests = def.RateLimit.MaxRequests
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = def.RateLimit.Window
	}
	if cfg.RateLimit.BurstLimit <= 0 {
		cfg.RateLimit.BurstLimit = def.RateLimit.BurstLimit
	}
	if cfg.Sweep.Interval <= 0 {
		cfg.Sweep.Interval = def.Sweep.Interval
	}
	if cfg.Sweep.RetrySpacing <= 0 {
		cfg.Sweep.RetrySpacing = def.Sweep.RetrySpacing
	}
	if cfg.Sweep.CacheMaxAge <= 0 {
		cfg.Sweep.CacheMaxAge = def.Sweep.CacheMaxAge
	}
	if cfg.Dashboard.FeedLimit <= 0 {
		cfg.Dashboard.FeedLimit = def.Dashboard.FeedLimit
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Storage.Enabled && cfg.Storage.Driver == "" {
		return errors.New("storage.driver required when storage.enabled is true")
	}
	if err := ValidateMonitoring(&cfg.Monitoring); err != nil {
		return err
	}
	if cfg.RateLimit.BurstLimit > cfg.RateLimit.MaxRequests {
		return errors.New("rate_limit.burst_limit must not exceed max_requests")
	}
	return nil
}

func ValidateMonitoring(mc *MonitoringConfig) error {
	th := mc.AlertThresholds
	if th.FailedLoginsPerHour <= 0 || th.SuspiciousIPsPerHour <= 0 ||
		th.APIErrorsPerMinute <= 0 || th.EncryptionFailuresPerHour <= 0 {
		return errors.New("monitoring.alert_thresholds must all be > 0")
	}
	if mc.RetentionDays <= 0 {
		return errors.New("monitoring.retention_days must be > 0")
	}
	if mc.AutoResolutionDelayHours <= 0 {
		return errors.New("monitoring.auto_resolution_delay_hours must be > 0")
	}
	if mc.MaxAlertRetries <= 0 {
		return errors.New("monitoring.max_alert_retries must be > 0")
	}
	if mc.AlertChannels.Email.Enabled && mc.AlertChannels.Email.Recipient == "" {
		return errors.New("monitoring.alert_channels.email.recipient required when enabled")
	}
	if mc.AlertChannels.SMS.Enabled && mc.AlertChannels.SMS.Recipient == "" {
		return errors.New("monitoring.alert_channels.sms.recipient required when enabled")
	}
	if mc.AlertChannels.Webhook.Enabled && mc.AlertChannels.Webhook.URL == "" {
		return errors.New("monitoring.alert_channels.webhook.url required when enabled")
	}
	return nil
}

// MergeMonitoringPatch decodes a partial JSON document over a copy of the
// current monitoring section and validates the result. The merge is
// all-or-nothing: a decode or validation failure leaves the input untouched.
func MergeMonitoringPatch(current MonitoringConfig, patch []byte) (MonitoringConfig, error) {
	next := current
	dec := json.NewDecoder(strings.NewReader(string(patch)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&next); err != nil {
		return current, fmt.Errorf("decode monitoring patch: %w", err)
	}
	if err := ValidateMonitoring(&next); err != nil {
		return current, err
	}
	return next, nil
}

type Manager struct {
	path string
	cfg  atomic.Value

	// mu guards modTime: Update runs on API-handler goroutines while the
	// watcher reads it from its own.
	mu      sync.Mutex
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	m.stampModTime()
	return m, nil
}

// stampModTime records the backing file's current mtime as seen.
func (m *Manager) stampModTime() {
	if m.path == "" {
		return
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.modTime = info.ModTime()
	m.mu.Unlock()
}

// NewStaticManager wraps an in-memory config with no backing file. Updates
// swap the value without persisting.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	m.stampModTime()
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
	}
	m.cfg.Store(cfg)
	m.stampModTime()
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	seen := m.modTime
	m.mu.Unlock()
	return info.ModTime().After(seen), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
