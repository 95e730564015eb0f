// Package config handles loading, validating, and applying
// configuration for gpurun.  Configuration is read from a YAML file and
// can be overridden by CLI flags.  The same file is shared by every
// subcommand; each subcommand validates only the sections it needs.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/gpurun/internal/billing"
	"github.com/terrpan/gpurun/internal/ledger"
	"github.com/terrpan/gpurun/internal/notify"
	"github.com/terrpan/gpurun/internal/objectstore"
	"github.com/terrpan/gpurun/internal/otel"
	"github.com/terrpan/gpurun/internal/provision/gcp"
	"github.com/terrpan/gpurun/internal/secrets"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	GCP      GCPConfig      `yaml:"gcp"`
	Launch   LaunchConfig   `yaml:"launch"`
	Executor ExecutorConfig `yaml:"executor"`
	Secrets  SecretsConfig  `yaml:"secrets"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Governor GovernorConfig `yaml:"governor"`
	Notify   NotifyConfig   `yaml:"notify"`
	Logging  LoggingConfig  `yaml:"logging"`
	OTel     OTelConfig     `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// Object store
// ---------------------------------------------------------------------------

// StoreConfig points at the S3-compatible bucket holding the ledger,
// artifacts, billing export and governor markers.
type StoreConfig struct {
	// Endpoint is host[:port] (e.g. "storage.googleapis.com").
	Endpoint string `yaml:"endpoint"`

	// AccessKey and SecretKey are static HMAC credentials.  When both
	// are empty, credentials come from the instance's IAM role.
	// GPURUN_STORE_ACCESS_KEY / GPURUN_STORE_SECRET_KEY override them.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`

	// UseSSL selects https.  Default: true.
	UseSSL *bool `yaml:"use_ssl"`

	Region string `yaml:"region"`
	Bucket string `yaml:"bucket"`

	// CreateBucket makes the bucket if it does not exist.
	CreateBucket bool `yaml:"create_bucket"`

	// LedgerPrefix is the default output prefix of launched runs and
	// the prefix "gpurun runs" reads.  Default: "gpurun/".
	LedgerPrefix string `yaml:"ledger_prefix"`
}

// ---------------------------------------------------------------------------
// GCP
// ---------------------------------------------------------------------------

// GCPConfig holds Compute Engine settings for run VMs.
//
// Authentication uses Application Default Credentials (ADC) -- no
// credential fields are needed.  Inside a run VM, Project and Zone
// default to the VM's own.
type GCPConfig struct {
	Project string `yaml:"project"`
	Zone    string `yaml:"zone"`

	// MachineType default: "g2-standard-8" (one L4).
	MachineType string `yaml:"machine_type"`

	// Image is the self-link or family URL of the run image (required
	// for launch).  Example: "projects/my-project/global/images/family/gpurun".
	Image string `yaml:"image"`

	// DiskSizeGB default: 200.
	DiskSizeGB int64 `yaml:"disk_size_gb"`

	Network string `yaml:"network"`
	Subnet  string `yaml:"subnet"`

	// PublicIP default: false.  Run VMs need Cloud NAT (or a private
	// registry) to pull images when disabled.
	PublicIP *bool `yaml:"public_ip"`

	ServiceAccount string `yaml:"service_account"`

	AcceleratorType  string `yaml:"accelerator_type"`
	AcceleratorCount int32  `yaml:"accelerator_count"`

	Spot bool `yaml:"spot"`

	// StartupScript replaces the default boot script, which execs
	// "gpurun execute".
	StartupScript string `yaml:"startup_script"`
}

// DefaultStartupScript starts the executor on a run VM.
const DefaultStartupScript = `#!/bin/bash
exec /usr/local/bin/gpurun execute --config /etc/gpurun/config.yaml >>/var/log/gpurun.log 2>&1
`

// ---------------------------------------------------------------------------
// Launch
// ---------------------------------------------------------------------------

// LaunchConfig holds launch controller defaults.
type LaunchConfig struct {
	// Labels are added to every run VM (e.g. budget: lora).
	Labels map[string]string `yaml:"labels"`

	// BackstopMargin is added to max runtime + grace to form the
	// provider-side max run duration.  Negative disables it.
	// Default: 30m.
	BackstopMargin time.Duration `yaml:"backstop_margin"`

	// Grace is how long a finished VM stays up for inspection.
	// Default: 10m.
	Grace time.Duration `yaml:"grace"`
}

// ---------------------------------------------------------------------------
// Executor
// ---------------------------------------------------------------------------

// ExecutorConfig configures the in-instance executor.
type ExecutorConfig struct {
	// WorkDir default: /var/lib/gpurun.
	WorkDir string `yaml:"work_dir"`

	// LockPath is waited on before setup.  Default: the dpkg frontend
	// lock.  Set to "-" to skip the wait.
	LockPath string `yaml:"lock_path"`

	// LockTimeout default: 10m.
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// LockPollInterval default: 5s.
	LockPollInterval time.Duration `yaml:"lock_poll_interval"`

	// SetupCommands run through /bin/sh before the job.
	SetupCommands []string `yaml:"setup_commands"`

	// RequireGPU default: true.
	RequireGPU *bool `yaml:"require_gpu"`

	// AttachGPUs default: true.
	AttachGPUs *bool `yaml:"attach_gpus"`

	// GPUDriver is the container device driver.  Default: "nvidia".
	GPUDriver string `yaml:"gpu_driver"`

	// ShmSizeMB sizes /dev/shm in the job container.  Default: 8192.
	ShmSizeMB int64 `yaml:"shm_size_mb"`

	// EnvFiles are dotenv files merged into the job environment.
	EnvFiles []string `yaml:"env_files"`

	// PersistTimeout bounds artifact upload plus the terminal marker.
	// Default: 15m.
	PersistTimeout time.Duration `yaml:"persist_timeout"`

	// HealthAddr serves /healthz (and /metrics when Prometheus is on).
	// Empty disables the server.  Default: ":8080".
	HealthAddr string `yaml:"health_addr"`

	// StreamLogs copies the job's output into the executor log.
	// Default: true.
	StreamLogs *bool `yaml:"stream_logs"`
}

// DefaultLockPath is the dpkg frontend lock held by unattended upgrades
// on first boot.
const DefaultLockPath = "/var/lib/dpkg/lock-frontend"

// ---------------------------------------------------------------------------
// Secrets
// ---------------------------------------------------------------------------

// SecretsConfig selects where secret refs are resolved.
type SecretsConfig struct {
	// Backend: "secretmanager", "dotenv" or "none".  Default: "none".
	Backend string `yaml:"backend"`

	// Project for Secret Manager.  Default: gcp.project.
	Project string `yaml:"project"`

	// DotenvPath is the file read by the dotenv backend.
	DotenvPath string `yaml:"dotenv_path"`
}

// ---------------------------------------------------------------------------
// Monitor
// ---------------------------------------------------------------------------

// MonitorConfig configures the watchdog and the hard alarm.
type MonitorConfig struct {
	// AlarmAfter is the age past which any running VM raises the hard
	// alarm.  Default: 8h.
	AlarmAfter time.Duration `yaml:"alarm_after"`
}

// ---------------------------------------------------------------------------
// Governor
// ---------------------------------------------------------------------------

// GovernorConfig configures the monthly cost governor.
type GovernorConfig struct {
	// Limit is the monthly budget.  Required for "governor check".
	Limit float64 `yaml:"limit"`

	// Currency default: "USD".
	Currency string `yaml:"currency"`

	// Thresholds as fractions of Limit.  Default: [0.8, 1.0].
	Thresholds []float64 `yaml:"thresholds"`

	// TagKey/TagValue select the billing rows that count.  Default:
	// the single entry of launch.labels, if there is exactly one.
	TagKey   string `yaml:"tag_key"`
	TagValue string `yaml:"tag_value"`

	// BillingPrefix is where the billing export lands.  Default: "billing/".
	BillingPrefix string `yaml:"billing_prefix"`

	// MarkerPrefix holds threshold markers.  Default: "governor/".
	MarkerPrefix string `yaml:"marker_prefix"`
}

// ---------------------------------------------------------------------------
// Notify
// ---------------------------------------------------------------------------

// NotifyConfig configures out-of-band notifications.  Without a
// webhook URL notifications are written to the log.
type NotifyConfig struct {
	// WebhookURL overrides: GPURUN_WEBHOOK_URL.
	WebhookURL string            `yaml:"webhook_url"`
	Headers    map[string]string `yaml:"headers"`
	RetryMax   int               `yaml:"retry_max"`
	Timeout    time.Duration     `yaml:"timeout"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls OTLP push.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`

	// Prometheus exposes metrics on the executor's health server.
	Prometheus bool `yaml:"prometheus"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ApplyEnv lets credentials stay out of the config file.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("GPURUN_STORE_ACCESS_KEY"); v != "" {
		c.Store.AccessKey = v
	}
	if v := os.Getenv("GPURUN_STORE_SECRET_KEY"); v != "" {
		c.Store.SecretKey = v
	}
	if v := os.Getenv("GPURUN_WEBHOOK_URL"); v != "" {
		c.Notify.WebhookURL = v
	}
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Store.UseSSL == nil {
		c.Store.UseSSL = boolPtr(true)
	}
	if c.Store.LedgerPrefix == "" {
		c.Store.LedgerPrefix = "gpurun/"
	}
	if c.GCP.MachineType == "" {
		c.GCP.MachineType = "g2-standard-8"
	}
	if c.GCP.DiskSizeGB == 0 {
		c.GCP.DiskSizeGB = 200
	}
	if c.GCP.PublicIP == nil {
		c.GCP.PublicIP = boolPtr(false)
	}
	if c.GCP.StartupScript == "" {
		c.GCP.StartupScript = DefaultStartupScript
	}
	if c.Launch.BackstopMargin == 0 {
		c.Launch.BackstopMargin = 30 * time.Minute
	}
	if c.Launch.Grace == 0 {
		c.Launch.Grace = 10 * time.Minute
	}
	if c.Executor.WorkDir == "" {
		c.Executor.WorkDir = "/var/lib/gpurun"
	}
	if c.Executor.LockPath == "" {
		c.Executor.LockPath = DefaultLockPath
	}
	if c.Executor.LockTimeout == 0 {
		c.Executor.LockTimeout = 10 * time.Minute
	}
	if c.Executor.LockPollInterval == 0 {
		c.Executor.LockPollInterval = 5 * time.Second
	}
	if c.Executor.RequireGPU == nil {
		c.Executor.RequireGPU = boolPtr(true)
	}
	if c.Executor.AttachGPUs == nil {
		c.Executor.AttachGPUs = boolPtr(true)
	}
	if c.Executor.GPUDriver == "" {
		c.Executor.GPUDriver = "nvidia"
	}
	if c.Executor.ShmSizeMB == 0 {
		c.Executor.ShmSizeMB = 8192
	}
	if c.Executor.PersistTimeout == 0 {
		c.Executor.PersistTimeout = 15 * time.Minute
	}
	if c.Executor.HealthAddr == "" {
		c.Executor.HealthAddr = ":8080"
	}
	if c.Executor.StreamLogs == nil {
		c.Executor.StreamLogs = boolPtr(true)
	}
	if c.Secrets.Backend == "" {
		c.Secrets.Backend = "none"
	}
	if c.Secrets.Project == "" {
		c.Secrets.Project = c.GCP.Project
	}
	if c.Monitor.AlarmAfter == 0 {
		c.Monitor.AlarmAfter = 8 * time.Hour
	}
	if c.Governor.Currency == "" {
		c.Governor.Currency = "USD"
	}
	if c.Governor.TagKey == "" && len(c.Launch.Labels) == 1 {
		for k, v := range c.Launch.Labels {
			c.Governor.TagKey, c.Governor.TagValue = k, v
		}
	}
	if c.Governor.BillingPrefix == "" {
		c.Governor.BillingPrefix = "billing/"
	}
	if c.Governor.MarkerPrefix == "" {
		c.Governor.MarkerPrefix = "governor/"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Need names a configuration section a subcommand depends on.
type Need int

const (
	NeedStore Need = iota
	NeedGCP
	NeedImage
	NeedBudget
)

// Validate applies defaults and checks the always-present sections
// plus every section in needs.
func (c *Config) Validate(needs ...Need) error {
	c.ApplyDefaults()

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (supported: text, json)", c.Logging.Format)
	}

	switch c.Secrets.Backend {
	case "none":
	case "dotenv":
		if c.Secrets.DotenvPath == "" {
			return fmt.Errorf("secrets.dotenv_path is required when secrets.backend is \"dotenv\"")
		}
	case "secretmanager":
		// Project may still be resolved from the metadata server.
	default:
		return fmt.Errorf("secrets.backend %q is not supported (supported: none, dotenv, secretmanager)", c.Secrets.Backend)
	}

	if c.Executor.LockTimeout < 0 || c.Executor.LockPollInterval < 0 {
		return fmt.Errorf("executor.lock_timeout and executor.lock_poll_interval must not be negative")
	}
	if c.Launch.Grace < 0 {
		return fmt.Errorf("launch.grace must not be negative")
	}

	for _, n := range needs {
		if err := c.validateNeed(n); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateNeed(n Need) error {
	switch n {
	case NeedStore:
		if c.Store.Endpoint == "" {
			return fmt.Errorf("store.endpoint is required")
		}
		if c.Store.Bucket == "" {
			return fmt.Errorf("store.bucket is required")
		}
		if (c.Store.AccessKey == "") != (c.Store.SecretKey == "") {
			return fmt.Errorf("store.access_key and store.secret_key must be set together")
		}
	case NeedGCP:
		if c.GCP.Project == "" {
			return fmt.Errorf("gcp.project is required")
		}
		if c.GCP.Zone == "" {
			return fmt.Errorf("gcp.zone is required")
		}
	case NeedImage:
		if c.GCP.Image == "" {
			return fmt.Errorf("gcp.image is required")
		}
		if c.GCP.AcceleratorCount < 0 {
			return fmt.Errorf("gcp.accelerator_count must not be negative")
		}
	case NeedBudget:
		if c.Governor.Limit <= 0 {
			return fmt.Errorf("governor.limit must be positive")
		}
		for i, th := range c.Governor.Thresholds {
			if th <= 0 {
				return fmt.Errorf("governor.thresholds[%d] must be positive", i)
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ObjectStoreConfig returns the object store connection settings.
func (c *Config) ObjectStoreConfig() objectstore.Config {
	return objectstore.Config{
		Endpoint:     c.Store.Endpoint,
		AccessKey:    c.Store.AccessKey,
		SecretKey:    c.Store.SecretKey,
		UseSSL:       c.Store.UseSSL == nil || *c.Store.UseSSL,
		Region:       c.Store.Region,
		Bucket:       c.Store.Bucket,
		CreateBucket: c.Store.CreateBucket,
	}
}

// NewStore connects to the configured bucket.
func (c *Config) NewStore(ctx context.Context, logger *slog.Logger) (*objectstore.MinioStore, error) {
	return objectstore.NewMinio(ctx, c.ObjectStoreConfig(), logger.WithGroup("objectstore"))
}

// NewLedger creates the run ledger rooted at prefix, or at
// store.ledger_prefix when prefix is empty.
func (c *Config) NewLedger(store objectstore.Store, prefix string, logger *slog.Logger) *ledger.Ledger {
	if prefix == "" {
		prefix = c.Store.LedgerPrefix
	}
	return ledger.New(ledger.Config{
		Store:  store,
		Prefix: prefix,
		Logger: logger.WithGroup("ledger"),
	})
}

// GCPProvisionerConfig returns the Compute Engine settings.
func (c *Config) GCPProvisionerConfig() gcp.Config {
	return gcp.Config{
		Project:          c.GCP.Project,
		Zone:             c.GCP.Zone,
		MachineType:      c.GCP.MachineType,
		Image:            c.GCP.Image,
		DiskSizeGB:       c.GCP.DiskSizeGB,
		Network:          c.GCP.Network,
		Subnet:           c.GCP.Subnet,
		PublicIP:         c.GCP.PublicIP != nil && *c.GCP.PublicIP,
		ServiceAccount:   c.GCP.ServiceAccount,
		AcceleratorType:  c.GCP.AcceleratorType,
		AcceleratorCount: c.GCP.AcceleratorCount,
		Spot:             c.GCP.Spot,
		StartupScript:    c.GCP.StartupScript,
	}
}

// NewProvisioner creates the GCP provisioner.
func (c *Config) NewProvisioner(ctx context.Context, logger *slog.Logger) (*gcp.Provisioner, error) {
	return gcp.New(ctx, c.GCPProvisionerConfig(), logger.WithGroup("provision.gcp"))
}

// NewNotifier returns a webhook notifier, or a log notifier when no
// webhook is configured.
func (c *Config) NewNotifier(logger *slog.Logger) (notify.Notifier, error) {
	if c.Notify.WebhookURL == "" {
		return notify.LogNotifier{Logger: logger.WithGroup("notify")}, nil
	}
	w, err := notify.NewWebhook(notify.WebhookConfig{
		URL:      c.Notify.WebhookURL,
		Headers:  c.Notify.Headers,
		RetryMax: c.Notify.RetryMax,
		Timeout:  c.Notify.Timeout,
	}, logger.WithGroup("notify"))
	if err != nil {
		return nil, fmt.Errorf("webhook notifier: %w", err)
	}
	return w, nil
}

// NewSecrets returns the configured secret store, or nil for the "none"
// backend.  The returned close function is never nil.
func (c *Config) NewSecrets(ctx context.Context, logger *slog.Logger) (secrets.Store, func() error, error) {
	noop := func() error { return nil }
	switch c.Secrets.Backend {
	case "dotenv":
		return secrets.DotenvStore{Path: c.Secrets.DotenvPath}, noop, nil
	case "secretmanager":
		if c.Secrets.Project == "" {
			return nil, noop, fmt.Errorf("secrets.project (or gcp.project) is required for secret manager")
		}
		sm, err := secrets.NewSecretManager(ctx, c.Secrets.Project, logger.WithGroup("secrets"))
		if err != nil {
			return nil, noop, err
		}
		return sm, sm.Close, nil
	default:
		return nil, noop, nil
	}
}

// NewBillingSource reads the billing export from store.
func (c *Config) NewBillingSource(store objectstore.Store, logger *slog.Logger) *billing.Export {
	return billing.NewExport(billing.ExportConfig{
		Store:    store,
		Prefix:   c.Governor.BillingPrefix,
		TagKey:   c.Governor.TagKey,
		TagValue: c.Governor.TagValue,
		Logger:   logger.WithGroup("billing"),
	})
}

// OTelSDKConfig returns the settings for otel.SetupOTelSDK.
func (c *Config) OTelSDKConfig() otel.Config {
	return otel.Config{
		Enabled:    c.OTel.Enabled,
		Endpoint:   c.OTel.Endpoint,
		Insecure:   c.OTel.Insecure,
		StdOut:     c.OTel.StdOut,
		Prometheus: c.OTel.Prometheus,
	}
}

// ExecutorLockPath returns the configured lock path, or "" when the
// wait is disabled.
func (c *Config) ExecutorLockPath() string {
	if c.Executor.LockPath == "-" {
		return ""
	}
	return c.Executor.LockPath
}

// BudgetTag renders the governor tag as key=value.
func (c *Config) BudgetTag() string {
	if c.Governor.TagKey == "" {
		return ""
	}
	return c.Governor.TagKey + "=" + c.Governor.TagValue
}

func boolPtr(b bool) *bool { return &b }
