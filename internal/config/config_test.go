package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/gpurun/internal/notify"
	"github.com/terrpan/gpurun/internal/objectstore/objectstoretest"
	"github.com/terrpan/gpurun/internal/secrets"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// validConfig returns a Config that passes Validate for every Need.
func validConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Endpoint: "storage.googleapis.com",
			Bucket:   "gpurun-ledger",
		},
		GCP: GCPConfig{
			Project: "my-project",
			Zone:    "us-central1-a",
			Image:   "projects/my-project/global/images/family/gpurun",
		},
		Launch: LaunchConfig{
			Labels: map[string]string{"budget": "lora"},
		},
		Governor: GovernorConfig{
			Limit: 500,
		},
	}
}

var allNeeds = []Need{NeedStore, NeedGCP, NeedImage, NeedBudget}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ConfigValidationSuite struct {
	suite.Suite
}

func TestConfigValidationSuite(t *testing.T) {
	suite.Run(t, new(ConfigValidationSuite))
}

// ---------------------------------------------------------------------------
// Valid configs
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_ValidConfig() {
	cfg := validConfig()
	require.NoError(s.T(), cfg.Validate(allNeeds...))
}

func (s *ConfigValidationSuite) TestValidate_EmptyConfigWithoutNeeds() {
	cfg := &Config{}
	require.NoError(s.T(), cfg.Validate())
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_MissingEndpoint() {
	cfg := validConfig()
	cfg.Store.Endpoint = ""
	err := cfg.Validate(NeedStore)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "store.endpoint")
}

func (s *ConfigValidationSuite) TestValidate_MissingBucket() {
	cfg := validConfig()
	cfg.Store.Bucket = ""
	err := cfg.Validate(NeedStore)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "store.bucket")
}

func (s *ConfigValidationSuite) TestValidate_HalfCredentials() {
	cfg := validConfig()
	cfg.Store.AccessKey = "GOOG1E..."
	err := cfg.Validate(NeedStore)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "must be set together")
}

func (s *ConfigValidationSuite) TestValidate_StoreNotNeeded() {
	cfg := validConfig()
	cfg.Store = StoreConfig{}
	assert.NoError(s.T(), cfg.Validate(NeedGCP))
}

// ---------------------------------------------------------------------------
// GCP
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_GCPMissingProject() {
	cfg := validConfig()
	cfg.GCP.Project = ""
	err := cfg.Validate(NeedGCP)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "gcp.project")
}

func (s *ConfigValidationSuite) TestValidate_GCPMissingZone() {
	cfg := validConfig()
	cfg.GCP.Zone = ""
	err := cfg.Validate(NeedGCP)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "gcp.zone")
}

func (s *ConfigValidationSuite) TestValidate_GCPMissingImage() {
	cfg := validConfig()
	cfg.GCP.Image = ""
	assert.NoError(s.T(), cfg.Validate(NeedGCP), "the image only matters for launch")

	err := cfg.Validate(NeedGCP, NeedImage)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "gcp.image")
}

// ---------------------------------------------------------------------------
// Governor
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_BudgetLimitRequired() {
	cfg := validConfig()
	cfg.Governor.Limit = 0
	err := cfg.Validate(NeedBudget)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "governor.limit")
}

func (s *ConfigValidationSuite) TestValidate_BadThreshold() {
	cfg := validConfig()
	cfg.Governor.Thresholds = []float64{0.8, 0}
	err := cfg.Validate(NeedBudget)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "governor.thresholds[1]")
}

// ---------------------------------------------------------------------------
// Secrets, logging, executor
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_UnsupportedSecretsBackend() {
	cfg := validConfig()
	cfg.Secrets.Backend = "vault"
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "not supported")
}

func (s *ConfigValidationSuite) TestValidate_DotenvNeedsPath() {
	cfg := validConfig()
	cfg.Secrets.Backend = "dotenv"
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "secrets.dotenv_path")
}

func (s *ConfigValidationSuite) TestValidate_UnsupportedLogFormat() {
	cfg := validConfig()
	cfg.Logging.Format = "xml"
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "logging.format")
}

func (s *ConfigValidationSuite) TestValidate_NegativeLockTimeout() {
	cfg := validConfig()
	cfg.Executor.LockTimeout = -time.Second
	assert.Error(s.T(), cfg.Validate())
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestApplyDefaults() {
	cfg := &Config{GCP: GCPConfig{Project: "p"}}
	cfg.ApplyDefaults()

	assert.True(s.T(), *cfg.Store.UseSSL)
	assert.Equal(s.T(), "gpurun/", cfg.Store.LedgerPrefix)
	assert.Equal(s.T(), "g2-standard-8", cfg.GCP.MachineType)
	assert.Equal(s.T(), int64(200), cfg.GCP.DiskSizeGB)
	assert.False(s.T(), *cfg.GCP.PublicIP)
	assert.Equal(s.T(), DefaultStartupScript, cfg.GCP.StartupScript)
	assert.Equal(s.T(), 30*time.Minute, cfg.Launch.BackstopMargin)
	assert.Equal(s.T(), 10*time.Minute, cfg.Launch.Grace)
	assert.Equal(s.T(), "/var/lib/gpurun", cfg.Executor.WorkDir)
	assert.Equal(s.T(), DefaultLockPath, cfg.Executor.LockPath)
	assert.Equal(s.T(), 10*time.Minute, cfg.Executor.LockTimeout)
	assert.Equal(s.T(), 5*time.Second, cfg.Executor.LockPollInterval)
	assert.True(s.T(), *cfg.Executor.RequireGPU)
	assert.True(s.T(), *cfg.Executor.AttachGPUs)
	assert.Equal(s.T(), "nvidia", cfg.Executor.GPUDriver)
	assert.Equal(s.T(), int64(8192), cfg.Executor.ShmSizeMB)
	assert.Equal(s.T(), ":8080", cfg.Executor.HealthAddr)
	assert.Equal(s.T(), "none", cfg.Secrets.Backend)
	assert.Equal(s.T(), "p", cfg.Secrets.Project)
	assert.Equal(s.T(), 8*time.Hour, cfg.Monitor.AlarmAfter)
	assert.Equal(s.T(), "USD", cfg.Governor.Currency)
	assert.Equal(s.T(), "billing/", cfg.Governor.BillingPrefix)
	assert.Equal(s.T(), "governor/", cfg.Governor.MarkerPrefix)
	assert.Equal(s.T(), "info", cfg.Logging.Level)
	assert.Equal(s.T(), "text", cfg.Logging.Format)
}

func (s *ConfigValidationSuite) TestApplyDefaults_PreservesExplicitFalse() {
	f := false
	cfg := &Config{
		Store:    StoreConfig{UseSSL: &f},
		Executor: ExecutorConfig{RequireGPU: &f},
	}
	cfg.ApplyDefaults()
	assert.False(s.T(), *cfg.Store.UseSSL)
	assert.False(s.T(), *cfg.Executor.RequireGPU)
	assert.False(s.T(), cfg.ObjectStoreConfig().UseSSL)
}

func (s *ConfigValidationSuite) TestApplyDefaults_BudgetTagFromSingleLabel() {
	cfg := validConfig()
	cfg.ApplyDefaults()
	assert.Equal(s.T(), "budget", cfg.Governor.TagKey)
	assert.Equal(s.T(), "lora", cfg.Governor.TagValue)
	assert.Equal(s.T(), "budget=lora", cfg.BudgetTag())

	cfg = validConfig()
	cfg.Launch.Labels["team"] = "ml"
	cfg.ApplyDefaults()
	assert.Empty(s.T(), cfg.Governor.TagKey, "ambiguous with more than one label")
	assert.Empty(s.T(), cfg.BudgetTag())
}

func (s *ConfigValidationSuite) TestExecutorLockPath() {
	cfg := validConfig()
	cfg.ApplyDefaults()
	assert.Equal(s.T(), DefaultLockPath, cfg.ExecutorLockPath())

	cfg.Executor.LockPath = "-"
	assert.Empty(s.T(), cfg.ExecutorLockPath())
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  endpoint: minio.internal:9000
  bucket: runs
  use_ssl: false
gcp:
  project: my-project
  zone: europe-west4-a
  accelerator_type: nvidia-l4
  accelerator_count: 1
  spot: true
launch:
  labels:
    budget: lora
  grace: 15m
executor:
  lock_timeout: 2m
  setup_commands:
    - nvidia-smi -pm 1
governor:
  limit: 750.5
  thresholds: [0.5, 0.8, 1.0]
monitor:
  alarm_after: 12h
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "minio.internal:9000", cfg.Store.Endpoint)
	require.NotNil(t, cfg.Store.UseSSL)
	assert.False(t, *cfg.Store.UseSSL)
	assert.Equal(t, "nvidia-l4", cfg.GCP.AcceleratorType)
	assert.Equal(t, int32(1), cfg.GCP.AcceleratorCount)
	assert.True(t, cfg.GCP.Spot)
	assert.Equal(t, 15*time.Minute, cfg.Launch.Grace)
	assert.Equal(t, 2*time.Minute, cfg.Executor.LockTimeout)
	assert.Equal(t, []string{"nvidia-smi -pm 1"}, cfg.Executor.SetupCommands)
	assert.InDelta(t, 750.5, cfg.Governor.Limit, 1e-9)
	assert.Equal(t, []float64{0.5, 0.8, 1.0}, cfg.Governor.Thresholds)
	assert.Equal(t, 12*time.Hour, cfg.Monitor.AlarmAfter)

	require.NoError(t, cfg.Validate(allNeeds...))
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: [unclosed"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("GPURUN_STORE_ACCESS_KEY", "ak")
	t.Setenv("GPURUN_STORE_SECRET_KEY", "sk")
	t.Setenv("GPURUN_WEBHOOK_URL", "https://hooks.example.com/x")

	cfg := validConfig()
	cfg.ApplyEnv()
	assert.Equal(t, "ak", cfg.Store.AccessKey)
	assert.Equal(t, "sk", cfg.Store.SecretKey)
	assert.Equal(t, "https://hooks.example.com/x", cfg.Notify.WebhookURL)
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

func TestNewLogger(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "debug", Format: "json"}}
	logger := cfg.NewLogger()
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	cfg.Logging.Level = "warn"
	assert.False(t, cfg.NewLogger().Enabled(context.Background(), slog.LevelInfo))
}

func TestNewNotifier(t *testing.T) {
	cfg := validConfig()
	n, err := cfg.NewNotifier(discardLogger())
	require.NoError(t, err)
	assert.IsType(t, notify.LogNotifier{}, n)

	cfg.Notify.WebhookURL = "https://hooks.example.com/x"
	n, err = cfg.NewNotifier(discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &notify.WebhookNotifier{}, n)
}

func TestNewSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.ApplyDefaults()

	store, closeFn, err := cfg.NewSecrets(context.Background(), discardLogger())
	require.NoError(t, err)
	assert.Nil(t, store)
	assert.NoError(t, closeFn())

	cfg.Secrets.Backend = "dotenv"
	cfg.Secrets.DotenvPath = "/etc/gpurun/secrets.env"
	store, closeFn, err = cfg.NewSecrets(context.Background(), discardLogger())
	require.NoError(t, err)
	assert.Equal(t, secrets.DotenvStore{Path: "/etc/gpurun/secrets.env"}, store)
	assert.NoError(t, closeFn())
}

func TestNewLedger_Prefix(t *testing.T) {
	cfg := validConfig()
	cfg.ApplyDefaults()
	store := objectstoretest.NewMemory()

	l := cfg.NewLedger(store, "", discardLogger())
	assert.Equal(t, "gpurun/runs/r1/", l.RunPrefix("r1"))

	l = cfg.NewLedger(store, "experiments/lora", discardLogger())
	assert.Equal(t, "experiments/lora/runs/r1/", l.RunPrefix("r1"))
}

func TestGCPProvisionerConfig(t *testing.T) {
	cfg := validConfig()
	cfg.GCP.AcceleratorType = "nvidia-l4"
	cfg.GCP.AcceleratorCount = 1
	require.NoError(t, cfg.Validate(allNeeds...))

	g := cfg.GCPProvisionerConfig()
	assert.Equal(t, "my-project", g.Project)
	assert.Equal(t, "g2-standard-8", g.MachineType)
	assert.Equal(t, "nvidia-l4", g.AcceleratorType)
	assert.Equal(t, int32(1), g.AcceleratorCount)
	assert.False(t, g.PublicIP)
	assert.Contains(t, g.StartupScript, "gpurun execute")
}

func TestOTelSDKConfig(t *testing.T) {
	cfg := validConfig()
	cfg.OTel = OTelConfig{Enabled: true, Endpoint: "collector:4318", Prometheus: true}
	o := cfg.OTelSDKConfig()
	assert.True(t, o.Enabled)
	assert.Equal(t, "collector:4318", o.Endpoint)
	assert.True(t, o.Prometheus)
}
