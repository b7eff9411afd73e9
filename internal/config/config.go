package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Service kinds hosted by the job engine.
const (
	KindGenerate   = "generate"
	KindEdit       = "edit"
	KindValidate   = "validate"
	KindScreenshot = "screenshot"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Service   ServiceConfig   `mapstructure:"service"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Render    RenderConfig    `mapstructure:"render"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
}

type ServerConfig struct {
	Port   int        `mapstructure:"port"`
	Mode   string     `mapstructure:"mode"`
	APIKey string     `mapstructure:"api_key"`
	CORS   CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type ServiceConfig struct {
	Kind string `mapstructure:"kind"`
	Name string `mapstructure:"name"`
}

type JobsConfig struct {
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	MaxQueueSize      int           `mapstructure:"max_queue_size"`
	SyncWaitTimeout   time.Duration `mapstructure:"sync_wait_timeout"`
	FinishedJobTTL    time.Duration `mapstructure:"finished_job_ttl"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
	MaxJobRecords     int           `mapstructure:"max_job_records"`
}

type PipelineConfig struct {
	MaxRetries int     `mapstructure:"max_retries"`
	MaxCostUSD float64 `mapstructure:"max_cost_usd"`
}

type RenderConfig struct {
	BlenderExecutable string        `mapstructure:"blender_executable"`
	Timeout           time.Duration `mapstructure:"timeout"`
	SessionsDir       string        `mapstructure:"sessions_dir"`
	MinArtifactBytes  int64         `mapstructure:"min_artifact_bytes"`
	ScreenshotSize    int           `mapstructure:"screenshot_size"`
}

type LLMConfig struct {
	Provider          string        `mapstructure:"provider"`
	Model             string        `mapstructure:"model"`
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	InputCostPerMTok  float64       `mapstructure:"input_cost_per_mtok"`
	OutputCostPerMTok float64       `mapstructure:"output_cost_per_mtok"`
	MaxTokens         int           `mapstructure:"max_tokens"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MasterPromptPath  string        `mapstructure:"master_prompt_path"`
}

type ArtifactsConfig struct {
	CacheDir     string        `mapstructure:"cache_dir"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
	FetchRetries int           `mapstructure:"fetch_retries"`
	SignedURLTTL time.Duration `mapstructure:"signed_url_ttl"`
}

type StorageConfig struct {
	Type          string `mapstructure:"type"`
	Endpoint      string `mapstructure:"endpoint"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	UseSSL        bool   `mapstructure:"use_ssl"`
	Bucket        string `mapstructure:"bucket"`
	Region        string `mapstructure:"region"`
	PublicURL     string `mapstructure:"public_url"`
	UploadEnabled bool   `mapstructure:"upload_enabled"`
}

// Enabled reports whether object storage credentials were configured.
func (s StorageConfig) Enabled() bool {
	return s.Endpoint != "" && s.Bucket != ""
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, memory
	Path            string        `mapstructure:"path"`
	URL             string        `mapstructure:"url"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the connection string for the configured driver.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "postgres" {
		return d.URL
	}
	return d.Path + "?_busy_timeout=5000"
}

// DefaultConcurrency is half the CPUs, clamped to [1, 4].
func DefaultConcurrency() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	if n > 4 {
		n = 4
	}
	return n
}

// Load reads configPath (or ./configs/config.yaml, ./config.yaml), then the
// environment. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets and the deployment knobs commonly set by container envs
	v.BindEnv("server.api_key", "API_KEY")
	v.BindEnv("service.kind", "SERVICE_KIND")
	v.BindEnv("jobs.max_concurrent_jobs", "MAX_CONCURRENT_JOBS")
	v.BindEnv("jobs.max_queue_size", "MAX_QUEUE_SIZE")
	v.BindEnv("llm.api_key", "LLM_API_KEY", "OPENAI_API_KEY")
	v.BindEnv("llm.base_url", "LLM_BASE_URL", "OPENAI_BASE_URL")
	v.BindEnv("llm.model", "LLM_MODEL")
	v.BindEnv("render.blender_executable", "BLENDER_EXECUTABLE")
	v.BindEnv("storage.endpoint", "S3_ENDPOINT")
	v.BindEnv("storage.access_key", "S3_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "S3_SECRET_KEY")
	v.BindEnv("storage.bucket", "S3_BUCKET")
	v.BindEnv("database.url", "DATABASE_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("service.kind", KindGenerate)
	v.SetDefault("service.name", "ring-generator")
	v.SetDefault("jobs.max_concurrent_jobs", DefaultConcurrency())
	v.SetDefault("jobs.max_queue_size", 64)
	v.SetDefault("jobs.sync_wait_timeout", 600*time.Second)
	v.SetDefault("jobs.finished_job_ttl", time.Hour)
	v.SetDefault("jobs.cleanup_interval", 30*time.Second)
	v.SetDefault("jobs.max_job_records", 2000)
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.max_cost_usd", 5.0)
	v.SetDefault("render.blender_executable", "blender")
	v.SetDefault("render.timeout", 300*time.Second)
	v.SetDefault("render.sessions_dir", "./data/sessions")
	v.SetDefault("render.min_artifact_bytes", 1024)
	v.SetDefault("render.screenshot_size", 1024)
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.input_cost_per_mtok", 2.5)
	v.SetDefault("llm.output_cost_per_mtok", 10.0)
	v.SetDefault("llm.max_tokens", 16000)
	v.SetDefault("llm.timeout", 300*time.Second)
	v.SetDefault("artifacts.cache_dir", "./data/artifact_cache")
	v.SetDefault("artifacts.http_timeout", 120*time.Second)
	v.SetDefault("artifacts.fetch_retries", 2)
	v.SetDefault("artifacts.signed_url_ttl", 30*time.Minute)
	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("storage.upload_enabled", true)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/ringforge.db")
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
}

// Validate rejects settings the job engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Jobs.MaxConcurrentJobs < 1 {
		errs = append(errs, fmt.Errorf("jobs.max_concurrent_jobs must be positive, got %d", c.Jobs.MaxConcurrentJobs))
	}
	if c.Jobs.MaxQueueSize < 1 {
		errs = append(errs, fmt.Errorf("jobs.max_queue_size must be positive, got %d", c.Jobs.MaxQueueSize))
	}
	if c.Jobs.MaxJobRecords < 1 {
		errs = append(errs, fmt.Errorf("jobs.max_job_records must be positive, got %d", c.Jobs.MaxJobRecords))
	}
	if c.Pipeline.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_retries must not be negative"))
	}
	switch c.Service.Kind {
	case KindGenerate, KindEdit, KindValidate, KindScreenshot:
	default:
		errs = append(errs, fmt.Errorf("unknown service.kind %q", c.Service.Kind))
	}
	return errors.Join(errs...)
}
