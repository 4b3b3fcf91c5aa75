package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	StorageDriverS3    = "s3"
	StorageDriverLocal = "local"

	// MaxAutogradeTimeout is the hard ceiling for a single grading run.
	MaxAutogradeTimeout = 30 * time.Minute
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Storage    StorageConfig    `yaml:"storage"`
	Autograder AutograderConfig `yaml:"autograder"`
	Grading    GradingConfig    `yaml:"grading"`
	Workers    WorkersConfig    `yaml:"workers"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Env     string `yaml:"env"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
}

type DatabaseConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	User               string        `yaml:"user"`
	Password           string        `yaml:"password"`
	Name               string        `yaml:"name"`
	Charset            string        `yaml:"charset"`
	ParseTime          bool          `yaml:"parse_time"`
	Loc                string        `yaml:"loc"`
	MaxConnections     int           `yaml:"max_connections"`
	MaxIdleConnections int           `yaml:"max_idle_connections"`
	ConnectionLifetime time.Duration `yaml:"connection_lifetime"`
	AutoMigrate        bool          `yaml:"auto_migrate"`
}

type RedisConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Password       string `yaml:"password"`
	DB             int    `yaml:"db"`
	PoolSize       int    `yaml:"pool_size"`
	AutogradeQueue string `yaml:"autograde_queue"`
	DLQSuffix      string `yaml:"dlq_suffix"`
}

type StorageConfig struct {
	Driver string        `yaml:"driver"`
	S3     S3Config      `yaml:"s3"`
	Local  LocalFSConfig `yaml:"local"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type LocalFSConfig struct {
	Root string `yaml:"root"`
}

// AutograderConfig controls how grading scripts are executed.
type AutograderConfig struct {
	WorkRoot        string        `yaml:"work_root"`
	EntryScript     string        `yaml:"entry_script"`
	ResultsFile     string        `yaml:"results_file"`
	SandboxCommand  []string      `yaml:"sandbox_command"`
	Timeout         time.Duration `yaml:"timeout"`
	Retries         int           `yaml:"retries"`
	KeepWorkdirs    bool          `yaml:"keep_workdirs"`
	MaxExtractBytes int64         `yaml:"max_extract_bytes"`
	ReportsPrefix   string        `yaml:"reports_prefix"`
	LogsPrefix      string        `yaml:"logs_prefix"`
}

// MaxAttempts is the number of times a job may run, the first run included.
func (a AutograderConfig) MaxAttempts() int {
	return 1 + a.Retries
}

type GradingConfig struct {
	AllowExtraCredit bool `yaml:"allow_extra_credit"`
}

type WorkersConfig struct {
	Autograde AutogradeWorkerConfig `yaml:"autograde"`
	Reaper    ReaperWorkerConfig    `yaml:"reaper"`
}

type AutogradeWorkerConfig struct {
	Count int `yaml:"count"`
}

type ReaperWorkerConfig struct {
	Interval time.Duration `yaml:"interval"`
	Grace    time.Duration `yaml:"grace"`
	Enabled  bool          `yaml:"enabled"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML, applies env overrides and defaults, then validates.
func Parse(data []byte) (*Config, error) {
	// Retries defaults to one so a transient failure gets a second run.
	config := Config{Autograder: AutograderConfig{Retries: 1}}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.applyEnv()
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyEnv() {
	overrides := map[string]*string{
		"DB_PASSWORD":    &c.Database.Password,
		"REDIS_PASSWORD": &c.Redis.Password,
		"S3_ACCESS_KEY":  &c.Storage.S3.AccessKey,
		"S3_SECRET_KEY":  &c.Storage.S3.SecretKey,
	}
	for key, dst := range overrides {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.MaxUploadBytes == 0 {
		c.Server.MaxUploadBytes = 50 << 20
	}
	if c.Database.Charset == "" {
		c.Database.Charset = "utf8mb4"
	}
	if c.Database.Loc == "" {
		c.Database.Loc = "UTC"
	}
	if c.Redis.AutogradeQueue == "" {
		c.Redis.AutogradeQueue = "autograde_jobs"
	}
	if c.Redis.DLQSuffix == "" {
		c.Redis.DLQSuffix = ":dlq"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageDriverS3
	}
	if c.Autograder.WorkRoot == "" {
		c.Autograder.WorkRoot = "/tmp/athena-autograder"
	}
	if c.Autograder.EntryScript == "" {
		c.Autograder.EntryScript = "run_autograder"
	}
	if c.Autograder.ResultsFile == "" {
		c.Autograder.ResultsFile = "results.json"
	}
	if c.Autograder.Timeout == 0 {
		c.Autograder.Timeout = 5 * time.Minute
	}
	if c.Autograder.MaxExtractBytes == 0 {
		c.Autograder.MaxExtractBytes = 200 << 20
	}
	if c.Autograder.ReportsPrefix == "" {
		c.Autograder.ReportsPrefix = "reports"
	}
	if c.Autograder.LogsPrefix == "" {
		c.Autograder.LogsPrefix = "logs"
	}
	if c.Workers.Autograde.Count == 0 {
		c.Workers.Autograde.Count = 2
	}
	if c.Workers.Reaper.Interval == 0 {
		c.Workers.Reaper.Interval = time.Minute
	}
	if c.Workers.Reaper.Grace == 0 {
		c.Workers.Reaper.Grace = 15 * time.Minute
	}
}

func (c *Config) Validate() error {
	if c.Autograder.Timeout < 0 || c.Autograder.Timeout > MaxAutogradeTimeout {
		return fmt.Errorf("autograder.timeout must be between 0 and %s, got %s", MaxAutogradeTimeout, c.Autograder.Timeout)
	}
	if c.Autograder.Retries < 0 {
		return fmt.Errorf("autograder.retries must not be negative")
	}
	switch c.Storage.Driver {
	case StorageDriverS3, StorageDriverLocal:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == StorageDriverLocal && c.Storage.Local.Root == "" {
		return fmt.Errorf("storage.local.root is required for the local driver")
	}
	return nil
}

// StaleAfter is how long a dispatched job may stay pending before the reaper fails it.
func (c *Config) StaleAfter() time.Duration {
	return c.Autograder.Timeout*time.Duration(c.Autograder.MaxAttempts()) + c.Workers.Reaper.Grace
}

// MySQL DSN format: [username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
// clientFoundRows makes UPDATE report matched rather than changed rows.
// Submission creation needs REPEATABLE READ gap locks, so the session
// isolation level is pinned.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=%t&loc=%s&clientFoundRows=true"+
		"&transaction_isolation=%%27REPEATABLE-READ%%27",
		c.Database.User, c.Database.Password, c.Database.Host, c.Database.Port,
		c.Database.Name, c.Database.Charset, c.Database.ParseTime, c.Database.Loc)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
