package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Minio     MinioConfig     `yaml:"minio"`
	Store     StoreConfig     `yaml:"store"`
	Inference InferenceConfig `yaml:"inference"`
	Auth      AuthConfig      `yaml:"auth"`
	Users     []User          `yaml:"users"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// StoreConfig selects the task/review persistence backend.
type StoreConfig struct {
	Driver      string `yaml:"driver"` // memory, postgres
	PostgresDSN string `yaml:"postgres_dsn"`
}

// InferenceConfig configures the external model provider and the
// gateway's concurrency and retry policy.
type InferenceConfig struct {
	BaseURL               string `yaml:"base_url"`
	APIKey                string `yaml:"api_key"`
	Model                 string `yaml:"model"`
	MaxConcurrent         int    `yaml:"max_concurrent"`
	MaxQueueDepth         int    `yaml:"max_queue_depth"`
	MaxAttempts           int    `yaml:"max_attempts"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
}

// RequestTimeout returns the per-call wall-clock timeout.
func (c InferenceConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	TokenExpireHours int    `yaml:"token_expire_hours"`
}

type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Tenant   string `yaml:"tenant"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	return &cfg, nil
}

// Default returns a usable configuration when no config file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Inference.BaseURL == "" {
		c.Inference.BaseURL = "https://api.openai.com/v1/chat/completions"
	}
	if c.Inference.Model == "" {
		c.Inference.Model = "gpt-4o"
	}
	if c.Inference.MaxConcurrent == 0 {
		c.Inference.MaxConcurrent = 8
	}
	if c.Inference.MaxQueueDepth == 0 {
		c.Inference.MaxQueueDepth = 128
	}
	if c.Inference.MaxAttempts == 0 {
		c.Inference.MaxAttempts = 3
	}
	if c.Inference.RequestTimeoutSeconds == 0 {
		c.Inference.RequestTimeoutSeconds = 120
	}
	if c.Auth.TokenExpireHours == 0 {
		c.Auth.TokenExpireHours = 24
	}
}

// applyEnvOverrides lets secrets come from the environment instead of the
// config file. A .env file loaded at startup feeds these.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Inference.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.Inference.BaseURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		c.Store.PostgresDSN = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		c.Minio.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		c.Minio.SecretKey = v
	}
}

// FindUser finds a user by username
func (c *Config) FindUser(username string) *User {
	for i := range c.Users {
		if c.Users[i].Username == username {
			return &c.Users[i]
		}
	}
	return nil
}
