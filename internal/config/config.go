package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

const defaultPath = "config/config.yaml"

type Config struct {
	Server struct {
		Address        string   `yaml:"address"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"`
		URL    string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Broker struct {
		BaseURL       string `yaml:"base_url"`
		ClientID      string `yaml:"client_id"`
		ClientSecret  string `yaml:"client_secret"`
		WebhookSecret string `yaml:"webhook_secret"`
		Currency      string `yaml:"currency"`
		ReturnURL     string `yaml:"return_url"`
		CancelURL     string `yaml:"cancel_url"`
		BrandName     string `yaml:"brand_name"`
		TimeoutSec    int    `yaml:"timeout_seconds"`
	} `yaml:"broker"`
	Pledge struct {
		MinAmount            string `yaml:"min_amount"`
		MaxAmount            string `yaml:"max_amount"`
		OrderTTLMinutes      int    `yaml:"order_ttl_minutes"`
		CapturedGraceMinutes int    `yaml:"captured_grace_minutes"`
		ReconcileIntervalSec int    `yaml:"reconcile_interval_seconds"`
		LockTTLSec           int    `yaml:"lock_ttl_seconds"`
	} `yaml:"pledge"`
	Firebase struct {
		CredentialsFile string `yaml:"credentials_file"`
	} `yaml:"firebase"`
	S3 struct {
		Endpoint  string `yaml:"endpoint"`
		Region    string `yaml:"region"`
		Bucket    string `yaml:"bucket"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Prefix    string `yaml:"prefix"`
	} `yaml:"s3"`
}

// LoadConfig reads the YAML file at path (CONFIG_PATH or config/config.yaml when
// empty) and applies environment overrides. A missing file is not an error when
// the environment carries the required settings.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = defaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(&cfg)

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "mysql"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":4001"
	}
	return cfg, cfg.validate()
}

func applyEnv(cfg *Config) {
	setString(&cfg.Database.Driver, "DATABASE_DRIVER")
	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Redis.URL, "REDIS_URL")
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setString(&cfg.Broker.BaseURL, "BROKER_BASE_URL")
	setString(&cfg.Broker.ClientID, "BROKER_CLIENT_ID")
	setString(&cfg.Broker.ClientSecret, "BROKER_CLIENT_SECRET")
	setString(&cfg.Broker.WebhookSecret, "BROKER_WEBHOOK_SECRET")
	setString(&cfg.Firebase.CredentialsFile, "FIREBASE_CREDENTIALS_FILE")
	setString(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setString(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Address = ":" + strings.TrimPrefix(port, ":")
	}
}

func setString(dst *string, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = v
	}
}

func (c Config) validate() error {
	switch c.Database.Driver {
	case "mysql", "pgx":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required")
	}
	return nil
}
