package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"Server"`
	Database DatabaseConfig `mapstructure:"Database"`
	Registry RegistryConfig `mapstructure:"Registry"`
}

type ServerConfig struct {
	Port    string `mapstructure:"Port"`
	BaseURL string `mapstructure:"BaseURL"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"Host"`
	Port     string `mapstructure:"Port"`
	User     string `mapstructure:"User"`
	Password string `mapstructure:"Password"`
	Name     string `mapstructure:"Name"`
	SSLMode  string `mapstructure:"SSLMode"`
}

type RegistryConfig struct {
	// ListDeleted includes soft-deleted envelopes in list responses.
	ListDeleted bool `mapstructure:"ListDeleted"`
	// SchemaPath points at an optional JSON schema decoded resources must
	// satisfy. Empty disables schema validation.
	SchemaPath string `mapstructure:"SchemaPath"`
	// DumpEnabled turns on periodic registry dumps to S3.
	DumpEnabled       bool `mapstructure:"DumpEnabled"`
	DumpIntervalHours int  `mapstructure:"DumpIntervalHours"`
	DumpKeep          int  `mapstructure:"DumpKeep"`
}

func NewConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.BindEnv("Database.Host", "DATABASE_HOST")
	v.BindEnv("Database.Port", "DATABASE_PORT")
	v.BindEnv("Database.User", "DATABASE_USER")
	v.BindEnv("Database.Password", "DATABASE_PASSWORD")
	v.BindEnv("Database.Name", "DATABASE_NAME")
	v.BindEnv("Database.SSLMode", "DATABASE_SSLMODE")
	v.BindEnv("Server.Port", "HTTP_PORT")
	v.BindEnv("Server.BaseURL", "BASE_URL")
	v.BindEnv("Registry.ListDeleted", "REGISTRY_LIST_DELETED")
	v.BindEnv("Registry.SchemaPath", "REGISTRY_SCHEMA_PATH")
	v.BindEnv("Registry.DumpEnabled", "REGISTRY_DUMP_ENABLED")
	v.BindEnv("Registry.DumpIntervalHours", "REGISTRY_DUMP_INTERVAL_HOURS")
	v.BindEnv("Registry.DumpKeep", "REGISTRY_DUMP_KEEP")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("Warning: using only environment variables: %v\n", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Database.Host == "" ||
		cfg.Database.Port == "" ||
		cfg.Database.User == "" ||
		cfg.Database.Name == "" {
		return nil, fmt.Errorf("database configuration is incomplete: host=%s, port=%s, user=%s, name=%s",
			cfg.Database.Host, cfg.Database.Port, cfg.Database.User, cfg.Database.Name)
	}

	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Server.Port == "" {
		cfg.Server.Port = "2525"
	}
	if cfg.Registry.DumpIntervalHours <= 0 {
		cfg.Registry.DumpIntervalHours = 24
	}

	return &cfg, nil
}

func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Name,
		c.SSLMode,
	)
}

func (c *DatabaseConfig) GetURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Name,
		c.SSLMode,
	)
}
