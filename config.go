package gpa

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Settings is the file/environment configuration of the data-access layer.
type Settings struct {
	Database Config      `mapstructure:"database"`
	Log      LogConfig   `mapstructure:"log"`
	Cache    CacheConfig `mapstructure:"cache"`
}

// CacheConfig tunes the relationship cache.
type CacheConfig struct {
	// Coalesce collapses concurrent misses on one key into a single lookup.
	Coalesce bool `mapstructure:"coalesce"`
}

// LoadConfig reads settings from path (or gpa.yaml in the working
// directory when path is empty) and from GPA_* environment variables,
// e.g. GPA_DATABASE_HOST. A missing default file is not an error.
func LoadConfig(path string) (*Settings, error) {
	v := viper.New()

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.database", ":memory:")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("cache.coalesce", true)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gpa")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("GPA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if !IsDialectSupported(NormalizeDialect(settings.Database.Driver)) {
		return nil, ConfigError("", "", "unsupported driver %q", settings.Database.Driver)
	}
	return &settings, nil
}
