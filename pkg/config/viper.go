// Package config is responsible for initializing the application's configuration.
// It uses the Viper library to read settings from a config file, environment
// variables, and command-line flags, providing a unified configuration system.
package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	internalconfig "github.com/JakeFAU/crawlfleet/internal/config"
	"github.com/JakeFAU/crawlfleet/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. CRAWLER_REDIS_ADDR.
const EnvPrefix = "CRAWLER"

// InitConfig initializes v with defaults, search paths and environment
// bindings, then reads the config file. cfgFile, when set, replaces the
// search paths. A missing config file is not an error.
func InitConfig(v *viper.Viper, cfgFile string) error {
	internalconfig.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/crawlfleet/")
		v.AddConfigPath("$HOME/.crawlfleet")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			logging.L.Debug("config file not found; using defaults and environment variables")
			return nil
		}
		return err
	}
	logging.L.Info("using config file", zap.String("path", v.ConfigFileUsed()))
	return nil
}
