package config

import (
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const envPrefix = "VECSCHED"

// LoadConfig reads config.yaml from defaultPath, merges every file in overrides on top of it, applies
// VECSCHED_* environment overrides and unmarshals the result into config. The returned viper instance
// can be used to watch the last override (or the default file) for changes.
func LoadConfig(config interface{}, defaultPath string, overrides []string, opts ...viper.DecoderConfigOption) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "error reading base config from %s", defaultPath)
	}
	log.Infof("Read base config from %s", v.ConfigFileUsed())

	for _, path := range overrides {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(err, "error reading config from %s", path)
		}
		log.Infof("Read config from %s", v.ConfigFileUsed())
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(config, opts...); err != nil {
		return nil, errors.WithStack(err)
	}
	return v, nil
}
