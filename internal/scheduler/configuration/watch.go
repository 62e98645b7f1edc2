package configuration

import (
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/armadaproject/vecsched/internal/common/config"
)

// WatchSelector calls apply with the new selector section whenever the file behind v changes. Reloads
// that fail to decode or validate are logged and ignored; the previous selector configuration stays in
// effect.
func WatchSelector(v *viper.Viper, apply func(SelectorConfig)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Infof("configuration file %s changed (%s)", e.Name, e.Op)
		if err := reloadSelector(v, apply); err != nil {
			log.WithError(err).Error("ignoring invalid selector configuration")
		}
	})
	v.WatchConfig()
}

func reloadSelector(v *viper.Viper, apply func(SelectorConfig)) error {
	var c Configuration
	if err := v.Unmarshal(&c, DecoderOptions()...); err != nil {
		return errors.WithStack(err)
	}
	if err := ValidateSelector(c.Selector); err != nil {
		config.LogValidationErrors(err)
		return err
	}
	apply(c.Selector)
	return nil
}
