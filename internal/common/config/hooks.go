package config

import (
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// TextUnmarshalerHookFunc decodes strings into any target type implementing Parse-style construction
// through the supplied function. It lets enum-like configuration values (resource kinds, policies)
// be written as plain strings in yaml.
func TextUnmarshalerHookFunc[T any](parse func(string) (T, error)) mapstructure.DecodeHookFuncType {
	var zero T
	target := reflect.TypeOf(zero)
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// check that src and target types are valid
		if f.Kind() != reflect.String || t != target {
			return data, nil
		}
		return parse(data.(string))
	}
}

// DecoderOptions returns the viper decoder options used for all scheduler configuration: the standard
// duration and slice hooks plus any custom hooks supplied.
func DecoderOptions(hooks ...mapstructure.DecodeHookFunc) []viper.DecoderConfigOption {
	all := append([]mapstructure.DecodeHookFunc{
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	}, hooks...)
	return []viper.DecoderConfigOption{
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(all...)),
	}
}
