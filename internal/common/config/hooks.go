package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// CustomHooks are applied whenever configuration is decoded. Types implementing encoding.TextUnmarshaler
// (test phases, addresses) are decoded from their string form.
var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		TrimmedStringSliceHookFunc(),
		DurationSecondsHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)),
}

// TrimmedStringSliceHookFunc strips whitespace from every element of a string slice,
// so that "a, b" read from an environment variable decodes to ["a", "b"].
func TrimmedStringSliceHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if t != reflect.TypeOf([]string{}) {
			return data, nil
		}
		in, ok := data.([]string)
		if !ok {
			return data, nil
		}
		out := make([]string, 0, len(in))
		for _, s := range in {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	}
}

// DurationSecondsHookFunc decodes plain integers into durations measured in seconds.
func DurationSecondsHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		}
		return data, nil
	}
}
