package env

import (
	"context"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/knowshare/go-knowshare/service/logger"
	"github.com/spf13/viper"
)

var validators = map[string][]string{}

var v = validator.New()

var validatorsMu = &sync.Mutex{}

// RegisterValidation attaches validator tags to an env var name. Tags are
// checked every time the var is read.
func RegisterValidation(name string, tags ...string) {
	validatorsMu.Lock()
	defer validatorsMu.Unlock()
	validators[name] = dedupe(append(validators[name], tags...))
}

func Get[T any](name string) T {
	check(name)

	if !viper.IsSet(name) {
		return *new(T)
	}

	it, ok := viper.Get(name).(T)
	if !ok {
		logger.For(context.Background()).Errorf("invalid env var: %s, expected type: %T", name, it)
		return *new(T)
	}

	return it
}

func GetString(name string) string {
	check(name)
	return viper.GetString(name)
}

func GetInt(name string) int {
	check(name)
	return viper.GetInt(name)
}

func GetInt64(name string) int64 {
	check(name)
	return viper.GetInt64(name)
}

func GetBool(name string) bool {
	check(name)
	return viper.GetBool(name)
}

func check(name string) {
	validatorsMu.Lock()
	defer validatorsMu.Unlock()
	for _, tag := range validators[name] {
		if err := v.Var(viper.GetString(name), tag); err != nil {
			logger.For(context.Background()).Errorf("invalid env var: %s, tag: %s, err: %s", name, tag, err.Error())
		}
	}
}

func dedupe(src []string) []string {
	result := src[:0]

	seen := make(map[string]bool)
	for _, x := range src {
		if !seen[x] {
			result = append(result, x)
			seen[x] = true
		}
	}
	return result
}
