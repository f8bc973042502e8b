package util

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

// MustExist panics if an environment variable is not set.
func MustExist(envVar string) {
	if viper.GetString(envVar) == "" {
		panic(fmt.Sprintf("%s must be set", envVar))
	}
}

// ErrorAs returns the matched error and true if errors.As finds a T in err's chain
func ErrorAs[T error](err error) (T, bool) {
	var t T
	if errors.As(err, &t) {
		return t, true
	}
	return t, false
}

// Dedupe removes duplicate elements from a slice, preserving order of first occurrence
func Dedupe[T comparable](src []T) []T {
	result := make([]T, 0, len(src))
	seen := make(map[T]bool)
	for _, x := range src {
		if !seen[x] {
			result = append(result, x)
			seen[x] = true
		}
	}
	return result
}

func FromPointer[T comparable](s *T) T {
	if s == nil {
		var zero T
		return zero
	}
	return *s
}

func ToPointer[T any](v T) *T {
	return &v
}
