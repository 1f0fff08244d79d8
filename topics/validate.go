package topics

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxKeyLength is the AMQP short-string limit for routing keys.
const MaxKeyLength = 255

var (
	ErrEmpty           = errors.New("topics: empty routing key or pattern")
	ErrTooLong         = errors.New("topics: routing key exceeds 255 bytes")
	ErrEmptySegment    = errors.New("topics: empty segment")
	ErrWildcardInKey   = errors.New("topics: routing key contains a wildcard")
	ErrPartialWildcard = errors.New("topics: wildcard must be a whole segment")
	ErrInvalidUTF8     = errors.New("topics: not valid UTF-8")
)

// ValidateRoutingKey checks a concrete routing key used for publishing.
func ValidateRoutingKey(key string) error {
	if err := validateCommon(key); err != nil {
		return err
	}
	for _, seg := range strings.Split(key, Separator) {
		if seg == "" {
			return fmt.Errorf("%w in %q", ErrEmptySegment, key)
		}
		if strings.ContainsAny(seg, SingleWildcard+MultiWildcard) {
			return fmt.Errorf("%w: %q", ErrWildcardInKey, key)
		}
	}
	return nil
}

// ValidatePattern checks a binding pattern.
func ValidatePattern(pattern string) error {
	if err := validateCommon(pattern); err != nil {
		return err
	}
	for _, seg := range strings.Split(pattern, Separator) {
		if seg == "" {
			return fmt.Errorf("%w in %q", ErrEmptySegment, pattern)
		}
		if seg != SingleWildcard && seg != MultiWildcard && strings.ContainsAny(seg, SingleWildcard+MultiWildcard) {
			return fmt.Errorf("%w: %q", ErrPartialWildcard, pattern)
		}
	}
	return nil
}

func validateCommon(s string) error {
	if s == "" {
		return ErrEmpty
	}
	if len(s) > MaxKeyLength {
		return ErrTooLong
	}
	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}
	return nil
}
