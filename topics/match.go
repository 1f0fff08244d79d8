package topics

import "strings"

const (
	// Separator splits routing keys into segments.
	Separator = "."
	// SingleWildcard matches exactly one segment.
	SingleWildcard = "*"
	// MultiWildcard matches zero or more segments.
	MultiWildcard = "#"
)

// Match reports whether routingKey is routed to a binding made with pattern.
func Match(pattern, routingKey string) bool {
	if pattern == routingKey {
		return true
	}
	if pattern == "" {
		return false
	}
	return matchSegments(strings.Split(pattern, Separator), strings.Split(routingKey, Separator))
}

func matchSegments(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case MultiWildcard:
			for len(pattern) > 1 && pattern[1] == MultiWildcard {
				pattern = pattern[1:]
			}
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchSegments(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case SingleWildcard:
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || pattern[0] != key[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

// HasWildcard reports whether pattern contains a wildcard segment.
func HasWildcard(pattern string) bool {
	for _, seg := range strings.Split(pattern, Separator) {
		if seg == SingleWildcard || seg == MultiWildcard {
			return true
		}
	}
	return false
}
