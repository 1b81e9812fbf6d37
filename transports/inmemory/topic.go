package inmemory

import "strings"

// TopicMatch reports whether a dot-delimited routing key matches an AMQP
// topic pattern: "*" matches exactly one segment, "#" matches zero or more.
// Matching is exact per segment, no partial wildcards inside a segment.
func TopicMatch(pattern, key string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchSegments(pattern, key []string) bool {
	for {
		if len(pattern) == 0 {
			return len(key) == 0
		}

		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			// Let "#" swallow zero segments first, then one more at a time.
			for i := 0; i <= len(key); i++ {
				if matchSegments(pattern[1:], key[i:]) {
					return true
				}
			}
			return false

		case "*":
			if len(key) == 0 {
				return false
			}

		default:
			if len(key) == 0 || pattern[0] != key[0] {
				return false
			}
		}

		pattern = pattern[1:]
		key = key[1:]
	}
}
