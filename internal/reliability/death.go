package reliability

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// HeaderRetryCount is the header the consumption engine uses to carry the
// delivery attempt count across republish hops. Monotonically non-decreasing;
// absent means zero.
const HeaderRetryCount = "x-retry-count"

const headerDeath = "x-death"

// DeathInfo summarizes the most recent x-death entry the broker stamped on a
// dead-lettered message.
type DeathInfo struct {
	Queue  string
	Reason string
	Count  int64
	At     time.Time
}

// ExtractDeath parses the broker-maintained x-death header. It returns false
// when the message has never been dead-lettered.
func ExtractDeath(headers map[string]interface{}) (DeathInfo, bool) {
	if headers == nil {
		return DeathInfo{}, false
	}
	deaths, ok := headers[headerDeath].([]interface{})
	if !ok || len(deaths) == 0 {
		return DeathInfo{}, false
	}
	entry, ok := deathEntry(deaths[0])
	if !ok {
		return DeathInfo{}, false
	}

	info := DeathInfo{
		Queue:  headerString(entry, "queue"),
		Reason: headerString(entry, "reason"),
		Count:  headerInt64(entry, "count"),
		At:     headerTime(entry, "time"),
	}
	return info, true
}

// RetryCount reads the x-retry-count header; absent or unreadable is zero.
func RetryCount(headers map[string]interface{}) int {
	if headers == nil {
		return 0
	}
	return int(headerInt64(headers, HeaderRetryCount))
}

// WithRetryCount returns a copy of headers with x-retry-count set to count.
// The original map is never mutated: header tables are shared with the
// broker client's delivery structs.
func WithRetryCount(headers map[string]interface{}, count int) map[string]interface{} {
	out := make(map[string]interface{}, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	out[HeaderRetryCount] = count
	return out
}

// deathEntry normalizes one x-death list element. The AMQP client delivers
// amqp.Table; the in-memory transport fabricates plain maps.
func deathEntry(v interface{}) (map[string]interface{}, bool) {
	switch t := v.(type) {
	case amqp.Table:
		return map[string]interface{}(t), true
	case map[string]interface{}:
		return t, true
	}
	return nil, false
}

func headerString(headers map[string]interface{}, key string) string {
	if v, ok := headers[key].(string); ok {
		return v
	}
	return ""
}

func headerInt64(headers map[string]interface{}, key string) int64 {
	switch v := headers[key].(type) {
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func headerTime(headers map[string]interface{}, key string) time.Time {
	switch v := headers[key].(type) {
	case time.Time:
		return v
	case int64:
		return time.Unix(v, 0)
	case float64:
		return time.Unix(int64(v), 0)
	}
	return time.Time{}
}
