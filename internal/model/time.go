package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TimestampFields are the document fields that hold wall-clock instants and
// must be stored as native timestamps.
var TimestampFields = []string{"timestamp", "last_modified", "created_at"}

// Now returns the current wall-clock UTC instant, truncated to millisecond
// precision so that values survive a BSON round trip unchanged.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// FormatTimestamp serializes an instant as ISO-8601 with a Z suffix
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// ParseTimestamp converts any of the timestamp encodings seen on the wire or
// in the store into a UTC instant. Accepted forms: native time.Time, BSON
// datetime, and ISO-8601 strings with either a Z or +00:00 suffix (with or
// without fractional seconds).
func ParseTimestamp(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	case primitive.DateTime:
		return t.Time().UTC(), true
	case string:
		return parseTimestampString(t)
	default:
		return time.Time{}, false
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

func parseTimestampString(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// NormalizeTimestamps rewrites the well-known timestamp fields of a document
// to native UTC instants in place. It returns true if any field changed type.
func NormalizeTimestamps(doc bson.M) bool {
	changed := false
	for _, field := range TimestampFields {
		raw, ok := doc[field]
		if !ok {
			continue
		}
		if _, native := raw.(time.Time); native {
			continue
		}
		if t, parsed := ParseTimestamp(raw); parsed {
			doc[field] = t
			changed = true
		}
	}
	return changed
}

// HasStringTimestamps reports whether any well-known timestamp field of the
// document is still string-encoded (a legacy condition from earlier writes).
func HasStringTimestamps(doc bson.M) bool {
	for _, field := range TimestampFields {
		if _, ok := doc[field].(string); ok {
			return true
		}
	}
	return false
}

// ModifiedAt extracts the LWW comparison instant of a document:
// last_modified, falling back to timestamp, then created_at. The last step
// covers documents written before creation stamped a timestamp field.
func ModifiedAt(doc bson.M) (time.Time, bool) {
	if t, ok := ParseTimestamp(doc["last_modified"]); ok {
		return t, true
	}
	if t, ok := ParseTimestamp(doc["timestamp"]); ok {
		return t, true
	}
	return ParseTimestamp(doc["created_at"])
}
