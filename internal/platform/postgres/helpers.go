package postgres

import (
	"database/sql"
	"time"
)

// timeoutToMs converts a task timeout to its millisecond column value.
// Zero timeouts are stored as NULL so the watchdog's default applies.
func timeoutToMs(d time.Duration) sql.NullInt64 {
	if d <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: d.Milliseconds(), Valid: true}
}

// msToTimeout converts a millisecond column value back to a duration.
func msToTimeout(ms sql.NullInt64) time.Duration {
	if !ms.Valid {
		return 0
	}
	return time.Duration(ms.Int64) * time.Millisecond
}

// timePtr converts a nullable column to a *time.Time in UTC.
func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}

// nullTime converts a *time.Time to its nullable column value.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// nullString converts a possibly-empty string to its nullable column value.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// rawJSONOrNull converts a raw JSON payload to its column value, storing
// empty payloads as NULL.
func rawJSONOrNull(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// stringVal converts a nullable column to a plain string.
func stringVal(s sql.NullString) string {
	if !s.Valid {
		return ""
	}
	return s.String
}
