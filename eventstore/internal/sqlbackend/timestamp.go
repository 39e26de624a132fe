package sqlbackend

import (
	"fmt"
	"time"
)

// textLayouts are tried in order. goqu renders timestamps as RFC 3339 or, depending on the
// dialect, with a space between date and time.
var textLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// timestampScanner accepts the representations the drivers use for timestamps: time.Time from
// pgx and lib/pq, RFC 3339 text from SQLite TEXT columns.
type timestampScanner struct {
	value time.Time
}

func (s *timestampScanner) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		s.value = v
	case string:
		return s.parse(v)
	case []byte:
		return s.parse(string(v))
	case nil:
		s.value = time.Time{}
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}

	return nil
}

func (s *timestampScanner) parse(text string) error {
	for _, layout := range textLayouts {
		if parsed, err := time.Parse(layout, text); err == nil {
			s.value = parsed
			return nil
		}
	}

	return fmt.Errorf("unsupported timestamp format %q", text)
}

// Time returns the scanned timestamp in UTC.
func (s *timestampScanner) Time() time.Time {
	return s.value.UTC()
}
