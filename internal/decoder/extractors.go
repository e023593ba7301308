package decoder

import (
	"strings"
	"time"

	"aire/pkg/models"
)

// IdentityExtractor returns a device id candidate or "" when it has none.
type IdentityExtractor func(msg models.RawMessage, p payload) string

// TimestampExtractor returns a local observation time, or false when the
// fields it reads are absent or unparseable.
type TimestampExtractor func(msg models.RawMessage, p payload, loc *time.Location) (time.Time, bool)

// Spellings of the payload identity field seen across firmware versions.
var identityFieldNames = []string{"DeviceId", "deviceId", "device_id", "deviceID"}

func producerHint(msg models.RawMessage, _ payload) string {
	return strings.TrimSpace(msg.ProducerHint)
}

func payloadIdentity(_ models.RawMessage, p payload) string {
	for _, name := range identityFieldNames {
		if id := p.getString(name); id != "" {
			return id
		}
	}
	return ""
}

func defaultIdentityExtractors() []IdentityExtractor {
	return []IdentityExtractor{producerHint, payloadIdentity}
}

var combinedLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02T15:04",
}

var dateLayouts = []string{"2006-01-02", "02/01/2006"}

var timeLayouts = []string{"15:04:05", "15:04"}

// combinedTimestamp reads FechaH. A trailing Z is dropped: stations stamp
// local civil time regardless of the suffix.
func combinedTimestamp(_ models.RawMessage, p payload, loc *time.Location) (time.Time, bool) {
	s := p.getString(fieldFechaH)
	if s == "" {
		return time.Time{}, false
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "Z")
	if i := strings.IndexByte(s, '.'); i > 0 {
		s = s[:i]
	}
	return parseLocal(s, combinedLayouts, loc)
}

// splitTimestamp combines Fecha and Hora. A missing Hora means midnight.
func splitTimestamp(_ models.RawMessage, p payload, loc *time.Location) (time.Time, bool) {
	day, ok := parseLocal(p.getString(fieldFecha), dateLayouts, loc)
	if !ok {
		return time.Time{}, false
	}

	hora := p.getString(fieldHora)
	if hora == "" {
		return day, true
	}

	clock, ok := parseLocal(hora, timeLayouts, time.UTC)
	if !ok {
		return time.Time{}, false
	}
	return time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), clock.Second(), 0, loc), true
}

func enqueueTimestamp(msg models.RawMessage, _ payload, loc *time.Location) (time.Time, bool) {
	if msg.EnqueuedAt.IsZero() {
		return time.Time{}, false
	}
	return msg.EnqueuedAt.In(loc), true
}

func defaultTimestampExtractors() []TimestampExtractor {
	return []TimestampExtractor{combinedTimestamp, splitTimestamp, enqueueTimestamp}
}

func parseLocal(s string, layouts []string, loc *time.Location) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
