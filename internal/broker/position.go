package broker

import (
	"strings"
	"time"

	"aire/internal/constants"
	"aire/pkg/models"
)

var startLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// ParseStartPosition normalizes a configured start position. Timestamps are
// civil times in loc. The second result is false when raw could not be
// understood and earliest was chosen instead.
func ParseStartPosition(raw string, loc *time.Location) (models.StartPosition, bool) {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "":
		return models.StartPosition{Mode: models.StartEarliest}, true
	case constants.StartPositionLatest, "@latest", constants.StartPositionResume:
		return models.StartPosition{Mode: models.StartLatest}, true
	case constants.StartPositionEarliest, "-1":
		return models.StartPosition{Mode: models.StartEarliest}, true
	}

	if loc == nil {
		loc = time.UTC
	}
	s := strings.ReplaceAll(strings.TrimSpace(raw), "Z", "")
	for _, layout := range startLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return models.StartPosition{Mode: models.StartTimestamp, Timestamp: t}, true
		}
	}

	return models.StartPosition{Mode: models.StartEarliest}, false
}
