package decoder

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"aire/pkg/models"
)

// Payload field names as sent by the field stations.
const (
	fieldFechaH = "FechaH"
	fieldFecha  = "Fecha"
	fieldHora   = "Hora"

	fieldTemp          = "temp"
	fieldRH            = "hr"
	fieldNO2           = "n0310Um1"
	fieldCO2           = "n0310Um2"
	fieldWindSpeed     = "vel"
	fieldWindDirection = "dir"
	fieldDayOfYear     = "DOY"
	fieldWeight        = "W"
)

// channelFields maps a channel to its particulate fields.
type channelFields struct {
	channel models.Channel
	pm25    string
	pm10    string
}

var channels = []channelFields{
	{channel: models.ChannelPrimary, pm25: "n1025Um1", pm10: "n25100Um1"},
	{channel: models.ChannelSecondary, pm25: "n1025Um2", pm10: "n25100Um2"},
}

type payload map[string]interface{}

func (p payload) getFloat(key string) *float64 {
	v, ok := p[key]
	if !ok || v == nil {
		return nil
	}

	var f float64
	switch n := v.(type) {
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case float64:
		f = n
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func (p payload) getInt(key string) *int {
	f := p.getFloat(key)
	if f == nil {
		return nil
	}
	i := int(*f)
	return &i
}

// getString returns a trimmed string value. Numbers are rendered verbatim so a
// numeric device id still resolves.
func (p payload) getString(key string) string {
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
