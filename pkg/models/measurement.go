package models

import (
	"encoding/json"
	"time"
)

// Channel identifies one of the two particulate sub-sensors of a station.
type Channel string

const (
	ChannelPrimary   Channel = "Um1"
	ChannelSecondary Channel = "Um2"
)

func (c Channel) Valid() bool {
	return c == ChannelPrimary || c == ChannelSecondary
}

// MeasurementRecord is one normalized reading for a single device channel.
// Pointer fields are nil when the source message did not carry the value.
type MeasurementRecord struct {
	DeviceID string  `json:"device_id"`
	Channel  Channel `json:"channel"`

	PM25             *float64 `json:"pm25,omitempty"`
	PM10             *float64 `json:"pm10,omitempty"`
	Temperature      *float64 `json:"temp,omitempty"`
	RelativeHumidity *float64 `json:"rh,omitempty"`
	NO2              *float64 `json:"no2,omitempty"`
	CO2              *float64 `json:"co2,omitempty"`
	WindSpeed        *float64 `json:"wind_speed,omitempty"`
	WindDirection    *float64 `json:"wind_direction,omitempty"`

	ObservedAt time.Time `json:"observed_at"`
	DayOfYear  *int      `json:"day_of_year,omitempty"`
	Weight     *float64  `json:"weight,omitempty"`

	RawPayload json.RawMessage `json:"-"`
}

// NaturalKey is the uniqueness key of a stored measurement.
// ObservedAt is kept as unix seconds so keys compare equal regardless of location.
type NaturalKey struct {
	DeviceID   string
	Channel    Channel
	ObservedAt int64
}

func (r MeasurementRecord) Key() NaturalKey {
	return NaturalKey{
		DeviceID:   r.DeviceID,
		Channel:    r.Channel,
		ObservedAt: r.ObservedAt.Unix(),
	}
}
