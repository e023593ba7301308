package decoder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"aire/internal/constants"
	apperrors "aire/pkg/errors"
	"aire/pkg/models"
)

type Outcome int

const (
	// OutcomeRecords means at least one record was produced.
	OutcomeRecords Outcome = iota
	// OutcomeNoData means the message carried no particulate fields.
	OutcomeNoData
	// OutcomeFiltered means the device is outside the allow-list.
	OutcomeFiltered
	// OutcomeDecodeError means the body is not a UTF-8 JSON object.
	OutcomeDecodeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRecords:
		return "records"
	case OutcomeNoData:
		return "no_data"
	case OutcomeFiltered:
		return "filtered"
	case OutcomeDecodeError:
		return "decode_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type Result struct {
	Outcome  Outcome
	DeviceID string
	Records  []models.MeasurementRecord
	Err      error
}

type Options struct {
	// AllowedDevices narrows the shared stream. Empty allows every device.
	AllowedDevices []string
	// FallbackDeviceID is used when neither transport metadata nor payload
	// name the device.
	FallbackDeviceID string
	// Location is the fixed zone all observation times are expressed in.
	Location *time.Location
}

// Decoder turns raw stream messages into measurement records. It holds no
// mutable state and is safe for concurrent use.
type Decoder struct {
	allowed    map[string]struct{}
	fallback   string
	loc        *time.Location
	identity   []IdentityExtractor
	timestamps []TimestampExtractor
}

func New(opts Options) *Decoder {
	loc := opts.Location
	if loc == nil {
		loc = time.FixedZone(constants.DefaultUTCOffset, -5*3600)
	}

	var allowed map[string]struct{}
	if len(opts.AllowedDevices) > 0 {
		allowed = make(map[string]struct{}, len(opts.AllowedDevices))
		for _, id := range opts.AllowedDevices {
			allowed[id] = struct{}{}
		}
	}

	return &Decoder{
		allowed:    allowed,
		fallback:   opts.FallbackDeviceID,
		loc:        loc,
		identity:   defaultIdentityExtractors(),
		timestamps: defaultTimestampExtractors(),
	}
}

// WithFallback returns a copy of d that uses fallback as the last identity
// candidate. Reader tasks bound to a single-device consumer group use it.
func (d *Decoder) WithFallback(fallback string) *Decoder {
	if fallback == "" {
		return d
	}
	cp := *d
	cp.fallback = fallback
	return &cp
}

func (d *Decoder) Location() *time.Location {
	return d.loc
}

// Allowed reports whether records of deviceID pass the allow-list.
func (d *Decoder) Allowed(deviceID string) bool {
	if d.allowed == nil {
		return true
	}
	_, ok := d.allowed[deviceID]
	return ok
}

// Decode never fails the caller: malformed bodies come back as
// OutcomeDecodeError with Err set.
func (d *Decoder) Decode(msg models.RawMessage) Result {
	p, raw, err := parseBody(msg.Body)
	if err != nil {
		return Result{
			Outcome: OutcomeDecodeError,
			Err: apperrors.ErrDecode.
				WithCause(err).
				WithDetail("partition", msg.Partition).
				WithDetail("offset", msg.Offset),
		}
	}

	deviceID := d.resolveIdentity(msg, p)
	if !d.Allowed(deviceID) {
		return Result{Outcome: OutcomeFiltered, DeviceID: deviceID}
	}

	observedAt := d.resolveTimestamp(msg, p)
	records := d.buildRecords(deviceID, observedAt, p, raw)
	if len(records) == 0 {
		return Result{Outcome: OutcomeNoData, DeviceID: deviceID}
	}

	return Result{Outcome: OutcomeRecords, DeviceID: deviceID, Records: records}
}

func parseBody(body []byte) (payload, json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil, fmt.Errorf("empty body")
	}
	if !utf8.Valid(trimmed) {
		return nil, nil, fmt.Errorf("body is not valid UTF-8")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var p payload
	if err := dec.Decode(&p); err != nil {
		return nil, nil, fmt.Errorf("parse body: %w", err)
	}
	if p == nil {
		return nil, nil, fmt.Errorf("body is not a JSON object")
	}
	if dec.More() {
		return nil, nil, fmt.Errorf("trailing data after JSON object")
	}

	raw := json.RawMessage(trimmed)
	if bytes.Contains(trimmed, nulEscape) {
		if _, changed := scrubNUL(map[string]interface{}(p)); changed {
			encoded, err := json.Marshal(p)
			if err != nil {
				return nil, nil, fmt.Errorf("re-encode body: %w", err)
			}
			raw = encoded
		}
	}
	return p, raw, nil
}

var nulEscape = []byte(`\u0000`)

// scrubNUL removes NUL characters from strings and object keys in place.
// Postgres text and JSONB values cannot hold them.
func scrubNUL(v interface{}) (interface{}, bool) {
	switch x := v.(type) {
	case string:
		if strings.IndexByte(x, 0) < 0 {
			return x, false
		}
		return strings.ReplaceAll(x, "\x00", ""), true
	case map[string]interface{}:
		changed := false
		for k, val := range x {
			cleaned, c := scrubNUL(val)
			key := k
			if strings.IndexByte(k, 0) >= 0 {
				key = strings.ReplaceAll(k, "\x00", "")
				delete(x, k)
				c = true
			}
			if c {
				x[key] = cleaned
				changed = true
			}
		}
		return x, changed
	case []interface{}:
		changed := false
		for i, val := range x {
			cleaned, c := scrubNUL(val)
			if c {
				x[i] = cleaned
				changed = true
			}
		}
		return x, changed
	}
	return v, false
}

func (d *Decoder) resolveIdentity(msg models.RawMessage, p payload) string {
	for _, extract := range d.identity {
		if id := extract(msg, p); id != "" {
			return id
		}
	}
	if d.fallback != "" {
		return d.fallback
	}
	return constants.UnknownDeviceID
}

// resolveTimestamp truncates to whole seconds, the resolution of the natural key.
func (d *Decoder) resolveTimestamp(msg models.RawMessage, p payload) time.Time {
	for _, extract := range d.timestamps {
		if t, ok := extract(msg, p, d.loc); ok {
			return t.Truncate(time.Second)
		}
	}
	return time.Now().In(d.loc).Truncate(time.Second)
}

// buildRecords emits one record per channel that carries a particulate value.
// Environmental and gas fields are shared by both channels.
func (d *Decoder) buildRecords(deviceID string, observedAt time.Time, p payload, raw json.RawMessage) []models.MeasurementRecord {
	shared := models.MeasurementRecord{
		DeviceID:         deviceID,
		ObservedAt:       observedAt,
		Temperature:      p.getFloat(fieldTemp),
		RelativeHumidity: p.getFloat(fieldRH),
		NO2:              p.getFloat(fieldNO2),
		CO2:              p.getFloat(fieldCO2),
		WindSpeed:        p.getFloat(fieldWindSpeed),
		WindDirection:    p.getFloat(fieldWindDirection),
		DayOfYear:        p.getInt(fieldDayOfYear),
		Weight:           p.getFloat(fieldWeight),
		RawPayload:       raw,
	}

	var records []models.MeasurementRecord
	for _, ch := range channels {
		pm25 := p.getFloat(ch.pm25)
		pm10 := p.getFloat(ch.pm10)
		if pm25 == nil && pm10 == nil {
			continue
		}

		rec := shared
		rec.Channel = ch.channel
		rec.PM25 = pm25
		rec.PM10 = pm10
		records = append(records, rec)
	}
	return records
}
