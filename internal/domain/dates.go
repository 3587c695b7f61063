package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateKind records which wire shape a DateValue arrived in.
type DateKind uint8

const (
	DateUnset DateKind = iota
	DateCalendar
	DateISOString
	DateEpochSeconds
)

var ErrInvalidDate = errors.New("invalid date value")

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// DateValue is a point in time normalized to UTC. Clients send dates as ISO
// strings, epoch seconds, or {"seconds": n, "nanoseconds": n} objects, and all
// of them are funneled through ParseDateValue.
type DateValue struct {
	Time time.Time
	Kind DateKind
}

func NewDate(t time.Time) DateValue {
	if t.IsZero() {
		return DateValue{}
	}
	return DateValue{Time: t.UTC(), Kind: DateCalendar}
}

// ParseDateValue accepts time.Time, *time.Time, RFC3339 or date-only strings,
// integer or float epoch seconds, json.Number, and epoch objects with
// seconds/nanoseconds (the underscore-prefixed variants are accepted as well).
func ParseDateValue(raw any) (DateValue, error) {
	switch v := raw.(type) {
	case nil:
		return DateValue{}, nil
	case DateValue:
		return v, nil
	case time.Time:
		return NewDate(v), nil
	case *time.Time:
		if v == nil {
			return DateValue{}, nil
		}
		return NewDate(*v), nil
	case string:
		return parseDateString(v)
	case json.Number:
		if secs, err := v.Int64(); err == nil {
			return fromEpoch(secs, 0), nil
		}
		f, err := v.Float64()
		if err != nil {
			return DateValue{}, fmt.Errorf("%w: %q", ErrInvalidDate, v.String())
		}
		return fromEpochFloat(f), nil
	case float64:
		return fromEpochFloat(v), nil
	case int64:
		return fromEpoch(v, 0), nil
	case int:
		return fromEpoch(int64(v), 0), nil
	case map[string]any:
		return parseEpochObject(v)
	default:
		return DateValue{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidDate, raw)
	}
}

func parseDateString(s string) (DateValue, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DateValue{}, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return DateValue{Time: t.UTC(), Kind: DateISOString}, nil
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return fromEpoch(secs, 0), nil
	}
	return DateValue{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
}

func parseEpochObject(obj map[string]any) (DateValue, error) {
	secsRaw, ok := firstKey(obj, "seconds", "_seconds")
	if !ok {
		return DateValue{}, fmt.Errorf("%w: object without seconds", ErrInvalidDate)
	}
	secs, err := toInt64(secsRaw)
	if err != nil {
		return DateValue{}, err
	}
	var nanos int64
	if nanosRaw, ok := firstKey(obj, "nanoseconds", "_nanoseconds"); ok {
		nanos, err = toInt64(nanosRaw)
		if err != nil {
			return DateValue{}, err
		}
	}
	return fromEpoch(secs, nanos), nil
}

func firstKey(obj map[string]any, keys ...string) (any, bool) {
	for _, key := range keys {
		if v, ok := obj[key]; ok {
			return v, true
		}
	}
	return nil, false
}

func toInt64(raw any) (int64, error) {
	switch v := raw.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, nil
		}
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDate, v.String())
		}
		return int64(f), nil
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("%w: epoch field of type %T", ErrInvalidDate, raw)
	}
}

func fromEpoch(secs int64, nanos int64) DateValue {
	return DateValue{Time: time.Unix(secs, nanos).UTC(), Kind: DateEpochSeconds}
}

func fromEpochFloat(f float64) DateValue {
	secs := int64(f)
	nanos := int64((f - float64(secs)) * 1e9)
	return fromEpoch(secs, nanos)
}

func (d DateValue) IsZero() bool {
	return d.Time.IsZero()
}

// Ptr returns nil for an unset date, for nullable columns.
func (d DateValue) Ptr() *time.Time {
	if d.IsZero() {
		return nil
	}
	t := d.Time.UTC()
	return &t
}

func (d DateValue) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Time.UTC().Format(time.RFC3339)
}

func (d DateValue) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.Time.UTC().Format(time.RFC3339Nano))
}

func (d *DateValue) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var raw any
	if err := decoder.Decode(&raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDate, err)
	}
	parsed, err := ParseDateValue(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
