package upstream

import (
	"encoding/json"
	"fmt"
	"time"
)

// timestampLayout is the wall-clock format used by the upstream API.
const timestampLayout = "2006-01-02 15:04:05"

// Record is one telemetry entry as returned by the upstream API. The
// fields the pipeline acts on are typed; everything else the upstream
// sends is kept verbatim in Attributes for downstream reporting.
type Record struct {
	RecordID       int64
	ActionID       int32
	ActionKey      string
	DeviceID       string
	SubscriberCode *string
	ChannelName    *string
	Timestamp      time.Time

	Attributes map[string]any
}

// UnmarshalJSON extracts the typed fields and keeps the remainder as
// pass-through attributes.
func (r *Record) UnmarshalJSON(data []byte) error {
	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	recordID, ok := asInt64(raw["recordId"])
	if !ok {
		return fmt.Errorf("record missing recordId")
	}
	r.RecordID = recordID

	if actionID, ok := asInt64(raw["actionId"]); ok {
		r.ActionID = int32(actionID)
	}
	r.ActionKey = asString(raw["actionKey"])
	r.DeviceID = asString(raw["deviceId"])
	r.SubscriberCode = asStringPtr(raw["subscriberCode"])
	r.ChannelName = asStringPtr(raw["dataName"])

	if ts := asString(raw["timestamp"]); ts != "" {
		parsed, err := time.Parse(timestampLayout, ts)
		if err != nil {
			return fmt.Errorf("record %d: bad timestamp %q: %w", r.RecordID, ts, err)
		}
		r.Timestamp = parsed.UTC()
	}

	delete(raw, "recordId")
	delete(raw, "actionId")
	delete(raw, "actionKey")
	delete(raw, "deviceId")
	delete(raw, "subscriberCode")
	delete(raw, "dataName")
	delete(raw, "timestamp")
	r.Attributes = raw

	return nil
}

// DataDate returns the calendar date of the event timestamp.
func (r Record) DataDate() time.Time {
	return time.Date(r.Timestamp.Year(), r.Timestamp.Month(), r.Timestamp.Day(), 0, 0, 0, 0, time.UTC)
}

// HourOfDay returns the hour (0-23) of the event timestamp.
func (r Record) HourOfDay() int16 {
	return int16(r.Timestamp.Hour())
}

func asInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case float64:
		return int64(v), true
	case json.Number:
		parsed, err := v.Int64()
		return parsed, err == nil
	case string:
		var parsed int64
		_, err := fmt.Sscanf(v, "%d", &parsed)
		return parsed, err == nil
	default:
		return 0, false
	}
}

func asString(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return ""
}

func asStringPtr(value any) *string {
	s, ok := value.(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}
