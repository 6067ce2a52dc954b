package upstream

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordUnmarshalJSON(t *testing.T) {
	payload := `{
		"recordId": 42,
		"actionId": 5,
		"actionKey": "Tuned in channel",
		"deviceId": "stb-0042",
		"subscriberCode": "SUB-99",
		"dataName": "Canal Uno",
		"timestamp": "2026-03-01 21:15:07",
		"signalLevel": 87,
		"smartcardId": "SC-1"
	}`

	var record Record
	require.NoError(t, json.Unmarshal([]byte(payload), &record))

	require.Equal(t, int64(42), record.RecordID)
	require.Equal(t, int32(5), record.ActionID)
	require.Equal(t, "Tuned in channel", record.ActionKey)
	require.Equal(t, "stb-0042", record.DeviceID)
	require.NotNil(t, record.SubscriberCode)
	require.Equal(t, "SUB-99", *record.SubscriberCode)
	require.NotNil(t, record.ChannelName)
	require.Equal(t, "Canal Uno", *record.ChannelName)
	require.Equal(t, time.Date(2026, 3, 1, 21, 15, 7, 0, time.UTC), record.Timestamp)

	// Typed fields are removed, the rest stays verbatim.
	require.NotContains(t, record.Attributes, "recordId")
	require.NotContains(t, record.Attributes, "dataName")
	require.Equal(t, float64(87), record.Attributes["signalLevel"])
	require.Equal(t, "SC-1", record.Attributes["smartcardId"])
}

func TestRecordUnmarshalJSONNullableFields(t *testing.T) {
	payload := `{"recordId": "7", "actionId": 6, "deviceId": "stb-1", "subscriberCode": "", "timestamp": "2026-03-01 00:30:00"}`

	var record Record
	require.NoError(t, json.Unmarshal([]byte(payload), &record))

	require.Equal(t, int64(7), record.RecordID)
	require.Nil(t, record.SubscriberCode)
	require.Nil(t, record.ChannelName)
}

func TestRecordUnmarshalJSONMissingRecordID(t *testing.T) {
	var record Record
	err := json.Unmarshal([]byte(`{"actionId": 5}`), &record)
	require.Error(t, err)
}

func TestRecordUnmarshalJSONBadTimestamp(t *testing.T) {
	var record Record
	err := json.Unmarshal([]byte(`{"recordId": 1, "timestamp": "01/03/2026"}`), &record)
	require.Error(t, err)
}

func TestRecordDataDateAndHour(t *testing.T) {
	record := Record{Timestamp: time.Date(2026, 3, 1, 23, 59, 59, 0, time.UTC)}
	require.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), record.DataDate())
	require.Equal(t, int16(23), record.HourOfDay())
}
