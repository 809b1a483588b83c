package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeasurementClone(t *testing.T) {
	original := Measurement{
		Type:       "temperature",
		MeasuredAt: 1700000000000,
		Values:     map[string]any{"temperature": 23.3},
		Origin: MeasurementOrigin{
			Type:         OriginDevice,
			ID:           "d1",
			PayloadUUIDs: []string{"uuid-1"},
		},
		Asset: &MeasurementAsset{ID: "a1", MeasureName: "temperatureExt"},
	}

	clone := original.Clone()
	clone.Values["temperature"] = 99.9
	clone.Origin.PayloadUUIDs[0] = "uuid-2"
	clone.Asset.MeasureName = "other"

	assert.Equal(t, 23.3, original.Values["temperature"])
	assert.Equal(t, "uuid-1", original.Origin.PayloadUUIDs[0])
	assert.Equal(t, "temperatureExt", original.Asset.MeasureName)
}

func TestAssetLinkedDevice(t *testing.T) {
	asset := Asset{
		Devices: []LinkedDevice{
			{DeviceID: "d1", MeasureNames: map[string]string{"temperature": "temperatureExt"}},
		},
	}

	link, ok := asset.LinkedDevice("d1")
	require.True(t, ok)
	assert.Equal(t, "temperatureExt", link.MeasureNames["temperature"])

	_, ok = asset.LinkedDevice("d2")
	assert.False(t, ok)
}

func TestPayloadRoundTrip(t *testing.T) {
	p := Payload{
		UUID:        "uuid-1",
		DeviceModel: "TempSensor",
		Body:        json.RawMessage(`{"deviceEUI":"d1"}`),
		Valid:       true,
		State:       PayloadStateProcessed,
		ReceivedAt:  EpochMillis(time.Now()),
	}

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var decoded Payload
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, p.UUID, decoded.UUID)
	assert.JSONEq(t, string(p.Body), string(decoded.Body))
	assert.Equal(t, PayloadStateProcessed, decoded.State)
}
