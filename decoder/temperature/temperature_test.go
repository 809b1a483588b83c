package temperature

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devicehub/decoder"
	"github.com/c360/devicehub/errors"
)

func TestValidateAccepts(t *testing.T) {
	d := New()
	ok, err := d.Validate(context.Background(), json.RawMessage(`{"deviceEUI":"d1","register55":23.3}`))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidateMissingEUIIsPrecondition(t *testing.T) {
	d := New()
	ok, err := d.Validate(context.Background(), json.RawMessage(`{"register55":23.3}`))
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPreconditionFailed))
}

func TestValidateInvalidFlagSkips(t *testing.T) {
	d := New()
	ok, err := d.Validate(context.Background(), json.RawMessage(`{"deviceEUI":"d1","invalid":true}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecodeScalesBattery(t *testing.T) {
	prev := nowMillis
	nowMillis = func() int64 { return 1700000000000 }
	defer func() { nowMillis = prev }()

	d := New()
	acc := decoder.NewAccumulator()
	raw := json.RawMessage(`{"deviceEUI":"d1","register55":23.3,"batteryLevel":0.8}`)
	require.NoError(t, d.Decode(context.Background(), raw, acc))

	measurements := acc.Measurements("d1")
	require.Len(t, measurements, 2)

	assert.Equal(t, "temperature", measurements[0].Type)
	assert.Equal(t, 23.3, measurements[0].Values["temperature"])
	assert.Equal(t, int64(1700000000000), measurements[0].MeasuredAt)

	assert.Equal(t, "battery", measurements[1].Type)
	assert.Equal(t, float64(80), measurements[1].Values["battery"])
}

func TestDecodeMetadataOnly(t *testing.T) {
	d := New()
	acc := decoder.NewAccumulator()
	raw := json.RawMessage(`{"deviceEUI":"d1","metadata":{"site":"plant-1"}}`)
	require.NoError(t, d.Decode(context.Background(), raw, acc))

	assert.True(t, acc.Empty())
	assert.Equal(t, "plant-1", acc.Metadata("d1")["site"])
}

func TestRegistersCleanly(t *testing.T) {
	registry := decoder.NewRegistry()
	require.NoError(t, registry.Register(New()))

	slots, err := registry.SlotNames(DeviceModel)
	require.NoError(t, err)
	assert.Len(t, slots, 2)
}
