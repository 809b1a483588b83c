package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devicehub/decoder"
	"github.com/c360/devicehub/errors"
)

func TestRegisterAssetModelDuplicateMeasureName(t *testing.T) {
	r := NewRegistry()

	err := r.RegisterAssetModel(AssetModel{
		Model: "Room",
		MeasureNames: []decoder.MeasureSlot{
			{Name: "temperatureExt", Type: "temperature"},
			{Name: "temperatureExt", Type: "temperature"},
		},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDuplicateSlot))
	assert.True(t, errors.IsFatal(err))
}

func TestRegisterAssetModelAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterAssetModel(AssetModel{
		Model: "Room",
		MeasureNames: []decoder.MeasureSlot{
			{Name: "temperatureExt", Type: "temperature"},
		},
	}))

	m, err := r.AssetModelFor("Room")
	require.NoError(t, err)
	assert.Equal(t, "temperatureExt", m.MeasureNames[0].Name)

	_, err = r.AssetModelFor("Warehouse")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownModel))
}

func TestRegisterDeviceModelDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterDeviceModel(DeviceModel{Model: "TempSensor"}))

	err := r.RegisterDeviceModel(DeviceModel{Model: "TempSensor"})
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestMetadataGroupComposition(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.RegisterMetadata(Fragment{
		"site":  map[string]any{"type": "string"},
		"color": map[string]any{"type": "string"},
	}, ""))
	require.NoError(t, r.RegisterMetadata(Fragment{
		"color": map[string]any{"type": "integer"},
		"zone":  map[string]any{"type": "string"},
	}, "factory"))

	// Shared group sees only the baseline.
	shared := r.MetadataMappings(SharedGroup)
	assert.Len(t, shared, 2)
	assert.Equal(t, "string", shared["color"]["type"])

	// Named group: baseline first, then group overrides.
	factory := r.MetadataMappings("factory")
	assert.Len(t, factory, 3)
	assert.Equal(t, "integer", factory["color"]["type"])
	assert.Equal(t, "string", factory["site"]["type"])
}

func TestLastWriteWinsWithinGroup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterMetadata(Fragment{"site": map[string]any{"type": "string"}}, "factory"))
	require.NoError(t, r.RegisterMetadata(Fragment{"site": map[string]any{"type": "integer"}}, "factory"))

	assert.Equal(t, "integer", r.MetadataMappings("factory")["site"]["type"])
}

func TestRegisterQoS(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterQoS(Fragment{"battery": map[string]any{"type": "number"}}, ""))

	qos := r.QoSMappings("factory")
	assert.Equal(t, "number", qos["battery"]["type"])
}

func TestRegisterMeasureSchema(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterMeasure("temperature", Fragment{
		"temperature": map[string]any{"type": "number"},
	}))

	f, ok := r.MeasureSchema("temperature")
	require.True(t, ok)
	assert.Contains(t, f, "temperature")

	_, ok = r.MeasureSchema("humidity")
	assert.False(t, ok)
}

func TestRejectsMalformedFragment(t *testing.T) {
	r := NewRegistry()

	err := r.RegisterMetadata(Fragment{"site": "not-an-object"}, "")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
