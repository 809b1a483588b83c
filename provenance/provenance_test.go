package provenance

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devicehub/docstore"
	"github.com/c360/devicehub/docstore/memory"
	"github.com/c360/devicehub/types"
)

const engine = "engine-1"

func seedMeasurement(t *testing.T, store *memory.Store, id string, m types.Measurement) {
	t.Helper()
	body, err := json.Marshal(m)
	require.NoError(t, err)
	results := store.BulkWrite(context.Background(), []docstore.Write{{
		Engine: engine, Collection: types.CollectionMeasures,
		ID: id, Kind: docstore.WriteCreate, Body: body,
	}})
	require.NoError(t, results[0].Err)
}

func deviceMeasurement(slot string, at int64, value float64, payloadUUIDs ...string) types.Measurement {
	return types.Measurement{
		Type:       slot,
		MeasuredAt: at,
		Values:     map[string]any{slot: value},
		Origin: types.MeasurementOrigin{
			Type:         types.OriginDevice,
			ID:           "TempSensor-ABC123",
			PayloadUUIDs: payloadUUIDs,
		},
	}
}

func newService(t *testing.T, store *memory.Store) *Service {
	t.Helper()
	s, err := NewService(store, nil)
	require.NoError(t, err)
	return s
}

func TestLatestPerSlot(t *testing.T) {
	store := memory.New()
	seedMeasurement(t, store, "m1", deviceMeasurement("temperature", 100, 20.0))
	seedMeasurement(t, store, "m2", deviceMeasurement("temperature", 300, 24.0))
	seedMeasurement(t, store, "m3", deviceMeasurement("temperature", 200, 22.0))
	seedMeasurement(t, store, "m4", deviceMeasurement("battery", 150, 80.0))

	other := deviceMeasurement("temperature", 400, 99.0)
	other.Origin.ID = "TempSensor-OTHER"
	seedMeasurement(t, store, "m5", other)

	latest, err := newService(t, store).Latest(context.Background(), engine, "TempSensor-ABC123")
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, 24.0, latest["temperature"].Values["temperature"])
	assert.Equal(t, 80.0, latest["battery"].Values["battery"])
}

func TestHistoryNewestFirst(t *testing.T) {
	store := memory.New()
	for i := 1; i <= 5; i++ {
		seedMeasurement(t, store, fmt.Sprintf("m%d", i),
			deviceMeasurement("temperature", int64(i*100), float64(i)))
	}
	seedMeasurement(t, store, "b1", deviceMeasurement("battery", 250, 70.0))

	history, err := newService(t, store).History(context.Background(), engine, "TempSensor-ABC123", "temperature", 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, int64(500), history[0].MeasuredAt)
	assert.Equal(t, int64(400), history[1].MeasuredAt)
	assert.Equal(t, int64(300), history[2].MeasuredAt)
}

func TestByPayload(t *testing.T) {
	store := memory.New()
	seedMeasurement(t, store, "m1", deviceMeasurement("temperature", 100, 20.0, "uuid-a"))
	seedMeasurement(t, store, "m2", deviceMeasurement("battery", 100, 80.0, "uuid-a"))
	seedMeasurement(t, store, "m3", deviceMeasurement("temperature", 200, 21.0, "uuid-b"))

	computed := types.Measurement{
		Type: "temperature", MeasuredAt: 300,
		Values: map[string]any{"temperature": 25.0},
		Origin: types.MeasurementOrigin{Type: types.OriginComputed},
	}
	seedMeasurement(t, store, "m4", computed)

	matches, err := newService(t, store).ByPayload(context.Background(), engine, "uuid-a")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	for _, m := range matches {
		assert.Contains(t, m.Origin.PayloadUUIDs, "uuid-a")
	}
}

func TestAssetHistoryFiltersAndOrders(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	for i, assetID := range []string{"Room-kitchen", "Room-kitchen", "Room-hall"} {
		entry := types.HistoryEntry{
			ID: fmt.Sprintf("h%d", i), AssetID: assetID, EngineID: engine,
			Event:     types.HistoryEvent{Kind: types.HistoryEventMeasure},
			Timestamp: int64((i + 1) * 1000),
		}
		body, err := json.Marshal(entry)
		require.NoError(t, err)
		results := store.BulkWrite(ctx, []docstore.Write{{
			Engine: engine, Collection: types.CollectionHistory,
			ID: entry.ID, Kind: docstore.WriteCreate, Body: body,
		}})
		require.NoError(t, results[0].Err)
	}

	entries, err := newService(t, store).AssetHistory(ctx, engine, "Room-kitchen", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2000), entries[0].Timestamp, "newest first")
}
