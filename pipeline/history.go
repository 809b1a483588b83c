package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/c360/devicehub/bulk"
	"github.com/c360/devicehub/docstore"
	"github.com/c360/devicehub/errors"
	"github.com/c360/devicehub/types"
)

// enqueueHistory records one asset mutation in the engine's history
// collection. The event aggregates every measure and metadata name touched
// during the pass, and the entry embeds a full snapshot of the asset as it
// will be persisted.
func (p *Pipeline) enqueueHistory(
	ctx context.Context, state *DeviceState,
	measureNames, metadataNames []string,
) (*bulk.Ticket, error) {
	kind := types.HistoryEventMeasure
	if len(measureNames) == 0 {
		kind = types.HistoryEventMetadata
	}
	entry := types.HistoryEntry{
		AssetID:  state.Asset.ID,
		EngineID: state.EngineID,
		Event: types.HistoryEvent{
			Kind:          kind,
			MeasureNames:  measureNames,
			MetadataNames: metadataNames,
		},
		Asset:     *state.Asset,
		Author:    state.Device.ID,
		Timestamp: types.EpochMillis(time.Now()),
	}
	return p.enqueueHistoryEntry(ctx, state.EngineID, entry)
}

// enqueueLinkHistory records a link or unlink event on the asset.
func (p *Pipeline) enqueueLinkHistory(
	ctx context.Context, engineID string, asset *types.Asset,
	kind types.HistoryEventKind, measureNames []string, author string,
) (*bulk.Ticket, error) {
	entry := types.HistoryEntry{
		AssetID:  asset.ID,
		EngineID: engineID,
		Event: types.HistoryEvent{
			Kind:         kind,
			MeasureNames: measureNames,
		},
		Asset:     *asset,
		Author:    author,
		Timestamp: types.EpochMillis(time.Now()),
	}
	return p.enqueueHistoryEntry(ctx, engineID, entry)
}

func (p *Pipeline) enqueueHistoryEntry(ctx context.Context, engineID string, entry types.HistoryEntry) (*bulk.Ticket, error) {
	entry.ID = uuid.NewString()
	body, err := json.Marshal(entry)
	if err != nil {
		return nil, errors.WrapFatal(err, "Pipeline", "enqueueHistoryEntry", "history encoding")
	}
	return p.writer.Enqueue(ctx, docstore.Write{
		Engine:     engineID,
		Collection: types.CollectionHistory,
		ID:         entry.ID,
		Kind:       docstore.WriteCreate,
		Body:       body,
	})
}
