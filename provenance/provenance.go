// Package provenance answers questions about the measurement stream: what a
// device or asset last reported per slot, how a slot evolved over time, and
// which measurements a given raw payload contributed to. The measures
// collection is append-only, so every answer is derived by querying it
// rather than trusting the cached projections on device and asset documents.
package provenance

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/c360/devicehub/docstore"
	"github.com/c360/devicehub/errors"
	"github.com/c360/devicehub/types"
)

// Service queries the measurement stream of one document store.
type Service struct {
	store  docstore.Store
	logger *slog.Logger
}

// NewService creates a provenance service.
func NewService(store docstore.Store, logger *slog.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Provenance", "NewService", "store validation")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger.With("component", "provenance")}, nil
}

// Latest returns the most recent measurement per slot for a device, derived
// from the stream. This is the authoritative form of the device's
// last-known-value cache and can be used to rebuild it.
func (s *Service) Latest(ctx context.Context, engineID, deviceID string) (map[string]types.Measurement, error) {
	docs, err := s.store.Search(ctx, engineID, types.CollectionMeasures, docstore.Query{
		Equals: map[string]any{"origin._id": deviceID},
		SortBy: "measuredAt",
	})
	if err != nil {
		return nil, errors.Wrap(err, "Provenance", "Latest", "measurement search")
	}

	latest := make(map[string]types.Measurement)
	for _, doc := range docs {
		m, err := decodeMeasurement(doc)
		if err != nil {
			s.logger.Warn("skipping undecodable measurement", "id", doc.ID, "error", err)
			continue
		}
		// Ascending scan: the last measurement seen per slot wins ties on
		// equal timestamps, matching merge semantics.
		if prev, ok := latest[m.Type]; !ok || m.MeasuredAt >= prev.MeasuredAt {
			latest[m.Type] = m
		}
	}
	return latest, nil
}

// History returns the measurements of one slot for a device, newest first.
// A zero limit returns the full history.
func (s *Service) History(ctx context.Context, engineID, deviceID, slot string, limit int) ([]types.Measurement, error) {
	docs, err := s.store.Search(ctx, engineID, types.CollectionMeasures, docstore.Query{
		Equals:     map[string]any{"origin._id": deviceID, "type": slot},
		SortBy:     "measuredAt",
		Descending: true,
		Limit:      limit,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Provenance", "History", "measurement search")
	}
	return decodeAll(docs)
}

// ByPayload returns every measurement a raw payload contributed to, via the
// provenance set stamped at merge time. Computed measurements never match.
func (s *Service) ByPayload(ctx context.Context, engineID, payloadUUID string) ([]types.Measurement, error) {
	docs, err := s.store.Search(ctx, engineID, types.CollectionMeasures, docstore.Query{
		Contains: map[string]any{"origin.payloadUuids": payloadUUID},
		SortBy:   "measuredAt",
	})
	if err != nil {
		return nil, errors.Wrap(err, "Provenance", "ByPayload", "measurement search")
	}
	return decodeAll(docs)
}

// AssetHistory returns an asset's history entries, newest first.
func (s *Service) AssetHistory(ctx context.Context, engineID, assetID string, limit int) ([]types.HistoryEntry, error) {
	docs, err := s.store.Search(ctx, engineID, types.CollectionHistory, docstore.Query{
		Equals:     map[string]any{"assetId": assetID},
		SortBy:     "timestamp",
		Descending: true,
		Limit:      limit,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Provenance", "AssetHistory", "history search")
	}
	entries := make([]types.HistoryEntry, 0, len(docs))
	for _, doc := range docs {
		var e types.HistoryEntry
		if err := json.Unmarshal(doc.Body, &e); err != nil {
			return nil, errors.WrapFatal(err, "Provenance", "AssetHistory", "history decoding")
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func decodeMeasurement(doc docstore.Document) (types.Measurement, error) {
	var m types.Measurement
	if err := json.Unmarshal(doc.Body, &m); err != nil {
		return types.Measurement{}, err
	}
	return m, nil
}

func decodeAll(docs []docstore.Document) ([]types.Measurement, error) {
	out := make([]types.Measurement, 0, len(docs))
	for _, doc := range docs {
		m, err := decodeMeasurement(doc)
		if err != nil {
			return nil, errors.WrapFatal(err, "Provenance", "decodeAll", "measurement decoding")
		}
		out = append(out, m)
	}
	return out, nil
}
