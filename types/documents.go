// Package types defines the persisted document model shared across Device Hub:
// payloads, measurements, devices, assets and asset history entries.
package types

import (
	"encoding/json"
	"time"
)

// Collection names. Payloads are global; everything else is scoped to an
// engine (tenant) by the document store.
const (
	CollectionPayloads = "payloads"
	CollectionDevices  = "devices"
	CollectionAssets   = "assets"
	CollectionMeasures = "measures"
	CollectionHistory  = "assets-history"
)

// PayloadState describes the processing outcome of an ingested payload.
type PayloadState string

const (
	// PayloadStateProcessed indicates the payload was decoded and all device
	// side effects committed.
	PayloadStateProcessed PayloadState = "processed"
	// PayloadStateSkipped indicates the payload was well-formed but
	// semantically rejected by its decoder (no measurements produced).
	PayloadStateSkipped PayloadState = "skipped"
	// PayloadStateErrored indicates processing aborted for at least one device.
	PayloadStateErrored PayloadState = "errored"
)

// Payload is the immutable log record of one raw ingested payload.
// It is created once per ingestion call and never mutated afterwards;
// the pruning job removes old entries by age and model.
type Payload struct {
	UUID        string          `json:"uuid"`
	DeviceModel string          `json:"deviceModel"`
	Body        json.RawMessage `json:"payload"`
	Valid       bool            `json:"valid"`
	State       PayloadState    `json:"state"`
	Reason      string          `json:"reason,omitempty"`
	ReceivedAt  int64           `json:"receivedAt"`
}

// OriginType distinguishes who produced a measurement.
type OriginType string

const (
	// OriginDevice marks measurements decoded from a physical device payload.
	OriginDevice OriginType = "device"
	// OriginComputed marks measurements produced by hooks or the API rather
	// than a payload. Computed measurements carry no payload provenance.
	OriginComputed OriginType = "computed"
)

// MeasurementOrigin records the producer of a measurement.
type MeasurementOrigin struct {
	Type        OriginType `json:"type"`
	ID          string     `json:"_id,omitempty"`
	DeviceModel string     `json:"deviceModel,omitempty"`
	Reference   string     `json:"reference,omitempty"`
	// PayloadUUIDs is the provenance set: every payload that contributed to
	// this value. Empty only for computed origins.
	PayloadUUIDs []string `json:"payloadUuids,omitempty"`
}

// MeasurementAsset is the snapshot of the linked asset taken when a
// measurement is propagated into an asset's measure cache.
type MeasurementAsset struct {
	ID          string         `json:"_id"`
	Model       string         `json:"model"`
	Reference   string         `json:"reference"`
	MeasureName string         `json:"measureName"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Groups      []string       `json:"groups,omitempty"`
}

// Measurement is one typed, timestamped reading. Measurements are
// append-only: once persisted they are never updated, only superseded by
// newer measurements of the same slot.
type Measurement struct {
	Type       string            `json:"type"`
	MeasuredAt int64             `json:"measuredAt"`
	Values     map[string]any    `json:"values"`
	Origin     MeasurementOrigin `json:"origin"`
	Asset      *MeasurementAsset `json:"asset,omitempty"`
}

// Clone returns a deep enough copy for pipeline hand-off: values and
// provenance are copied so a later stage cannot alias an earlier one.
func (m Measurement) Clone() Measurement {
	out := m
	if m.Values != nil {
		out.Values = make(map[string]any, len(m.Values))
		for k, v := range m.Values {
			out.Values[k] = v
		}
	}
	if m.Origin.PayloadUUIDs != nil {
		out.Origin.PayloadUUIDs = append([]string(nil), m.Origin.PayloadUUIDs...)
	}
	if m.Asset != nil {
		asset := *m.Asset
		out.Asset = &asset
	}
	return out
}

// DeviceLink references the asset a device contributes measurements to.
type DeviceLink struct {
	AssetID string `json:"assetId"`
}

// Device is the digital twin of a physical sensor. Measures is the
// last-known-value cache keyed by measure slot name; it is a derived
// projection of the measurement stream and can be rebuilt from it.
type Device struct {
	ID        string                 `json:"_id"`
	Reference string                 `json:"reference"`
	Model     string                 `json:"model"`
	EngineID  string                 `json:"engineId,omitempty"`
	Link      *DeviceLink            `json:"linkedAsset,omitempty"`
	Measures  map[string]Measurement `json:"measures"`
	Metadata  map[string]any         `json:"metadata,omitempty"`
	QoS       map[string]any         `json:"qos,omitempty"`
}

// LinkedDevice describes one device linked to an asset, with the mapping
// from device measure slots to asset-level measure names.
type LinkedDevice struct {
	DeviceID string `json:"deviceId"`
	// MeasureNames maps device slot name to asset measure name. Only slots
	// present here propagate into the asset's measure cache.
	MeasureNames map[string]string `json:"measureNames"`
}

// Asset aggregates measurements contributed by its linked devices.
type Asset struct {
	ID        string                 `json:"_id"`
	Reference string                 `json:"reference"`
	Model     string                 `json:"model"`
	EngineID  string                 `json:"engineId,omitempty"`
	Devices   []LinkedDevice         `json:"linkedDevices"`
	Measures  map[string]Measurement `json:"measures"`
	Metadata  map[string]any         `json:"metadata,omitempty"`
	Groups    []string               `json:"groups,omitempty"`
}

// LinkedDevice returns the link entry for the given device id, if present.
func (a *Asset) LinkedDevice(deviceID string) (LinkedDevice, bool) {
	for _, ld := range a.Devices {
		if ld.DeviceID == deviceID {
			return ld, true
		}
	}
	return LinkedDevice{}, false
}

// HistoryEventKind enumerates the state-changing events recorded on assets.
type HistoryEventKind string

const (
	HistoryEventMeasure  HistoryEventKind = "measure"
	HistoryEventMetadata HistoryEventKind = "metadata"
	HistoryEventLink     HistoryEventKind = "link"
	HistoryEventUnlink   HistoryEventKind = "unlink"
)

// HistoryEvent names what changed in one asset mutation. A single
// processing pass aggregates every touched field into one event.
type HistoryEvent struct {
	Kind HistoryEventKind `json:"name"`
	// MeasureNames lists the asset measure names updated in this pass.
	MeasureNames []string `json:"measureNames,omitempty"`
	// MetadataNames lists the metadata field paths updated in this pass.
	MetadataNames []string `json:"metadataNames,omitempty"`
}

// HistoryEntry is the immutable audit record of one qualifying asset
// mutation. Entries are never updated or deleted under normal operation.
type HistoryEntry struct {
	ID        string       `json:"_id,omitempty"`
	AssetID   string       `json:"assetId"`
	EngineID  string       `json:"engineId"`
	Event     HistoryEvent `json:"event"`
	Asset     Asset        `json:"asset"`
	Author    string       `json:"author"`
	Timestamp int64        `json:"timestamp"`
}

// EpochMillis converts a time to the epoch-milliseconds representation used
// by every timestamp persisted in this package.
func EpochMillis(t time.Time) int64 {
	return t.UnixMilli()
}
