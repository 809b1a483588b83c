// Package decoder defines the pluggable payload decoder contract and the
// registry mapping device models to decoder instances.
//
// A decoder interprets raw payloads for exactly one device model. It
// declares its measure slots statically, validates incoming payloads, and
// decodes them into per-device ordered measurement lists via the Accumulator.
package decoder

import (
	"context"
	"encoding/json"

	"github.com/c360/devicehub/errors"
	"github.com/c360/devicehub/types"
)

// MeasureSlot declares one named, typed measurement channel of a decoder.
type MeasureSlot struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Decoder translates raw payloads into measurements for one device model.
//
// Validate distinguishes two rejection modes: a structurally broken payload
// (missing device identifier, wrong shape) returns a typed precondition
// error, while a well-formed payload the decoder chooses to skip (for
// example an explicit "invalid" flag) returns (false, nil). The pipeline
// reports the former to the caller and silently skips the latter; both are
// still logged to the payload collection.
type Decoder interface {
	// DeviceModel returns the device model this decoder handles.
	DeviceModel() string

	// Measures returns the slots this decoder can produce. Slot names must
	// be unique; the registry rejects duplicates at registration time.
	Measures() []MeasureSlot

	// Validate checks the raw payload before decoding.
	Validate(ctx context.Context, raw json.RawMessage) (bool, error)

	// Decode fills the accumulator with device-scoped measurements and
	// metadata fragments. One raw payload may fan out to several devices.
	Decode(ctx context.Context, raw json.RawMessage, acc *Accumulator) error
}

// PreconditionError marks a payload as structurally invalid. It is a client
// error: the ingestion caller receives it synchronously while the payload is
// still logged with an error state.
type PreconditionError struct {
	Field  string
	Reason string
}

func (e *PreconditionError) Error() string {
	if e.Field != "" {
		return "payload precondition failed: " + e.Field + ": " + e.Reason
	}
	return "payload precondition failed: " + e.Reason
}

func (e *PreconditionError) Unwrap() error {
	return errors.ErrPreconditionFailed
}

// NewPreconditionError builds a precondition error for a missing or
// malformed payload field.
func NewPreconditionError(field, reason string) error {
	return &PreconditionError{Field: field, Reason: reason}
}

// deviceEntry holds accumulated decode output for one device reference.
type deviceEntry struct {
	measurements []types.Measurement
	metadata     map[string]any
}

// Accumulator is the in-memory intermediate representation scoped to one raw
// payload's processing. It is exclusively owned by its pipeline run and
// never shared across goroutines.
//
// Measurement insertion order is preserved per device: hook handlers may
// append measurements mid-stage and later stages depend on seeing them in
// the order they were added.
type Accumulator struct {
	entries map[string]*deviceEntry
	order   []string
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{entries: make(map[string]*deviceEntry)}
}

func (a *Accumulator) entry(deviceRef string) *deviceEntry {
	e, ok := a.entries[deviceRef]
	if !ok {
		e = &deviceEntry{}
		a.entries[deviceRef] = e
		a.order = append(a.order, deviceRef)
	}
	return e
}

// AddMeasurement appends a measurement of the given slot type for a device.
// The measurement's Type is set to the slot name.
func (a *Accumulator) AddMeasurement(deviceRef, slot string, measuredAt int64, values map[string]any) {
	e := a.entry(deviceRef)
	e.measurements = append(e.measurements, types.Measurement{
		Type:       slot,
		MeasuredAt: measuredAt,
		Values:     values,
		Origin: types.MeasurementOrigin{
			Type:      types.OriginDevice,
			Reference: deviceRef,
		},
	})
}

// MergeMetadata merges a metadata fragment for a device. Later fragments
// overwrite earlier values per key.
func (a *Accumulator) MergeMetadata(deviceRef string, fragment map[string]any) {
	e := a.entry(deviceRef)
	if e.metadata == nil {
		e.metadata = make(map[string]any, len(fragment))
	}
	for k, v := range fragment {
		e.metadata[k] = v
	}
}

// DeviceRefs returns the device references seen so far, in first-seen order.
func (a *Accumulator) DeviceRefs() []string {
	return append([]string(nil), a.order...)
}

// Measurements returns an owned copy of the ordered measurement list for a
// device. The caller may mutate the returned slice freely; ownership
// transfers stage to stage in the pipeline.
func (a *Accumulator) Measurements(deviceRef string) []types.Measurement {
	e, ok := a.entries[deviceRef]
	if !ok {
		return nil
	}
	out := make([]types.Measurement, len(e.measurements))
	for i, m := range e.measurements {
		out[i] = m.Clone()
	}
	return out
}

// Metadata returns the merged metadata fragment for a device, or nil.
func (a *Accumulator) Metadata(deviceRef string) map[string]any {
	e, ok := a.entries[deviceRef]
	if !ok || e.metadata == nil {
		return nil
	}
	out := make(map[string]any, len(e.metadata))
	for k, v := range e.metadata {
		out[k] = v
	}
	return out
}

// Empty reports whether decoding produced no measurements for any device.
func (a *Accumulator) Empty() bool {
	for _, e := range a.entries {
		if len(e.measurements) > 0 {
			return false
		}
	}
	return true
}
