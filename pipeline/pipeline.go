// Package pipeline implements the staged measure ingestion pipeline: decoder
// dispatch, validation, hook stages, device and asset merging, historization
// and hand-off to the batched persistence layer.
//
// One Process call handles one raw payload. Stages run in strict order per
// device: Validate, Decode, process:before, device merge, provisioning,
// asset propagation, persist:sourceBefore, persist, historization. A failure
// in any per-device stage aborts that device's remaining stages without
// touching sibling devices decoded from the same payload.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360/devicehub/bulk"
	"github.com/c360/devicehub/decoder"
	"github.com/c360/devicehub/docstore"
	"github.com/c360/devicehub/errors"
	"github.com/c360/devicehub/metric"
	"github.com/c360/devicehub/schema"
	"github.com/c360/devicehub/types"
)

// Dependencies carries everything the pipeline needs. Registries are
// read-only after startup; the store and writer are internally synchronized.
type Dependencies struct {
	Decoders *decoder.Registry
	Models   *schema.Registry
	Store    docstore.Store
	Writer   *bulk.Writer
	Hooks    *Hooks
	Logger   *slog.Logger
	Metrics  *metric.Registry
}

// Options tunes pipeline behavior.
type Options struct {
	// AutoProvision creates devices on first sight instead of failing
	// with a device-not-found error.
	AutoProvision bool
}

// DeviceOutcome reports the result of one device's processing within a
// payload. Err is set when that device's stages aborted; sibling devices
// are unaffected.
type DeviceOutcome struct {
	DeviceID       string
	MeasurementIDs []string
	Err            error
}

// Result reports the outcome of one payload ingestion.
type Result struct {
	PayloadUUID string
	Valid       bool
	State       types.PayloadState
	Devices     []DeviceOutcome
}

// Pipeline orchestrates payload processing. Safe for concurrent use; one
// Process call per inbound payload.
type Pipeline struct {
	decoders      *decoder.Registry
	models        *schema.Registry
	store         docstore.Store
	writer        *bulk.Writer
	hooks         *Hooks
	locks         *keyedMutex
	logger        *slog.Logger
	metrics       *pipelineMetrics
	autoProvision bool
}

// New creates a pipeline.
func New(deps Dependencies, opts Options) (*Pipeline, error) {
	if deps.Decoders == nil || deps.Models == nil || deps.Store == nil || deps.Writer == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Pipeline", "New", "dependency validation")
	}
	if deps.Hooks == nil {
		deps.Hooks = NewHooks()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		decoders:      deps.Decoders,
		models:        deps.Models,
		store:         deps.Store,
		writer:        deps.Writer,
		hooks:         deps.Hooks,
		locks:         newKeyedMutex(),
		logger:        logger.With("component", "pipeline"),
		autoProvision: opts.AutoProvision,
	}
	if deps.Metrics != nil {
		m, err := newPipelineMetrics(deps.Metrics)
		if err != nil {
			return nil, err
		}
		p.metrics = m
	}
	return p, nil
}

// DeviceID derives the document id of a device from its model and reference.
func DeviceID(model, reference string) string {
	return model + "-" + reference
}

// Process ingests one raw payload for the given engine and device model.
//
// The payload record itself is always stored, whatever the outcome: marked
// skipped when the decoder rejects it, errored when any stage fails. The
// returned error is non-nil only for payload-level failures (unknown model,
// precondition, decode error); per-device failures are reported in the
// result's outcomes.
func (p *Pipeline) Process(ctx context.Context, engineID, model string, raw json.RawMessage) (*Result, error) {
	start := time.Now()
	payloadUUID := uuid.NewString()
	receivedAt := time.Now().UnixMilli()

	dec, err := p.decoders.Get(model)
	if err != nil {
		p.storePayload(ctx, payloadUUID, model, raw, false, types.PayloadStateErrored, err.Error(), receivedAt)
		p.observe(types.PayloadStateErrored, start)
		return nil, err
	}

	valid, err := dec.Validate(ctx, raw)
	if err != nil {
		p.storePayload(ctx, payloadUUID, model, raw, false, types.PayloadStateErrored, err.Error(), receivedAt)
		p.observe(types.PayloadStateErrored, start)
		return nil, err
	}
	if !valid {
		// Well-formed but semantically rejected: silently skipped, still logged.
		p.storePayload(ctx, payloadUUID, model, raw, false, types.PayloadStateSkipped, "rejected by decoder", receivedAt)
		p.observe(types.PayloadStateSkipped, start)
		return &Result{PayloadUUID: payloadUUID, Valid: false, State: types.PayloadStateSkipped}, nil
	}

	acc := decoder.NewAccumulator()
	if err := dec.Decode(ctx, raw, acc); err != nil {
		p.storePayload(ctx, payloadUUID, model, raw, true, types.PayloadStateErrored, err.Error(), receivedAt)
		p.observe(types.PayloadStateErrored, start)
		return nil, errors.Wrap(err, "Pipeline", "Process", "payload decoding")
	}

	slots, err := p.decoders.SlotNames(model)
	if err != nil {
		return nil, err
	}

	result := &Result{PayloadUUID: payloadUUID, Valid: true, State: types.PayloadStateProcessed}
	for _, ref := range acc.DeviceRefs() {
		outcome := p.processDevice(ctx, engineID, model, ref, payloadUUID, slots, acc)
		if outcome.Err != nil {
			result.State = types.PayloadStateErrored
			if p.metrics != nil {
				p.metrics.deviceFailures.Inc()
			}
			p.logger.Warn("device processing aborted",
				"device", outcome.DeviceID, "payload", payloadUUID, "error", outcome.Err)
		}
		result.Devices = append(result.Devices, outcome)
	}

	reason := ""
	if result.State == types.PayloadStateErrored {
		reason = "one or more devices failed"
	}
	p.storePayload(ctx, payloadUUID, model, raw, true, result.State, reason, receivedAt)
	p.observe(result.State, start)
	return result, nil
}

// processDevice runs the per-device stage sequence under the device's (and,
// when linked, the asset's) keyed lock.
func (p *Pipeline) processDevice(
	ctx context.Context, engineID, model, ref, payloadUUID string,
	slots map[string]decoder.MeasureSlot, acc *decoder.Accumulator,
) DeviceOutcome {
	id := DeviceID(model, ref)
	outcome := DeviceOutcome{DeviceID: id}

	deviceKey := engineID + "/devices/" + id
	p.locks.Lock(deviceKey)
	defer p.locks.Unlock(deviceKey)

	device, provisioned, err := p.loadOrProvision(ctx, engineID, model, ref, id)
	if err != nil {
		outcome.Err = err
		return outcome
	}

	state := &DeviceState{
		EngineID:     engineID,
		PayloadUUID:  payloadUUID,
		Device:       device,
		Measurements: acc.Measurements(ref),
		Metadata:     acc.Metadata(ref),
	}

	// Lock order is always device then asset, so two devices feeding the
	// same asset cannot deadlock.
	var assetBeforeMeta map[string]any
	if device.Link != nil {
		assetKey := engineID + "/assets/" + device.Link.AssetID
		p.locks.Lock(assetKey)
		defer p.locks.Unlock(assetKey)

		asset, err := p.loadAsset(ctx, engineID, device.Link.AssetID)
		if err != nil {
			outcome.Err = err
			return outcome
		}
		state.Asset = asset
		assetBeforeMeta = copyMetadata(asset.Metadata)
	}

	if err := p.hooks.runProcess(ctx, StageProcessBefore, state); err != nil {
		outcome.Err = err
		return outcome
	}

	if err := p.mergeDevice(state, slots); err != nil {
		outcome.Err = err
		return outcome
	}

	if err := p.hooks.runProcess(ctx, StageProcessAfter, state); err != nil {
		outcome.Err = err
		return outcome
	}

	measureNamesTouched := p.mergeAsset(state)

	if err := p.hooks.runProcess(ctx, StagePersistBefore, state); err != nil {
		outcome.Err = err
		return outcome
	}

	ids, err := p.persistDevicePass(ctx, state, slots, provisioned, measureNamesTouched, assetBeforeMeta)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	outcome.MeasurementIDs = ids
	return outcome
}

// loadOrProvision fetches the device document, creating it on first sight
// when auto-provisioning is enabled. The provisioned document is persisted
// together with the rest of the pass.
func (p *Pipeline) loadOrProvision(ctx context.Context, engineID, model, ref, id string) (*types.Device, bool, error) {
	doc, err := p.store.Get(ctx, engineID, types.CollectionDevices, id)
	if err == nil {
		var device types.Device
		if err := json.Unmarshal(doc.Body, &device); err != nil {
			return nil, false, errors.WrapFatal(err, "Pipeline", "loadOrProvision", "device decoding")
		}
		return &device, false, nil
	}
	if !errors.Is(err, errors.ErrDocumentNotFound) {
		return nil, false, err
	}
	if !p.autoProvision {
		return nil, false, errors.WrapInvalid(
			fmt.Errorf("device '%s': %w", id, errors.ErrDeviceNotFound),
			"Pipeline", "loadOrProvision", "device lookup")
	}

	device := &types.Device{
		ID:        id,
		Reference: ref,
		Model:     model,
		Measures:  make(map[string]types.Measurement),
	}
	if declared, ok := p.models.DeviceModelFor(model); ok && len(declared.Defaults) > 0 {
		device.Metadata = copyMetadata(declared.Defaults)
	}

	event := &AttachEvent{EngineID: engineID, Device: device}
	if err := p.hooks.runAttach(ctx, StageAttachBefore, event); err != nil {
		return nil, false, err
	}
	device.EngineID = engineID
	if err := p.hooks.runAttach(ctx, StageAttachAfter, event); err != nil {
		return nil, false, err
	}

	p.logger.Info("auto-provisioned device", "device", id, "engine", engineID)
	return device, true, nil
}

func (p *Pipeline) loadAsset(ctx context.Context, engineID, assetID string) (*types.Asset, error) {
	doc, err := p.store.Get(ctx, engineID, types.CollectionAssets, assetID)
	if err != nil {
		if errors.Is(err, errors.ErrDocumentNotFound) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("asset '%s': %w", assetID, errors.ErrAssetNotFound),
				"Pipeline", "loadAsset", "asset lookup")
		}
		return nil, err
	}
	var asset types.Asset
	if err := json.Unmarshal(doc.Body, &asset); err != nil {
		return nil, errors.WrapFatal(err, "Pipeline", "loadAsset", "asset decoding")
	}
	return &asset, nil
}

// mergeDevice validates every in-flight measurement against the model's
// declared slots, then applies them to the device's last-known-value cache.
// Validation happens before any mutation: an unknown slot fails the whole
// device pass with nothing applied.
//
// Known slots overwrite the cache unconditionally. There is deliberately no
// measuredAt ordering guard: last processed wins, so callers must not
// process payloads out of temporal order when monotonicity matters.
func (p *Pipeline) mergeDevice(state *DeviceState, slots map[string]decoder.MeasureSlot) error {
	device := state.Device

	for _, m := range state.Measurements {
		if _, declared := slots[m.Type]; !declared {
			return errors.WrapInvalid(
				fmt.Errorf("slot '%s' for model '%s': %w", m.Type, device.Model, errors.ErrUnknownSlot),
				"Pipeline", "mergeDevice", "slot validation")
		}
	}

	if device.Measures == nil {
		device.Measures = make(map[string]types.Measurement, len(state.Measurements))
	}
	for i := range state.Measurements {
		m := &state.Measurements[i]
		p.stampOrigin(m, state)
		device.Measures[m.Type] = m.Clone()

		// Battery readings double as device QoS.
		if m.Type == "battery" {
			if device.QoS == nil {
				device.QoS = make(map[string]any, 1)
			}
			device.QoS["battery"] = m.Values["battery"]
		}
	}

	if len(state.Metadata) > 0 {
		if device.Metadata == nil {
			device.Metadata = make(map[string]any, len(state.Metadata))
		}
		for k, v := range state.Metadata {
			device.Metadata[k] = v
		}
	}
	return nil
}

// stampOrigin fills in the measurement's device origin and guarantees
// payload provenance for non-computed measurements.
func (p *Pipeline) stampOrigin(m *types.Measurement, state *DeviceState) {
	if m.Origin.Type == "" {
		m.Origin.Type = types.OriginDevice
	}
	if m.Origin.Type == types.OriginComputed {
		return
	}
	m.Origin.ID = state.Device.ID
	m.Origin.DeviceModel = state.Device.Model
	m.Origin.Reference = state.Device.Reference
	for _, u := range m.Origin.PayloadUUIDs {
		if u == state.PayloadUUID {
			return
		}
	}
	m.Origin.PayloadUUIDs = append(m.Origin.PayloadUUIDs, state.PayloadUUID)
}

// mergeAsset propagates mapped slots of the currently linked device into the
// asset's measure cache and snapshots asset context on each propagated
// measurement. Unmapped slots are recorded in the measurement history but
// never touch the asset. Returns the asset measure names touched, in
// propagation order.
func (p *Pipeline) mergeAsset(state *DeviceState) []string {
	if state.Asset == nil {
		return nil
	}
	link, linked := state.Asset.LinkedDevice(state.Device.ID)
	if !linked {
		return nil
	}

	var touched []string
	for i := range state.Measurements {
		m := &state.Measurements[i]
		measureName, mapped := link.MeasureNames[m.Type]
		if !mapped {
			continue
		}

		m.Asset = &types.MeasurementAsset{
			ID:          state.Asset.ID,
			Model:       state.Asset.Model,
			Reference:   state.Asset.Reference,
			MeasureName: measureName,
			Metadata:    copyMetadata(state.Asset.Metadata),
			Groups:      append([]string(nil), state.Asset.Groups...),
		}

		if state.Asset.Measures == nil {
			state.Asset.Measures = make(map[string]types.Measurement)
		}
		state.Asset.Measures[measureName] = m.Clone()

		if !containsString(touched, measureName) {
			touched = append(touched, measureName)
		}
	}
	return touched
}

// persistDevicePass enqueues the pass's document mutations and waits for
// their tickets: measurement records, the device document, the asset
// document and its history entry when touched.
//
// Measurements are validated and stamped again here: hooks running after the
// device merge may have appended entries, and those are held to the same
// slot and provenance invariants as decoded ones.
func (p *Pipeline) persistDevicePass(
	ctx context.Context, state *DeviceState, slots map[string]decoder.MeasureSlot,
	provisioned bool, measureNamesTouched []string, assetBeforeMeta map[string]any,
) ([]string, error) {
	for i := range state.Measurements {
		m := &state.Measurements[i]
		if _, declared := slots[m.Type]; !declared {
			return nil, errors.WrapInvalid(
				fmt.Errorf("slot '%s' for model '%s': %w", m.Type, state.Device.Model, errors.ErrUnknownSlot),
				"Pipeline", "persistDevicePass", "slot validation")
		}
		p.stampOrigin(m, state)
	}

	var tickets []*bulk.Ticket
	var measurementIDs []string

	for i := range state.Measurements {
		m := state.Measurements[i]
		body, err := json.Marshal(m)
		if err != nil {
			return nil, errors.WrapFatal(err, "Pipeline", "persistDevicePass", "measurement encoding")
		}
		mid := uuid.NewString()
		ticket, err := p.writer.Enqueue(ctx, docstore.Write{
			Engine:     state.EngineID,
			Collection: types.CollectionMeasures,
			ID:         mid,
			Kind:       docstore.WriteCreate,
			Body:       body,
		})
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
		measurementIDs = append(measurementIDs, mid)
	}

	deviceBody, err := json.Marshal(state.Device)
	if err != nil {
		return nil, errors.WrapFatal(err, "Pipeline", "persistDevicePass", "device encoding")
	}
	deviceKind := docstore.WriteIndex
	if provisioned {
		deviceKind = docstore.WriteCreate
	}
	ticket, err := p.writer.Enqueue(ctx, docstore.Write{
		Engine:     state.EngineID,
		Collection: types.CollectionDevices,
		ID:         state.Device.ID,
		Kind:       deviceKind,
		Body:       deviceBody,
	})
	if err != nil {
		return nil, err
	}
	tickets = append(tickets, ticket)

	metadataTouched := diffMetadata(assetBeforeMeta, state.Asset)
	assetTouched := len(measureNamesTouched) > 0 || len(metadataTouched) > 0
	if state.Asset != nil && assetTouched {
		assetBody, err := json.Marshal(state.Asset)
		if err != nil {
			return nil, errors.WrapFatal(err, "Pipeline", "persistDevicePass", "asset encoding")
		}
		ticket, err := p.writer.Enqueue(ctx, docstore.Write{
			Engine:     state.EngineID,
			Collection: types.CollectionAssets,
			ID:         state.Asset.ID,
			Kind:       docstore.WriteIndex,
			Body:       assetBody,
		})
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)

		// Exactly one history entry per payload-device pair, aggregating
		// every field name touched in this pass.
		historyTicket, err := p.enqueueHistory(ctx, state, measureNamesTouched, metadataTouched)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, historyTicket)
	}

	for _, t := range tickets {
		res, err := t.Wait(ctx)
		if err != nil {
			return nil, errors.WrapTransient(err, "Pipeline", "persistDevicePass", "ticket wait")
		}
		if res.Err != nil {
			return nil, errors.Wrap(res.Err, "Pipeline", "persistDevicePass", "bulk item")
		}
	}

	if p.metrics != nil {
		p.metrics.measurements.Add(float64(len(measurementIDs)))
	}
	return measurementIDs, nil
}

func (p *Pipeline) storePayload(
	ctx context.Context, payloadUUID, model string, raw json.RawMessage,
	valid bool, state types.PayloadState, reason string, receivedAt int64,
) {
	record := types.Payload{
		UUID:        payloadUUID,
		DeviceModel: model,
		Body:        raw,
		Valid:       valid,
		State:       state,
		Reason:      reason,
		ReceivedAt:  receivedAt,
	}
	body, err := json.Marshal(record)
	if err != nil {
		p.logger.Error("payload record encoding failed", "payload", payloadUUID, "error", err)
		return
	}
	ticket, err := p.writer.Enqueue(ctx, docstore.Write{
		Collection: types.CollectionPayloads,
		ID:         payloadUUID,
		Kind:       docstore.WriteCreate,
		Body:       body,
	})
	if err != nil {
		p.logger.Error("payload record enqueue failed", "payload", payloadUUID, "error", err)
		return
	}
	if res, err := ticket.Wait(ctx); err != nil {
		p.logger.Error("payload record persistence interrupted", "payload", payloadUUID, "error", err)
	} else if res.Err != nil {
		p.logger.Error("payload record persistence failed", "payload", payloadUUID, "error", res.Err)
	}
}

func (p *Pipeline) observe(state types.PayloadState, start time.Time) {
	if p.metrics == nil {
		return
	}
	p.metrics.payloads.WithLabelValues(string(state)).Inc()
	p.metrics.processDuration.Observe(time.Since(start).Seconds())
}

func copyMetadata(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// diffMetadata returns the top-level metadata field names added, changed or
// removed on the asset during this pass.
func diffMetadata(before map[string]any, asset *types.Asset) []string {
	if asset == nil {
		return nil
	}
	var changed []string
	for k, v := range asset.Metadata {
		prev, existed := before[k]
		if !existed || fmt.Sprintf("%v", prev) != fmt.Sprintf("%v", v) {
			changed = append(changed, k)
		}
	}
	for k := range before {
		if _, still := asset.Metadata[k]; !still {
			changed = append(changed, k)
		}
	}
	return changed
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
