package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360/devicehub/bulk"
	"github.com/c360/devicehub/docstore"
	"github.com/c360/devicehub/errors"
	"github.com/c360/devicehub/types"
)

// LinkAsset links a device to an asset with the given slot-to-measure-name
// mapping. Only mapped slots propagate into the asset on later ingestions.
// The mapping is validated against both sides: every source slot must be
// declared by the device's decoder and every target name by the asset model.
func (p *Pipeline) LinkAsset(ctx context.Context, engineID, deviceID, assetID string, measureNames map[string]string) error {
	deviceKey := engineID + "/devices/" + deviceID
	assetKey := engineID + "/assets/" + assetID
	p.locks.Lock(deviceKey)
	defer p.locks.Unlock(deviceKey)
	p.locks.Lock(assetKey)
	defer p.locks.Unlock(assetKey)

	device, err := p.loadDevice(ctx, engineID, deviceID)
	if err != nil {
		return err
	}
	if device.Link != nil {
		return errors.WrapInvalid(
			fmt.Errorf("device '%s' is linked to asset '%s': %w", deviceID, device.Link.AssetID, errors.ErrAlreadyLinked),
			"Pipeline", "LinkAsset", "link state check")
	}

	asset, err := p.loadAsset(ctx, engineID, assetID)
	if err != nil {
		return err
	}

	if err := p.validateLinkMapping(device.Model, asset.Model, measureNames); err != nil {
		return err
	}

	event := &LinkEvent{EngineID: engineID, Device: device, Asset: asset, MeasureNames: measureNames}
	if err := p.hooks.runLink(ctx, StageLinkBefore, event); err != nil {
		return err
	}

	device.Link = &types.DeviceLink{AssetID: assetID}
	asset.Devices = append(asset.Devices, types.LinkedDevice{
		DeviceID:     deviceID,
		MeasureNames: event.MeasureNames,
	})

	targets := make([]string, 0, len(event.MeasureNames))
	for _, name := range event.MeasureNames {
		targets = append(targets, name)
	}
	if err := p.persistLinkChange(ctx, engineID, device, asset, types.HistoryEventLink, targets); err != nil {
		return err
	}

	return p.hooks.runLink(ctx, StageLinkAfter, event)
}

// UnlinkAsset detaches a device from its linked asset. The asset keeps its
// measure cache; only the link entry is removed.
func (p *Pipeline) UnlinkAsset(ctx context.Context, engineID, deviceID string) error {
	deviceKey := engineID + "/devices/" + deviceID
	p.locks.Lock(deviceKey)
	defer p.locks.Unlock(deviceKey)

	device, err := p.loadDevice(ctx, engineID, deviceID)
	if err != nil {
		return err
	}
	if device.Link == nil {
		return errors.WrapInvalid(
			fmt.Errorf("device '%s': %w", deviceID, errors.ErrNotLinked),
			"Pipeline", "UnlinkAsset", "link state check")
	}

	assetID := device.Link.AssetID
	assetKey := engineID + "/assets/" + assetID
	p.locks.Lock(assetKey)
	defer p.locks.Unlock(assetKey)

	asset, err := p.loadAsset(ctx, engineID, assetID)
	if err != nil {
		return err
	}

	event := &LinkEvent{EngineID: engineID, Device: device, Asset: asset}
	if err := p.hooks.runLink(ctx, StageLinkBefore, event); err != nil {
		return err
	}

	device.Link = nil
	kept := asset.Devices[:0]
	for _, ld := range asset.Devices {
		if ld.DeviceID != deviceID {
			kept = append(kept, ld)
		}
	}
	asset.Devices = kept

	if err := p.persistLinkChange(ctx, engineID, device, asset, types.HistoryEventUnlink, nil); err != nil {
		return err
	}

	return p.hooks.runLink(ctx, StageLinkAfter, event)
}

// UpdateDeviceMetadata merges a metadata fragment into the device document,
// running the update hook stages around the mutation.
func (p *Pipeline) UpdateDeviceMetadata(ctx context.Context, engineID, deviceID string, metadata map[string]any) error {
	deviceKey := engineID + "/devices/" + deviceID
	p.locks.Lock(deviceKey)
	defer p.locks.Unlock(deviceKey)

	device, err := p.loadDevice(ctx, engineID, deviceID)
	if err != nil {
		return err
	}

	event := &UpdateEvent{EngineID: engineID, Device: device, Metadata: metadata}
	if err := p.hooks.runUpdate(ctx, StageUpdateBefore, event); err != nil {
		return err
	}

	if device.Metadata == nil {
		device.Metadata = make(map[string]any, len(event.Metadata))
	}
	for k, v := range event.Metadata {
		device.Metadata[k] = v
	}

	body, err := json.Marshal(device)
	if err != nil {
		return errors.WrapFatal(err, "Pipeline", "UpdateDeviceMetadata", "device encoding")
	}
	ticket, err := p.writer.Enqueue(ctx, docstore.Write{
		Engine:     engineID,
		Collection: types.CollectionDevices,
		ID:         deviceID,
		Kind:       docstore.WriteIndex,
		Body:       body,
	})
	if err != nil {
		return err
	}
	if err := p.waitTickets(ctx, ticket); err != nil {
		return err
	}

	return p.hooks.runUpdate(ctx, StageUpdateAfter, event)
}

// CreateAsset provisions an asset document from its declared model, applying
// the model's metadata defaults.
func (p *Pipeline) CreateAsset(ctx context.Context, engineID, model, reference string) (*types.Asset, error) {
	declared, err := p.models.AssetModelFor(model)
	if err != nil {
		return nil, err
	}

	asset := &types.Asset{
		ID:        model + "-" + reference,
		Reference: reference,
		Model:     model,
		EngineID:  engineID,
		Measures:  make(map[string]types.Measurement),
	}
	if len(declared.Defaults) > 0 {
		asset.Metadata = copyMetadata(declared.Defaults)
	}

	body, err := json.Marshal(asset)
	if err != nil {
		return nil, errors.WrapFatal(err, "Pipeline", "CreateAsset", "asset encoding")
	}
	ticket, err := p.writer.Enqueue(ctx, docstore.Write{
		Engine:     engineID,
		Collection: types.CollectionAssets,
		ID:         asset.ID,
		Kind:       docstore.WriteCreate,
		Body:       body,
	})
	if err != nil {
		return nil, err
	}
	if err := p.waitTickets(ctx, ticket); err != nil {
		return nil, err
	}
	return asset, nil
}

func (p *Pipeline) loadDevice(ctx context.Context, engineID, deviceID string) (*types.Device, error) {
	doc, err := p.store.Get(ctx, engineID, types.CollectionDevices, deviceID)
	if err != nil {
		if errors.Is(err, errors.ErrDocumentNotFound) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("device '%s': %w", deviceID, errors.ErrDeviceNotFound),
				"Pipeline", "loadDevice", "device lookup")
		}
		return nil, err
	}
	var device types.Device
	if err := json.Unmarshal(doc.Body, &device); err != nil {
		return nil, errors.WrapFatal(err, "Pipeline", "loadDevice", "device decoding")
	}
	return &device, nil
}

// validateLinkMapping rejects mappings naming undeclared slots or measure
// names before any document is touched.
func (p *Pipeline) validateLinkMapping(deviceModel, assetModel string, measureNames map[string]string) error {
	slots, err := p.decoders.SlotNames(deviceModel)
	if err != nil {
		return err
	}
	declared, err := p.models.AssetModelFor(assetModel)
	if err != nil {
		return err
	}
	allowed := make(map[string]struct{}, len(declared.MeasureNames))
	for _, mn := range declared.MeasureNames {
		allowed[mn.Name] = struct{}{}
	}

	for slot, target := range measureNames {
		if _, ok := slots[slot]; !ok {
			return errors.WrapInvalid(
				fmt.Errorf("slot '%s' for model '%s': %w", slot, deviceModel, errors.ErrUnknownSlot),
				"Pipeline", "validateLinkMapping", "source slot validation")
		}
		if _, ok := allowed[target]; !ok {
			return errors.WrapInvalid(
				fmt.Errorf("measure name '%s' not declared by asset model '%s': %w", target, assetModel, errors.ErrUnknownSlot),
				"Pipeline", "validateLinkMapping", "target measure validation")
		}
	}
	return nil
}

func (p *Pipeline) persistLinkChange(
	ctx context.Context, engineID string, device *types.Device, asset *types.Asset,
	kind types.HistoryEventKind, measureNames []string,
) error {
	deviceBody, err := json.Marshal(device)
	if err != nil {
		return errors.WrapFatal(err, "Pipeline", "persistLinkChange", "device encoding")
	}
	assetBody, err := json.Marshal(asset)
	if err != nil {
		return errors.WrapFatal(err, "Pipeline", "persistLinkChange", "asset encoding")
	}

	deviceTicket, err := p.writer.Enqueue(ctx, docstore.Write{
		Engine: engineID, Collection: types.CollectionDevices,
		ID: device.ID, Kind: docstore.WriteIndex, Body: deviceBody,
	})
	if err != nil {
		return err
	}
	assetTicket, err := p.writer.Enqueue(ctx, docstore.Write{
		Engine: engineID, Collection: types.CollectionAssets,
		ID: asset.ID, Kind: docstore.WriteIndex, Body: assetBody,
	})
	if err != nil {
		return err
	}
	historyTicket, err := p.enqueueLinkHistory(ctx, engineID, asset, kind, measureNames, device.ID)
	if err != nil {
		return err
	}

	return p.waitTickets(ctx, deviceTicket, assetTicket, historyTicket)
}

func (p *Pipeline) waitTickets(ctx context.Context, tickets ...*bulk.Ticket) error {
	for _, t := range tickets {
		res, err := t.Wait(ctx)
		if err != nil {
			return errors.WrapTransient(err, "Pipeline", "waitTickets", "ticket wait")
		}
		if res.Err != nil {
			return errors.Wrap(res.Err, "Pipeline", "waitTickets", "bulk item")
		}
	}
	return nil
}
