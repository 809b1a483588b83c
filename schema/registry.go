// Package schema implements the model registry: device, asset and measure
// model declarations plus the mapping fragments plugins contribute at
// application-configuration time.
//
// Fragments are grouped. The "shared" group is the baseline applied to every
// tenant group; named groups add or override fields on top of it. Within a
// group, registration is additive with last-write-wins per field path.
package schema

import (
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/devicehub/decoder"
	"github.com/c360/devicehub/errors"
)

// SharedGroup is the baseline group applied to every tenant group.
const SharedGroup = "shared"

// Fragment is a JSON-Schema-shaped mapping fragment: field path to property
// definition (for example {"type": "keyword"} or a full JSON schema node).
type Fragment map[string]any

// AssetModel declares an asset kind: its measure names and the device slots
// allowed to contribute to them.
type AssetModel struct {
	Model string
	// MeasureNames lists the asset-level measure names, each with the
	// measurement type it accepts.
	MeasureNames []decoder.MeasureSlot
	Metadata     Fragment
	Defaults     map[string]any
}

// DeviceModel declares a device kind beyond what its decoder provides:
// metadata schema and default values applied on provisioning.
type DeviceModel struct {
	Model    string
	Metadata Fragment
	Defaults map[string]any
}

// Registry holds model declarations and mapping fragments. It follows the
// same startup discipline as the decoder registry: mutated while plugins
// register during application configuration, then read-only.
type Registry struct {
	mu sync.RWMutex

	deviceModels map[string]DeviceModel
	assetModels  map[string]AssetModel

	measures map[string]Fragment            // measure name -> value schema
	metadata map[string]map[string]Fragment // group -> field path -> fragment
	qos      map[string]map[string]Fragment // group -> field path -> fragment
}

// NewRegistry creates an empty model registry.
func NewRegistry() *Registry {
	return &Registry{
		deviceModels: make(map[string]DeviceModel),
		assetModels:  make(map[string]AssetModel),
		measures:     make(map[string]Fragment),
		metadata:     make(map[string]map[string]Fragment),
		qos:          make(map[string]map[string]Fragment),
	}
}

// RegisterDeviceModel declares a device model.
func (r *Registry) RegisterDeviceModel(m DeviceModel) error {
	if m.Model == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "SchemaRegistry", "RegisterDeviceModel", "model name validation")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.deviceModels[m.Model]; exists {
		return errors.WrapFatal(
			fmt.Errorf("device model '%s' already registered", m.Model),
			"SchemaRegistry", "RegisterDeviceModel", "duplicate model check")
	}
	r.deviceModels[m.Model] = m
	return nil
}

// RegisterAssetModel declares an asset model. Measure names must be unique
// within the declaration; duplicates are a load-time configuration error.
func (r *Registry) RegisterAssetModel(m AssetModel) error {
	if m.Model == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "SchemaRegistry", "RegisterAssetModel", "model name validation")
	}
	seen := make(map[string]struct{}, len(m.MeasureNames))
	for _, mn := range m.MeasureNames {
		if _, dup := seen[mn.Name]; dup {
			return errors.WrapFatal(
				fmt.Errorf("asset model '%s' measure '%s': %w", m.Model, mn.Name, errors.ErrDuplicateSlot),
				"SchemaRegistry", "RegisterAssetModel", "duplicate measure name check")
		}
		seen[mn.Name] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.assetModels[m.Model]; exists {
		return errors.WrapFatal(
			fmt.Errorf("asset model '%s' already registered", m.Model),
			"SchemaRegistry", "RegisterAssetModel", "duplicate model check")
	}
	r.assetModels[m.Model] = m
	return nil
}

// RegisterMeasure registers the value schema of a measure type.
// Last write wins for a given name.
func (r *Registry) RegisterMeasure(name string, valuesSchema Fragment) error {
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "SchemaRegistry", "RegisterMeasure", "measure name validation")
	}
	if err := validateFragment(valuesSchema); err != nil {
		return errors.Wrap(err, "SchemaRegistry", "RegisterMeasure", "schema fragment validation")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.measures[name] = valuesSchema
	return nil
}

// RegisterMetadata registers a metadata mapping fragment for a group.
// An empty group targets the shared baseline.
func (r *Registry) RegisterMetadata(fragment Fragment, group string) error {
	return r.registerGrouped(r.metadata, fragment, group, "RegisterMetadata")
}

// RegisterQoS registers a QoS mapping fragment for a group.
func (r *Registry) RegisterQoS(fragment Fragment, group string) error {
	return r.registerGrouped(r.qos, fragment, group, "RegisterQoS")
}

func (r *Registry) registerGrouped(target map[string]map[string]Fragment, fragment Fragment, group, op string) error {
	if len(fragment) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "SchemaRegistry", op, "empty fragment validation")
	}
	if err := validateFragment(fragment); err != nil {
		return errors.Wrap(err, "SchemaRegistry", op, "schema fragment validation")
	}
	if group == "" {
		group = SharedGroup
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	fields, ok := target[group]
	if !ok {
		fields = make(map[string]Fragment)
		target[group] = fields
	}
	// Additive, last-write-wins per field path within the group.
	for path, def := range fragment {
		sub, isMap := def.(map[string]any)
		if !isMap {
			return errors.WrapInvalid(
				fmt.Errorf("field '%s' definition must be an object", path),
				"SchemaRegistry", op, "fragment shape validation")
		}
		fields[path] = Fragment(sub)
	}
	return nil
}

// DeviceModelFor returns the declared device model, if any.
func (r *Registry) DeviceModelFor(model string) (DeviceModel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.deviceModels[model]
	return m, ok
}

// AssetModelFor returns the declared asset model.
func (r *Registry) AssetModelFor(model string) (AssetModel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.assetModels[model]
	if !ok {
		return AssetModel{}, errors.WrapInvalid(
			fmt.Errorf("asset model '%s': %w", model, errors.ErrUnknownModel),
			"SchemaRegistry", "AssetModelFor", "model lookup")
	}
	return m, nil
}

// MeasureSchema returns the registered value schema for a measure type.
func (r *Registry) MeasureSchema(name string) (Fragment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.measures[name]
	return f, ok
}

// MetadataMappings composes the metadata mapping for a tenant group:
// shared baseline first, then the named group's additions and overrides.
func (r *Registry) MetadataMappings(group string) map[string]Fragment {
	return r.compose(r.metadata, group)
}

// QoSMappings composes the QoS mapping for a tenant group.
func (r *Registry) QoSMappings(group string) map[string]Fragment {
	return r.compose(r.qos, group)
}

func (r *Registry) compose(source map[string]map[string]Fragment, group string) map[string]Fragment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Fragment)
	for path, def := range source[SharedGroup] {
		out[path] = def
	}
	if group != "" && group != SharedGroup {
		for path, def := range source[group] {
			out[path] = def
		}
	}
	return out
}

// validateFragment checks that a fragment compiles as a JSON schema node.
// Fragments are merged into per-tenant store mappings, so a malformed
// fragment must fail at registration, not at provisioning time.
func validateFragment(fragment Fragment) error {
	if fragment == nil {
		return errors.ErrInvalidConfig
	}
	loader := gojsonschema.NewGoLoader(map[string]any{
		"type":       "object",
		"properties": map[string]any(fragment),
	})
	if _, err := gojsonschema.NewSchema(loader); err != nil {
		return fmt.Errorf("fragment does not compile as JSON schema: %w", err)
	}
	return nil
}
