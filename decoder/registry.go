package decoder

import (
	"fmt"
	"sync"

	"github.com/c360/devicehub/errors"
)

// Registry maps device model names to decoder instances.
//
// The registry is populated during application start and read-only
// thereafter; lookups by exact model name fail clearly with an unknown-model
// error rather than silently defaulting. Registration errors (duplicate
// decoder, duplicate slot names) are configuration errors and fatal at
// startup, never at request time.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
	sealed   bool
}

// NewRegistry creates a new empty decoder registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]Decoder)}
}

// Register adds a decoder for its declared device model.
// Returns an error when the model already has a decoder or when the
// decoder declares duplicate measure slot names.
func (r *Registry) Register(d Decoder) error {
	if d == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "decoder validation")
	}
	model := d.DeviceModel()
	if model == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "device model validation")
	}

	if err := validateSlots(d); err != nil {
		return errors.Wrap(err, "Registry", "Register", "slot declaration validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return errors.WrapFatal(
			fmt.Errorf("registry sealed, cannot register decoder for model '%s'", model),
			"Registry", "Register", "registration after seal")
	}
	if _, exists := r.decoders[model]; exists {
		return errors.WrapFatal(
			fmt.Errorf("model '%s': %w", model, errors.ErrDuplicateDecoder),
			"Registry", "Register", "duplicate decoder check")
	}

	r.decoders[model] = d
	return nil
}

// Seal marks the registry read-only. Called once application startup
// completes; subsequent Register calls fail.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Get returns the decoder for the given device model.
func (r *Registry) Get(model string) (Decoder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, exists := r.decoders[model]
	if !exists {
		return nil, errors.WrapInvalid(
			fmt.Errorf("model '%s': %w", model, errors.ErrUnknownModel),
			"Registry", "Get", "decoder lookup")
	}
	return d, nil
}

// Models returns the registered device model names.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	models := make([]string, 0, len(r.decoders))
	for model := range r.decoders {
		models = append(models, model)
	}
	return models
}

// SlotNames returns the declared slot name set for a model.
func (r *Registry) SlotNames(model string) (map[string]MeasureSlot, error) {
	d, err := r.Get(model)
	if err != nil {
		return nil, err
	}
	slots := d.Measures()
	out := make(map[string]MeasureSlot, len(slots))
	for _, s := range slots {
		out[s.Name] = s
	}
	return out, nil
}

func validateSlots(d Decoder) error {
	seen := make(map[string]struct{})
	for _, slot := range d.Measures() {
		if slot.Name == "" {
			return errors.WrapFatal(
				fmt.Errorf("model '%s' declares a slot with an empty name", d.DeviceModel()),
				"Registry", "validateSlots", "slot name validation")
		}
		if _, dup := seen[slot.Name]; dup {
			return errors.WrapFatal(
				fmt.Errorf("model '%s' slot '%s': %w", d.DeviceModel(), slot.Name, errors.ErrDuplicateSlot),
				"Registry", "validateSlots", "duplicate slot check")
		}
		seen[slot.Name] = struct{}{}
	}
	return nil
}
