package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/devicehub/errors"
	"github.com/c360/devicehub/types"
)

// DeviceState is the mutable tuple exposed to process-stage hooks. Handlers
// may add or remove measurements (visible to later handlers of the same
// stage and to all later stages) and mutate the in-memory device and asset
// documents; mutations are included in the persisted write.
//
// The state is exclusively owned by one device's processing pass. Handlers
// must not retain references past their return.
type DeviceState struct {
	EngineID     string
	PayloadUUID  string
	Device       *types.Device
	Asset        *types.Asset // nil when the device is not linked
	Measurements []types.Measurement
	Metadata     map[string]any
}

// LinkEvent is the tuple exposed to link-asset hooks.
type LinkEvent struct {
	EngineID     string
	Device       *types.Device
	Asset        *types.Asset
	MeasureNames map[string]string // device slot -> asset measure name
}

// AttachEvent is the tuple exposed to attach-engine hooks, fired when a
// device is provisioned into an engine.
type AttachEvent struct {
	EngineID string
	Device   *types.Device
}

// UpdateEvent is the tuple exposed to update hooks around device metadata
// updates.
type UpdateEvent struct {
	EngineID string
	Device   *types.Device
	Metadata map[string]any
}

// Handler signatures per stage variant. Each stage receives and may mutate
// the same shaped tuple it was given; an error aborts the remaining stages
// for the current device only.
type (
	ProcessHandler func(ctx context.Context, state *DeviceState) error
	LinkHandler    func(ctx context.Context, event *LinkEvent) error
	AttachHandler  func(ctx context.Context, event *AttachEvent) error
	UpdateHandler  func(ctx context.Context, event *UpdateEvent) error
)

// Stage names exposed to external collaborators.
const (
	StageProcessBefore = "process:before"
	StageProcessAfter  = "process:after"
	StagePersistBefore = "persist:sourceBefore"
	StageLinkBefore    = "link-asset:before"
	StageLinkAfter     = "link-asset:after"
	StageAttachBefore  = "attach-engine:before"
	StageAttachAfter   = "attach-engine:after"
	StageUpdateBefore  = "update:before"
	StageUpdateAfter   = "update:after"
)

// Hooks is the registry of externally contributed pipeline handlers.
// Handlers for the same stage run in registration order.
type Hooks struct {
	mu sync.RWMutex

	processBefore []ProcessHandler
	processAfter  []ProcessHandler
	persistBefore []ProcessHandler
	linkBefore    []LinkHandler
	linkAfter     []LinkHandler
	attachBefore  []AttachHandler
	attachAfter   []AttachHandler
	updateBefore  []UpdateHandler
	updateAfter   []UpdateHandler
}

// NewHooks creates an empty hook registry.
func NewHooks() *Hooks {
	return &Hooks{}
}

// OnProcessBefore registers a handler for the process:before stage.
func (h *Hooks) OnProcessBefore(fn ProcessHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.processBefore = append(h.processBefore, fn)
}

// OnProcessAfter registers a handler for the process:after stage.
func (h *Hooks) OnProcessAfter(fn ProcessHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.processAfter = append(h.processAfter, fn)
}

// OnPersistBefore registers a handler for the persist:sourceBefore stage.
func (h *Hooks) OnPersistBefore(fn ProcessHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.persistBefore = append(h.persistBefore, fn)
}

// OnLinkBefore registers a handler for the link-asset:before stage.
func (h *Hooks) OnLinkBefore(fn LinkHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.linkBefore = append(h.linkBefore, fn)
}

// OnLinkAfter registers a handler for the link-asset:after stage.
func (h *Hooks) OnLinkAfter(fn LinkHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.linkAfter = append(h.linkAfter, fn)
}

// OnAttachBefore registers a handler for the attach-engine:before stage.
func (h *Hooks) OnAttachBefore(fn AttachHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attachBefore = append(h.attachBefore, fn)
}

// OnAttachAfter registers a handler for the attach-engine:after stage.
func (h *Hooks) OnAttachAfter(fn AttachHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attachAfter = append(h.attachAfter, fn)
}

// OnUpdateBefore registers a handler for the update:before stage.
func (h *Hooks) OnUpdateBefore(fn UpdateHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updateBefore = append(h.updateBefore, fn)
}

// OnUpdateAfter registers a handler for the update:after stage.
func (h *Hooks) OnUpdateAfter(fn UpdateHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updateAfter = append(h.updateAfter, fn)
}

func (h *Hooks) runProcess(ctx context.Context, stage string, state *DeviceState) error {
	h.mu.RLock()
	var handlers []ProcessHandler
	switch stage {
	case StageProcessBefore:
		handlers = h.processBefore
	case StageProcessAfter:
		handlers = h.processAfter
	case StagePersistBefore:
		handlers = h.persistBefore
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		if err := fn(ctx, state); err != nil {
			return hookError(stage, err)
		}
	}
	return nil
}

func (h *Hooks) runLink(ctx context.Context, stage string, event *LinkEvent) error {
	h.mu.RLock()
	var handlers []LinkHandler
	switch stage {
	case StageLinkBefore:
		handlers = h.linkBefore
	case StageLinkAfter:
		handlers = h.linkAfter
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		if err := fn(ctx, event); err != nil {
			return hookError(stage, err)
		}
	}
	return nil
}

func (h *Hooks) runAttach(ctx context.Context, stage string, event *AttachEvent) error {
	h.mu.RLock()
	var handlers []AttachHandler
	switch stage {
	case StageAttachBefore:
		handlers = h.attachBefore
	case StageAttachAfter:
		handlers = h.attachAfter
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		if err := fn(ctx, event); err != nil {
			return hookError(stage, err)
		}
	}
	return nil
}

func (h *Hooks) runUpdate(ctx context.Context, stage string, event *UpdateEvent) error {
	h.mu.RLock()
	var handlers []UpdateHandler
	switch stage {
	case StageUpdateBefore:
		handlers = h.updateBefore
	case StageUpdateAfter:
		handlers = h.updateAfter
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		if err := fn(ctx, event); err != nil {
			return hookError(stage, err)
		}
	}
	return nil
}

func hookError(stage string, err error) error {
	return errors.Wrap(
		fmt.Errorf("stage '%s': %w: %w", stage, errors.ErrHookFailed, err),
		"Hooks", "run", "handler execution")
}
