// Package engine manages tenant engines: provisioning and tearing down their
// collections through a compensating saga, tracking them in a global index,
// and pruning the payload log on a schedule.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/devicehub/docstore"
	"github.com/c360/devicehub/errors"
	"github.com/c360/devicehub/metric"
	"github.com/c360/devicehub/types"
)

// CollectionEngines is the global index collection tracking provisioned
// engines. Like the payload log it lives in the empty engine namespace.
const CollectionEngines = "engines"

// engineCollections are provisioned for every engine, in saga order.
var engineCollections = []string{
	types.CollectionDevices,
	types.CollectionAssets,
	types.CollectionMeasures,
	types.CollectionHistory,
}

// Record is the index entry of one provisioned engine.
type Record struct {
	ID        string `json:"_id"`
	Group     string `json:"group,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// Manager provisions and tears down tenant engines.
type Manager struct {
	store   docstore.Store
	logger  *slog.Logger
	metrics *managerMetrics
}

// NewManager creates an engine manager.
func NewManager(store docstore.Store, logger *slog.Logger, registry *metric.Registry) (*Manager, error) {
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "EngineManager", "NewManager", "store validation")
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{store: store, logger: logger.With("component", "engine-manager")}
	if registry != nil {
		metrics, err := newManagerMetrics(registry)
		if err != nil {
			return nil, err
		}
		m.metrics = metrics
	}
	return m, nil
}

// sagaStep pairs one provisioning action with its compensation.
type sagaStep struct {
	name       string
	action     func(ctx context.Context) error
	compensate func(ctx context.Context) error
}

// Create provisions an engine: every tenant collection plus the index entry,
// as a saga. On failure the completed steps are compensated in reverse
// order; compensation failures are collected and joined onto the original
// error rather than masking it.
func (m *Manager) Create(ctx context.Context, engineID, group string) error {
	if engineID == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "EngineManager", "Create", "engine id validation")
	}
	// Fail fast on duplicates: a failing saga compensates by dropping
	// collections, which must never happen to a live engine.
	exists, err := m.Exists(ctx, engineID)
	if err != nil {
		return err
	}
	if exists {
		return errors.WrapInvalid(
			fmt.Errorf("engine '%s': %w", engineID, errors.ErrDocumentExists),
			"EngineManager", "Create", "duplicate engine check")
	}
	start := time.Now()

	steps := make([]sagaStep, 0, len(engineCollections)+1)
	for _, collection := range engineCollections {
		collection := collection
		steps = append(steps, sagaStep{
			name:       "collection:" + collection,
			action:     func(ctx context.Context) error { return m.store.EnsureCollection(ctx, engineID, collection) },
			compensate: func(ctx context.Context) error { return m.store.DropCollection(ctx, engineID, collection) },
		})
	}
	steps = append(steps, sagaStep{
		name:       "index-entry",
		action:     func(ctx context.Context) error { return m.writeRecord(ctx, engineID, group) },
		compensate: func(ctx context.Context) error { return m.deleteRecord(ctx, engineID) },
	})

	if err := m.runSaga(ctx, engineID, steps); err != nil {
		if m.metrics != nil {
			m.metrics.createFailures.Inc()
		}
		return err
	}

	if m.metrics != nil {
		m.metrics.created.Inc()
		m.metrics.createDuration.Observe(time.Since(start).Seconds())
	}
	m.logger.Info("engine provisioned", "engine", engineID, "group", group)
	return nil
}

func (m *Manager) runSaga(ctx context.Context, engineID string, steps []sagaStep) error {
	for i, step := range steps {
		err := step.action(ctx)
		if err == nil {
			continue
		}
		cause := errors.WrapTransient(
			fmt.Errorf("step '%s': %w", step.name, err),
			"EngineManager", "Create", "engine provisioning")

		// Roll back what completed, newest first. Compensation runs on a
		// background context so a cancelled caller still gets cleanup.
		compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		var compensationErrs []error
		for j := i - 1; j >= 0; j-- {
			if cerr := steps[j].compensate(compCtx); cerr != nil {
				compensationErrs = append(compensationErrs,
					fmt.Errorf("compensating '%s': %w", steps[j].name, cerr))
			}
		}
		if len(compensationErrs) > 0 {
			m.logger.Error("engine provisioning rollback left residue",
				"engine", engineID, "failures", len(compensationErrs))
			all := append([]error{cause}, compensationErrs...)
			return errors.Join(all...)
		}
		m.logger.Warn("engine provisioning rolled back", "engine", engineID, "step", step.name)
		return cause
	}
	return nil
}

// Delete tears down an engine: every tenant collection, then the index entry.
// Idempotent with respect to missing collections.
func (m *Manager) Delete(ctx context.Context, engineID string) error {
	if _, err := m.Get(ctx, engineID); err != nil {
		return err
	}
	for _, collection := range engineCollections {
		if err := m.store.DropCollection(ctx, engineID, collection); err != nil {
			return errors.WrapTransient(
				fmt.Errorf("collection '%s': %w", collection, err),
				"EngineManager", "Delete", "collection teardown")
		}
	}
	if err := m.deleteRecord(ctx, engineID); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.deleted.Inc()
	}
	m.logger.Info("engine deleted", "engine", engineID)
	return nil
}

// Get returns the index entry of an engine.
func (m *Manager) Get(ctx context.Context, engineID string) (*Record, error) {
	doc, err := m.store.Get(ctx, "", CollectionEngines, engineID)
	if err != nil {
		if errors.Is(err, errors.ErrDocumentNotFound) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("engine '%s': %w", engineID, errors.ErrEngineNotFound),
				"EngineManager", "Get", "engine lookup")
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(doc.Body, &record); err != nil {
		return nil, errors.WrapFatal(err, "EngineManager", "Get", "record decoding")
	}
	return &record, nil
}

// Exists reports whether an engine is provisioned.
func (m *Manager) Exists(ctx context.Context, engineID string) (bool, error) {
	_, err := m.Get(ctx, engineID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, errors.ErrEngineNotFound) {
		return false, nil
	}
	return false, err
}

// List returns every provisioned engine, oldest first.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	docs, err := m.store.Search(ctx, "", CollectionEngines, docstore.Query{SortBy: "createdAt"})
	if err != nil {
		return nil, errors.Wrap(err, "EngineManager", "List", "engine search")
	}
	records := make([]Record, 0, len(docs))
	for _, doc := range docs {
		var r Record
		if err := json.Unmarshal(doc.Body, &r); err != nil {
			return nil, errors.WrapFatal(err, "EngineManager", "List", "record decoding")
		}
		records = append(records, r)
	}
	return records, nil
}

func (m *Manager) writeRecord(ctx context.Context, engineID, group string) error {
	record := Record{ID: engineID, Group: group, CreatedAt: types.EpochMillis(time.Now())}
	body, err := json.Marshal(record)
	if err != nil {
		return err
	}
	results := m.store.BulkWrite(ctx, []docstore.Write{{
		Collection: CollectionEngines,
		ID:         engineID,
		Kind:       docstore.WriteCreate,
		Body:       body,
	}})
	return results[0].Err
}

func (m *Manager) deleteRecord(ctx context.Context, engineID string) error {
	results := m.store.BulkWrite(ctx, []docstore.Write{{
		Collection: CollectionEngines,
		ID:         engineID,
		Kind:       docstore.WriteDelete,
	}})
	return results[0].Err
}
