// Package transform is the C5 contract: the schema engine registers
// field transforms (internal/schema §4.1.4); a Transform Orchestrator
// external to this module executes them whenever one of their input
// fields changes. This package owns only the registration-reload
// surface C5 needs from C2/C6 — the execution engine itself is an
// external collaborator, injected through the Executor interface per
// the "inject via constructor" guidance for C5's network-free design.
package transform

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/datafold/datafold-node/internal/dbops"
	"github.com/datafold/datafold-node/internal/eventbus"
	"github.com/datafold/datafold-node/internal/schema"
)

// Definition is the transform shape C4 persists and C5 reloads:
// inputs, the logic expression, and the output field.
type Definition struct {
	ID     string
	Inputs []string
	Logic  string
	Output string
}

// Executor runs one transform's logic given its resolved input values.
// The orchestrator implementing this interface is external to
// DataFold's core; this package only describes the shape it must
// satisfy.
type Executor interface {
	Execute(ctx context.Context, def Definition, inputs map[string]interface{}) (interface{}, error)
}

// Registry resolves transform registrations from C2 and dispatches
// execution to an Executor when one of a transform's inputs changes.
// It keeps no in-memory index: every lookup reads C2, so registrations
// made at startup or on a schema change are seen on the next call.
type Registry struct {
	db       *dbops.DB
	bus      *eventbus.Bus
	executor Executor
	log      *slog.Logger
}

// New wires a Registry from its C2/C6 dependencies and the injected
// Executor.
func New(db *dbops.DB, bus *eventbus.Bus, executor Executor, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{db: db, bus: bus, executor: executor, log: log}
}

// TransformsForInput returns every transform registered against a
// given input field ("<schema>.<field>"), resolved from
// map_field_to_transforms and the individual transform: entries.
func (r *Registry) TransformsForInput(ctx context.Context, inputField string) ([]Definition, error) {
	ids, err := r.db.TransformsForField(ctx, inputField)
	if err != nil {
		return nil, fmt.Errorf("transform: resolve input %s: %w", inputField, err)
	}

	defs := make([]Definition, 0, len(ids))
	for _, id := range ids {
		var t schema.Transform
		if err := r.db.GetJSON(ctx, dbops.TransformKey(id), &t); err != nil {
			if dbops.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("transform: load %s: %w", id, err)
		}
		defs = append(defs, Definition{ID: id, Inputs: t.Inputs, Logic: t.Logic, Output: t.Output})
	}
	return defs, nil
}

// OnFieldChanged resolves and runs every transform registered against
// changedField, reading its declared inputs via inputValue and
// dispatching to the Executor. Results are returned keyed by output
// field; callers apply them to storage (the write path owns that, to
// keep this package free of AtomRef concerns).
func (r *Registry) OnFieldChanged(ctx context.Context, changedField string, inputValue func(field string) (interface{}, error)) (map[string]interface{}, error) {
	defs, err := r.TransformsForInput(ctx, changedField)
	if err != nil {
		return nil, err
	}
	if r.executor == nil {
		return nil, nil
	}

	results := make(map[string]interface{}, len(defs))
	for _, def := range defs {
		inputs := make(map[string]interface{}, len(def.Inputs))
		for _, in := range def.Inputs {
			v, err := inputValue(in)
			if err != nil {
				return results, fmt.Errorf("transform: resolve input %s for %s: %w", in, def.ID, err)
			}
			inputs[in] = v
		}
		out, err := r.executor.Execute(ctx, def, inputs)
		if err != nil {
			return results, fmt.Errorf("transform: execute %s: %w", def.ID, err)
		}
		results[def.Output] = out
	}
	return results, nil
}

// Subscribe consumes SchemaChanged events from the bus and logs each
// one; it reloads nothing, since the Registry holds no cached state.
// Blocks until ctx is cancelled.
func (r *Registry) Subscribe(ctx context.Context) {
	sub := r.bus.SubscribeSchemaChanged()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			changed, _ := event.(eventbus.SchemaChanged)
			r.log.InfoContext(ctx, "transform: schema changed, registrations may need reload", "schema", changed.Name)
		}
	}
}
