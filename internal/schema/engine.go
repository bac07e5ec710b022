package schema

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/datafold/datafold-node/internal/atom"
	"github.com/datafold/datafold-node/internal/dbops"
	"github.com/datafold/datafold-node/internal/eventbus"
)

// Engine is the C4 schema lifecycle engine: single source of truth
// for schema existence, state, field-to-storage bindings and
// transform registration. Safe for concurrent readers; writers
// serialize through mu.
type Engine struct {
	db    *dbops.DB
	atoms *atom.Store
	bus   *eventbus.Bus
	log   *slog.Logger

	mu        sync.RWMutex
	active    map[string]*Schema // name → Schema, Approved only
	available map[string]*entry  // name → (Schema, SchemaState), every known schema
}

// New wires an Engine from its C2/C3/C6 dependencies. Both internal
// maps start empty; call DiscoverAndLoadAll (or LoadSchemaInternal
// directly) to populate them from persistence.
func New(db *dbops.DB, atoms *atom.Store, bus *eventbus.Bus, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		db:        db,
		atoms:     atoms,
		bus:       bus,
		log:       log,
		active:    make(map[string]*Schema),
		available: make(map[string]*entry),
	}
}

// GetSchema returns a copy-free pointer to the named schema's current
// content, whatever its state, or ErrNotFound.
func (e *Engine) GetSchema(name string) (*Schema, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.available[name]
	if !ok {
		return nil, ErrNotFound
	}
	return ent.schema, nil
}

// ListLoaded returns every Approved schema currently in the active map.
func (e *Engine) ListLoaded() []*Schema {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Schema, 0, len(e.active))
	for _, s := range e.active {
		out = append(out, s)
	}
	return out
}

// ListAvailable returns every known schema regardless of state.
func (e *Engine) ListAvailable() []*Schema {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Schema, 0, len(e.available))
	for _, ent := range e.available {
		out = append(out, ent.schema)
	}
	return out
}

// ListByState returns every schema currently in the given state.
func (e *Engine) ListByState(state State) []*Schema {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Schema, 0)
	for _, ent := range e.available {
		if ent.state == state {
			out = append(out, ent.schema)
		}
	}
	return out
}

// CheckSchemaPermission is true iff the named schema's state is
// Approved (4.1's check_schema_permission).
func (e *Engine) CheckSchemaPermission(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.available[name]
	return ok && ent.state == StateApproved
}

// persistState writes the schema_state:<name> key.
func (e *Engine) persistState(ctx context.Context, name string, state State) error {
	return e.db.PutString(ctx, dbops.SchemaStateKey(name), string(state))
}

// persistSchema writes the schema:<name> key.
func (e *Engine) persistSchema(ctx context.Context, s *Schema) error {
	return e.db.PutJSON(ctx, dbops.SchemaKey(s.Name), s)
}

// loadPersistedState reads a schema's persisted state, if any.
func (e *Engine) loadPersistedState(ctx context.Context, name string) (State, bool, error) {
	raw, err := e.db.GetString(ctx, dbops.SchemaStateKey(name))
	if dbops.IsNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("schema: read state for %s: %w", name, err)
	}
	return State(raw), true, nil
}

// loadPersistedSchema reads a schema's persisted content, if any.
func (e *Engine) loadPersistedSchema(ctx context.Context, name string) (*Schema, bool, error) {
	var s Schema
	err := e.db.GetJSON(ctx, dbops.SchemaKey(name), &s)
	if dbops.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("schema: read persisted %s: %w", name, err)
	}
	return &s, true, nil
}

// LoadSchemaInternal is the single entry point that brings a Schema
// (already parsed/interpreted) into the available map (4.1,
// load_schema_internal).
func (e *Engine) LoadSchemaInternal(ctx context.Context, s *Schema) error {
	persisted, hasPersisted, err := e.loadPersistedSchema(ctx, s.Name)
	if err != nil {
		return err
	}

	// "If C2 holds a persisted version of the same name, replace the
	// caller's schema with the persisted one" — this preserves
	// field-to-AtomRef bindings across restarts.
	loadedFromJSON := !hasPersisted
	working := s
	if hasPersisted {
		working = persisted
	}

	fixTransformOutputs(working)

	for fieldName, fd := range working.Fields {
		if fd.Transform != nil {
			if err := e.registerTransform(ctx, working.Name, fieldName, fd.Transform); err != nil {
				return fmt.Errorf("schema: register transform %s.%s: %w", working.Name, fieldName, err)
			}
		}
	}

	// Persist only if every ref_atom_uuid is absent: this is the
	// signal that we loaded fresh content from JSON rather than from
	// a prior DB-backed schema that already carries bindings.
	allUnbound := true
	for _, fd := range working.Fields {
		if fd.RefAtomUUID != "" {
			allUnbound = false
			break
		}
	}
	if loadedFromJSON && allUnbound {
		working.Hash = working.ComputeHash()
		if err := e.persistSchema(ctx, working); err != nil {
			return err
		}
	}

	state := StateAvailable
	if persistedState, ok, err := e.loadPersistedState(ctx, working.Name); err != nil {
		return err
	} else if ok {
		state = persistedState
	} else if err := e.persistState(ctx, working.Name, state); err != nil {
		return err
	}

	e.mu.Lock()
	e.available[working.Name] = &entry{schema: working, state: state}
	if state == StateApproved {
		e.active[working.Name] = working
	}
	e.mu.Unlock()

	e.bus.Publish(ctx, eventbus.SchemaLoaded{Name: working.Name, Reason: "loaded"})
	return nil
}

// fixTransformOutputs rewrites any transform output beginning with the
// literal "test." to "<schema.name>.<field_name>" (load_schema_internal).
func fixTransformOutputs(s *Schema) {
	for fieldName, fd := range s.Fields {
		if fd.Transform == nil {
			continue
		}
		if strings.HasPrefix(fd.Transform.Output, "test.") {
			fd.Transform.Output = s.Name + "." + fieldName
		}
	}
}

// registerTransform implements 4.1.4: store the transform under
// transform:<schema>.<field> and register every input in
// map_field_to_transforms.
func (e *Engine) registerTransform(ctx context.Context, schemaName, fieldName string, t *Transform) error {
	transformID := schemaName + "." + fieldName
	if err := e.db.PutJSON(ctx, dbops.TransformKey(transformID), t); err != nil {
		return err
	}
	for _, input := range t.Inputs {
		if err := e.db.AddFieldTransform(ctx, input, transformID); err != nil {
			return err
		}
	}
	return nil
}

// Approve moves name into the active map, sets its state to Approved,
// runs map_fields, and persists both state and bound schema (4.1,
// approve). Idempotent on an already-Approved schema except that
// map_fields re-runs.
func (e *Engine) Approve(ctx context.Context, name string) error {
	e.mu.RLock()
	ent, ok := e.available[name]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("schema: approve %s: %w", name, ErrNotFound)
	}
	if !canApprove(ent.state) {
		return fmt.Errorf("schema: approve %s from %s: %w", name, ent.state, ErrInvalidTransition)
	}

	e.mu.Lock()
	ent.state = StateApproved
	e.active[name] = ent.schema
	e.mu.Unlock()

	if err := e.persistState(ctx, name, StateApproved); err != nil {
		return err
	}

	// map_fields failures are logged but do not revert state: the
	// admin can re-approve (documented design choice, 4.1 Failure
	// semantics).
	if _, err := e.MapFields(ctx, name); err != nil {
		e.log.ErrorContext(ctx, "schema: map_fields failed during approve", "schema", name, "error", err)
	}

	e.bus.Publish(ctx, eventbus.SchemaLoaded{Name: name, Reason: "approved"})
	e.bus.Publish(ctx, eventbus.SchemaChanged{Name: name})
	return nil
}

// Block removes name from active, sets state Blocked, persists, and
// publishes SchemaChanged. The schema remains queryable via GetSchema
// but CheckSchemaPermission now reports false.
func (e *Engine) Block(ctx context.Context, name string) error {
	e.mu.Lock()
	ent, ok := e.available[name]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("schema: block %s: %w", name, ErrNotFound)
	}
	if !canBlock(ent.state) {
		e.mu.Unlock()
		return fmt.Errorf("schema: block %s from %s: %w", name, ent.state, ErrInvalidTransition)
	}
	ent.state = StateBlocked
	delete(e.active, name)
	e.mu.Unlock()

	if err := e.persistState(ctx, name, StateBlocked); err != nil {
		return err
	}
	e.bus.Publish(ctx, eventbus.SchemaChanged{Name: name})
	return nil
}

// Unload (set_available) removes name from active and resets its
// state to Available. Field-mapping and transforms keep running on a
// Blocked schema but stop here.
func (e *Engine) Unload(ctx context.Context, name string) error {
	e.mu.Lock()
	ent, ok := e.available[name]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("schema: unload %s: %w", name, ErrNotFound)
	}
	if !canUnload(ent.state) {
		e.mu.Unlock()
		return fmt.Errorf("schema: unload %s from %s: %w", name, ent.state, ErrInvalidTransition)
	}
	ent.state = StateAvailable
	delete(e.active, name)
	e.mu.Unlock()

	if err := e.persistState(ctx, name, StateAvailable); err != nil {
		return err
	}
	e.bus.Publish(ctx, eventbus.SchemaChanged{Name: name})
	return nil
}

// UpdateFieldRefAtomUUID is the single writer of ref_atom_uuid on a
// field definition after initial load. It updates both the active and
// available entries in place and persists the schema immediately.
func (e *Engine) UpdateFieldRefAtomUUID(ctx context.Context, schemaName, field, refUUID string) error {
	e.mu.Lock()
	ent, ok := e.available[schemaName]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("schema: update ref for %s: %w", schemaName, ErrNotFound)
	}
	fd, ok := ent.schema.Fields[field]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("schema: update ref for %s.%s: field %w", schemaName, field, ErrNotFound)
	}
	fd.RefAtomUUID = refUUID
	ent.schema.Hash = ent.schema.ComputeHash()
	s := ent.schema
	e.mu.Unlock()

	return e.persistSchema(ctx, s)
}

// MapFields runs 4.1.3 against the named schema: inherit ref_atom_uuid
// from field_mappers where possible, otherwise allocate a fresh
// AtomRef/AtomRefRange, then persist. Returns the uuids of any newly
// created storage objects.
func (e *Engine) MapFields(ctx context.Context, name string) ([]string, error) {
	e.mu.RLock()
	ent, ok := e.available[name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("schema: map_fields %s: %w", name, ErrNotFound)
	}

	var created []string
	for fieldName, fd := range ent.schema.Fields {
		if fd.RefAtomUUID == "" {
			// Step 1: inherit from mappers.
			for _, m := range fd.FieldMappers {
				source, err := e.GetSchema(m.SourceSchema)
				if err != nil {
					continue
				}
				sourceField, ok := source.Fields[m.SourceField]
				if !ok || sourceField.RefAtomUUID == "" {
					continue
				}
				fd.RefAtomUUID = sourceField.RefAtomUUID
				break
			}
		}

		if fd.RefAtomUUID == "" {
			// Step 2: allocate.
			refUUID := uuid.NewString()
			var err error
			if fd.Kind == FieldRange {
				_, err = e.atoms.CreateRangeRef(ctx, refUUID)
			} else {
				_, err = e.atoms.CreateSingleRef(ctx, refUUID, "")
			}
			if err != nil {
				return created, fmt.Errorf("schema: allocate ref for %s.%s: %w", name, fieldName, err)
			}
			fd.RefAtomUUID = refUUID
			created = append(created, refUUID)
		}

		// Step 3: set via the single writer.
		if err := e.UpdateFieldRefAtomUUID(ctx, name, fieldName, fd.RefAtomUUID); err != nil {
			return created, err
		}
	}

	return created, nil
}
