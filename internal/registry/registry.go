// Package registry owns the FeatureDefinition lifecycle: registration,
// lookup, listing and post-creation mutation of the mutable fields.
package registry

import (
	"iter"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/xtxerr/featstore/internal/errors"
	"github.com/xtxerr/featstore/internal/logging"
	"github.com/xtxerr/featstore/internal/types"
	"github.com/xtxerr/featstore/internal/validation"
)

// Registry holds all registered feature definitions.
// Definitions are never deleted; dtype and entity type are immutable.
type Registry struct {
	mu sync.RWMutex

	// byKey maps "name@version" to the definition.
	byKey map[string]*types.FeatureDefinition

	// byName maps name to versions in ascending order, for
	// latest-version resolution.
	byName map[string][]*types.FeatureDefinition

	// byID maps the registry-assigned ID back to the definition.
	byID map[int64]*types.FeatureDefinition

	nextID int64

	defaultTTL time.Duration

	log *slog.Logger
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	// EntityType matches definitions with this entity type.
	EntityType string

	// Tags matches definitions carrying all of these tags.
	Tags []string
}

// Patch carries the mutable fields for UpdateMutableFields.
// Nil fields are left unchanged.
type Patch struct {
	TTL         *time.Duration
	Description *string
	Tags        []string
}

// New creates an empty registry. Features registered without a TTL get
// defaultTTL.
func New(defaultTTL time.Duration) *Registry {
	return &Registry{
		byKey:      make(map[string]*types.FeatureDefinition),
		byName:     make(map[string][]*types.FeatureDefinition),
		byID:       make(map[int64]*types.FeatureDefinition),
		nextID:     1,
		defaultTTL: defaultTTL,
		log:        logging.Component("registry"),
	}
}

// Register creates a new feature definition. The (name, version) identity
// must not exist yet; duplicates fail with a conflict and leave the
// existing definition unchanged.
func (r *Registry) Register(def *types.FeatureDefinition) (*types.FeatureDefinition, error) {
	if err := validateDefinition(def); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := def.Key()
	if _, exists := r.byKey[key]; exists {
		return nil, errors.NewAlreadyExists("feature", key)
	}

	now := time.Now().UTC()
	stored := def.Clone()
	stored.ID = r.nextID
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.TTL <= 0 {
		stored.TTL = r.defaultTTL
	}
	r.nextID++

	r.byKey[key] = stored
	r.byID[stored.ID] = stored

	versions := append(r.byName[stored.Name], stored)
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	r.byName[stored.Name] = versions

	r.log.Info("feature registered",
		"name", stored.Name, "version", stored.Version,
		"id", stored.ID, "dtype", stored.Dtype.String())

	return stored.Clone(), nil
}

// Get returns the definition for (name, version). Version 0 resolves to
// the latest registered version of the name.
func (r *Registry) Get(name string, version int) (*types.FeatureDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if version == 0 {
		versions := r.byName[name]
		if len(versions) == 0 {
			return nil, errors.NewNotFound("feature", name)
		}
		return versions[len(versions)-1].Clone(), nil
	}

	def, ok := r.byKey[types.FeatureKey(name, version)]
	if !ok {
		return nil, errors.NewNotFound("feature", types.FeatureKey(name, version))
	}
	return def.Clone(), nil
}

// GetByID returns the definition with the given registry-assigned ID.
func (r *Registry) GetByID(id int64) (*types.FeatureDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byID[id]
	if !ok {
		return nil, errors.NewNotFound("feature id", strconv.FormatInt(id, 10))
	}
	return def.Clone(), nil
}

// List returns a lazy, restartable sequence of definitions matching the
// filter, in deterministic (name, version) order. Each range over the
// sequence observes a fresh snapshot.
func (r *Registry) List(filter Filter) iter.Seq[*types.FeatureDefinition] {
	return func(yield func(*types.FeatureDefinition) bool) {
		for _, def := range r.snapshot() {
			if !matches(def, filter) {
				continue
			}
			if !yield(def) {
				return
			}
		}
	}
}

// Count returns the number of registered definitions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// UpdateMutableFields applies a patch to the mutable fields (ttl,
// description, tags) of an existing definition and refreshes updated_at.
// Dtype and entity type cannot be changed by construction of Patch.
func (r *Registry) UpdateMutableFields(name string, version int, patch Patch) (*types.FeatureDefinition, error) {
	if patch.TTL != nil && *patch.TTL <= 0 {
		return nil, errors.NewValidation("ttl", "must be positive")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := types.FeatureKey(name, version)
	def, ok := r.byKey[key]
	if !ok {
		return nil, errors.NewNotFound("feature", key)
	}

	if patch.TTL != nil {
		def.TTL = *patch.TTL
	}
	if patch.Description != nil {
		def.Description = *patch.Description
	}
	if patch.Tags != nil {
		def.Tags = make([]string, len(patch.Tags))
		copy(def.Tags, patch.Tags)
	}
	def.UpdatedAt = time.Now().UTC()

	return def.Clone(), nil
}

// snapshot returns clones of all definitions ordered by (name, version).
// Cloning happens under the read lock: stored definitions are mutated in
// place by UpdateMutableFields, so live pointers must never escape it.
// Callers must not hold r.mu.
func (r *Registry) snapshot() []*types.FeatureDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.FeatureDefinition, 0, len(r.byKey))
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, def := range r.byName[name] {
			out = append(out, def.Clone())
		}
	}
	return out
}

func matches(def *types.FeatureDefinition, filter Filter) bool {
	if filter.EntityType != "" && def.EntityType != filter.EntityType {
		return false
	}
	for _, tag := range filter.Tags {
		if !def.HasTag(tag) {
			return false
		}
	}
	return true
}

func validateDefinition(def *types.FeatureDefinition) error {
	v := errors.NewValidationErrors()

	if def == nil {
		return errors.NewMissingField("definition")
	}
	if def.Name == "" {
		v.AddMissing("name")
	} else if err := validation.ValidateFeatureName(def.Name); err != nil {
		v.AddField("name", err.Error())
	}
	if def.Version <= 0 {
		v.AddField("version", "must be positive")
	}
	if def.EntityType == "" {
		v.AddMissing("entity_type")
	} else if err := validation.ValidateEntityType(def.EntityType); err != nil {
		v.AddField("entity_type", err.Error())
	}
	switch def.Dtype {
	case types.ValueTypeInt64, types.ValueTypeFloat64, types.ValueTypeString,
		types.ValueTypeBool, types.ValueTypeBytes:
	default:
		v.Add(errors.Wrapf(errors.ErrUnknownDtype, "dtype %d", def.Dtype))
	}
	if def.TTL < 0 {
		v.AddField("ttl", "must not be negative")
	}

	return v.Err()
}
