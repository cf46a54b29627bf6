package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/featstore/internal/errors"
	"github.com/xtxerr/featstore/internal/types"
)

func testDef(name string, version int) *types.FeatureDefinition {
	return &types.FeatureDefinition{
		Name:       name,
		Version:    version,
		Dtype:      types.ValueTypeFloat64,
		EntityType: "user",
	}
}

func TestRegistry_Register(t *testing.T) {
	r := New(time.Hour)

	def, err := r.Register(testDef("user_age", 1))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if def.ID != 1 {
		t.Errorf("expected id=1, got %d", def.ID)
	}
	if def.TTL != time.Hour {
		t.Errorf("expected default ttl applied, got %v", def.TTL)
	}
	if def.CreatedAt.IsZero() || def.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestRegistry_RegisterConflict(t *testing.T) {
	r := New(time.Hour)

	first, err := r.Register(testDef("user_age", 1))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	dup := testDef("user_age", 1)
	dup.Description = "sneaky overwrite"
	if _, err := r.Register(dup); !errors.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	// Existing definition must be unchanged.
	got, err := r.Get("user_age", 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Description != first.Description {
		t.Errorf("existing definition mutated on conflict: %q", got.Description)
	}
	if got.ID != first.ID {
		t.Errorf("expected id=%d, got %d", first.ID, got.ID)
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := New(time.Hour)

	tests := []struct {
		name string
		def  *types.FeatureDefinition
	}{
		{"empty name", &types.FeatureDefinition{Version: 1, EntityType: "user"}},
		{"bad name", &types.FeatureDefinition{Name: "a:b", Version: 1, EntityType: "user"}},
		{"zero version", &types.FeatureDefinition{Name: "f", EntityType: "user"}},
		{"missing entity type", &types.FeatureDefinition{Name: "f", Version: 1}},
		{"unknown dtype", &types.FeatureDefinition{Name: "f", Version: 1, EntityType: "user", Dtype: types.ValueType(99)}},
		{"negative ttl", &types.FeatureDefinition{Name: "f", Version: 1, EntityType: "user", TTL: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Register(tt.def); !errors.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestRegistry_GetLatestVersion(t *testing.T) {
	r := New(time.Hour)

	for _, v := range []int{2, 1, 3} {
		if _, err := r.Register(testDef("user_age", v)); err != nil {
			t.Fatalf("register v%d: %v", v, err)
		}
	}

	latest, err := r.Get("user_age", 0)
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if latest.Version != 3 {
		t.Errorf("expected latest version 3, got %d", latest.Version)
	}

	v1, err := r.Get("user_age", 1)
	if err != nil {
		t.Fatalf("get v1: %v", err)
	}
	if v1.Version != 1 {
		t.Errorf("expected version 1, got %d", v1.Version)
	}
}

func TestRegistry_GetNotFound(t *testing.T) {
	r := New(time.Hour)

	if _, err := r.Get("missing", 0); !errors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := r.GetByID(42); !errors.IsNotFound(err) {
		t.Errorf("expected not found by id, got %v", err)
	}
}

func TestRegistry_List(t *testing.T) {
	r := New(time.Hour)

	a := testDef("click_rate", 1)
	a.EntityType = "session"
	a.Tags = []string{"realtime"}

	b := testDef("user_age", 1)
	b.Tags = []string{"profile", "realtime"}

	c := testDef("user_age", 2)

	for _, def := range []*types.FeatureDefinition{a, b, c} {
		if _, err := r.Register(def); err != nil {
			t.Fatalf("register %s: %v", def.Name, err)
		}
	}

	collect := func(f Filter) []string {
		var keys []string
		for def := range r.List(f) {
			keys = append(keys, def.Key())
		}
		return keys
	}

	all := collect(Filter{})
	want := []string{"click_rate@1", "user_age@1", "user_age@2"}
	if len(all) != len(want) {
		t.Fatalf("expected %d results, got %v", len(want), all)
	}
	for i := range want {
		if all[i] != want[i] {
			t.Errorf("result[%d] = %s, want %s", i, all[i], want[i])
		}
	}

	byEntity := collect(Filter{EntityType: "session"})
	if len(byEntity) != 1 || byEntity[0] != "click_rate@1" {
		t.Errorf("entity filter: got %v", byEntity)
	}

	byTags := collect(Filter{Tags: []string{"realtime", "profile"}})
	if len(byTags) != 1 || byTags[0] != "user_age@1" {
		t.Errorf("tags filter: got %v", byTags)
	}

	// Restartable: ranging again yields the same sequence.
	again := collect(Filter{})
	if len(again) != len(all) {
		t.Errorf("second iteration returned %d results, want %d", len(again), len(all))
	}
}

func TestRegistry_UpdateMutableFields(t *testing.T) {
	r := New(time.Hour)

	def, err := r.Register(testDef("user_age", 1))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ttl := 30 * time.Minute
	desc := "age in years"
	updated, err := r.UpdateMutableFields("user_age", 1, Patch{
		TTL:         &ttl,
		Description: &desc,
		Tags:        []string{"profile"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if updated.TTL != ttl {
		t.Errorf("ttl not updated: %v", updated.TTL)
	}
	if updated.Description != desc {
		t.Errorf("description not updated: %q", updated.Description)
	}
	if !updated.HasTag("profile") {
		t.Error("tags not updated")
	}
	if updated.UpdatedAt.Before(def.UpdatedAt) {
		t.Error("updated_at went backwards")
	}

	// Dtype and entity type survive untouched.
	if updated.Dtype != def.Dtype || updated.EntityType != def.EntityType {
		t.Error("immutable fields changed")
	}
}

func TestRegistry_UpdateNotFound(t *testing.T) {
	r := New(time.Hour)
	desc := "x"
	if _, err := r.UpdateMutableFields("missing", 1, Patch{Description: &desc}); !errors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

// Exercises List against concurrent in-place mutation; run with -race.
func TestRegistry_ConcurrentListAndUpdate(t *testing.T) {
	r := New(time.Hour)

	for i := 0; i < 8; i++ {
		def := testDef(fmt.Sprintf("feature_%d", i), 1)
		def.Tags = []string{"a"}
		if _, err := r.Register(def); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			desc := fmt.Sprintf("rev %d", i)
			ttl := time.Duration(i+1) * time.Second
			name := fmt.Sprintf("feature_%d", i%8)
			if _, err := r.UpdateMutableFields(name, 1, Patch{
				TTL:         &ttl,
				Description: &desc,
				Tags:        []string{"a", "b"},
			}); err != nil {
				t.Errorf("update %s: %v", name, err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			n := 0
			for def := range r.List(Filter{Tags: []string{"a"}}) {
				if def.TTL <= 0 {
					t.Errorf("listed definition with torn ttl: %+v", def)
					return
				}
				n++
			}
			if n != 8 {
				t.Errorf("listed %d definitions, want 8", n)
				return
			}
		}
	}()
	wg.Wait()
}

func TestRegistry_CloneIsolation(t *testing.T) {
	r := New(time.Hour)

	def := testDef("user_age", 1)
	def.Tags = []string{"a"}
	if _, err := r.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, _ := r.Get("user_age", 1)
	got.Tags[0] = "mutated"
	got.Description = "mutated"

	fresh, _ := r.Get("user_age", 1)
	if fresh.Tags[0] != "a" || fresh.Description != "" {
		t.Error("registry state mutated through returned copy")
	}
}
