package memory_test

import (
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/epavanello/fixodev-sub000/pkg/memory"
	"github.com/epavanello/fixodev-sub000/pkg/model"
	"github.com/m-mizutani/gt"
)

func ids(entries []*model.MemoryEntry) map[model.MemoryID]bool {
	out := make(map[model.MemoryID]bool, len(entries))
	for _, e := range entries {
		out[e.ID] = true
	}
	return out
}

func TestAddAndGet(t *testing.T) {
	store := memory.New()

	added := store.Add(model.MemoryEntry{
		Type:    "code_insight.bug",
		Content: "parser panics on empty input",
		Metadata: map[string]any{
			"file":    "parser.go",
			"line":    42,
			"fixed":   false,
			"nested":  map[string]any{"drop": true},
			"callers": []string{"a", "b"},
		},
	})

	gt.NotEqual(t, added.ID, model.MemoryID(""))
	gt.Equal(t, added.Importance, model.DefaultImportance)
	gt.False(t, added.CreatedAt.IsZero())

	got, ok := store.Get(added.ID)
	gt.True(t, ok)
	gt.Equal(t, got.Content, any("parser panics on empty input"))
	gt.Map(t, got.Metadata).HasKey("file")
	gt.Map(t, got.Metadata).HasKey("line")
	gt.Map(t, got.Metadata).HasKey("fixed")
	_, hasNested := got.Metadata["nested"]
	gt.False(t, hasNested)
	_, hasCallers := got.Metadata["callers"]
	gt.False(t, hasCallers)
	gt.Equal(t, store.Count(), 1)
}

func TestImportanceIsClamped(t *testing.T) {
	store := memory.New()
	high := store.Add(model.MemoryEntry{Type: "a", Importance: 3})
	low := store.Add(model.MemoryEntry{Type: "a", Importance: -1})

	gt.Equal(t, high.Importance, 1.0)
	gt.Equal(t, low.Importance, 0.0)

	unset := store.Add(model.MemoryEntry{Type: "a", Importance: math.NaN()})
	gt.Equal(t, unset.Importance, model.DefaultImportance)
}

func TestUpdateImportanceZeroAndNaN(t *testing.T) {
	store := memory.New()
	e := store.Add(model.MemoryEntry{Type: "a", Importance: 0.7})
	other := store.Add(model.MemoryEntry{Type: "a", Importance: 0.3})

	zero := 0.0
	updated, err := store.Update(e.ID, model.MemoryPatch{Importance: &zero})
	gt.NoError(t, err)
	gt.Equal(t, updated.Importance, 0.0)

	nan := math.NaN()
	updated, err = store.Update(other.ID, model.MemoryPatch{Importance: &nan})
	gt.NoError(t, err)
	gt.Equal(t, updated.Importance, model.DefaultImportance)

	all := store.AllByImportance()
	gt.A(t, all).Length(2)
	gt.Equal(t, all[0].ID, other.ID)
	gt.Equal(t, all[1].ID, e.ID)
}

func TestFindByMetadataNumbers(t *testing.T) {
	store := memory.New()
	e := store.Add(model.MemoryEntry{Type: "x", Metadata: map[string]any{"line": 7}})

	gt.A(t, store.FindByMetadata("line", 7)).Length(1)
	gt.A(t, store.FindByMetadata("line", 7.0)).Length(1)
	gt.A(t, store.FindByMetadata("line", "7")).Length(0)
	gt.Equal(t, store.FindByMetadata("line", int64(7))[0].ID, e.ID)
}

func TestUpdate(t *testing.T) {
	store := memory.New()
	e := store.Add(model.MemoryEntry{
		Type:     "code_insight.bug",
		Metadata: map[string]any{"file": "a.go", "severity": "high"},
	})

	newType := "code_insight.fixed"
	imp := 0.9
	updated, err := store.Update(e.ID, model.MemoryPatch{
		Type:       &newType,
		Metadata:   map[string]any{"file": "a.go", "severity": "low"},
		Importance: &imp,
	})
	gt.NoError(t, err)
	gt.Equal(t, updated.Type, "code_insight.fixed")
	gt.Equal(t, updated.Importance, 0.9)
	gt.Equal(t, updated.CreatedAt, e.CreatedAt)

	gt.A(t, store.FindByType("code_insight.bug")).Length(0)
	gt.A(t, store.FindByType("code_insight.fixed")).Length(1)
	gt.A(t, store.FindByMetadata("severity", "high")).Length(0)
	gt.A(t, store.FindByMetadata("severity", "low")).Length(1)
	gt.A(t, store.FindByMetadata("file", "a.go")).Length(1)

	_, err = store.Update("missing", model.MemoryPatch{})
	gt.Error(t, err)
}

func TestAllByImportance(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	store := memory.New(memory.WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))

	a := store.Add(model.MemoryEntry{Type: "t", Importance: 0.2})
	b := store.Add(model.MemoryEntry{Type: "t", Importance: 0.8})
	c := store.Add(model.MemoryEntry{Type: "t", Importance: 0.8})
	d := store.Add(model.MemoryEntry{Type: "t"})

	all := store.AllByImportance()
	gt.A(t, all).Length(4)
	gt.Equal(t, all[0].ID, b.ID)
	gt.Equal(t, all[1].ID, c.ID)
	gt.Equal(t, all[2].ID, d.ID)
	gt.Equal(t, all[3].ID, a.ID)
}

func TestRemoveAndClear(t *testing.T) {
	store := memory.New()
	e := store.Add(model.MemoryEntry{Type: "t", Metadata: map[string]any{"k": "v"}})
	store.Add(model.MemoryEntry{Type: "t"})

	gt.True(t, store.Remove(e.ID))
	gt.False(t, store.Remove(e.ID))
	gt.A(t, store.FindByMetadata("k", "v")).Length(0)
	gt.A(t, store.FindByType("t")).Length(1)

	store.Clear()
	gt.Equal(t, store.Count(), 0)
	gt.A(t, store.FindByType("t")).Length(0)
}

// TestIndexConsistency runs random add/remove/update sequences and compares
// index lookups against a linear scan of the live entries.
func TestIndexConsistency(t *testing.T) {
	types := []string{"a", "a.b", "c"}
	values := []any{"x", "y", 1, true}

	for seed := int64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			store := memory.New()
			live := map[model.MemoryID]*model.MemoryEntry{}

			randomMeta := func() map[string]any {
				meta := map[string]any{}
				for _, k := range []string{"k1", "k2"} {
					if rng.Intn(2) == 0 {
						meta[k] = values[rng.Intn(len(values))]
					}
				}
				return meta
			}

			for step := 0; step < 200; step++ {
				var keys []model.MemoryID
				for id := range live {
					keys = append(keys, id)
				}

				switch op := rng.Intn(3); {
				case op == 0 || len(keys) == 0:
					e := store.Add(model.MemoryEntry{Type: types[rng.Intn(len(types))], Metadata: randomMeta()})
					live[e.ID] = e
				case op == 1:
					id := keys[rng.Intn(len(keys))]
					gt.True(t, store.Remove(id))
					delete(live, id)
				default:
					id := keys[rng.Intn(len(keys))]
					typ := types[rng.Intn(len(types))]
					e, err := store.Update(id, model.MemoryPatch{Type: &typ, Metadata: randomMeta()})
					gt.NoError(t, err)
					live[id] = e
				}
			}

			gt.Equal(t, store.Count(), len(live))
			for _, typ := range types {
				want := map[model.MemoryID]bool{}
				for id, e := range live {
					if e.Type == typ {
						want[id] = true
					}
				}
				gt.Equal(t, ids(store.FindByType(typ)), want)
			}
			for _, k := range []string{"k1", "k2"} {
				for _, v := range values {
					want := map[model.MemoryID]bool{}
					for id, e := range live {
						if mv, ok := e.Metadata[k]; ok && fmt.Sprint(mv) == fmt.Sprint(v) {
							want[id] = true
						}
					}
					gt.Equal(t, ids(store.FindByMetadata(k, v)), want)
				}
			}
		})
	}
}
