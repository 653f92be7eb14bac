package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/glimte/productbridge/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(id, name, typ, version string, action contracts.Action) contracts.ProductEvent {
	return contracts.NewProductEvent(contracts.Product{ID: id, Name: name, Type: typ, Version: version}, action)
}

func TestApplyCreatedThenGet(t *testing.T) {
	s := New()

	change, err := s.Apply(event("P1", "Widget", "T", "v1", contracts.ActionCreated))
	require.NoError(t, err)
	require.NotNil(t, change)

	got, err := s.Get("P1")
	require.NoError(t, err)
	assert.Equal(t, contracts.Product{ID: "P1", Name: "Widget", Type: "T", Version: "v1"}, got)
}

func TestApplyDeletedThenGet(t *testing.T) {
	s := New()
	_, err := s.Apply(event("P1", "Widget", "T", "v1", contracts.ActionCreated))
	require.NoError(t, err)

	change, err := s.Apply(event("P1", "", "", "", contracts.ActionDeleted))
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, "Widget", change.Product.Name)

	_, err = s.Get("P1")
	assert.True(t, errors.Is(err, contracts.ErrNotFound))
	assert.Equal(t, 0, s.Len())
}

func TestApplyIsIdempotent(t *testing.T) {
	events := []contracts.ProductEvent{
		event("P1", "Widget", "T", "v1", contracts.ActionCreated),
		event("P1", "Widget v2", "T", "v2", contracts.ActionUpdated),
		event("P2", "Gadget", "U", "v3", contracts.ActionUpdated),
	}

	for _, e := range events {
		t.Run(string(e.Event)+"/"+e.Version, func(t *testing.T) {
			once := New(WithSeed(contracts.Product{ID: "P0", Name: "Seed", Type: "S", Version: "v1"}))
			twice := New(WithSeed(contracts.Product{ID: "P0", Name: "Seed", Type: "S", Version: "v1"}))

			_, err := once.Apply(e)
			require.NoError(t, err)

			first, err := twice.Apply(e)
			require.NoError(t, err)
			second, err := twice.Apply(e)
			require.NoError(t, err)

			assert.NotNil(t, first)
			assert.Nil(t, second, "re-applying must not report a change")
			assert.ElementsMatch(t, once.List(), twice.List())
		})
	}
}

func TestApplyDeletedForAbsentIDIsNoop(t *testing.T) {
	s := New(WithSeed(contracts.Product{ID: "P1", Name: "Widget", Type: "T", Version: "v1"}))
	before := s.List()

	change, err := s.Apply(event("missing", "", "", "", contracts.ActionDeleted))
	require.NoError(t, err)
	assert.Nil(t, change)
	assert.ElementsMatch(t, before, s.List())
}

func TestApplyUnrecognizedAction(t *testing.T) {
	s := New(WithSeed(contracts.Product{ID: "P1", Name: "Widget", Type: "T", Version: "v1"}))

	change, err := s.Apply(event("P1", "Overwritten", "X", "v9", contracts.Action("ARCHIVED")))
	require.Error(t, err)
	assert.Nil(t, change)
	assert.True(t, errors.Is(err, contracts.ErrUnrecognizedAction))
	assert.True(t, contracts.IsAbsorbed(err))

	got, err := s.Get("P1")
	require.NoError(t, err)
	assert.Equal(t, "Widget", got.Name)
}

func TestListReturnsCopies(t *testing.T) {
	s := New()
	_, err := s.Apply(event("P1", "Widget", "T", "v1", contracts.ActionCreated))
	require.NoError(t, err)

	list := s.List()
	require.Len(t, list, 1)
	list[0].Name = "mutated"

	got, err := s.Get("P1")
	require.NoError(t, err)
	assert.Equal(t, "Widget", got.Name)
}

func TestWatch(t *testing.T) {
	s := New()
	changes, stop := s.Watch(10)

	_, err := s.Apply(event("P1", "Widget", "T", "v1", contracts.ActionCreated))
	require.NoError(t, err)
	_, err = s.Apply(event("P1", "Widget", "T", "v1", contracts.ActionCreated))
	require.NoError(t, err)
	_, err = s.Apply(event("P1", "", "", "", contracts.ActionDeleted))
	require.NoError(t, err)

	stop()
	stop()

	var got []Change
	for c := range changes {
		got = append(got, c)
	}
	require.Len(t, got, 2)
	assert.Equal(t, contracts.ActionCreated, got[0].Action)
	assert.Equal(t, contracts.ActionDeleted, got[1].Action)
}

func TestWatchDropsForSlowWatcher(t *testing.T) {
	s := New()
	changes, stop := s.Watch(1)
	defer stop()

	for i := 0; i < 3; i++ {
		_, err := s.Apply(event(fmt.Sprintf("P%d", i), "n", "t", "v1", contracts.ActionCreated))
		require.NoError(t, err)
	}

	assert.Len(t, changes, 1)
	assert.Equal(t, 3, s.Len())
}

func TestWatchNegativeBuffer(t *testing.T) {
	s := New()
	var (
		changes <-chan Change
		stop    func()
	)
	require.NotPanics(t, func() { changes, stop = s.Watch(-1) })
	defer stop()

	assert.Equal(t, 0, cap(changes))

	// nobody is receiving on the unbuffered channel, so the change is dropped
	_, err := s.Apply(event("P1", "Widget", "T", "v1", contracts.ActionCreated))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
}

func TestConcurrentAccess(t *testing.T) {
	s := New()
	var wg sync.WaitGroup

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("P%d-%d", w, i)
				_, err := s.Apply(event(id, "n", "t", "v1", contracts.ActionCreated))
				assert.NoError(t, err)
				if i%2 == 0 {
					_, err = s.Apply(event(id, "", "", "", contracts.ActionDeleted))
					assert.NoError(t, err)
				}
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				for _, p := range s.List() {
					assert.NotEmpty(t, p.ID)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 200, s.Len())
}
