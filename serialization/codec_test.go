package serialization

import (
	"errors"
	"testing"

	"github.com/glimte/productbridge/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRoundTrip(t *testing.T) {
	events := []contracts.ProductEvent{
		contracts.NewProductEvent(contracts.Product{ID: "P1", Name: "Widget", Type: "T", Version: "v1"}, contracts.ActionCreated),
		contracts.NewProductEvent(contracts.Product{ID: "567", Name: "A Product", Type: "Household Products", Version: "v8"}, contracts.ActionUpdated),
		contracts.NewProductEvent(contracts.Product{ID: "P1"}, contracts.ActionDeleted),
		contracts.NewProductEvent(contracts.Product{ID: "x", Name: "ünïcode ✓", Type: "\"quoted\""}, contracts.Action("ARCHIVED")),
	}

	for _, e := range events {
		t.Run(string(e.Event)+"/"+e.ID, func(t *testing.T) {
			data, err := EncodeEvent(e)
			require.NoError(t, err)

			got, err := DecodeEvent(data)
			require.NoError(t, err)
			assert.Equal(t, e, got)
		})
	}
}

func TestEncodeEventWireShape(t *testing.T) {
	data, err := EncodeEvent(contracts.NewProductEvent(
		contracts.Product{ID: "P1", Name: "Widget", Type: "T", Version: "v1"},
		contracts.ActionCreated,
	))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"P1","name":"Widget","type":"T","version":"v1","event":"CREATED"}`, string(data))
}

func TestDecodeEvent(t *testing.T) {
	t.Run("accepts a DELETED event carrying only the id", func(t *testing.T) {
		got, err := DecodeEvent([]byte(`{"id":"P1","event":"DELETED"}`))
		require.NoError(t, err)
		assert.Equal(t, "P1", got.ID)
		assert.Equal(t, contracts.ActionDeleted, got.Event)
		assert.Empty(t, got.Version)
	})

	t.Run("keeps unknown actions for the store to reject", func(t *testing.T) {
		got, err := DecodeEvent([]byte(`{"id":"P1","event":"PURGED"}`))
		require.NoError(t, err)
		assert.False(t, got.Event.IsKnown())
	})

	failures := map[string]string{
		"invalid json":  `{"id":`,
		"not an object": `["P1"]`,
		"missing id":    `{"name":"Widget","event":"CREATED"}`,
		"empty id":      `{"id":"","name":"Widget","event":"CREATED"}`,
		"missing event": `{"id":"P1","name":"Widget"}`,
		"wrong type":    `{"id":7,"event":"CREATED"}`,
	}
	for name, payload := range failures {
		t.Run("rejects "+name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, contracts.ErrDecode))

			var derr *contracts.DecodeError
			require.ErrorAs(t, err, &derr)
			assert.Equal(t, "ProductEvent", derr.Target)
			assert.Equal(t, len(payload), derr.Size)
		})
	}
}

func TestProductReply(t *testing.T) {
	p := contracts.Product{ID: "P1", Name: "Widget", Type: "T", Version: "v2"}

	data, err := EncodeProduct(p)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "event")

	got, err := DecodeProduct(data)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	t.Run("an event envelope also decodes as a reply", func(t *testing.T) {
		got, err := DecodeProduct([]byte(`{"id":"P1","name":"Widget","type":"T","version":"v2","event":"UPDATED"}`))
		require.NoError(t, err)
		assert.Equal(t, p, got)
	})

	t.Run("reply without id is a decode error", func(t *testing.T) {
		_, err := DecodeProduct([]byte(`{"name":"Widget"}`))
		assert.ErrorIs(t, err, contracts.ErrDecode)

		_, err = DecodeProduct([]byte(`{"id":"","name":"Widget"}`))
		assert.ErrorIs(t, err, contracts.ErrDecode)
	})
}
