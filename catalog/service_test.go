package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/glimte/productbridge/contracts"
	"github.com/glimte/productbridge/serialization"
	"github.com/glimte/productbridge/store"
	"github.com/glimte/productbridge/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type mockSubmitter struct {
	mock.Mock
}

func (m *mockSubmitter) CreateEvent(p contracts.Product, action contracts.Action) (contracts.ProductEvent, error) {
	args := m.Called(p, action)
	return args.Get(0).(contracts.ProductEvent), args.Error(1)
}

func (m *mockSubmitter) Submit(ctx context.Context, event contracts.ProductEvent) (contracts.Product, error) {
	args := m.Called(ctx, event)
	return args.Get(0).(contracts.Product), args.Error(1)
}

func TestQueries(t *testing.T) {
	st := store.New(store.WithLogger(quietLogger), store.WithSeed(
		contracts.Product{ID: "P1", Name: "Widget", Type: "T", Version: "v1"},
		contracts.Product{ID: "P2", Name: "Gadget", Type: "T", Version: "v4"},
	))
	svc := NewService(WithReader(st), WithLogger(quietLogger))

	t.Run("list", func(t *testing.T) {
		products, err := svc.List()
		require.NoError(t, err)
		assert.Len(t, products, 2)
	})

	t.Run("get", func(t *testing.T) {
		p, err := svc.GetByID("P2")
		require.NoError(t, err)
		assert.Equal(t, "Gadget", p.Name)
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := svc.GetByID("nope")
		assert.True(t, errors.Is(err, contracts.ErrNotFound))
	})
}

func TestUnconfiguredOperations(t *testing.T) {
	svc := NewService(WithLogger(quietLogger))
	ctx := context.Background()

	assert.False(t, svc.CanQuery())
	assert.False(t, svc.CanCommand())
	assert.False(t, svc.CanPublish())

	_, err := svc.List()
	assert.True(t, errors.Is(err, ErrNotConfigured))
	_, err = svc.GetByID("P1")
	assert.True(t, errors.Is(err, ErrNotConfigured))
	_, err = svc.Create(ctx, contracts.Product{})
	assert.True(t, errors.Is(err, ErrNotConfigured))
	_, err = svc.Publish(ctx, contracts.Product{}, contracts.ActionCreated)
	assert.True(t, errors.Is(err, ErrNotConfigured))
}

func TestCommands(t *testing.T) {
	ctx := context.Background()

	t.Run("create", func(t *testing.T) {
		sub := new(mockSubmitter)
		in := contracts.Product{Name: "Widget", Type: "T"}
		event := contracts.NewProductEvent(contracts.Product{ID: "P1", Name: "Widget", Type: "T", Version: "v1"}, contracts.ActionCreated)

		sub.On("CreateEvent", in, contracts.ActionCreated).Return(event, nil)
		sub.On("Submit", ctx, event).Return(event.Snapshot(), nil)

		svc := NewService(WithSubmitter(sub), WithLogger(quietLogger))
		got, err := svc.Create(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, event.Snapshot(), got)
		sub.AssertExpectations(t)
	})

	t.Run("update forces path id", func(t *testing.T) {
		sub := new(mockSubmitter)
		event := contracts.NewProductEvent(contracts.Product{ID: "P1", Name: "Renamed", Version: "v2"}, contracts.ActionUpdated)

		sub.On("CreateEvent", contracts.Product{ID: "P1", Name: "Renamed", Version: "v1"}, contracts.ActionUpdated).Return(event, nil)
		sub.On("Submit", ctx, event).Return(event.Snapshot(), nil)

		svc := NewService(WithSubmitter(sub), WithLogger(quietLogger))
		got, err := svc.Update(ctx, "P1", contracts.Product{ID: "other", Name: "Renamed", Version: "v1"})
		require.NoError(t, err)
		assert.Equal(t, "v2", got.Version)
		sub.AssertExpectations(t)
	})

	t.Run("delete", func(t *testing.T) {
		sub := new(mockSubmitter)
		event := contracts.NewProductEvent(contracts.Product{ID: "P1", Version: "v1"}, contracts.ActionDeleted)

		sub.On("CreateEvent", contracts.Product{ID: "P1"}, contracts.ActionDeleted).Return(event, nil)
		sub.On("Submit", ctx, event).Return(event.Snapshot(), nil)

		svc := NewService(WithSubmitter(sub), WithLogger(quietLogger))
		_, err := svc.Delete(ctx, "P1", contracts.Product{})
		require.NoError(t, err)
		sub.AssertExpectations(t)
	})

	t.Run("malformed version is not submitted", func(t *testing.T) {
		sub := new(mockSubmitter)
		verr := &contracts.VersionError{Version: "bogus"}
		sub.On("CreateEvent", mock.Anything, contracts.ActionUpdated).Return(contracts.ProductEvent{}, verr)

		svc := NewService(WithSubmitter(sub), WithLogger(quietLogger))
		_, err := svc.Update(ctx, "P1", contracts.Product{Version: "bogus"})
		assert.True(t, errors.Is(err, contracts.ErrMalformedVersion))
		sub.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
	})

	t.Run("timeout propagates", func(t *testing.T) {
		sub := new(mockSubmitter)
		event := contracts.NewProductEvent(contracts.Product{ID: "P1", Version: "v1"}, contracts.ActionCreated)
		sub.On("CreateEvent", mock.Anything, contracts.ActionCreated).Return(event, nil)
		sub.On("Submit", ctx, event).Return(contracts.Product{}, contracts.ErrTimeout)

		svc := NewService(WithSubmitter(sub), WithLogger(quietLogger))
		_, err := svc.Create(ctx, contracts.Product{})
		assert.True(t, errors.Is(err, contracts.ErrTimeout))
	})
}

func TestPublish(t *testing.T) {
	ctx := context.Background()
	tr := memory.New()
	sub, err := tr.Subscribe(ctx, DefaultEventsTopic, "view")
	require.NoError(t, err)

	svc := NewService(WithEventPublisher(tr.Publisher(), ""), WithLogger(quietLogger))
	event, err := svc.Publish(ctx, contracts.Product{Name: "Widget", Type: "T"}, contracts.ActionCreated)
	require.NoError(t, err)
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, "v1", event.Version)

	d, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, event.ID, d.Message().Key)
	assert.Equal(t, serialization.ContentType, d.Message().Header("content-type"))

	decoded, err := serialization.DecodeEvent(d.Message().Value)
	require.NoError(t, err)
	assert.Equal(t, event, decoded)
}

func TestPublishFailure(t *testing.T) {
	tr := memory.New()
	tr.FailPublishes(errors.New("broker down"))

	svc := NewService(WithEventPublisher(tr.Publisher(), "custom"), WithLogger(quietLogger))
	_, err := svc.Publish(context.Background(), contracts.Product{ID: "P1"}, contracts.ActionUpdated)
	require.Error(t, err)

	var perr *contracts.PublishError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "custom", perr.Topic)
	assert.Equal(t, "P1", perr.Key)
}
