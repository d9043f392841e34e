package graceful

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

type fakeService struct {
	calls int
	err   error
}

func (s *fakeService) Shutdown(ctx context.Context) error {
	s.calls++
	return s.err
}

func TestShutdownStopsEveryService(t *testing.T) {
	h := NewHandler(zaptest.NewLogger(t), time.Second)
	first := &fakeService{}
	second := &fakeService{err: errors.New("listener already closed")}
	third := &fakeService{}
	h.Register(first)
	h.Register(second)
	h.Register(third)

	h.Shutdown()

	// One failing service never blocks the others.
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
	assert.Equal(t, 1, third.calls)
}

func TestWithSignalsDerivesCancellableContext(t *testing.T) {
	h := NewHandler(zaptest.NewLogger(t), time.Second)
	ctx, cancel := h.WithSignals(context.Background())
	assert.NoError(t, ctx.Err())
	cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}
