package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

var errDaemon = errors.New("daemon unreachable")

func TestOpensAfterFailures(t *testing.T) {
	cb := New("test", Settings{MinRequests: 3, FailureRatio: 0.5, Interval: time.Minute, OpenTimeout: time.Hour}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, func(context.Context) error { return errDaemon })
		assert.ErrorIs(t, err, errDaemon)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestUncountedErrorsDoNotTrip(t *testing.T) {
	errBadImage := errors.New("no such image")
	cb := New("test", Settings{MinRequests: 2, FailureRatio: 0.5, Interval: time.Minute, OpenTimeout: time.Hour},
		func(err error) bool { return errors.Is(err, errDaemon) })

	for i := 0; i < 5; i++ {
		err := cb.Execute(context.Background(), func(context.Context) error { return errBadImage })
		assert.ErrorIs(t, err, errBadImage)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}
