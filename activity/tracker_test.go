package activity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackerForwardsOnlyWhileEnabled(t *testing.T) {
	var got []SignalType
	tracker := New(func(_ context.Context, s SignalType) { got = append(got, s) })
	ctx := context.Background()

	// Disabled by default: listeners may fire, nothing is forwarded.
	tracker.Signal(ctx, SignalPointer)
	assert.Empty(t, got)
	assert.False(t, tracker.Enabled())

	tracker.Enable()
	tracker.Signal(ctx, SignalKey)
	tracker.Signal(ctx, SignalScroll)
	assert.Equal(t, []SignalType{SignalKey, SignalScroll}, got)

	tracker.Disable()
	tracker.Signal(ctx, SignalTouch)
	assert.Len(t, got, 2)
}

func TestSignalTypesCoverAllSources(t *testing.T) {
	assert.ElementsMatch(t,
		[]SignalType{SignalPointer, SignalKey, SignalTouch, SignalScroll},
		SignalTypes())
}
