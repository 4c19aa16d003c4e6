package offsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitter(t *testing.T) {
	e := NewEmitter()

	var specific, all []string
	off := e.On(EventSyncSummary, func(event string, _ any) { specific = append(specific, event) })
	e.On(EventAll, func(event string, _ any) { all = append(all, event) })
	e.On(EventSyncSummary, func(string, any) { panic("listener bug") })

	e.emit(EventSyncSummary, SweepSummary{})
	e.emit(EventSyncStatus, QueueStatus{})
	assert.Equal(t, []string{EventSyncSummary}, specific)
	assert.Equal(t, []string{EventSyncSummary, EventSyncStatus}, all)

	off()
	e.emit(EventSyncSummary, nil)
	assert.Len(t, specific, 1)

	e.RemoveAll()
	e.emit(EventSyncStatus, nil)
	assert.Len(t, all, 3)
}

func TestEmitter_NilIsSafe(t *testing.T) {
	var e *Emitter
	assert.NotPanics(t, func() { e.emit(EventSyncStatus, nil) })
}
