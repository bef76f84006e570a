package persist

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type writeRecorder struct {
	mu     sync.Mutex
	writes []string
}

func (w *writeRecorder) write(key string, payload interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, payload.(string))
}

func (w *writeRecorder) all() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.writes...)
}

func TestDebouncer_LastPayloadWins(t *testing.T) {
	rec := &writeRecorder{}
	d := NewDebouncer(20*time.Millisecond, rec.write)
	defer d.Close()

	d.Schedule("session-1", "title v1")
	d.Schedule("session-1", "title v2")
	d.Schedule("session-1", "title v3")

	require.Eventually(t, func() bool {
		return len(rec.all()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"title v3"}, rec.all())
}

func TestDebouncer_ConstantReschedulingStillFires(t *testing.T) {
	rec := &writeRecorder{}
	d := NewDebouncer(20*time.Millisecond, rec.write,
		WithMaxWait(60*time.Millisecond))
	defer d.Close()

	// reschedule faster than the window so the quiet period never comes
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(rec.all()) == 0 {
		d.Schedule("session-1", "steady updates")
		time.Sleep(10 * time.Millisecond)
	}

	require.NotEmpty(t, rec.all())
	assert.Equal(t, "steady updates", rec.all()[0])
}

func TestDebouncer_FlushWritesImmediately(t *testing.T) {
	rec := &writeRecorder{}
	d := NewDebouncer(time.Hour, rec.write)
	defer d.Close()

	d.Schedule("session-1", "pending title")
	d.Flush("session-1")

	assert.Equal(t, []string{"pending title"}, rec.all())

	// nothing pending anymore
	d.Flush("session-1")
	assert.Len(t, rec.all(), 1)
}

func TestDebouncer_FlushWithNothingPendingIsNoop(t *testing.T) {
	rec := &writeRecorder{}
	d := NewDebouncer(time.Hour, rec.write)
	defer d.Close()

	d.Flush("never-scheduled")
	assert.Empty(t, rec.all())
}

func TestDebouncer_CloseDrainsPending(t *testing.T) {
	rec := &writeRecorder{}
	d := NewDebouncer(time.Hour, rec.write)

	d.Schedule("a", "payload a")
	d.Schedule("b", "payload b")
	d.Close()

	assert.ElementsMatch(t, []string{"payload a", "payload b"}, rec.all())

	// scheduling after close is dropped
	d.Schedule("c", "payload c")
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, rec.all(), 2)
}

func TestDebouncer_IndependentKeys(t *testing.T) {
	rec := &writeRecorder{}
	d := NewDebouncer(20*time.Millisecond, rec.write)
	defer d.Close()

	d.Schedule("a", "for a")
	d.Schedule("b", "for b")

	require.Eventually(t, func() bool {
		return len(rec.all()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"for a", "for b"}, rec.all())
}
