package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/banshee-data/terrain.covariates/internal/timeutil"
)

type recorder struct {
	calls chan []string
	errs  []error
	mu    sync.Mutex
}

func newRecorder(errs ...error) *recorder {
	return &recorder{calls: make(chan []string, 8), errs: errs}
}

func (r *recorder) trigger(ctx context.Context, changed []string) error {
	r.calls <- changed
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	err := r.errs[0]
	r.errs = r.errs[1:]
	return err
}

func (r *recorder) next(t *testing.T) []string {
	t.Helper()
	select {
	case c := <-r.calls:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("trigger was not called")
		return nil
	}
}

type harness struct {
	w      *Watcher
	clock  *timeutil.MockClock
	events chan fsnotify.Event
	rec    *recorder
	dem    string
	slope  string
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, rec *recorder) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		clock:  timeutil.NewMockClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		events: make(chan fsnotify.Event),
		rec:    rec,
		dem:    filepath.Join(dir, "dem.tif"),
		slope:  filepath.Join(dir, "slope.tif"),
		done:   make(chan error, 1),
	}
	w, err := New([]string{h.dem, h.slope}, rec.trigger, Options{Debounce: 2 * time.Second, Clock: h.clock})
	require.NoError(t, err)
	h.w = w

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- w.loop(ctx, h.events, make(chan error)) }()
	return h
}

// send delivers ev and waits until the loop has handled it. The events
// channel is unbuffered, so the second send only completes once the loop is
// back in select.
func (h *harness) send(ev fsnotify.Event) {
	h.events <- ev
	h.events <- fsnotify.Event{Name: "barrier", Op: fsnotify.Chmod}
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	require.NoError(t, <-h.done)
}

func TestDebounceCoalescesBurst(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := start(t, newRecorder())

	h.send(fsnotify.Event{Name: h.dem, Op: fsnotify.Write})
	h.clock.Advance(time.Second)
	h.send(fsnotify.Event{Name: h.dem, Op: fsnotify.Write})
	h.send(fsnotify.Event{Name: h.slope, Op: fsnotify.Create})

	// Quiet period restarts with every event.
	h.clock.Advance(1500 * time.Millisecond)
	assert.Len(t, h.rec.calls, 0)

	h.clock.Advance(500 * time.Millisecond)
	assert.Equal(t, []string{h.dem, h.slope}, h.rec.next(t))

	h.stop(t)
	assert.Len(t, h.rec.calls, 0)
}

func TestIgnoredEvents(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := start(t, newRecorder())

	h.send(fsnotify.Event{Name: h.dem, Op: fsnotify.Chmod})
	h.send(fsnotify.Event{Name: filepath.Join(filepath.Dir(h.dem), "dsm.tif"), Op: fsnotify.Write})
	h.send(fsnotify.Event{Name: h.dem + ".aux.xml", Op: fsnotify.Create})
	h.clock.Advance(time.Minute)

	h.stop(t)
	assert.Len(t, h.rec.calls, 0)
}

func TestTriggerErrorKeepsWatching(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := start(t, newRecorder(errors.New("engine unavailable")))

	h.send(fsnotify.Event{Name: h.slope, Op: fsnotify.Remove})
	h.clock.Advance(2 * time.Second)
	assert.Equal(t, []string{h.slope}, h.rec.next(t))

	h.send(fsnotify.Event{Name: h.slope, Op: fsnotify.Create})
	h.clock.Advance(2 * time.Second)
	assert.Equal(t, []string{h.slope}, h.rec.next(t))

	h.stop(t)
}

func TestRunWatchesFiles(t *testing.T) {
	defer goleak.VerifyNone(t)
	dir := t.TempDir()
	dem := filepath.Join(dir, "dem.tif")
	require.NoError(t, os.WriteFile(dem, []byte("v1"), 0o644))

	rec := newRecorder()
	w, err := New([]string{dem}, rec.trigger, Options{Debounce: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, []string{dir}, w.Dirs())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Rewrite until the watcher is registered and reports the change.
	var changed []string
	require.Eventually(t, func() bool {
		require.NoError(t, os.WriteFile(dem, []byte("v2"), 0o644))
		select {
		case changed = <-rec.calls:
			return true
		default:
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, []string{dem}, changed)

	cancel()
	require.NoError(t, <-done)
}

func TestRunMissingDirectory(t *testing.T) {
	defer goleak.VerifyNone(t)
	missing := filepath.Join(t.TempDir(), "absent", "dem.tif")
	w, err := New([]string{missing}, newRecorder().trigger, Options{})
	require.NoError(t, err)
	assert.ErrorContains(t, w.Run(context.Background()), "failed to watch")
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, newRecorder().trigger, Options{})
	assert.EqualError(t, err, "nothing to watch")
	_, err = New([]string{"dem.tif"}, nil, Options{})
	assert.EqualError(t, err, "watcher needs a trigger")
}
