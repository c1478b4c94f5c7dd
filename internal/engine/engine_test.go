package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"uplinkd/internal/events"
	"uplinkd/internal/model"
	"uplinkd/internal/retry"
	"uplinkd/internal/store"
	"uplinkd/internal/transport"
)

var epoch = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) RecordEvent(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) statuses() []model.SyncStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.SyncStatus, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Status)
	}
	return out
}

// fakeTransport scripts protocol steps and records each call as
// "session:<id>" or "chunk:<id>@<offset>".
type fakeTransport struct {
	mu      sync.Mutex
	calls   []string
	session func(*model.TransferRecord) error
	chunk   func(*model.TransferRecord) error
}

func (f *fakeTransport) RequestSession(_ context.Context, rec *model.TransferRecord) error {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf("session:%d", rec.ID))
	fn := f.session
	f.mu.Unlock()
	if fn == nil {
		return grant(rec)
	}
	return fn(rec)
}

func (f *fakeTransport) UploadChunk(_ context.Context, rec *model.TransferRecord) error {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf("chunk:%d@%d", rec.ID, rec.UploadedBytes))
	fn := f.chunk
	f.mu.Unlock()
	if fn == nil {
		return complete(rec)
	}
	return fn(rec)
}

func (f *fakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func grant(rec *model.TransferRecord) error {
	rec.SessionID = fmt.Sprintf("s-%d", rec.ID)
	rec.Status = model.StatusIdle
	return nil
}

func complete(rec *model.TransferRecord) error {
	rec.UploadedBytes = rec.TotalBytes
	rec.Status = model.StatusUploaded
	return nil
}

func refuse(rec *model.TransferRecord) error {
	rec.ErrorCount++
	rec.Status = model.StatusError
	return nil
}

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	require.NoError(t, st.Init(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func insert(t *testing.T, st store.Store, rec model.TransferRecord) model.TransferRecord {
	t.Helper()
	require.NoError(t, st.Insert(context.Background(), &rec))
	return rec
}

func idleRecord(name string, total int64, at time.Time) model.TransferRecord {
	return model.NewTransferRecord("/data/"+name, name, total, nil, at)
}

func newEngine(st store.Store, tr Transport, clk *clock, opts Options) *Engine {
	opts.Now = clk.Now
	return New(context.Background(), st, tr, zap.NewNop(), opts)
}

func runCycle(t *testing.T, e *Engine) {
	t.Helper()
	require.True(t, e.Trigger())
	e.Wait()
	assert.False(t, e.Busy())
	_, active := e.Active()
	assert.False(t, active)
	assert.Zero(t, e.Progress())
}

func TestEngine_ChunkedUploadOverHTTP(t *testing.T) {
	const total, chunk = 200000, 89000

	data := make([]byte, total)
	for i := range data {
		data[i] = byte(i % 253)
	}
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	var puts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"success":true,"statusCode":200,"data":[{"id":"abc"}]}`))
		case http.MethodPut:
			assert.Equal(t, "/chunks/abc", r.URL.Path)
			if puts.Add(1) == 1 {
				assert.Equal(t, int64(chunk), r.ContentLength)
				w.Header().Set("Range", "bytes=0-88999")
				w.WriteHeader(http.StatusPermanentRedirect)
				return
			}
			assert.Equal(t, int64(chunk), r.ContentLength)
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	tr := transport.New(transport.Config{
		BaseURL:     server.URL,
		PostPath:    "/files/",
		PutPath:     "/chunks/",
		ChunkSize:   chunk,
		ContentType: func(string) string { return "video/mp4" },
	}, zap.NewNop())

	st := newStore(t)
	clk := &clock{now: epoch}
	rec := insert(t, st, model.NewTransferRecord(path, "clip.mp4", total, nil, epoch))

	sink := &recorder{}
	e := newEngine(st, tr, clk, Options{Sink: sink})
	runCycle(t, e)

	_, err := st.Get(context.Background(), rec.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, int32(2), puts.Load())

	assert.Equal(t, []model.SyncStatus{
		model.StatusRequestingUpload, model.StatusIdle,
		model.StatusUploading, model.StatusIdle,
		model.StatusUploading, model.StatusUploaded,
	}, sink.statuses())
	assert.Equal(t, int64(chunk), sink.events[3].UploadedBytes)
	assert.Equal(t, int64(total), sink.events[5].UploadedBytes)
}

func TestEngine_SessionCorruptionRestartsCleanly(t *testing.T) {
	st := newStore(t)
	clk := &clock{now: epoch}
	rec := idleRecord("a.mp4", 1000, epoch)
	rec.SessionID = "stale"
	rec.UploadedBytes = 400
	rec = insert(t, st, rec)

	first := true
	tr := &fakeTransport{chunk: func(r *model.TransferRecord) error {
		if first {
			first = false
			r.ResetSession()
			r.Status = model.StatusIdle
			return nil
		}
		return complete(r)
	}}
	sink := &recorder{}
	runCycle(t, newEngine(st, tr, clk, Options{Sink: sink}))

	id := rec.ID
	assert.Equal(t, []string{
		fmt.Sprintf("chunk:%d@400", id),
		fmt.Sprintf("session:%d", id),
		fmt.Sprintf("chunk:%d@0", id),
	}, tr.Calls())

	reset := sink.events[1]
	assert.Equal(t, model.StatusIdle, reset.Status)
	assert.Zero(t, reset.UploadedBytes)
	assert.Zero(t, reset.ErrorCount)
}

func TestEngine_DropsAfterThreshold(t *testing.T) {
	st := newStore(t)
	clk := &clock{now: epoch}
	rec := insert(t, st, idleRecord("a.mp4", 10, epoch))

	tr := &fakeTransport{session: refuse}
	e := newEngine(st, tr, clk, Options{Policy: retry.Policy{Threshold: 3, Delay: time.Minute}})

	for attempt := 1; attempt <= 2; attempt++ {
		runCycle(t, e)
		got, err := st.Get(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, got.ErrorCount)
		assert.Equal(t, model.StatusIdle, got.Status)
		assert.Equal(t, clk.Now().Add(time.Minute).UnixMilli(), got.ScheduledAt)

		// not due yet
		runCycle(t, e)
		assert.Len(t, tr.Calls(), attempt)

		clk.Advance(time.Minute)
	}

	runCycle(t, e)
	_, err := st.Get(context.Background(), rec.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Len(t, tr.Calls(), 3)
}

func TestEngine_SucceedsBelowThreshold(t *testing.T) {
	st := newStore(t)
	clk := &clock{now: epoch}
	rec := insert(t, st, idleRecord("a.mp4", 10, epoch))

	failures := 0
	tr := &fakeTransport{chunk: func(r *model.TransferRecord) error {
		if failures < 2 {
			failures++
			return refuse(r)
		}
		return complete(r)
	}}
	e := newEngine(st, tr, clk, Options{Policy: retry.Policy{Threshold: 3, Delay: time.Second}})

	for i := 0; i < 3; i++ {
		runCycle(t, e)
		clk.Advance(time.Second)
	}

	_, err := st.Get(context.Background(), rec.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 2, failures)
}

func TestEngine_ResumesFromCommittedOffset(t *testing.T) {
	st := newStore(t)
	clk := &clock{now: epoch}
	rec := idleRecord("a.mp4", 100000, epoch)
	rec.SessionID = "s-keep"
	rec.UploadedBytes = 40000
	rec = insert(t, st, rec)

	var seen []string
	tr := &fakeTransport{chunk: func(r *model.TransferRecord) error {
		seen = append(seen, r.SessionID)
		return complete(r)
	}}
	runCycle(t, newEngine(st, tr, clk, Options{}))

	assert.Equal(t, []string{fmt.Sprintf("chunk:%d@40000", rec.ID)}, tr.Calls())
	assert.Equal(t, []string{"s-keep"}, seen)
}

func TestEngine_PicksEarliestScheduledThenLowestID(t *testing.T) {
	st := newStore(t)
	clk := &clock{now: epoch}

	late := insert(t, st, idleRecord("late.mp4", 1, epoch.Add(-time.Second)))
	first := insert(t, st, idleRecord("first.mp4", 1, epoch.Add(-time.Minute)))
	second := insert(t, st, idleRecord("second.mp4", 1, epoch.Add(-time.Minute)))
	future := insert(t, st, idleRecord("future.mp4", 1, epoch.Add(time.Hour)))

	tr := &fakeTransport{}
	runCycle(t, newEngine(st, tr, clk, Options{}))

	var order []string
	for _, c := range tr.Calls() {
		if len(c) > 8 && c[:8] == "session:" {
			order = append(order, c[8:])
		}
	}
	assert.Equal(t, []string{
		fmt.Sprint(first.ID), fmt.Sprint(second.ID), fmt.Sprint(late.ID),
	}, order)

	left, err := st.List(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, future.ID, left[0].ID)
}

func TestEngine_EmptyQueueIsNoop(t *testing.T) {
	st := newStore(t)
	tr := &fakeTransport{}
	e := newEngine(st, tr, &clock{now: epoch}, Options{})

	runCycle(t, e)
	runCycle(t, e)
	assert.Empty(t, tr.Calls())
}

func TestEngine_SingleFlight(t *testing.T) {
	st := newStore(t)
	clk := &clock{now: epoch}
	insert(t, st, idleRecord("a.mp4", 10, epoch))
	insert(t, st, idleRecord("b.mp4", 10, epoch))

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var inFlight, maxInFlight atomic.Int32
	tr := &fakeTransport{session: func(r *model.TransferRecord) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return grant(r)
	}}
	e := newEngine(st, tr, clk, Options{})

	require.True(t, e.Trigger())
	<-entered
	assert.True(t, e.Busy())
	active, ok := e.Active()
	require.True(t, ok)
	assert.Equal(t, model.StatusRequestingUpload, active.Status)

	var started atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if e.Trigger() {
				started.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, started.Load())

	close(release)
	e.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
	left, err := st.List(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestEngine_StepErrorLeavesRecordUntouched(t *testing.T) {
	st := newStore(t)
	clk := &clock{now: epoch}
	rec := insert(t, st, idleRecord("a.mp4", 10, epoch))

	tr := &fakeTransport{session: func(r *model.TransferRecord) error {
		r.SessionID = "half-done"
		return errors.New("connection reset")
	}}
	runCycle(t, newEngine(st, tr, clk, Options{}))

	got, err := st.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

type failingStore struct {
	store.Store
	updateErr error
}

func (s failingStore) Update(context.Context, *model.TransferRecord) error {
	return s.updateErr
}

func TestEngine_StoreFailureAbortsCycle(t *testing.T) {
	st := newStore(t)
	clk := &clock{now: epoch}
	a := insert(t, st, idleRecord("a.mp4", 10, epoch))
	b := insert(t, st, idleRecord("b.mp4", 10, epoch))

	tr := &fakeTransport{}
	e := newEngine(failingStore{Store: st, updateErr: errors.New("disk I/O error")}, tr, clk, Options{})
	runCycle(t, e)

	assert.Equal(t, []string{fmt.Sprintf("session:%d", a.ID)}, tr.Calls())
	for _, want := range []model.TransferRecord{a, b} {
		got, err := st.Get(context.Background(), want.ID)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestEngine_StalledTransferCountsAsFault(t *testing.T) {
	st := newStore(t)
	clk := &clock{now: epoch}
	rec := idleRecord("a.mp4", 1000, epoch)
	rec.SessionID = "s"
	rec.UploadedBytes = 500
	rec = insert(t, st, rec)

	tr := &fakeTransport{chunk: func(r *model.TransferRecord) error {
		r.Status = model.StatusIdle
		return nil
	}}
	runCycle(t, newEngine(st, tr, clk, Options{Policy: retry.Policy{Threshold: 10, Delay: time.Minute}}))

	assert.Len(t, tr.Calls(), DefaultMaxStalledSteps)
	got, err := st.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ErrorCount)
	assert.Equal(t, model.StatusIdle, got.Status)
	assert.Equal(t, int64(500), got.UploadedBytes)
	assert.Equal(t, epoch.Add(time.Minute).UnixMilli(), got.ScheduledAt)
}

func TestEngine_RecordDeletedMidTransfer(t *testing.T) {
	st := newStore(t)
	clk := &clock{now: epoch}
	a := insert(t, st, idleRecord("a.mp4", 10, epoch))
	b := insert(t, st, idleRecord("b.mp4", 10, epoch))

	tr := &fakeTransport{session: func(r *model.TransferRecord) error {
		if r.ID == a.ID {
			assert.NoError(t, st.Delete(context.Background(), a.ID))
		}
		return grant(r)
	}}
	runCycle(t, newEngine(st, tr, clk, Options{}))

	assert.Equal(t, []string{
		fmt.Sprintf("session:%d", a.ID),
		fmt.Sprintf("session:%d", b.ID),
		fmt.Sprintf("chunk:%d@0", b.ID),
	}, tr.Calls())
	left, err := st.List(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestEngine_Recover(t *testing.T) {
	st := newStore(t)
	rec := idleRecord("a.mp4", 1000, epoch)
	rec.SessionID = "s"
	rec.UploadedBytes = 300
	rec.Status = model.StatusUploading
	rec = insert(t, st, rec)

	e := newEngine(st, &fakeTransport{}, &clock{now: epoch}, Options{})
	require.NoError(t, e.Recover(context.Background()))

	got, err := st.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusIdle, got.Status)
	assert.Equal(t, "s", got.SessionID)
	assert.Equal(t, int64(300), got.UploadedBytes)
}

func TestEngine_TriggerAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := New(ctx, newStore(t), &fakeTransport{}, nil, Options{})
	assert.False(t, e.Trigger())
	e.Wait()
}

func TestEngine_SessionLossDeepIntoUploadIsNotAFault(t *testing.T) {
	const total, chunk = 1000000, 89000

	st := newStore(t)
	clk := &clock{now: epoch}
	rec := idleRecord("a.mp4", total, epoch)
	rec.SessionID = "old"
	rec.UploadedBytes = 500000
	rec = insert(t, st, rec)

	lost := false
	tr := &fakeTransport{chunk: func(r *model.TransferRecord) error {
		if !lost {
			lost = true
			r.ResetSession()
			r.Status = model.StatusIdle
			return nil
		}
		if r.UploadedBytes+chunk >= r.TotalBytes {
			return complete(r)
		}
		r.UploadedBytes += chunk
		r.Status = model.StatusIdle
		return nil
	}}
	sink := &recorder{}
	runCycle(t, newEngine(st, tr, clk, Options{Sink: sink}))

	calls := tr.Calls()
	require.GreaterOrEqual(t, len(calls), 4)
	assert.Equal(t, []string{
		fmt.Sprintf("chunk:%d@500000", rec.ID),
		fmt.Sprintf("session:%d", rec.ID),
		fmt.Sprintf("chunk:%d@0", rec.ID),
		fmt.Sprintf("chunk:%d@%d", rec.ID, chunk),
	}, calls[:4])

	_, err := st.Get(context.Background(), rec.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	for _, ev := range sink.events {
		assert.Zero(t, ev.ErrorCount)
	}
}

func TestEngine_RepeatedSessionLossCountsAsFault(t *testing.T) {
	st := newStore(t)
	clk := &clock{now: epoch}
	rec := idleRecord("a.mp4", 1000, epoch)
	rec.SessionID = "s"
	rec = insert(t, st, rec)

	tr := &fakeTransport{chunk: func(r *model.TransferRecord) error {
		r.ResetSession()
		r.Status = model.StatusIdle
		return nil
	}}
	runCycle(t, newEngine(st, tr, clk, Options{Policy: retry.Policy{Threshold: 10, Delay: time.Minute}}))

	// chunk, then session+chunk until the fourth reset
	assert.Len(t, tr.Calls(), 2*DefaultMaxStalledSteps-1)
	got, err := st.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ErrorCount)
	assert.Equal(t, model.StatusIdle, got.Status)
	assert.False(t, got.HasSession())
}

func TestEngine_RecoverSettlesInterruptedDecisions(t *testing.T) {
	st := newStore(t)
	clk := &clock{now: epoch}

	failed := idleRecord("failed.mp4", 100, epoch)
	failed.Status = model.StatusError
	failed.ErrorCount = 2
	failed.SessionID = "s"
	failed = insert(t, st, failed)

	exhausted := idleRecord("exhausted.mp4", 100, epoch)
	exhausted.Status = model.StatusError
	exhausted.ErrorCount = 3
	exhausted = insert(t, st, exhausted)

	done := idleRecord("done.mp4", 100, epoch)
	done.Status = model.StatusUploaded
	done.UploadedBytes = 100
	done = insert(t, st, done)

	sink := &recorder{}
	tr := &fakeTransport{}
	e := newEngine(st, tr, clk, Options{Sink: sink, Policy: retry.Policy{Threshold: 3, Delay: time.Minute}})
	require.NoError(t, e.Recover(context.Background()))

	for _, id := range []int64{exhausted.ID, done.ID} {
		_, err := st.Get(context.Background(), id)
		assert.ErrorIs(t, err, store.ErrNotFound)
	}
	got, err := st.Get(context.Background(), failed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusIdle, got.Status)
	assert.Equal(t, 2, got.ErrorCount)
	assert.Equal(t, epoch.Add(time.Minute).UnixMilli(), got.ScheduledAt)
	assert.Contains(t, sink.statuses(), model.StatusUploaded)

	clk.Advance(24 * time.Hour)
	runCycle(t, e)
	assert.Equal(t, []string{fmt.Sprintf("chunk:%d@0", failed.ID)}, tr.Calls())
	left, err := st.List(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestEngine_WaitRacesTrigger(t *testing.T) {
	st := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	e := New(ctx, st, &fakeTransport{}, nil, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				e.Trigger()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				e.Wait()
			}
		}()
	}
	cancel()
	wg.Wait()
	e.Wait()
	assert.False(t, e.Trigger())
	assert.False(t, e.Busy())
}
