// Package engine drains the transfer queue one record at a time.
//
// A cycle lists the pending records, picks the eligible one scheduled first,
// and drives it through single protocol steps until it is uploaded, dropped
// or rescheduled, then moves on to the next. Every step result is written to
// the store before it is acted upon, so a crash leaves the last committed
// state as the resume point.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"go.uber.org/zap"

	"uplinkd/internal/events"
	"uplinkd/internal/model"
	"uplinkd/internal/retry"
	"uplinkd/internal/store"
)

// DefaultMaxStalledSteps is how many steps in a row may fail to advance the
// upload offset before the record is treated as faulted.
const DefaultMaxStalledSteps = 4

// Transport runs one protocol step and classifies the record. A returned
// error means the outcome is unknown and nothing should be persisted.
type Transport interface {
	RequestSession(ctx context.Context, rec *model.TransferRecord) error
	UploadChunk(ctx context.Context, rec *model.TransferRecord) error
}

type Options struct {
	Policy          retry.Policy
	Sink            events.Sink
	MaxStalledSteps int
	// Now is the clock used for eligibility and rescheduling.
	Now func() time.Time
}

// Snapshot is the observable state of the engine.
type Snapshot struct {
	Busy     bool                  `json:"busy"`
	Active   *model.TransferRecord `json:"active"`
	Progress float64               `json:"progress"`
}

type Engine struct {
	store      store.Store
	transport  Transport
	policy     retry.Policy
	sink       events.Sink
	logger     *zap.Logger
	now        func() time.Time
	maxStalled int

	// ctx bounds every background cycle.
	ctx   context.Context
	busy  atomic.Bool
	rerun atomic.Bool

	// cycleMu guards done, which is closed when the current cycle returns.
	cycleMu sync.Mutex
	done    chan struct{}

	mu     sync.RWMutex
	active *model.TransferRecord
}

func New(ctx context.Context, st store.Store, tr Transport, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Policy.Threshold <= 0 {
		opts.Policy.Threshold = retry.DefaultThreshold
	}
	if opts.Policy.Delay <= 0 {
		opts.Policy.Delay = retry.DefaultDelay
	}
	if opts.Sink == nil {
		opts.Sink = events.Nop
	}
	if opts.MaxStalledSteps <= 0 {
		opts.MaxStalledSteps = DefaultMaxStalledSteps
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:      st,
		transport:  tr,
		policy:     opts.Policy,
		sink:       opts.Sink,
		logger:     logger,
		now:        opts.Now,
		maxStalled: opts.MaxStalledSteps,
		ctx:        ctx,
	}
}

// Recover settles records a previous process left between writes. Records
// caught mid-step go back to idle keeping their session and offset, failed
// records get their retry decision, and uploaded records are purged.
func (e *Engine) Recover(ctx context.Context) error {
	n, err := e.store.ResetInFlight(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		e.logger.Info("recovered interrupted transfers", zap.Int64("count", n))
	}

	recs, err := e.store.List(ctx, store.Filter{
		Statuses: []model.SyncStatus{model.StatusError, model.StatusUploaded},
		Limit:    -1,
	})
	if err != nil {
		return err
	}
	for _, rec := range recs {
		log := e.logger.With(zap.Int64("record_id", rec.ID), zap.String("file", rec.FileName))
		var ok bool
		if rec.Status == model.StatusUploaded {
			e.emit(rec)
			ok = e.finish(ctx, log, rec)
		} else {
			ok = e.retry(ctx, log, rec)
		}
		if !ok {
			return fmt.Errorf("recover record %d", rec.ID)
		}
	}
	return nil
}

// Trigger starts a cycle in the background and reports whether it did. While
// a cycle runs the call only asks it to rescan the queue before exiting.
func (e *Engine) Trigger() bool {
	if e.ctx.Err() != nil {
		return false
	}
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	if !e.busy.CompareAndSwap(false, true) {
		e.rerun.Store(true)
		return false
	}
	done := make(chan struct{})
	e.done = done
	go e.run(done)
	return true
}

func (e *Engine) run(done chan struct{}) {
	defer close(done)
	for {
		e.rerun.Store(false)
		e.drain(e.ctx)
		e.busy.Store(false)
		if !e.rerun.Load() || e.ctx.Err() != nil || !e.busy.CompareAndSwap(false, true) {
			return
		}
	}
}

// Wait blocks until the running cycle, if any, has returned.
func (e *Engine) Wait() {
	e.cycleMu.Lock()
	done := e.done
	e.cycleMu.Unlock()
	if done != nil {
		<-done
	}
}

func (e *Engine) Busy() bool {
	return e.busy.Load()
}

// Active returns a copy of the record being processed.
func (e *Engine) Active() (model.TransferRecord, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.active == nil {
		return model.TransferRecord{}, false
	}
	return e.active.Clone(), true
}

// Progress is the active record's uploaded fraction, 0 when idle.
func (e *Engine) Progress() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.active == nil {
		return 0
	}
	return e.active.Progress()
}

func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{Busy: e.Busy()}
	if rec, ok := e.Active(); ok {
		s.Active = &rec
		s.Progress = rec.Progress()
	}
	return s
}

func (e *Engine) setActive(rec *model.TransferRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec == nil {
		e.active = nil
		return
	}
	c := rec.Clone()
	e.active = &c
}

func (e *Engine) emit(rec model.TransferRecord) {
	e.sink.RecordEvent(events.FromRecord(rec, e.now()))
}

func (e *Engine) drain(ctx context.Context) {
	for ctx.Err() == nil {
		rec, ok, err := e.next(ctx)
		if err != nil {
			e.logger.Error("load queue", zap.Error(err))
			return
		}
		if !ok {
			return
		}
		if !e.process(ctx, rec) {
			return
		}
	}
}

// next picks the eligible record with the smallest scheduled time, ties broken
// by id.
func (e *Engine) next(ctx context.Context) (model.TransferRecord, bool, error) {
	recs, err := e.store.List(ctx, store.Filter{Statuses: model.Pending(), Limit: -1})
	if err != nil {
		return model.TransferRecord{}, false, err
	}
	now := e.now()
	best := -1
	for i := range recs {
		r := recs[i]
		if !r.Eligible(now) {
			continue
		}
		if best < 0 || r.ScheduledAt < recs[best].ScheduledAt ||
			(r.ScheduledAt == recs[best].ScheduledAt && r.ID < recs[best].ID) {
			best = i
		}
	}
	if best < 0 {
		return model.TransferRecord{}, false, nil
	}
	return recs[best], true, nil
}

// process drives rec until it leaves the idle loop. It returns false when the
// cycle must stop.
func (e *Engine) process(ctx context.Context, rec model.TransferRecord) bool {
	defer e.setActive(nil)

	log := e.logger.With(zap.Int64("record_id", rec.ID), zap.String("file", rec.FileName))
	high := rec.UploadedBytes
	stalled, resets := 0, 0

	for {
		step, inFlight := e.transport.UploadChunk, model.StatusUploading
		if !rec.HasSession() {
			step, inFlight = e.transport.RequestSession, model.StatusRequestingUpload
		}

		pending := rec.Clone()
		pending.Status = inFlight
		e.setActive(&pending)
		e.emit(pending)

		next := rec.Clone()
		if err := step(ctx, &next); err != nil {
			log.Warn("transfer step interrupted", zap.Stringer("step", inFlight), zap.Error(err))
			return false
		}

		if next.Status == model.StatusIdle {
			switch {
			case rec.HasSession() && !next.HasSession():
				// the session was discarded; progress restarts from its new offset
				high, stalled = next.UploadedBytes, 0
				resets++
			case next.UploadedBytes > high:
				high, stalled = next.UploadedBytes, 0
			default:
				stalled++
			}
			if stalled >= e.maxStalled || resets >= e.maxStalled {
				log.Warn("transfer stalled",
					zap.Int("steps", stalled),
					zap.Int("session_resets", resets),
					zap.Int64("offset", next.UploadedBytes),
				)
				next.ErrorCount++
				next.Status = model.StatusError
			}
		}

		if ok, cont := e.persist(ctx, log, &next); !ok {
			return cont
		}
		rec = next
		e.setActive(&rec)
		e.emit(rec)

		switch rec.Status {
		case model.StatusIdle:
			continue
		case model.StatusUploaded:
			return e.finish(ctx, log, rec)
		case model.StatusError:
			return e.retry(ctx, log, rec)
		default:
			log.Error("unexpected status after step", zap.Stringer("status", rec.Status))
			return false
		}
	}
}

// persist writes rec. When the write did not happen ok is false and cont says
// whether the cycle may go on with another record.
func (e *Engine) persist(ctx context.Context, log *zap.Logger, rec *model.TransferRecord) (ok, cont bool) {
	err := e.store.Update(ctx, rec)
	switch {
	case err == nil:
		return true, true
	case errors.Is(err, store.ErrNotFound):
		log.Info("record removed while transferring")
		return false, true
	default:
		log.Error("persist record", zap.Error(err))
		return false, false
	}
}

func (e *Engine) finish(ctx context.Context, log *zap.Logger, rec model.TransferRecord) bool {
	if err := e.store.Delete(ctx, rec.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error("purge uploaded record", zap.Error(err))
		return false
	}
	log.Info("upload complete", zap.String("size", units.HumanSize(float64(rec.TotalBytes))))
	return true
}

func (e *Engine) retry(ctx context.Context, log *zap.Logger, rec model.TransferRecord) bool {
	switch e.policy.Apply(&rec, e.now()) {
	case retry.Drop:
		if err := e.store.Delete(ctx, rec.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Error("drop record", zap.Error(err))
			return false
		}
		log.Warn("dropping record after repeated failures",
			zap.Int("errors", rec.ErrorCount),
			zap.String("uploaded", units.HumanSize(float64(rec.UploadedBytes))),
		)
		return true
	default:
		if ok, cont := e.persist(ctx, log, &rec); !ok {
			return cont
		}
		e.emit(rec)
		log.Info("transfer rescheduled",
			zap.Int("errors", rec.ErrorCount),
			zap.Time("at", time.UnixMilli(rec.ScheduledAt)),
		)
		return true
	}
}
