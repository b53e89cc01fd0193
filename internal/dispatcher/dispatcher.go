// Package dispatcher implements the listener loop: it admits pending jobs
// under the two-tier concurrency budget, claims queued jobs into running,
// and hands each to a worker that drives Query Runner → Exporter → (optional)
// Transfer Agent through to a terminal status.
package dispatcher

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"queryprocessor/internal/admission"
	"queryprocessor/internal/archive"
	"queryprocessor/internal/config"
	"queryprocessor/internal/models"
	"queryprocessor/internal/notify"
	"queryprocessor/internal/store"
	"queryprocessor/internal/telemetry"
)

// candidateBatchSize bounds how many pending/queued rows one admission pass
// inspects, so a burst of submissions can't make one tick run unboundedly.
const candidateBatchSize = 100

// Store is the subset of *store.Store the dispatcher depends on, so tests
// can supply an in-memory fake instead of a real Postgres connection.
type Store interface {
	ClaimableCandidates(ctx context.Context, status string, limit int) ([]models.Job, error)
	PromoteToQueued(ctx context.Context, ids []string) error
	ClaimByID(ctx context.Context, id, processGen string) (*models.Job, error)
	Transition(ctx context.Context, id, newStatus string, p store.TransitionParams) error
	ReclaimStale(ctx context.Context, currentGen string, olderThan time.Duration) ([]string, error)
	GetUserSettings(ctx context.Context, userID string) (models.UserSettings, bool, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Dispatcher owns the poll loop, the two admission primitives, and the
// worker fan-out.
type Dispatcher struct {
	cfg      config.Config
	store    Store
	gate     *admission.Gate
	slots    *admission.SlotManager
	wake     *notify.Channel
	archiver *archive.Archiver

	processGen string
	wg         sync.WaitGroup
}

// New builds a Dispatcher. wake and archiver may be nil to disable those
// optional features.
func New(cfg config.Config, st Store, wake *notify.Channel, archiver *archive.Archiver) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		store:      st,
		gate:       admission.NewGate(cfg.GlobalMaxParallelQueries),
		slots:      admission.NewSlotManager(),
		wake:       wake,
		archiver:   archiver,
		processGen: uuid.New().String(),
	}
}

// Run executes Recovery, then the poll loop, until ctx is canceled. It waits
// up to cfg.ShutdownGrace for in-flight workers to finish after
// cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Printf("dispatcher starting, process_generation=%s", d.processGen)

	if err := d.recover(ctx); err != nil {
		log.Printf("recovery sweep failed: %v", err)
	}

	var wakeCh <-chan struct{}
	var stopWake func()
	if d.wake != nil {
		msgs, unsub := d.wake.Subscribe(ctx)
		stopWake = unsub
		converted := make(chan struct{}, 1)
		go func() {
			for range msgs {
				select {
				case converted <- struct{}{}:
				default:
				}
			}
		}()
		wakeCh = converted
	}
	if stopWake != nil {
		defer stopWake()
	}

	for {
		if err := d.tick(ctx); err != nil {
			log.Printf("dispatcher tick error: %v", err)
		}

		select {
		case <-ctx.Done():
			return d.shutdown()
		case <-time.After(jittered(d.cfg.ListenerInterval)):
		case <-wakeCh:
		}
	}
}

// shutdown waits up to cfg.ShutdownGrace for in-flight workers to observe
// cancellation and release their gate/slot before returning.
func (d *Dispatcher) shutdown() error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(d.cfg.ShutdownGrace):
		log.Printf("shutdown grace period elapsed with workers still in flight")
		return nil
	}
}

// tick runs one admission pass. Recovery runs once, at the start of Run, not
// on every tick.
func (d *Dispatcher) tick(ctx context.Context) error {
	if err := d.promotePending(ctx); err != nil {
		return err
	}
	return d.admitQueued(ctx)
}

func (d *Dispatcher) recover(ctx context.Context) error {
	reclaimed, err := d.store.ReclaimStale(ctx, d.processGen, d.cfg.StaleThreshold)
	if err != nil {
		return err
	}
	if len(reclaimed) > 0 {
		log.Printf("reclaimed %d stale job(s) back to pending", len(reclaimed))
		telemetry.JobsReclaimed.Add(float64(len(reclaimed)))
	}
	return nil
}

// promotePending moves pending rows into queued for users with a free
// per-user slot, honoring created_at/id order across the whole candidate
// batch (not just within one user), per spec.md §4.7's FIFO tie-break.
func (d *Dispatcher) promotePending(ctx context.Context) error {
	candidates, err := d.store.ClaimableCandidates(ctx, models.StatusPending, candidateBatchSize)
	if err != nil {
		return err
	}

	var admitted []string
	for _, job := range candidates {
		limit := d.userLimit(ctx, job.UserID)
		if d.slots.TryAcquire(job.UserID, limit) {
			admitted = append(admitted, job.ID)
		}
	}
	if len(admitted) == 0 {
		return nil
	}

	if err := d.store.PromoteToQueued(ctx, admitted); err != nil {
		for _, id := range admitted {
			d.slots.Release(userIDOf(candidates, id))
		}
		return err
	}
	return nil
}

// admitQueued claims queued rows into running while the global gate has
// free capacity, then spawns a worker per claimed job.
func (d *Dispatcher) admitQueued(ctx context.Context) error {
	candidates, err := d.store.ClaimableCandidates(ctx, models.StatusQueued, candidateBatchSize)
	if err != nil {
		return err
	}

	for _, job := range candidates {
		if !d.gate.TryAcquire() {
			break
		}

		claimed, err := d.store.ClaimByID(ctx, job.ID, d.processGen)
		if err != nil {
			d.gate.Release()
			return err
		}
		if claimed == nil {
			d.gate.Release()
			continue
		}

		d.wg.Add(1)
		go d.runWorker(ctx, *claimed)
	}
	return nil
}

func (d *Dispatcher) userLimit(ctx context.Context, userID string) int {
	settings, ok, err := d.store.GetUserSettings(ctx, userID)
	if err != nil || !ok || settings.MaxParallelQueries <= 0 {
		return d.cfg.DefaultMaxParallelQueries
	}
	return settings.MaxParallelQueries
}

func userIDOf(jobs []models.Job, id string) string {
	for _, j := range jobs {
		if j.ID == id {
			return j.UserID
		}
	}
	return ""
}

// jittered adds up to ±10% jitter to a poll interval.
func jittered(base time.Duration) time.Duration {
	if base <= 0 {
		return base
	}
	spread := int64(base) / 10
	if spread <= 0 {
		return base
	}
	offset := rand.Int63n(2*spread+1) - spread
	return base + time.Duration(offset)
}
