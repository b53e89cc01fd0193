package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"queryprocessor/internal/archive"
	"queryprocessor/internal/config"
	"queryprocessor/internal/models"
	"queryprocessor/internal/store"
)

// fakeStore is an in-memory Store good enough to drive the admission and
// worker logic without a real Postgres connection.
type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job

	reclaimCalls int
	settings     map[string]models.UserSettings
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]*models.Job), settings: make(map[string]models.UserSettings)}
}

func (f *fakeStore) put(j models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy := j
	f.jobs[j.ID] = &copy
}

func (f *fakeStore) ClaimableCandidates(ctx context.Context, status string, limit int) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Job
	for _, j := range f.jobs {
		if j.Status == status {
			out = append(out, *j)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) PromoteToQueued(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if j, ok := f.jobs[id]; ok && j.Status == models.StatusPending {
			j.Status = models.StatusQueued
		}
	}
	return nil
}

func (f *fakeStore) ClaimByID(ctx context.Context, id, processGen string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != models.StatusQueued {
		return nil, nil
	}
	j.Status = models.StatusRunning
	j.ProcessGen = processGen
	out := *j
	return &out, nil
}

func (f *fakeStore) Transition(ctx context.Context, id, newStatus string, p store.TransitionParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil
	}
	j.Status = newStatus
	if p.ErrorMessage != nil {
		j.ErrorMessage = p.ErrorMessage
	}
	if p.Result != nil {
		j.ResultMetadata = *p.Result
	}
	return nil
}

func (f *fakeStore) ReclaimStale(ctx context.Context, currentGen string, olderThan time.Duration) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reclaimCalls++
	var ids []string
	for _, j := range f.jobs {
		if (j.Status == models.StatusQueued || j.Status == models.StatusRunning || j.Status == models.StatusTransferring) && j.ProcessGen != currentGen {
			j.Status = models.StatusPending
			j.ProcessGen = ""
			ids = append(ids, j.ID)
		}
	}
	return ids, nil
}

func (f *fakeStore) GetUserSettings(ctx context.Context, userID string) (models.UserSettings, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.settings[userID]
	return s, ok, nil
}

func (f *fakeStore) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	return nil
}

func testConfig() config.Config {
	return config.Config{
		GlobalMaxParallelQueries: 10,
		DefaultMaxParallelQueries: 2,
		ListenerInterval:          50 * time.Millisecond,
		ShutdownGrace:             time.Second,
		StaleThreshold:            time.Minute,
		JobTimeout:                5 * time.Second,
		RunnerChunkSize:           100,
		SpoolRoot:                 "/tmp/queryprocessor-test-spool",
	}
}

func TestPromotePendingRespectsPerUserSlot(t *testing.T) {
	fs := newFakeStore()
	fs.put(models.Job{ID: "a", UserID: "u1", Status: models.StatusPending, ExportType: "csv"})
	fs.put(models.Job{ID: "b", UserID: "u1", Status: models.StatusPending, ExportType: "csv"})
	fs.put(models.Job{ID: "c", UserID: "u1", Status: models.StatusPending, ExportType: "csv"})
	fs.settings["u1"] = models.UserSettings{MaxParallelQueries: 2}

	var archiver *archive.Archiver
	d := New(testConfig(), fs, nil, archiver)

	if err := d.promotePending(context.Background()); err != nil {
		t.Fatalf("promotePending: %v", err)
	}

	queued := 0
	for _, j := range fs.jobs {
		if j.Status == models.StatusQueued {
			queued++
		}
	}
	if queued != 2 {
		t.Fatalf("expected exactly 2 jobs promoted under a limit of 2, got %d", queued)
	}
	if got := d.slots.InUse("u1"); got != 2 {
		t.Fatalf("expected slot manager to hold 2 in-flight for u1, got %d", got)
	}
}

func TestAdmitQueuedStopsWhenGateIsFull(t *testing.T) {
	fs := newFakeStore()
	fs.put(models.Job{ID: "a", UserID: "u1", Status: models.StatusQueued, ExportType: "csv"})
	fs.put(models.Job{ID: "b", UserID: "u2", Status: models.StatusQueued, ExportType: "csv"})

	cfg := testConfig()
	cfg.GlobalMaxParallelQueries = 1
	var archiver *archive.Archiver
	d := New(cfg, fs, nil, archiver)

	if err := d.admitQueued(context.Background()); err != nil {
		t.Fatalf("admitQueued: %v", err)
	}

	d.wg.Wait()

	running := 0
	for _, j := range fs.jobs {
		if j.Status != models.StatusPending && j.Status != models.StatusQueued {
			running++
		}
	}
	if running != 1 {
		t.Fatalf("expected exactly one job claimed under gate capacity 1, got %d", running)
	}
}

func TestRecoverResetsRowsFromAnOlderGeneration(t *testing.T) {
	fs := newFakeStore()
	fs.put(models.Job{ID: "a", UserID: "u1", Status: models.StatusRunning, ProcessGen: "old-gen"})

	var archiver *archive.Archiver
	d := New(testConfig(), fs, nil, archiver)

	if err := d.recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	if fs.jobs["a"].Status != models.StatusPending {
		t.Fatalf("expected stale row reset to pending, got %s", fs.jobs["a"].Status)
	}
	if fs.reclaimCalls != 1 {
		t.Fatalf("expected exactly one reclaim call, got %d", fs.reclaimCalls)
	}
}

func TestWorkerFailsJobWithoutDBCredentialsGracefully(t *testing.T) {
	fs := newFakeStore()
	fs.put(models.Job{ID: "a", UserID: "u1", Status: models.StatusRunning, ExportType: "csv", QueryText: "select 1"})

	var archiver *archive.Archiver
	d := New(testConfig(), fs, nil, archiver)

	d.wg.Add(1)
	d.runWorker(context.Background(), *fs.jobs["a"])

	job := fs.jobs["a"]
	if job.Status != models.StatusFailed {
		t.Fatalf("expected job to fail against an unreachable database, got %s", job.Status)
	}
	if job.ErrorMessage == nil || *job.ErrorMessage == "" {
		t.Fatalf("expected a non-empty error_message on failure")
	}
	if got := d.slots.InUse("u1"); got != 0 {
		t.Fatalf("expected per-user slot released after a terminal transition, got %d", got)
	}
	if got := d.gate.InUse(); got != 0 {
		t.Fatalf("expected gate permit released after a terminal transition, got %d", got)
	}
}
