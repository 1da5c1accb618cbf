package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"leadflow_backend/internal/tracking/service"
	"leadflow_backend/platform/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLeaseIsExclusive(t *testing.T) {
	_, client := newTestRedis(t)
	first := NewRedisLease(client, time.Minute)
	second := NewRedisLease(client, time.Minute)
	ctx := context.Background()

	release, ok, err := first.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	if _, ok, err := second.Acquire(ctx); err != nil || ok {
		t.Fatalf("second acquire should be refused: ok=%v err=%v", ok, err)
	}

	release()
	release2, ok, err := second.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
	release2()
}

func TestLeaseExpiresAfterTTL(t *testing.T) {
	mr, client := newTestRedis(t)
	lease := NewRedisLease(client, time.Minute)
	ctx := context.Background()

	if _, ok, _ := lease.Acquire(ctx); !ok {
		t.Fatalf("expected first acquire to succeed")
	}
	mr.FastForward(2 * time.Minute)

	if _, ok, err := lease.Acquire(ctx); err != nil || !ok {
		t.Fatalf("expected expired lease to be reacquired: ok=%v err=%v", ok, err)
	}
}

func TestLeaseRenewalOutlivesTTL(t *testing.T) {
	mr, client := newTestRedis(t)
	lease := NewRedisLease(client, 10*time.Second)
	ctx := context.Background()

	release, ok, err := lease.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	defer release()
	token, err := mr.Get(syncLeaseKey)
	if err != nil {
		t.Fatalf("read token: %v", err)
	}

	mr.FastForward(8 * time.Second)
	if held, err := lease.renew(ctx, token); err != nil || !held {
		t.Fatalf("renew: held=%v err=%v", held, err)
	}
	mr.FastForward(8 * time.Second)
	if !mr.Exists(syncLeaseKey) {
		t.Fatalf("renewed lease must outlive its original TTL")
	}
	if _, ok, _ := NewRedisLease(client, 10*time.Second).Acquire(ctx); ok {
		t.Fatalf("a second holder must not get the renewed lease")
	}

	if held, err := lease.renew(ctx, "someone-else"); err != nil || held {
		t.Fatalf("renew with a foreign token must not extend: held=%v err=%v", held, err)
	}
}

func TestStaleReleaseKeepsNewHolder(t *testing.T) {
	mr, client := newTestRedis(t)
	lease := NewRedisLease(client, time.Minute)
	ctx := context.Background()

	staleRelease, ok, _ := lease.Acquire(ctx)
	if !ok {
		t.Fatalf("expected acquire")
	}
	mr.FastForward(2 * time.Minute)
	if _, ok, _ := lease.Acquire(ctx); !ok {
		t.Fatalf("expected reacquire after expiry")
	}

	staleRelease()
	if !mr.Exists(syncLeaseKey) {
		t.Fatalf("stale release must not delete the new holder's lease")
	}
}

func TestBackfillPayloadRoundTrip(t *testing.T) {
	id := uuid.New()
	task, err := NewTrackingBackfillTask(TrackingBackfillPayload{RunID: id.String()})
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	if task.Type() != TaskTrackingBackfill {
		t.Fatalf("unexpected task type %s", task.Type())
	}
	payload, err := ParseTrackingBackfillPayload(task)
	if err != nil || payload.RunID != id.String() {
		t.Fatalf("unexpected payload %+v err=%v", payload, err)
	}
}

type stubSyncer struct {
	err   error
	calls int
}

func (s *stubSyncer) Run(context.Context) (service.Result, error) {
	s.calls++
	return service.Result{Processed: 1}, s.err
}

type stubExecutor struct {
	ids []uuid.UUID
}

func (s *stubExecutor) Execute(_ context.Context, id uuid.UUID) error {
	s.ids = append(s.ids, id)
	return nil
}

func newTestWorker(syncer SyncRunner, exec BackfillExecutor) *Worker {
	return &Worker{syncer: syncer, backfills: exec, log: logger.Discard()}
}

func TestSyncTaskInProgressIsNotRetried(t *testing.T) {
	w := newTestWorker(&stubSyncer{err: service.ErrSyncInProgress}, &stubExecutor{})

	err := w.handleTrackingSync(context.Background(), NewTrackingSyncTask())
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

func TestSyncTaskFailureIsReturned(t *testing.T) {
	boom := errors.New("crm down")
	w := newTestWorker(&stubSyncer{err: boom}, &stubExecutor{})

	if err := w.handleTrackingSync(context.Background(), NewTrackingSyncTask()); !errors.Is(err, boom) {
		t.Fatalf("expected the sync error, got %v", err)
	}
}

func TestBackfillTaskExecutesRun(t *testing.T) {
	exec := &stubExecutor{}
	w := newTestWorker(&stubSyncer{}, exec)
	id := uuid.New()
	task, _ := NewTrackingBackfillTask(TrackingBackfillPayload{RunID: id.String()})

	if err := w.handleTrackingBackfill(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(exec.ids) != 1 || exec.ids[0] != id {
		t.Fatalf("run not executed: %v", exec.ids)
	}

	bad := asynq.NewTask(TaskTrackingBackfill, []byte(`{"runId":"nope"}`))
	if err := w.handleTrackingBackfill(context.Background(), bad); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for invalid run id, got %v", err)
	}
}

func TestPanicsBecomeErrors(t *testing.T) {
	w := newTestWorker(&stubSyncer{}, &stubExecutor{})
	handler := w.recoverPanics(asynq.HandlerFunc(func(context.Context, *asynq.Task) error {
		panic("boom")
	}))

	if err := handler.ProcessTask(context.Background(), NewTrackingSyncTask()); err == nil {
		t.Fatalf("expected panic to be converted to an error")
	}
}

type fakeRuns struct {
	queued  []uuid.UUID
	cutoff  time.Time
	deleted int64
}

func (f *fakeRuns) QueuedBackfillRunsBefore(_ context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	f.cutoff = before
	if len(f.queued) > limit {
		return f.queued[:limit], nil
	}
	return f.queued, nil
}

func (f *fakeRuns) DeleteFinishedBackfillRunsBefore(_ context.Context, before time.Time) (int64, error) {
	f.cutoff = before
	return f.deleted, nil
}

type flakyEnqueuer struct {
	fail map[uuid.UUID]bool
	got  []uuid.UUID
}

func (f *flakyEnqueuer) EnqueueBackfill(_ context.Context, id uuid.UUID) error {
	if f.fail[id] {
		return errors.New("redis down")
	}
	f.got = append(f.got, id)
	return nil
}

func TestDispatcherReenqueuesStaleRuns(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	runs := &fakeRuns{queued: []uuid.UUID{a, b}}
	enq := &flakyEnqueuer{fail: map[uuid.UUID]bool{b: true}}
	d := NewBackfillRunDispatcher(runs, enq, logger.Discard())

	if got := d.dispatch(context.Background()); got != 1 {
		t.Fatalf("expected 1 dispatched run, got %d", got)
	}
	if len(enq.got) != 1 || enq.got[0] != a {
		t.Fatalf("unexpected enqueued runs %v", enq.got)
	}
	if time.Since(runs.cutoff) < staleQueuedRunAge {
		t.Fatalf("cutoff should be at least %s in the past", staleQueuedRunAge)
	}
}

func TestCleanupUsesRetention(t *testing.T) {
	runs := &fakeRuns{deleted: 3}
	c := NewBackfillRunCleanup(runs, logger.Discard(), time.Hour, 48*time.Hour)

	c.cleanup(context.Background())
	age := time.Since(runs.cutoff)
	if age < 48*time.Hour || age > 49*time.Hour {
		t.Fatalf("unexpected cleanup cutoff age %s", age)
	}
}
