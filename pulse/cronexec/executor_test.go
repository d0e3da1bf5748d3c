package cronexec

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/jobkeeper/errors"
	jktest "github.com/teranos/jobkeeper/internal/testing"
	"github.com/teranos/jobkeeper/pulse/schedule"
	"github.com/teranos/jobkeeper/pulse/txn"
)

func newExecutor(t *testing.T, conn *sql.DB) *Executor {
	t.Helper()
	tm := txn.NewManager(conn, nil)
	return New(NewTriggerStore(tm), Config{Seconds: true}, zaptest.NewLogger(t).Sugar())
}

func startExecutor(t *testing.T, e *Executor, fire FireFunc) {
	t.Helper()
	require.NoError(t, e.Start(context.Background(), fire))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
}

// firings collects fired identifiers.
type firings struct {
	mu  sync.Mutex
	ids []schedule.Identifier
	ch  chan schedule.Identifier
}

func newFirings() *firings {
	return &firings{ch: make(chan schedule.Identifier, 16)}
}

func (f *firings) fire(_ context.Context, id schedule.Identifier) error {
	f.mu.Lock()
	f.ids = append(f.ids, id)
	f.mu.Unlock()
	f.ch <- id
	return nil
}

func (f *firings) wait(t *testing.T, timeout time.Duration) schedule.Identifier {
	t.Helper()
	select {
	case id := <-f.ch:
		return id
	case <-time.After(timeout):
		t.Fatal("no firing")
		return schedule.Identifier{}
	}
}

func (f *firings) none(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case id := <-f.ch:
		t.Fatalf("unexpected firing of %s", id)
	case <-time.After(within):
	}
}

var nightly = schedule.Identifier{ID: 1, TenantID: "acme", JobName: "nightly"}

func TestScheduleAndDelete(t *testing.T) {
	conn := jktest.CreateTestDB(t)
	e := newExecutor(t, conn)
	ctx := context.Background()

	require.NoError(t, e.Schedule(ctx, nightly, schedule.Trigger{Cron: "0 0 3 * * *"}, true))
	assert.Equal(t, 1, jktest.CountRows(t, conn, "job_trigger", "tenant_id = ? AND job_name = ?", "acme", "nightly"))

	still, err := e.IsStillScheduled(ctx, "acme", "nightly")
	require.NoError(t, err)
	assert.True(t, still)

	jobs, err := e.GetJobs(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, nightly, jobs[0].Job)
	assert.True(t, jobs[0].Exclusive)
	assert.False(t, jobs[0].OneShot)
	assert.Equal(t, 3, jobs[0].Next.Hour())

	t.Run("rescheduling replaces the registration", func(t *testing.T) {
		require.NoError(t, e.Schedule(ctx, nightly, schedule.Trigger{Every: time.Hour}, false))
		jobs, err := e.GetJobs(ctx, "acme")
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, "every 1h0m0s", jobs[0].Trigger)
		assert.Equal(t, 1, jktest.CountRows(t, conn, "job_trigger", ""))
	})

	require.NoError(t, e.Delete(ctx, "acme", "nightly"))
	require.NoError(t, e.Delete(ctx, "acme", "nightly"))
	still, err = e.IsStillScheduled(ctx, "acme", "nightly")
	require.NoError(t, err)
	assert.False(t, still)
	assert.Equal(t, 0, jktest.CountRows(t, conn, "job_trigger", ""))
}

func TestValidateTrigger(t *testing.T) {
	e := newExecutor(t, jktest.CreateTestDB(t))

	assert.NoError(t, e.ValidateTrigger(schedule.Trigger{Cron: "*/5 * * * * *"}))
	assert.NoError(t, e.ValidateTrigger(schedule.Trigger{Cron: "0 3 * * *"}))
	assert.NoError(t, e.ValidateTrigger(schedule.Trigger{Cron: "@daily"}))
	assert.NoError(t, e.ValidateTrigger(schedule.Trigger{StartAt: time.Now().Add(time.Hour)}))

	for _, bad := range []schedule.Trigger{
		{Cron: "every tuesday"},
		{Every: 10 * time.Millisecond},
		{},
	} {
		err := e.ValidateTrigger(bad)
		require.Error(t, err, "%+v", bad)
		assert.True(t, errors.Is(err, errors.ErrInvalidRequest), "%v", err)
	}

	err := e.Schedule(context.Background(), nightly, schedule.Trigger{Cron: "nope"}, false)
	require.Error(t, err)
}

func TestExecuteNowFiresOnceAndIsConsumed(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	conn := jktest.CreateTestDB(t)
	e := newExecutor(t, conn)
	ctx := context.Background()

	var stillDuringFire bool
	fired := make(chan struct{}, 2)
	require.NoError(t, e.Start(ctx, func(ctx context.Context, id schedule.Identifier) error {
		stillDuringFire, _ = e.IsStillScheduled(ctx, id.TenantID, id.JobName)
		fired <- struct{}{}
		return nil
	}))

	require.NoError(t, e.ExecuteNow(ctx, nightly, false))
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("one-shot did not fire")
	}
	assert.False(t, stillDuringFire, "one-shot must be consumed before it fires")

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, e.Stop(stopCtx))

	assert.Len(t, fired, 0)
	assert.Equal(t, 0, jktest.CountRows(t, conn, "job_trigger", ""))
}

func TestOneShotsFireOnceUnderConcurrentSync(t *testing.T) {
	conn := jktest.CreateTestDB(t)
	tm := txn.NewManager(conn, nil)
	e := New(NewTriggerStore(tm), Config{Seconds: true, SyncInterval: time.Millisecond}, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	const n = 200
	var mu sync.Mutex
	counts := make(map[string]int)
	var wg sync.WaitGroup
	wg.Add(n)
	startExecutor(t, e, func(_ context.Context, id schedule.Identifier) error {
		mu.Lock()
		counts[id.JobName]++
		first := counts[id.JobName] == 1
		mu.Unlock()
		if first {
			wg.Done()
		}
		return nil
	})

	for i := 0; i < n; i++ {
		id := schedule.Identifier{ID: int64(i + 1), TenantID: "acme", JobName: fmt.Sprintf("once-%d", i)}
		require.NoError(t, e.ExecuteNow(ctx, id, false))
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("not every one-shot fired")
	}
	// give a resurrected registration time to fire again
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for name, c := range counts {
		assert.Equal(t, 1, c, "one-shot %s fired %d times", name, c)
	}
	assert.Equal(t, 0, jktest.CountRows(t, conn, "job_trigger", ""))
}

func TestSyncDoesNotResurrectDeletedTrigger(t *testing.T) {
	conn := jktest.CreateTestDB(t)
	e := newExecutor(t, conn)
	ctx := context.Background()

	require.NoError(t, e.Schedule(ctx, nightly, schedule.Trigger{Cron: "@daily"}, false))

	// Rows read before the delete, applied after it
	e.mu.Lock()
	since := e.gen
	e.mu.Unlock()
	require.NoError(t, e.Delete(ctx, nightly.TenantID, nightly.JobName))

	e.mu.Lock()
	assert.True(t, e.changedSinceLocked(key(nightly.TenantID, nightly.JobName), nightly.TenantID, since))
	e.mu.Unlock()

	require.NoError(t, e.Sync(ctx))
	still, err := e.IsStillScheduled(ctx, nightly.TenantID, nightly.JobName)
	require.NoError(t, err)
	assert.False(t, still)
}

func TestRecurringFires(t *testing.T) {
	e := newExecutor(t, jktest.CreateTestDB(t))
	f := newFirings()
	startExecutor(t, e, f.fire)

	require.NoError(t, e.Schedule(context.Background(), nightly, schedule.Trigger{Every: time.Second}, true))
	assert.Equal(t, nightly, f.wait(t, 5*time.Second))

	still, err := e.IsStillScheduled(context.Background(), "acme", "nightly")
	require.NoError(t, err)
	assert.True(t, still)
}

func TestPauseHoldsOneShots(t *testing.T) {
	conn := jktest.CreateTestDB(t)
	e := newExecutor(t, conn)
	f := newFirings()
	startExecutor(t, e, f.fire)
	ctx := context.Background()

	require.NoError(t, e.PauseJobs(ctx, "acme"))
	assert.Equal(t, 1, jktest.CountRows(t, conn, "tenant_pause", "tenant_id = ?", "acme"))

	require.NoError(t, e.ExecuteNow(ctx, nightly, false))
	other := schedule.Identifier{ID: 2, TenantID: "globex", JobName: "report"}
	require.NoError(t, e.ExecuteNow(ctx, other, false))
	assert.Equal(t, other, f.wait(t, 5*time.Second))
	f.none(t, 200*time.Millisecond)

	jobs, err := e.GetJobs(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].Paused)

	require.NoError(t, e.ResumeJobs(ctx, "acme"))
	assert.Equal(t, nightly, f.wait(t, 5*time.Second))
	assert.Equal(t, 0, jktest.CountRows(t, conn, "tenant_pause", ""))
}

func TestDeleteJobs(t *testing.T) {
	conn := jktest.CreateTestDB(t)
	e := newExecutor(t, conn)
	ctx := context.Background()

	require.NoError(t, e.Schedule(ctx, nightly, schedule.Trigger{Cron: "@daily"}, false))
	require.NoError(t, e.Schedule(ctx, schedule.Identifier{ID: 2, TenantID: "acme", JobName: "hourly"}, schedule.Trigger{Cron: "@hourly"}, false))
	require.NoError(t, e.Schedule(ctx, schedule.Identifier{ID: 3, TenantID: "globex", JobName: "hourly"}, schedule.Trigger{Cron: "@hourly"}, false))

	require.NoError(t, e.DeleteJobs(ctx, "acme"))

	all, err := e.GetAllJobs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "globex", all[0].Job.TenantID)
	assert.Equal(t, 1, jktest.CountRows(t, conn, "job_trigger", ""))
}

func TestRestoreAndSync(t *testing.T) {
	conn := jktest.CreateTestDB(t)
	ctx := context.Background()

	// cli stands for another process sharing the database
	cli := newExecutor(t, conn)
	require.NoError(t, cli.Schedule(ctx, nightly, schedule.Trigger{Cron: "@daily"}, false))
	require.NoError(t, cli.PauseJobs(ctx, "acme"))

	daemon := newExecutor(t, conn)
	startExecutor(t, daemon, newFirings().fire)

	still, err := daemon.IsStillScheduled(ctx, "acme", "nightly")
	require.NoError(t, err)
	assert.True(t, still, "registrations are restored on start")
	jobs, err := daemon.GetJobs(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].Paused)

	hourly := schedule.Identifier{ID: 2, TenantID: "acme", JobName: "hourly"}
	require.NoError(t, cli.Schedule(ctx, hourly, schedule.Trigger{Cron: "@hourly"}, false))
	require.NoError(t, cli.Delete(ctx, "acme", "nightly"))
	require.NoError(t, cli.ResumeJobs(ctx, "acme"))

	require.NoError(t, daemon.Sync(ctx))

	jobs, err = daemon.GetJobs(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, hourly, jobs[0].Job)
	assert.False(t, jobs[0].Paused)
}

func TestStopNotRunning(t *testing.T) {
	e := newExecutor(t, jktest.CreateTestDB(t))
	assert.True(t, errors.Is(e.Stop(context.Background()), ErrNotRunning))
	assert.Error(t, e.Start(context.Background(), nil))
}

func TestDelayedSchedule(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := delayedSchedule{start: start, inner: cron.Every(time.Hour)}

	assert.Equal(t, start.Add(time.Hour-time.Nanosecond).Truncate(time.Second), d.Next(start.Add(-48*time.Hour)))
	after := start.Add(5 * time.Hour)
	assert.Equal(t, after.Add(time.Hour), d.Next(after))
}
