package schedule

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/jobkeeper/errors"
	jktest "github.com/teranos/jobkeeper/internal/testing"
	"github.com/teranos/jobkeeper/pulse/async"
	"github.com/teranos/jobkeeper/pulse/incident"
	"github.com/teranos/jobkeeper/pulse/txn"
	"github.com/teranos/jobkeeper/tenant"
)

const testTenant = "acme"

func tenantCtx() context.Context {
	return tenant.WithID(context.Background(), testTenant)
}

// fakeExecutor records calls. Jobs registered through Schedule stay
// scheduled; ExecuteNow registrations are treated as already consumed.
type fakeExecutor struct {
	mu        sync.Mutex
	scheduled map[string]JobStatus
	now       []Identifier
	exclusive []bool // exclusive flag of each ExecuteNow call
	deleted   []string
	paused    map[string]bool

	scheduleErr error
	deleteErr   error
	stillErr    error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{scheduled: map[string]JobStatus{}, paused: map[string]bool{}}
}

func key(tenantID, jobName string) string { return tenantID + "/" + jobName }

func (f *fakeExecutor) Schedule(_ context.Context, id Identifier, trigger Trigger, exclusive bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scheduleErr != nil {
		return f.scheduleErr
	}
	f.scheduled[key(id.TenantID, id.JobName)] = JobStatus{Job: id, Trigger: trigger.String(), OneShot: trigger.OneShot(), Exclusive: exclusive}
	return nil
}

func (f *fakeExecutor) ExecuteNow(_ context.Context, id Identifier, exclusive bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scheduleErr != nil {
		return f.scheduleErr
	}
	f.now = append(f.now, id)
	f.exclusive = append(f.exclusive, exclusive)
	return nil
}

func (f *fakeExecutor) Delete(_ context.Context, tenantID, jobName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, key(tenantID, jobName))
	delete(f.scheduled, key(tenantID, jobName))
	return nil
}

func (f *fakeExecutor) DeleteJobs(_ context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	for k, st := range f.scheduled {
		if st.Job.TenantID == tenantID {
			delete(f.scheduled, k)
		}
	}
	return nil
}

func (f *fakeExecutor) PauseJobs(_ context.Context, tenantID string) error {
	f.mu.Lock()
	f.paused[tenantID] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeExecutor) ResumeJobs(_ context.Context, tenantID string) error {
	f.mu.Lock()
	delete(f.paused, tenantID)
	f.mu.Unlock()
	return nil
}

func (f *fakeExecutor) IsStillScheduled(_ context.Context, tenantID, jobName string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stillErr != nil {
		return false, f.stillErr
	}
	_, ok := f.scheduled[key(tenantID, jobName)]
	return ok, nil
}

func (f *fakeExecutor) GetJobs(_ context.Context, tenantID string) ([]JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []JobStatus
	for _, st := range f.scheduled {
		if st.Job.TenantID == tenantID {
			st.Paused = f.paused[tenantID]
			out = append(out, st)
		}
	}
	return out, nil
}

func (f *fakeExecutor) GetAllJobs(_ context.Context) ([]JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []JobStatus
	for _, st := range f.scheduled {
		out = append(out, st)
	}
	return out, nil
}

func (f *fakeExecutor) deletedJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// funcJob adapts a function to Job.
type funcJob struct {
	name  string
	attrs map[string]string
	run   func(ctx context.Context, attrs map[string]string) error
}

func (j *funcJob) Execute(ctx context.Context) error { return j.run(ctx, j.attrs) }

func (j *funcJob) SetAttributes(attrs map[string]string) error {
	j.attrs = attrs
	return nil
}

func (j *funcJob) Name() string        { return j.name }
func (j *funcJob) Description() string { return "test job " + j.name }

var errBoom = errors.New("boom")

type harness struct {
	t         *testing.T
	db        *sql.DB
	tm        *txn.Manager
	store     *Store
	exec      *fakeExecutor
	binder    *tenant.ContextBinder
	registry  *Registry
	events    *Events
	incidents *incident.MemorySink
	runner    *async.Runner
	recorder  *Recorder
	isolator  *Isolator
	wrapper   *Wrapper
	listener  *Listener
	firer     *Firer
	service   *Service
	logger    *zap.SugaredLogger

	mu     sync.Mutex
	states []State
	runs   map[string]int
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	conn := jktest.CreateTestDB(t)
	_, err := conn.Exec("CREATE TABLE sentinel (v TEXT NOT NULL)")
	require.NoError(t, err)

	h := &harness{
		t:         t,
		db:        conn,
		exec:      newFakeExecutor(),
		binder:    tenant.NewContextBinder(),
		registry:  NewRegistry(),
		incidents: &incident.MemorySink{},
		logger:    zaptest.NewLogger(t).Sugar(),
		runs:      map[string]int{},
	}
	h.tm = txn.NewManager(conn, h.logger)
	h.store = NewStore(h.tm)
	h.events = NewEvents(h.logger)
	h.runner = async.NewRunner(async.Config{Workers: 2, TaskTimeout: 5 * time.Second}, h.logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.runner.Close(ctx)
	})
	h.recorder = NewRecorder(h.store, h.exec, h.logger)
	h.isolator = NewIsolator(h.runner, h.tm, h.binder, h.recorder, h.incidents,
		IsolationConfig{RetryAttempts: 2, RetryDelay: time.Millisecond}, h.logger)
	h.wrapper = NewWrapper(h.tm, h.binder, h.events, h.isolator, h.logger)
	h.wrapper.OnState = func(_ Identifier, s State) {
		h.mu.Lock()
		h.states = append(h.states, s)
		h.mu.Unlock()
	}
	h.listener = NewListener(h.store, h.recorder, h.exec, h.binder, h.tm, h.incidents, h.logger)
	h.firer = NewFirer(h.listener, h.wrapper, h.store, h.registry, h.tm, h.logger)
	h.service = NewService(h.store, h.exec, h.tm, h.registry, h.logger)

	h.register("noop", func(context.Context, map[string]string) error { return nil })
	h.register("fail", func(context.Context, map[string]string) error { return errBoom })
	h.register("panic", func(context.Context, map[string]string) error { panic("kaboom") })
	// sentinel writes attrs["value"] in the firing's transaction and fails when attrs["fail"] is "true"
	h.register("sentinel", func(ctx context.Context, attrs map[string]string) error {
		if _, err := h.tm.Conn(ctx).ExecContext(ctx, "INSERT INTO sentinel (v) VALUES (?)", attrs["value"]); err != nil {
			return err
		}
		if attrs["fail"] == "true" {
			return errBoom
		}
		return nil
	})
	return h
}

// register adds a handler whose runs are counted under its name.
func (h *harness) register(name string, run func(ctx context.Context, attrs map[string]string) error) {
	h.registry.Register(name, func() Job {
		return &funcJob{name: name, run: func(ctx context.Context, attrs map[string]string) error {
			h.mu.Lock()
			h.runs[name]++
			h.mu.Unlock()
			return run(ctx, attrs)
		}}
	})
}

func (h *harness) runCount(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs[name]
}

func (h *harness) recordedStates() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

// createDescriptor inserts a descriptor directly, bypassing the facade.
func (h *harness) createDescriptor(tenantID, jobName, handler string) *Descriptor {
	h.t.Helper()
	d := &Descriptor{TenantID: tenantID, JobName: jobName, HandlerName: handler}
	require.NoError(h.t, h.store.CreateDescriptor(context.Background(), d))
	return d
}

func (h *harness) jobLog(descriptorID int64) *JobLog {
	h.t.Helper()
	l, err := h.store.GetLog(context.Background(), descriptorID)
	if errors.IsNotFoundError(err) {
		return nil
	}
	require.NoError(h.t, err)
	return l
}

func (h *harness) count(table, where string, args ...any) int {
	h.t.Helper()
	return jktest.CountRows(h.t, h.db, table, where, args...)
}
