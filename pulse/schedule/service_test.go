package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/jobkeeper/errors"
	"github.com/teranos/jobkeeper/tenant"
)

// An immediate job that succeeds leaves nothing behind.
func TestExecuteNowSuccessRemovesDescriptor(t *testing.T) {
	h := newHarness(t)
	ctx := tenantCtx()

	d, err := h.service.Schedule(ctx, Descriptor{JobName: "J1", HandlerName: "noop", DisallowConcurrent: true}, map[string]string{"k": "v"}, nil)
	require.NoError(t, err)
	assert.True(t, d.DisallowConcurrent)
	require.Len(t, h.exec.now, 1)
	assert.Equal(t, d.Identifier(), h.exec.now[0])
	assert.Equal(t, []bool{true}, h.exec.exclusive, "disallow-concurrent reaches the executor")

	require.NoError(t, h.firer.Fire(context.Background(), d.Identifier()))

	assert.Equal(t, 1, h.runCount("noop"))
	assert.Equal(t, 0, h.count("job_descriptor", "job_name = ?", "J1"))
	assert.Equal(t, 0, h.count("job_parameter", ""))
	assert.Equal(t, 0, h.count("job_log", ""))
}

// A recurring job fails once, then recovers.
func TestRecurringJobRecovers(t *testing.T) {
	h := newHarness(t)
	ctx := tenantCtx()

	attempts := 0
	h.register("flaky", func(ctx context.Context, _ map[string]string) error {
		attempts++
		if _, err := h.tm.Conn(ctx).ExecContext(ctx, "INSERT INTO sentinel (v) VALUES ('flaky')"); err != nil {
			return err
		}
		if attempts == 1 {
			return errBoom
		}
		return nil
	})

	d, err := h.service.Schedule(ctx, Descriptor{JobName: "J2", HandlerName: "flaky"}, nil, &Trigger{Every: time.Hour})
	require.NoError(t, err)

	err = h.firer.Fire(context.Background(), d.Identifier())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errBoom))
	l := h.jobLog(d.ID)
	require.NotNil(t, l)
	assert.Equal(t, 0, l.RetryNumber)
	assert.Equal(t, 0, h.count("sentinel", ""))

	require.NoError(t, h.firer.Fire(context.Background(), d.Identifier()))
	assert.Nil(t, h.jobLog(d.ID))
	assert.Equal(t, 1, h.count("job_descriptor", "id = ?", d.ID))
	assert.Equal(t, 1, h.count("sentinel", ""))
}

func TestRepeatedFailuresCountRetries(t *testing.T) {
	h := newHarness(t)
	d, err := h.service.Schedule(tenantCtx(), Descriptor{JobName: "J3", HandlerName: "fail"}, nil, &Trigger{Cron: "@hourly"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.Error(t, h.firer.Fire(context.Background(), d.Identifier()))
	}
	assert.Equal(t, 2, h.jobLog(d.ID).RetryNumber)
	assert.Equal(t, 1, h.count("job_log", ""))
}

func TestFireOrphanDoesNotRunJob(t *testing.T) {
	h := newHarness(t)
	d, err := h.service.Schedule(tenantCtx(), Descriptor{JobName: "J4", HandlerName: "noop"}, nil, &Trigger{Every: time.Minute})
	require.NoError(t, err)
	_, err = h.store.DeleteDescriptor(context.Background(), d.ID)
	require.NoError(t, err)

	err = h.firer.Fire(context.Background(), d.Identifier())
	assert.True(t, errors.Is(err, ErrOrphanJob))
	assert.Equal(t, 0, h.runCount("noop"))
	assert.Contains(t, h.exec.deletedJobs(), "acme/J4")
}

func TestFireReplaysParameters(t *testing.T) {
	h := newHarness(t)
	d, err := h.service.Schedule(tenantCtx(), Descriptor{JobName: "J5", HandlerName: "sentinel"},
		map[string]string{"value": "from-params"}, &Trigger{Every: time.Minute})
	require.NoError(t, err)

	require.NoError(t, h.firer.Fire(context.Background(), d.Identifier()))
	assert.Equal(t, 1, h.count("sentinel", "v = ?", "from-params"))
}

func TestFireUnknownHandlerIsRecorded(t *testing.T) {
	h := newHarness(t)
	d := h.createDescriptor(testTenant, "J6", "retired-handler")
	h.exec.scheduled[key(testTenant, "J6")] = JobStatus{}

	err := h.firer.Fire(context.Background(), d.Identifier())
	assert.True(t, errors.Is(err, ErrUnknownHandler))
	require.NotNil(t, h.jobLog(d.ID))
	assert.Zero(t, h.binder.Active())
}

func TestFireUnrecordableFailureIsEscalated(t *testing.T) {
	h := newHarness(t)
	d := h.createDescriptor(testTenant, "J7", "retired-handler")
	_, err := h.db.Exec("DROP TABLE job_log")
	require.NoError(t, err)

	err = h.firer.Fire(context.Background(), d.Identifier())
	assert.True(t, errors.Is(err, ErrUnknownHandler), "the job failure stays the primary error")

	incidents := h.incidents.All()
	require.Len(t, incidents, 1)
	var bk *BookkeepingError
	require.True(t, errors.As(incidents[0].Incident.Err, &bk))
	assert.Equal(t, d.Identifier(), bk.Job)
	assert.True(t, errors.Is(incidents[0].Incident.Original, ErrUnknownHandler))
}

func TestDisallowConcurrentReachesExecutor(t *testing.T) {
	h := newHarness(t)
	ctx := tenantCtx()

	_, err := h.service.Schedule(ctx, Descriptor{JobName: "exclusive", HandlerName: "noop", DisallowConcurrent: true}, nil, &Trigger{Cron: "@hourly"})
	require.NoError(t, err)
	_, err = h.service.Schedule(ctx, Descriptor{JobName: "shared", HandlerName: "noop"}, nil, &Trigger{Cron: "@hourly"})
	require.NoError(t, err)
	assert.True(t, h.exec.scheduled[key(testTenant, "exclusive")].Exclusive)
	assert.False(t, h.exec.scheduled[key(testTenant, "shared")].Exclusive)

	_, err = h.service.ExecuteNow(ctx, Descriptor{JobName: "now-exclusive", HandlerName: "noop", DisallowConcurrent: true}, nil)
	require.NoError(t, err)
	_, err = h.service.ExecuteNow(ctx, Descriptor{JobName: "now-shared", HandlerName: "noop"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, h.exec.exclusive)

	stored, err := h.store.FindDescriptor(context.Background(), testTenant, "now-exclusive")
	require.NoError(t, err)
	assert.True(t, stored.DisallowConcurrent)
}

func TestScheduleValidation(t *testing.T) {
	h := newHarness(t)
	ctx := tenantCtx()

	tests := []struct {
		name    string
		d       Descriptor
		trigger *Trigger
	}{
		{"empty job name", Descriptor{JobName: "  ", HandlerName: "noop"}, &Trigger{Every: time.Minute}},
		{"no handler", Descriptor{JobName: "x"}, &Trigger{Every: time.Minute}},
		{"unknown handler", Descriptor{JobName: "x", HandlerName: "nope"}, &Trigger{Every: time.Minute}},
		{"empty trigger", Descriptor{JobName: "x", HandlerName: "noop"}, &Trigger{}},
		{"foreign tenant", Descriptor{TenantID: "globex", JobName: "x", HandlerName: "noop"}, &Trigger{Every: time.Minute}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.service.Schedule(ctx, tt.d, nil, tt.trigger)
			var callerErr *CallerContractError
			require.True(t, errors.As(err, &callerErr), "got %v", err)
		})
	}
	assert.Equal(t, 0, h.count("job_descriptor", ""))
	assert.Empty(t, h.exec.scheduled)
}

func TestScheduleRequiresTenant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.Schedule(ctx, Descriptor{JobName: "x", HandlerName: "noop"}, nil, &Trigger{Every: time.Minute})
	assert.True(t, errors.Is(err, ErrTenantNotBound))
	_, err = h.service.ExecuteNow(ctx, Descriptor{JobName: "x", HandlerName: "noop"}, nil)
	assert.True(t, errors.Is(err, ErrTenantNotBound))
	assert.True(t, errors.Is(h.service.Delete(ctx, "x"), ErrTenantNotBound))
	assert.True(t, errors.Is(h.service.DeleteAllJobs(ctx), ErrTenantNotBound))
	assert.True(t, errors.Is(h.service.Pause(ctx, ""), ErrTenantNotBound))
	_, err = h.service.GetJobs(ctx)
	assert.True(t, errors.Is(err, ErrTenantNotBound))
	assert.True(t, errors.Is(h.service.SetJobParameters(ctx, 1, nil), ErrTenantNotBound))
}

func TestScheduleDuplicateName(t *testing.T) {
	h := newHarness(t)
	ctx := tenantCtx()
	trigger := &Trigger{Every: time.Minute}

	_, err := h.service.Schedule(ctx, Descriptor{JobName: "dup", HandlerName: "noop"}, nil, trigger)
	require.NoError(t, err)

	_, err = h.service.Schedule(ctx, Descriptor{JobName: "dup", HandlerName: "noop"}, nil, trigger)
	var callerErr *CallerContractError
	require.True(t, errors.As(err, &callerErr))
	assert.True(t, errors.Is(err, errors.ErrConflict))
	assert.Equal(t, 1, h.count("job_descriptor", "job_name = ?", "dup"))

	require.NoError(t, h.service.Delete(ctx, "dup"))
	_, err = h.service.Schedule(ctx, Descriptor{JobName: "dup", HandlerName: "noop"}, nil, trigger)
	require.NoError(t, err)
}

func TestScheduleBackendFailureKeepsRows(t *testing.T) {
	h := newHarness(t)
	h.exec.scheduleErr = errors.New("scheduler down")

	d, err := h.service.Schedule(tenantCtx(), Descriptor{JobName: "x", HandlerName: "noop"}, map[string]string{"a": "1"}, &Trigger{Every: time.Minute})
	var backendErr *SchedulingBackendError
	require.True(t, errors.As(err, &backendErr))
	assert.Equal(t, "schedule", backendErr.Op)
	require.NotNil(t, d)
	assert.Equal(t, 1, h.count("job_descriptor", "id = ?", d.ID))
	assert.Equal(t, 1, h.count("job_parameter", "job_descriptor_id = ?", d.ID))
}

func TestDeleteIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := tenantCtx()

	d, err := h.service.Schedule(ctx, Descriptor{JobName: "gone", HandlerName: "noop"}, map[string]string{"a": "1"}, &Trigger{Every: time.Minute})
	require.NoError(t, err)
	require.NoError(t, h.recorder.RecordFailure(ctx, d.ID, errBoom))

	require.NoError(t, h.service.Delete(ctx, "gone"))
	require.NoError(t, h.service.Delete(ctx, "gone"))
	require.NoError(t, h.service.Delete(ctx, "never-existed"))

	assert.Equal(t, 0, h.count("job_descriptor", ""))
	assert.Equal(t, 0, h.count("job_parameter", ""))
	assert.Equal(t, 0, h.count("job_log", ""))
	assert.NotContains(t, h.exec.scheduled, key(testTenant, "gone"))

	var callerErr *CallerContractError
	assert.True(t, errors.As(h.service.Delete(ctx, ""), &callerErr))
}

func TestDeleteBackendFailureKeepsDescriptor(t *testing.T) {
	h := newHarness(t)
	ctx := tenantCtx()
	_, err := h.service.Schedule(ctx, Descriptor{JobName: "x", HandlerName: "noop"}, nil, &Trigger{Every: time.Minute})
	require.NoError(t, err)

	h.exec.deleteErr = errors.New("scheduler down")
	var backendErr *SchedulingBackendError
	require.True(t, errors.As(h.service.Delete(ctx, "x"), &backendErr))
	assert.Equal(t, 1, h.count("job_descriptor", ""))
}

func TestDeleteAllJobs(t *testing.T) {
	h := newHarness(t)
	ctx := tenantCtx()
	other := tenant.WithID(context.Background(), "globex")
	trigger := &Trigger{Every: time.Minute}

	for _, name := range []string{"a", "b"} {
		_, err := h.service.Schedule(ctx, Descriptor{JobName: name, HandlerName: "noop"}, nil, trigger)
		require.NoError(t, err)
	}
	_, err := h.service.Schedule(other, Descriptor{JobName: "a", HandlerName: "noop"}, nil, trigger)
	require.NoError(t, err)

	require.NoError(t, h.service.DeleteAllJobs(ctx))
	assert.Equal(t, 0, h.count("job_descriptor", "tenant_id = ?", testTenant))
	assert.Equal(t, 1, h.count("job_descriptor", "tenant_id = ?", "globex"))
	assert.Contains(t, h.exec.scheduled, key("globex", "a"))
	assert.Len(t, h.exec.scheduled, 1)
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t)
	ctx := tenantCtx()

	require.NoError(t, h.service.Pause(ctx, ""))
	assert.True(t, h.exec.paused[testTenant])
	require.NoError(t, h.service.Resume(ctx, testTenant))
	assert.False(t, h.exec.paused[testTenant])

	var callerErr *CallerContractError
	assert.True(t, errors.As(h.service.Pause(ctx, "globex"), &callerErr))
	assert.True(t, errors.As(h.service.Resume(ctx, "globex"), &callerErr))
	assert.False(t, h.exec.paused["globex"])
}

func TestGetJobs(t *testing.T) {
	h := newHarness(t)
	ctx := tenantCtx()

	hourly, err := h.service.Schedule(ctx, Descriptor{JobName: "hourly", HandlerName: "noop"}, nil, &Trigger{Cron: "@hourly"})
	require.NoError(t, err)
	_, err = h.service.ExecuteNow(ctx, Descriptor{JobName: "adhoc", HandlerName: "noop"}, nil)
	require.NoError(t, err)
	require.NoError(t, h.recorder.RecordFailure(ctx, hourly.ID, errBoom))
	_, err = h.service.Schedule(tenant.WithID(context.Background(), "globex"), Descriptor{JobName: "theirs", HandlerName: "noop"}, nil, &Trigger{Cron: "@hourly"})
	require.NoError(t, err)

	jobs, err := h.service.GetJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, "adhoc", jobs[0].Descriptor.JobName)
	assert.Nil(t, jobs[0].Status)
	assert.Nil(t, jobs[0].Log)

	assert.Equal(t, "hourly", jobs[1].Descriptor.JobName)
	require.NotNil(t, jobs[1].Status)
	assert.Equal(t, "cron @hourly", jobs[1].Status.Trigger)
	require.NotNil(t, jobs[1].Log)
	assert.Equal(t, 0, jobs[1].Log.RetryNumber)

	logs, err := h.service.ListJobLogs(ctx)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "hourly", logs[0].JobName)
}

func TestJobParametersRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := tenantCtx()

	d, err := h.service.Schedule(ctx, Descriptor{JobName: "x", HandlerName: "noop"}, map[string]string{"old": "1"}, &Trigger{Every: time.Minute})
	require.NoError(t, err)

	params := map[string]string{"region": "eu-west-1", "batch": "500", "empty": ""}
	require.NoError(t, h.service.SetJobParameters(ctx, d.ID, params))

	got, err := h.service.GetJobParameters(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, params, got)

	t.Run("other tenants cannot see or change them", func(t *testing.T) {
		other := tenant.WithID(context.Background(), "globex")
		err := h.service.SetJobParameters(other, d.ID, map[string]string{"x": "y"})
		assert.True(t, errors.IsNotFoundError(err))
		_, err = h.service.GetJobParameters(other, d.ID)
		assert.True(t, errors.IsNotFoundError(err))

		got, err := h.service.GetJobParameters(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, params, got)
	})
}
