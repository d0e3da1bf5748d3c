package schedule

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/jobkeeper/errors"
	"github.com/teranos/jobkeeper/tenant"
)

func TestBeforeExecute(t *testing.T) {
	h := newHarness(t)
	d := h.createDescriptor(testTenant, "nightly", "noop")

	f, err := h.listener.BeforeExecute(context.Background(), d.Identifier())
	require.NoError(t, err)
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, d.ID, f.Descriptor.ID)
	assert.Equal(t, testTenant, tenant.ID(f.Context()))
	assert.Equal(t, f.ID, firingIDFrom(f.Context()))
	assert.EqualValues(t, 1, h.binder.Active())

	require.NoError(t, h.listener.AfterExecute(f, nil))
	assert.Zero(t, h.binder.Active())
}

func TestBeforeExecuteOrphan(t *testing.T) {
	t.Run("deregisters the trigger of a deleted job", func(t *testing.T) {
		h := newHarness(t)
		d := h.createDescriptor(testTenant, "nightly", "noop")
		h.exec.scheduled[key(testTenant, "nightly")] = JobStatus{Job: d.Identifier()}
		_, err := h.store.DeleteDescriptor(context.Background(), d.ID)
		require.NoError(t, err)

		f, err := h.listener.BeforeExecute(context.Background(), d.Identifier())
		assert.Nil(t, f)
		assert.True(t, errors.Is(err, ErrOrphanJob))
		assert.Equal(t, []string{"acme/nightly"}, h.exec.deletedJobs())
		assert.Zero(t, h.binder.Active())
	})

	t.Run("leaves the trigger of a re-created job alone", func(t *testing.T) {
		h := newHarness(t)
		old := h.createDescriptor(testTenant, "nightly", "noop")
		_, err := h.store.DeleteDescriptor(context.Background(), old.ID)
		require.NoError(t, err)
		h.createDescriptor(testTenant, "nightly", "noop")

		_, err = h.listener.BeforeExecute(context.Background(), old.Identifier())
		assert.True(t, errors.Is(err, ErrOrphanJob))
		assert.Empty(t, h.exec.deletedJobs())
	})

	t.Run("descriptor of another tenant is an orphan", func(t *testing.T) {
		h := newHarness(t)
		d := h.createDescriptor("globex", "nightly", "noop")
		id := d.Identifier()
		id.TenantID = testTenant

		_, err := h.listener.BeforeExecute(context.Background(), id)
		assert.True(t, errors.Is(err, ErrOrphanJob))
		assert.Equal(t, []string{"acme/nightly"}, h.exec.deletedJobs())
	})

	t.Run("deregistration failure is attached", func(t *testing.T) {
		h := newHarness(t)
		h.exec.deleteErr = errors.New("scheduler down")

		_, err := h.listener.BeforeExecute(context.Background(), Identifier{ID: 42, TenantID: testTenant, JobName: "ghost"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrOrphanJob))
		assert.Contains(t, fmt.Sprintf("%+v", err), "scheduler down")
	})

	t.Run("unbindable tenant", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.listener.BeforeExecute(context.Background(), Identifier{ID: 1, JobName: "nightly"})
		assert.True(t, errors.Is(err, tenant.ErrInvalidID))
	})
}

func TestAfterExecute(t *testing.T) {
	t.Run("records a failure the wrapper did not", func(t *testing.T) {
		h := newHarness(t)
		d := h.createDescriptor(testTenant, "nightly", "noop")
		f, err := h.listener.BeforeExecute(context.Background(), d.Identifier())
		require.NoError(t, err)

		require.NoError(t, h.listener.AfterExecute(f, errors.New("could not load parameters")))
		l := h.jobLog(d.ID)
		require.NotNil(t, l)
		assert.Equal(t, 0, l.RetryNumber)
	})

	t.Run("skips a failure already recorded", func(t *testing.T) {
		h := newHarness(t)
		d := h.createDescriptor(testTenant, "nightly", "noop")
		f, err := h.listener.BeforeExecute(context.Background(), d.Identifier())
		require.NoError(t, err)

		recorded := &JobExecutionError{Job: d.Identifier(), Err: errBoom, Recorded: true}
		require.NoError(t, h.listener.AfterExecute(f, recorded))
		assert.Nil(t, h.jobLog(d.ID))
	})
	t.Run("escalates a failure it cannot record", func(t *testing.T) {
		h := newHarness(t)
		d := h.createDescriptor(testTenant, "nightly", "noop")
		f, err := h.listener.BeforeExecute(context.Background(), d.Identifier())
		require.NoError(t, err)

		_, err = h.db.Exec("DROP TABLE job_log")
		require.NoError(t, err)

		outcome := errors.New("could not load parameters")
		err = h.listener.AfterExecute(f, outcome)
		var bk *BookkeepingError
		require.True(t, errors.As(err, &bk))
		assert.Equal(t, outcome, bk.Original)

		incidents := h.incidents.All()
		require.Len(t, incidents, 1)
		assert.Equal(t, testTenant, incidents[0].TenantID)
		assert.Equal(t, "after-execute", incidents[0].Incident.Source)
		assert.Equal(t, d.ID, incidents[0].Incident.DescriptorID)
		assert.NotEmpty(t, incidents[0].Incident.FiringID)
		assert.Equal(t, outcome, incidents[0].Incident.Original)
		assert.Zero(t, h.binder.Active())
	})
}
