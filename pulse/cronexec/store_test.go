package cronexec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jktest "github.com/teranos/jobkeeper/internal/testing"
	"github.com/teranos/jobkeeper/pulse/schedule"
	"github.com/teranos/jobkeeper/pulse/txn"
)

func TestTriggerStore(t *testing.T) {
	conn := jktest.CreateTestDB(t)
	s := NewTriggerStore(txn.NewManager(conn, nil))
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, Record{Job: nightly, Trigger: schedule.Trigger{Every: 90 * time.Second, StartAt: start}, Exclusive: true}))
	require.NoError(t, s.Save(ctx, Record{Job: schedule.Identifier{ID: 2, TenantID: "acme", JobName: "once"}, Trigger: schedule.Trigger{StartAt: start}}))

	records, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, nightly, records[0].Job)
	assert.Equal(t, 90*time.Second, records[0].Trigger.Every)
	assert.True(t, start.Equal(records[0].Trigger.StartAt))
	assert.True(t, records[0].Exclusive)
	assert.False(t, records[0].OneShot())
	assert.False(t, records[0].CreatedAt.IsZero())

	assert.Equal(t, "once", records[1].Job.JobName)
	assert.True(t, records[1].OneShot())
	assert.Equal(t, 1, jktest.CountRows(t, conn, "job_trigger", "one_shot = 1"))

	t.Run("save replaces", func(t *testing.T) {
		require.NoError(t, s.Save(ctx, Record{Job: nightly, Trigger: schedule.Trigger{Cron: "@daily"}}))
		records, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "@daily", records[0].Trigger.Cron)
		assert.Zero(t, records[0].Trigger.Every)
		assert.True(t, records[0].Trigger.StartAt.IsZero())
	})

	t.Run("delete", func(t *testing.T) {
		ok, err := s.Delete(ctx, "acme", "once")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.Delete(ctx, "acme", "once")
		require.NoError(t, err)
		assert.False(t, ok)

		n, err := s.DeleteTenant(ctx, "acme")
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})

	t.Run("pause", func(t *testing.T) {
		require.NoError(t, s.Pause(ctx, "acme"))
		require.NoError(t, s.Pause(ctx, "acme"))
		require.NoError(t, s.Pause(ctx, "globex"))

		paused, err := s.Paused(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"acme", "globex"}, paused)

		require.NoError(t, s.Resume(ctx, "acme"))
		paused, err = s.Paused(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"globex"}, paused)
	})
}
