package sweeper

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/cozegate/internal/metrics"
	"github.com/ashureev/cozegate/internal/session"
	"github.com/ashureev/cozegate/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePruner struct {
	n     int
	err   error
	calls atomic.Int32
}

func (f *fakePruner) Prune(ctx context.Context) (int, error) {
	f.calls.Add(1)
	return f.n, f.err
}

type fakePurger struct {
	conflicts int
	n         int64
	calls     int
}

func (f *fakePurger) PurgeExpired(ctx context.Context) (int64, error) {
	f.calls++
	if f.calls <= f.conflicts {
		return 0, errors.New("purge: database is locked (5) (SQLITE_BUSY)")
	}
	return f.n, nil
}

func TestRunOnce(t *testing.T) {
	m := metrics.NewMetrics()
	pr := &fakePruner{n: 2}
	pg := &fakePurger{n: 7, conflicts: 1}

	report, err := New(pr, pg, m).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.PrunedSessions)
	assert.Equal(t, int64(7), report.PurgedRecords)
	assert.Equal(t, 2, pg.calls, "conflict is retried")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SweepRuns))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.SweepPurged))

	fields := report.Fields()
	assert.Equal(t, 2, fields["pruned_sessions"])
	assert.Equal(t, int64(7), fields["purged_records"])
}

func TestRunOnceWithoutPurger(t *testing.T) {
	report, err := New(&fakePruner{n: 1}, nil, nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.PrunedSessions)
	assert.Zero(t, report.PurgedRecords)
}

func TestRunOnceReportsPruneFailure(t *testing.T) {
	pg := &fakePurger{}
	_, err := New(&fakePruner{err: errors.New("store down")}, pg, nil).RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prune sessions")
	assert.Zero(t, pg.calls)
}

func TestRunOnceAgainstSQLite(t *testing.T) {
	ctx := context.Background()
	kv, err := store.NewSQLite(filepath.Join(t.TempDir(), "sweep.db"), "coze:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	require.NoError(t, kv.Set(ctx, "task:old", []byte(`{}`), time.Millisecond))
	reg := session.NewRegistry(kv, session.Config{IdleTTL: time.Hour}, nil)
	sess, err := reg.Open(ctx, session.OpenRequest{UserID: "u1", BotID: "b1"})
	require.NoError(t, err)
	_, err = kv.Delete(ctx, "session:"+sess.ID)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	report, err := New(reg, kv, nil).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PrunedSessions)
	assert.GreaterOrEqual(t, report.PurgedRecords, int64(1))

	stats, err := reg.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.ActiveSessions)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	err := New(&fakePruner{}, nil, nil).Start(context.Background(), "every now and then")
	assert.Error(t, err)
}

func TestStartRunsOnSchedule(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pr := &fakePruner{}
	require.NoError(t, New(pr, nil, nil).Start(ctx, "@every 1s"))

	require.Eventually(t, func() bool {
		return pr.calls.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)
}
