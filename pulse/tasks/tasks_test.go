package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/hubjobs/errors"
	hubtest "github.com/teranos/hubjobs/internal/testing"
)

func insertJob(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO jobs (id, source, target, state, graph, created_at, updated_at)
		VALUES (?, '{}', '{}', 'RUNNING', '{}', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`, id)
	require.NoError(t, err)
}

func inputs(n int) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := range out {
		out[i] = json.RawMessage(`{"partition":` + string(rune('0'+i%10)) + `}`)
	}
	return out
}

// stores runs a test against both Store implementations
func stores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) {
		db := hubtest.CreateMigratedTestDB(t)
		insertJob(t, db, "job")
		fn(t, NewTracker(db))
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewCounter())
	})
}

func TestTaskProgressCompletion(t *testing.T) {
	p := TaskProgress{Total: 100, Started: 100, Finalized: 99}
	assert.False(t, p.IsComplete())
	assert.Equal(t, 1, p.Remaining())

	p.Finalized = 100
	assert.True(t, p.IsComplete())

	// Completion depends only on finalized, not on started
	assert.True(t, TaskProgress{Total: 3, Started: 0, Finalized: 3}.IsComplete())
	assert.True(t, TaskProgress{}.IsComplete())
}

func TestStoreOutOfOrderFinalize(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Init(ctx, "job", "export", inputs(100)))

		started, err := s.NextPending(ctx, "job", "export", 100)
		require.NoError(t, err)
		require.Len(t, started, 100)

		order := rand.New(rand.NewSource(7)).Perm(100)
		for _, id := range order[:99] {
			require.NoError(t, s.Finalize(ctx, "job", "export", id))
		}

		p, err := s.Progress(ctx, "job", "export")
		require.NoError(t, err)
		assert.Equal(t, 100, p.Total)
		assert.Equal(t, 99, p.Finalized)
		assert.False(t, p.IsComplete())

		// A duplicate signal does not count twice
		require.NoError(t, s.Finalize(ctx, "job", "export", order[0]))
		p, _ = s.Progress(ctx, "job", "export")
		assert.Equal(t, 99, p.Finalized)

		require.NoError(t, s.Finalize(ctx, "job", "export", order[99]))
		p, _ = s.Progress(ctx, "job", "export")
		assert.True(t, p.IsComplete())
	})
}

func TestStoreInitIsIdempotent(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Init(ctx, "job", "export", inputs(3)))
		require.NoError(t, s.Finalize(ctx, "job", "export", 1))

		// Resume calls Init again; finalized tasks stay finalized
		require.NoError(t, s.Init(ctx, "job", "export", inputs(3)))
		p, err := s.Progress(ctx, "job", "export")
		require.NoError(t, err)
		assert.Equal(t, 3, p.Total)
		assert.Equal(t, 1, p.Finalized)
	})
}

func TestStoreDispatchAndReset(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Init(ctx, "job", "export", inputs(5)))

		first, err := s.NextPending(ctx, "job", "export", 2)
		require.NoError(t, err)
		require.Len(t, first, 2)
		assert.Equal(t, 0, first[0].ID)
		assert.Equal(t, 1, first[1].ID)
		assert.JSONEq(t, `{"partition":0}`, string(first[0].Input))

		require.NoError(t, s.Finalize(ctx, "job", "export", 0))

		n, err := s.ResetStarted(ctx, "job", "export")
		require.NoError(t, err)
		assert.Equal(t, 1, n, "only the unfinished started task goes back")

		next, err := s.NextPending(ctx, "job", "export", 10)
		require.NoError(t, err)
		assert.Len(t, next, 4)
	})
}

func TestStoreFailRetriesUntilExhausted(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Init(ctx, "job", "export", inputs(1)))

		_, err := s.NextPending(ctx, "job", "export", 1)
		require.NoError(t, err)
		exhausted, err := s.Fail(ctx, "job", "export", 0, errors.New("write failed"), 2)
		require.NoError(t, err)
		assert.False(t, exhausted)

		again, err := s.NextPending(ctx, "job", "export", 1)
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.Equal(t, 1, again[0].Attempts)

		exhausted, err = s.Fail(ctx, "job", "export", 0, errors.New("write failed"), 2)
		require.NoError(t, err)
		assert.True(t, exhausted)

		p, err := s.Progress(ctx, "job", "export")
		require.NoError(t, err)
		assert.Equal(t, 1, p.Failed)
	})
}

func TestStoreUnknownTask(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		err := s.Finalize(context.Background(), "job", "export", 42)
		assert.True(t, errors.IsNotFoundError(err))
	})
}

func TestStoreDiscard(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Init(ctx, "job", "export", inputs(2)))
		require.NoError(t, s.Discard(ctx, "job", "export"))
		p, err := s.Progress(ctx, "job", "export")
		require.NoError(t, err)
		assert.Equal(t, 0, p.Total)
	})
}

func TestTrackerTaskView(t *testing.T) {
	db := hubtest.CreateMigratedTestDB(t)
	insertJob(t, db, "job")
	tr := NewTracker(db)
	ctx := context.Background()
	require.NoError(t, tr.Init(ctx, "job", "export", inputs(2)))
	require.NoError(t, tr.Finalize(ctx, "job", "export", 1))

	p, err := tr.Task(ctx, "job", "export", 1)
	require.NoError(t, err)
	require.NotNil(t, p.TaskID)
	assert.Equal(t, 1, *p.TaskID)
	assert.True(t, p.IsComplete())

	_, err = tr.Task(ctx, "job", "export", 9)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestTrackerStampsUTC(t *testing.T) {
	local := time.Local
	time.Local = time.FixedZone("CEST", 2*60*60)
	defer func() { time.Local = local }()

	db := hubtest.CreateMigratedTestDB(t)
	insertJob(t, db, "job")
	tr := NewTracker(db)
	ctx := context.Background()
	require.NoError(t, tr.Init(ctx, "job", "export", inputs(2)))
	_, err := tr.NextPending(ctx, "job", "export", 2)
	require.NoError(t, err)
	require.NoError(t, tr.Finalize(ctx, "job", "export", 0))

	var started, finalized string
	require.NoError(t, db.QueryRow(`
		SELECT CAST(started_at AS TEXT), CAST(finalized_at AS TEXT) FROM step_tasks
		WHERE job_id = 'job' AND step_id = 'export' AND task_id = 0
	`).Scan(&started, &finalized))
	for _, stamp := range []string{started, finalized} {
		assert.True(t, strings.HasSuffix(stamp, "+00:00"), stamp)
	}
}

func TestTrackerCascadesWithJob(t *testing.T) {
	db := hubtest.CreateMigratedTestDB(t)
	insertJob(t, db, "job")
	tr := NewTracker(db)
	ctx := context.Background()
	require.NoError(t, tr.Init(ctx, "job", "export", inputs(2)))

	_, err := db.Exec(`DELETE FROM jobs WHERE id = 'job'`)
	require.NoError(t, err)

	p, err := tr.Progress(ctx, "job", "export")
	require.NoError(t, err)
	assert.Zero(t, p.Total)
}
