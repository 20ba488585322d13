package agentstore

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRecord(id, spec, status string, started time.Time) domain.AgentRecord {
	return domain.AgentRecord{
		AgentID:          id,
		SpecID:           spec,
		Phase:            "impl",
		EngineID:         domain.EngineGemini,
		SessionID:        "sess-" + id,
		PID:              4242,
		Status:           status,
		StartedAt:        started,
		ProcessStartTime: "123456",
		LogPath:          "/tmp/" + id + ".log",
		RetryCount:       1,
	}
}

func TestStore_SaveAndGetAgent(t *testing.T) {
	store := newTestStore(t)
	started := time.Date(2025, 3, 1, 12, 0, 0, 500, time.UTC)
	rec := sampleRecord("a1", "spec-x", "running", started)

	require.NoError(t, store.SaveAgent(rec))

	got, err := store.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, rec.SpecID, got.SpecID)
	assert.Equal(t, rec.Phase, got.Phase)
	assert.Equal(t, domain.EngineGemini, got.EngineID)
	assert.Equal(t, rec.SessionID, got.SessionID)
	assert.Equal(t, rec.PID, got.PID)
	assert.Equal(t, rec.ProcessStartTime, got.ProcessStartTime)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, started.Equal(got.StartedAt))
	assert.False(t, got.UpdatedAt.IsZero())

	// upsert replaces
	rec.Status = "completed"
	rec.RetryCount = 2
	require.NoError(t, store.SaveAgent(rec))
	got, err = store.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, 2, got.RetryCount)
}

func TestStore_GetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetAgent("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.UpdateSessionID("nope", "s"), ErrNotFound)
}

func TestStore_ListAgents(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveAgent(sampleRecord("a1", "s1", "running", base)))
	require.NoError(t, store.SaveAgent(sampleRecord("a2", "s1", "completed", base.Add(time.Minute))))
	require.NoError(t, store.SaveAgent(sampleRecord("a3", "s2", "stopping", base.Add(2*time.Minute))))
	require.NoError(t, store.SaveAgent(sampleRecord("a4", "s2", "interrupted", base.Add(3*time.Minute))))

	all, err := store.ListAgents(ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "a4", all[0].AgentID)

	bySpec, err := store.ListAgents(ListOptions{SpecID: "s1"})
	require.NoError(t, err)
	assert.Len(t, bySpec, 2)

	active, err := store.ListActive()
	require.NoError(t, err)
	ids := []string{}
	for _, r := range active {
		ids = append(ids, r.AgentID)
	}
	assert.ElementsMatch(t, []string{"a1", "a3"}, ids)

	limited, err := store.ListAgents(ListOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_UpdateSessionID(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SaveAgent(sampleRecord("a1", "s1", "running", time.Now())))

	require.NoError(t, store.UpdateSessionID("a1", "new-session"))
	got, err := store.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, "new-session", got.SessionID)
}

func TestStore_LookupEngine(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SaveAgent(sampleRecord("a1", "s1", "running", time.Now())))

	engine, err := store.LookupEngine("a1")
	require.NoError(t, err)
	assert.Equal(t, domain.EngineGemini, engine)

	engine, err = store.LookupEngine("missing")
	require.NoError(t, err)
	assert.Empty(t, engine)
}

func TestStore_MigratesToLatestVersion(t *testing.T) {
	store := newTestStore(t)
	v, err := schemaVersion(store.db)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestStore_UpgradesOlderDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(migrations[0])
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA user_version = 1")
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO agents (id, spec_id, status, started_at, updated_at) VALUES ('old', 'spec-x', 'completed', '2025-01-01T00:00:00.000000000Z', '2025-01-01T00:00:00.000000000Z')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	store, err := New(path)
	require.NoError(t, err)
	defer store.Close()

	v, err := schemaVersion(store.db)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)

	var n int
	require.NoError(t, store.db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_agents_spec_started'`).Scan(&n))
	assert.Equal(t, 1, n)

	rec, err := store.GetAgent("old")
	require.NoError(t, err)
	assert.Equal(t, "spec-x", rec.SpecID)

	// reopening is a no-op
	require.NoError(t, store.Close())
	store, err = New(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestStore_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(fmt.Sprintf("PRAGMA user_version = %d", len(migrations)+1))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = New(path)
	assert.ErrorContains(t, err, "newer than supported")
}
