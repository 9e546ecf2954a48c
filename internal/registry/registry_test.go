package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/octavio/internal/session"
	"github.com/roach88/octavio/internal/testutil"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	for i := 0; i < 3; i++ {
		r, err := Open(path)
		require.NoError(t, err, "iteration %d", i)
		require.NoError(t, r.Close())
	}

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	var version int
	require.NoError(t, r.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
	for _, table := range []string{"instruments", "sessions"} {
		var name string
		err := r.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %q", table)
	}
}

func TestOpen_WALMode(t *testing.T) {
	r := openTestRegistry(t)

	var mode string
	require.NoError(t, r.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestTouchSession_CreatesAndRefreshes(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t)
	id := session.ID{InstrumentID: "5", SessionID: "4cjlh0q21j"}
	t0 := testutil.Epoch

	require.NoError(t, r.TouchSession(ctx, id, t0))
	require.NoError(t, r.TouchSession(ctx, id, t0.Add(30*time.Second)))

	sessions, err := r.Sessions(ctx, "5")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, id.SessionID, sessions[0].SessionID)
	assert.Equal(t, 2, sessions[0].Fragments)
	assert.True(t, sessions[0].CreatedAt.Equal(t0))
	assert.True(t, sessions[0].RefreshedAt.Equal(t0.Add(30*time.Second)))
}

func TestSessions_MostRecentFirst(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t)
	t0 := testutil.Epoch

	require.NoError(t, r.TouchSession(ctx, session.ID{InstrumentID: "20", SessionID: "older"}, t0))
	require.NoError(t, r.TouchSession(ctx, session.ID{InstrumentID: "20", SessionID: "newer"}, t0.Add(time.Minute)))
	require.NoError(t, r.TouchSession(ctx, session.ID{InstrumentID: "9", SessionID: "other"}, t0.Add(time.Hour)))

	sessions, err := r.Sessions(ctx, "20")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "newer", sessions[0].SessionID)
	assert.Equal(t, "older", sessions[1].SessionID)

	none, err := r.Sessions(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestInstruments_FromHeartbeatsAndSessions(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t)
	t0 := testutil.Epoch

	require.NoError(t, r.Heartbeat(ctx, "b", "2024-03-01T12:00:00.123", t0))
	require.NoError(t, r.TouchSession(ctx, session.ID{InstrumentID: "a", SessionID: "s1"}, t0))
	require.NoError(t, r.TouchSession(ctx, session.ID{InstrumentID: "a", SessionID: "s2"}, t0))

	instruments, err := r.Instruments(ctx)
	require.NoError(t, err)
	require.Len(t, instruments, 2)
	assert.Equal(t, "a", instruments[0].InstrumentID)
	assert.Equal(t, 2, instruments[0].Sessions)
	assert.Equal(t, "b", instruments[1].InstrumentID)
	assert.Equal(t, 0, instruments[1].Sessions)
	assert.Equal(t, "2024-03-01T12:00:00.123", instruments[1].ProducerTime)
}

func TestHeartbeat_LastSeenNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t)
	t0 := testutil.Epoch

	require.NoError(t, r.Heartbeat(ctx, "7", "late", t0.Add(time.Second+500*time.Millisecond)))
	require.NoError(t, r.Heartbeat(ctx, "7", "early", t0.Add(time.Second)))
	// A fragment carries no producer time and keeps the last one.
	require.NoError(t, r.TouchSession(ctx, session.ID{InstrumentID: "7", SessionID: "s"}, t0))

	instruments, err := r.Instruments(ctx)
	require.NoError(t, err)
	require.Len(t, instruments, 1)
	assert.True(t, instruments[0].LastSeen.Equal(t0.Add(time.Second+500*time.Millisecond)))
	assert.Equal(t, "early", instruments[0].ProducerTime)
}

func TestRegistry_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.db")
	r, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, r.Heartbeat(ctx, "11", "", testutil.Epoch))
	require.NoError(t, r.Close())

	r, err = Open(path)
	require.NoError(t, err)
	defer r.Close()

	instruments, err := r.Instruments(ctx)
	require.NoError(t, err)
	require.Len(t, instruments, 1)
	assert.Equal(t, "11", instruments[0].InstrumentID)
}
