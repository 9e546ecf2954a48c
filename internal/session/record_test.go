package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/octavio/internal/objstore"
	"github.com/roach88/octavio/internal/testutil"
)

var testID = ID{InstrumentID: "piano", SessionID: "s1"}

func newTestManager(t *testing.T) (*Manager, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(testutil.Epoch)
	return NewManager(objstore.NewMemory(), Layout{Prefix: "test"}, WithClock(clock.Now)), clock
}

func TestManager_ReadMissing(t *testing.T) {
	m, _ := newTestManager(t)

	_, _, err := m.Read(context.Background(), testID)

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_CreateIfAbsent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	created, err := m.CreateIfAbsent(ctx, testID)
	require.NoError(t, err)
	assert.True(t, created)

	rec, token, err := m.Read(ctx, testID)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, NoFragments, rec.MaxFragmentApplied)
	assert.Empty(t, rec.CanonicalKey)
	assert.Equal(t, testutil.Epoch, rec.CreatedAt)
}

func TestManager_CreateIfAbsentExisting(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	_, err := m.CreateIfAbsent(ctx, testID)
	require.NoError(t, err)
	before, _, err := m.Read(ctx, testID)
	require.NoError(t, err)
	ok, err := m.CompareAndSwap(ctx, testID, Record{MaxFragmentApplied: 2, CreatedAt: before.CreatedAt}, mustToken(t, m))
	require.NoError(t, err)
	require.True(t, ok)

	created, err := m.CreateIfAbsent(ctx, testID)

	require.NoError(t, err)
	assert.False(t, created)
	rec, _, err := m.Read(ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.MaxFragmentApplied, "existing record must not be reset")
}

func TestManager_ConcurrentCreateOneWinner(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := m.CreateIfAbsent(ctx, testID)
			assert.NoError(t, err)
			if created {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestManager_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t)
	_, err := m.CreateIfAbsent(ctx, testID)
	require.NoError(t, err)
	rec, token, err := m.Read(ctx, testID)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	rec.MaxFragmentApplied = 0
	rec.CanonicalKey = "test/instr_piano/session_s1/canonical/0-a.json"
	ok, err := m.CompareAndSwap(ctx, testID, rec, token)
	require.NoError(t, err)
	require.True(t, ok)

	got, newToken, err := m.Read(ctx, testID)
	require.NoError(t, err)
	assert.NotEqual(t, token, newToken)
	assert.Equal(t, 0, got.MaxFragmentApplied)
	assert.Equal(t, rec.CanonicalKey, got.CanonicalKey)
	assert.Equal(t, testutil.Epoch.Add(time.Minute), got.LastUpdated)
	assert.Equal(t, testutil.Epoch, got.CreatedAt)
}

func TestManager_CompareAndSwapStaleToken(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	_, err := m.CreateIfAbsent(ctx, testID)
	require.NoError(t, err)
	rec, stale, err := m.Read(ctx, testID)
	require.NoError(t, err)

	rec.MaxFragmentApplied = 0
	ok, err := m.CompareAndSwap(ctx, testID, rec, stale)
	require.NoError(t, err)
	require.True(t, ok)

	rec.MaxFragmentApplied = 5
	ok, err = m.CompareAndSwap(ctx, testID, rec, stale)

	require.NoError(t, err, "a lost race is not an error")
	assert.False(t, ok)
	got, _, err := m.Read(ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.MaxFragmentApplied)
}

func TestManager_CompareAndSwapRejectsBadWatermark(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.CompareAndSwap(context.Background(), testID, Record{MaxFragmentApplied: -2}, "tok")

	assert.Error(t, err)
}

func TestManager_SQLiteBackend(t *testing.T) {
	ctx := context.Background()
	store, err := objstore.OpenSQLite(t.TempDir() + "/objects.db")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	m := NewManager(store, Layout{Prefix: "test"})

	created, err := m.CreateIfAbsent(ctx, testID)
	require.NoError(t, err)
	require.True(t, created)
	rec, token, err := m.Read(ctx, testID)
	require.NoError(t, err)

	rec.MaxFragmentApplied = 1
	ok, err := m.CompareAndSwap(ctx, testID, rec, token)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.CompareAndSwap(ctx, testID, rec, token)
	require.NoError(t, err)
	assert.False(t, ok)
}

func mustToken(t *testing.T, m *Manager) objstore.Token {
	t.Helper()
	_, token, err := m.Read(context.Background(), testID)
	require.NoError(t, err)
	return token
}
