package submission

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcelaya/stars/internal/staerr"
	"github.com/jcelaya/stars/internal/wire"
)

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateApp("sim", wire.TaskDescription{NumTasks: 4, Length: 2.0}))
	id, err := m.CreateInstance("sim", time.Now().Add(time.Hour))
	require.NoError(t, err)

	req, ok := m.BuildRequestFromReady(id)
	require.True(t, ok)
	m.StartSearch(req.ID, time.Second)
	host := testAddr(t, 9001)
	m.AcceptedTasks(host, req.ID, 0, 1) // 2 Executing, 2 still Searching

	store := NewFileStore(filepath.Join(t.TempDir(), "bookkeeping.db"))
	require.NoError(t, store.Save(m.Snapshot()))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)

	restored := newTestManager(t)
	restored.Restore(loaded)

	// Searching tasks revert to Ready across a restart (their timeout
	// timer died with the process); Executing ones keep their host.
	assert.Equal(t, 2, restored.NumReady(id))
	assert.Equal(t, 2, restored.NumExecuting(id))
	assert.ElementsMatch(t, []string{id}, restored.InstanceIDs())

	// A TaskFinished arriving after the restart still resolves against the
	// restored request slot.
	assert.True(t, restored.FinishedTask(host, req.ID, 0))
	assert.False(t, restored.FinishedTask(host, req.ID, 0))
	assert.Equal(t, 1, restored.NumFinished(id))
}

func TestRestoredRequestIDsStayMonotone(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateApp("sim", wire.TaskDescription{NumTasks: 2}))
	id, _ := m.CreateInstance("sim", time.Now().Add(time.Hour))
	req, _ := m.BuildRequestFromReady(id)
	m.StartSearch(req.ID, time.Second)
	host := testAddr(t, 9002)
	// Only task 0 is accepted; task 1 is still Searching at snapshot time
	// and comes back Ready, so a new request can be built after restore.
	m.AcceptedTasks(host, req.ID, 0, 0)

	restored := newTestManager(t)
	restored.Restore(m.Snapshot())

	next, ok := restored.BuildRequestFromReady(id)
	require.True(t, ok, "the still-Searching task should be Ready after restore")
	assert.Greater(t, next.ID, req.ID)
}

func TestFileStoreLoadMissingReturnsNil(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "absent.db"))
	snap, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestFileStoreLoadCorruptIsConfigurationError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bookkeeping.db")
	require.NoError(t, os.WriteFile(path, []byte("not msgpack at all \xff\xff"), 0o600))

	_, err := NewFileStore(path).Load()
	require.Error(t, err)
	assert.True(t, staerr.Is(err, staerr.KindConfiguration))
}
