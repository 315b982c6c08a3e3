package submission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcelaya/stars/internal/address"
	"github.com/jcelaya/stars/internal/wire"
)

func testAddr(t *testing.T, port uint16) address.Address {
	t.Helper()
	a, err := address.New("10.0.0.1", port)
	require.NoError(t, err)
	return a
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return New(nil, RetryPolicy{MaxRetries: 3, TimeoutGrowth: 2.0, BaseReqTimeout: time.Second})
}

func TestCreateAppRejectsDuplicate(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateApp("sim", wire.TaskDescription{NumTasks: 4}))
	err := m.CreateApp("sim", wire.TaskDescription{NumTasks: 4})
	require.Error(t, err)
}

func TestCreateInstanceAllocatesReadyTasks(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateApp("sim", wire.TaskDescription{NumTasks: 5}))
	id, err := m.CreateInstance("sim", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 5, m.NumReady(id))
	assert.Equal(t, 0, m.NumExecuting(id))
	assert.False(t, m.IsInstanceFinished(id))
}

func TestBuildAndAcceptLifecycle(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateApp("sim", wire.TaskDescription{NumTasks: 3}))
	id, err := m.CreateInstance("sim", time.Now().Add(time.Hour))
	require.NoError(t, err)

	req, ok := m.BuildRequestFromReady(id)
	require.True(t, ok)
	require.Equal(t, 3, req.NumTasks())
	assert.Equal(t, 3, m.NumReady(id), "tasks stay Ready until StartSearch")

	require.True(t, m.StartSearch(req.ID, 5*time.Second))
	assert.Equal(t, 0, m.NumReady(id))
	assert.Equal(t, 3, m.NumInProcess(id))

	host := testAddr(t, 9001)
	n := m.AcceptedTasks(host, req.ID, 0, 1)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, m.NumExecuting(id))
	assert.Equal(t, 2, req.Accepted())

	instID, ok := m.GetInstanceID(req.ID)
	require.True(t, ok)
	assert.Equal(t, id, instID)

	ok = m.FinishedTask(host, req.ID, 0)
	assert.True(t, ok)
	ok = m.FinishedTask(host, req.ID, 0)
	assert.False(t, ok, "second finishedTask call must be idempotent-safe")
	assert.Equal(t, 1, m.NumFinished(id))
}

func TestAbortedTaskReturnsToReady(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateApp("sim", wire.TaskDescription{NumTasks: 2}))
	id, _ := m.CreateInstance("sim", time.Now().Add(time.Hour))
	req, _ := m.BuildRequestFromReady(id)
	m.StartSearch(req.ID, time.Second)
	host := testAddr(t, 9002)
	m.AcceptedTasks(host, req.ID, 0, 1)

	ok := m.AbortedTask(host, req.ID, 0)
	require.True(t, ok)
	assert.Equal(t, 1, m.NumReady(id))
	assert.Equal(t, 1, m.NumExecuting(id))
}

func TestDeadNodeRevertsExecutingTasks(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateApp("sim", wire.TaskDescription{NumTasks: 4}))
	id, _ := m.CreateInstance("sim", time.Now().Add(time.Hour))
	req, _ := m.BuildRequestFromReady(id)
	m.StartSearch(req.ID, time.Second)
	host := testAddr(t, 9003)
	m.AcceptedTasks(host, req.ID, 0, 3)
	require.Equal(t, 4, m.NumExecuting(id))

	n := m.DeadNode(host)
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, m.NumReady(id))
	assert.Equal(t, 0, m.NumExecuting(id))
}

func TestCancelSearchReturnsTasksToReady(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateApp("sim", wire.TaskDescription{NumTasks: 2}))
	id, _ := m.CreateInstance("sim", time.Now().Add(time.Hour))
	req, _ := m.BuildRequestFromReady(id)
	m.StartSearch(req.ID, time.Second)

	n := m.CancelSearch(req.ID)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, m.NumReady(id))
}

func TestHandleTimeoutRetriesThenExhausts(t *testing.T) {
	m := New(nil, RetryPolicy{MaxRetries: 2, TimeoutGrowth: 2.0, BaseReqTimeout: time.Second})
	require.NoError(t, m.CreateApp("sim", wire.TaskDescription{NumTasks: 1}))
	id, _ := m.CreateInstance("sim", time.Now().Add(time.Hour))
	req, _ := m.BuildRequestFromReady(id)
	m.StartSearch(req.ID, time.Second)

	r1 := m.HandleTimeout(req.ID)
	require.False(t, r1.Exhausted)
	require.NotNil(t, r1.Request)
	assert.Equal(t, 2*time.Second, r1.NewTimeout)
	m.StartSearch(r1.Request.ID, r1.NewTimeout)

	r2 := m.HandleTimeout(r1.Request.ID)
	require.False(t, r2.Exhausted)
	assert.Equal(t, 4*time.Second, r2.NewTimeout)
	m.StartSearch(r2.Request.ID, r2.NewTimeout)

	r3 := m.HandleTimeout(r2.Request.ID)
	assert.True(t, r3.Exhausted)

	deadline, ok := m.ReleaseTime(id)
	require.True(t, ok)
	assert.False(t, deadline.IsZero(), "instance release time is preserved across retries")
}

func TestDistinctRequestIDsAreMonotone(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CreateApp("sim", wire.TaskDescription{NumTasks: 2}))
	id, _ := m.CreateInstance("sim", time.Now().Add(time.Hour))
	req1, _ := m.BuildRequestFromReady(id)
	m.StartSearch(req1.ID, time.Second)
	m.CancelSearch(req1.ID)
	req2, _ := m.BuildRequestFromReady(id)
	assert.Greater(t, req2.ID, req1.ID)
}
