package loadgen

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/chatload/internal/chatmock"
	"github.com/wesleyorama2/chatload/internal/loadgen/chat"
	"github.com/wesleyorama2/chatload/internal/loadgen/task"
)

func newTestPool(t *testing.T, e *env, shared bool) *Pool {
	t.Helper()
	httpCfg := DefaultHTTPClientConfig()
	httpCfg.UseSharedClient = shared
	httpCfg.UserAgent = "chatload-test"

	p := NewPool(PoolConfig{
		BaseURL:  e.url,
		Session:  testSessionConfig(t, nil),
		HTTP:     httpCfg,
		Recorder: e.log,
		Seed:     42,
	})
	t.Cleanup(p.Close)
	return p
}

func TestPool_SpawnAssignsSequentialIDs(t *testing.T) {
	e := newEnv(t, chatmock.Options{})
	p := newTestPool(t, e, true)

	for i := 1; i <= 3; i++ {
		s := p.Spawn()
		assert.Equal(t, i, s.ID)
		assert.Same(t, s, p.Sessions()[i-1])
	}
	assert.Equal(t, 3, p.Spawned())
	assert.Equal(t, 3, p.ActiveCount())

	ids := []int{}
	for _, s := range p.Sessions() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []int{1, 2, 3}, ids)
}

func TestPool_RunAndStopAll(t *testing.T) {
	e := newEnv(t, chatmock.Options{})
	p := newTestPool(t, e, false)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		s := p.Spawn()
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Run(context.Background(), s))
		}()
	}

	assert.Eventually(t, func() bool {
		for _, s := range p.Sessions() {
			if s.TasksRun()+s.TasksSkipped() == 0 {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)
	assert.Len(t, p.Active(), 5)

	p.StopAll()
	stopped, stragglers := p.WaitForAll(3 * time.Second)
	wg.Wait()

	assert.Equal(t, 5, stopped)
	assert.Empty(t, stragglers)
	assert.Zero(t, p.ActiveCount())
	assert.Len(t, e.log.byOp(chat.OpLogout), 5)
}

func TestPool_DroppedSessionIsStopped(t *testing.T) {
	e := newEnv(t, chatmock.Options{RejectSignup: chatmock.RejectSuffix("_1")})
	p := newTestPool(t, e, true)

	s := p.Spawn()
	err := p.Run(context.Background(), s)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSignupRejected))
	assert.Equal(t, StateStopped, s.State())
	assert.Zero(t, p.ActiveCount())
	assert.Empty(t, e.log.byOp(chat.OpLogout))
}

func TestPool_WaitForAllReportsStragglers(t *testing.T) {
	e := newEnv(t, chatmock.Options{})
	p := newTestPool(t, e, true)

	finished := p.Spawn()
	finished.MarkStopped()
	hung := p.Spawn()

	stopped, stragglers := p.WaitForAll(20 * time.Millisecond)
	assert.Equal(t, 1, stopped)
	require.Len(t, stragglers, 1)
	assert.Same(t, hung, stragglers[0])
}

func TestPool_SameSeedSameDraws(t *testing.T) {
	e := newEnv(t, chatmock.Options{})
	a := newTestPool(t, e, true).Spawn()
	b := newTestPool(t, e, true).Spawn()

	sched := a.cfg.Scheduler
	for i := 0; i < 50; i++ {
		require.Equal(t, sched.Next(a.rng), sched.Next(b.rng))
	}
	assert.Contains(t, []string{task.SendMessage, task.SearchUsers, task.GetConversationList, task.GetUserProfile, task.RefreshToken}, sched.Next(a.rng))
}
