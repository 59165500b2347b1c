package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/merdocx/veil-xray/pkg/errors"
	"github.com/merdocx/veil-xray/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.LoggerConfig{
		Level:  logger.LevelError,
		Format: logger.FormatJSON,
	})
}

// recordingMutator captures tasks in execution order.
type recordingMutator struct {
	mu    sync.Mutex
	tasks []Task
	errs  map[string]error
	delay time.Duration
}

func (m *recordingMutator) Apply(_ context.Context, task Task) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, task)
	if m.errs != nil {
		return m.errs[task.UUID]
	}
	return nil
}

func (m *recordingMutator) recorded() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, len(m.tasks))
	copy(out, m.tasks)
	return out
}

func TestExecuteAndWaitSuccess(t *testing.T) {
	m := &recordingMutator{}
	q := New(m, testLogger())
	q.Start()
	defer q.Stop(context.Background())

	err := q.ExecuteAndWait(context.Background(), Task{
		Kind: KindAddUser,
		UUID: "u1",
	}, 2*time.Second)
	require.NoError(t, err)

	tasks := m.recorded()
	require.Len(t, tasks, 1)
	assert.Equal(t, KindAddUser, tasks[0].Kind)
	assert.Equal(t, "u1", tasks[0].UUID)
}

func TestExecuteAndWaitPropagatesMutationError(t *testing.T) {
	wantErr := errors.New("disk full")
	m := &recordingMutator{errs: map[string]error{"u1": wantErr}}
	q := New(m, testLogger())
	q.Start()
	defer q.Stop(context.Background())

	err := q.ExecuteAndWait(context.Background(), Task{
		Kind: KindAddUser,
		UUID: "u1",
	}, 2*time.Second)
	require.ErrorIs(t, err, wantErr)
}

func TestExecuteAndWaitTimeoutLeavesTaskQueued(t *testing.T) {
	m := &recordingMutator{delay: 300 * time.Millisecond}
	q := New(m, testLogger())
	q.Start()

	err := q.ExecuteAndWait(context.Background(), Task{
		Kind: KindAddUser,
		UUID: "slow",
	}, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrWaitTimeout)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeWaitTimeout))

	// The task still executes despite the caller giving up.
	require.NoError(t, q.Stop(context.Background()))
	tasks := m.recorded()
	require.Len(t, tasks, 1)
	assert.Equal(t, "slow", tasks[0].UUID)
}

func TestFIFOOrdering(t *testing.T) {
	block := make(chan struct{})
	var m *recordingMutator
	gate := MutatorFunc(func(ctx context.Context, task Task) error {
		if task.UUID == "gate" {
			<-block
			return nil
		}
		return m.Apply(ctx, task)
	})
	m = &recordingMutator{}

	q := New(gate, testLogger())
	q.Start()

	// Hold the worker on the first task so the rest stack up.
	require.NoError(t, q.Enqueue(Task{Kind: KindAddUser, UUID: "gate"}))
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, q.Enqueue(Task{Kind: KindAddUser, UUID: id}))
	}
	close(block)

	require.NoError(t, q.Stop(context.Background()))

	tasks := m.recorded()
	require.Len(t, tasks, 4)
	for i, id := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, id, tasks[i].UUID)
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	q := New(&recordingMutator{}, testLogger())
	q.Start()
	require.NoError(t, q.Stop(context.Background()))

	err := q.Enqueue(Task{Kind: KindAddUser, UUID: "late"})
	require.ErrorIs(t, err, ErrStopped)
}

func TestExecuteAndWaitOnStoppedQueueRunsDirectly(t *testing.T) {
	m := &recordingMutator{}
	q := New(m, testLogger())
	q.Start()
	require.NoError(t, q.Stop(context.Background()))

	err := q.ExecuteAndWait(context.Background(), Task{
		Kind: KindRemoveUser,
		UUID: "direct",
	}, time.Second)
	require.NoError(t, err)

	tasks := m.recorded()
	require.Len(t, tasks, 1)
	assert.Equal(t, "direct", tasks[0].UUID)
}

func TestExecuteAndWaitOnNeverStartedQueueRunsDirectly(t *testing.T) {
	m := &recordingMutator{}
	q := New(m, testLogger())
	// No Start: there is no worker to wait for.

	begin := time.Now()
	err := q.ExecuteAndWait(context.Background(), Task{
		Kind: KindAddUser,
		UUID: "no-worker",
	}, 5*time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(begin), time.Second,
		"direct execution must not consume the wait budget")

	tasks := m.recorded()
	require.Len(t, tasks, 1)
	assert.Equal(t, "no-worker", tasks[0].UUID)
	assert.Zero(t, q.Len(), "nothing may be left queued for a later worker")
}

func TestPanickingTaskDoesNotKillWorker(t *testing.T) {
	var m *recordingMutator
	bomb := MutatorFunc(func(ctx context.Context, task Task) error {
		if task.UUID == "bomb" {
			panic("mutator blew up")
		}
		return m.Apply(ctx, task)
	})
	m = &recordingMutator{}

	q := New(bomb, testLogger())
	q.Start()
	defer q.Stop(context.Background())

	err := q.ExecuteAndWait(context.Background(), Task{
		Kind: KindAddUser,
		UUID: "bomb",
	}, 2*time.Second)
	require.Error(t, err, "the waiter must see a failure, not a timeout")
	assert.NotErrorIs(t, err, ErrWaitTimeout)
	assert.Contains(t, err.Error(), "panicked")

	// The worker survives and keeps processing.
	err = q.ExecuteAndWait(context.Background(), Task{
		Kind: KindAddUser,
		UUID: "after",
	}, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, m.recorded(), 1)
}

func TestConcurrentWaitersSameTaskBothResolve(t *testing.T) {
	m := &recordingMutator{delay: 50 * time.Millisecond}
	q := New(m, testLogger())
	q.Start()
	defer q.Stop(context.Background())

	task := Task{Kind: KindAddUser, UUID: "shared"}

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- q.ExecuteAndWait(context.Background(), task, 2*time.Second)
		}()
	}
	wg.Wait()
	close(results)

	count := 0
	for err := range results {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 2, count)
}

func TestStopExecutesAlreadyQueuedTasks(t *testing.T) {
	m := &recordingMutator{delay: 20 * time.Millisecond}
	q := New(m, testLogger())
	q.Start()

	for _, id := range []string{"x", "y", "z"} {
		require.NoError(t, q.Enqueue(Task{Kind: KindAddUser, UUID: id}))
	}
	require.NoError(t, q.Stop(context.Background()))

	assert.Len(t, m.recorded(), 3)
}

func TestConcurrentProducers(t *testing.T) {
	m := &recordingMutator{}
	q := New(m, testLogger())
	q.Start()

	const producers = 8
	const perProducer = 25

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, q.Enqueue(Task{Kind: KindAddUser, UUID: "bulk"}))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, q.Stop(context.Background()))

	assert.Len(t, m.recorded(), producers*perProducer)
}
