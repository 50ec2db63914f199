package generation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/sceneforge/internal/pool"
	"github.com/BaSui01/sceneforge/llm"
	"github.com/BaSui01/sceneforge/llm/retry"
	"github.com/BaSui01/sceneforge/sandbox"
	"github.com/BaSui01/sceneforge/scene"
	"github.com/BaSui01/sceneforge/store"
	"github.com/BaSui01/sceneforge/testutil"
	"github.com/BaSui01/sceneforge/testutil/fixtures"
	"github.com/BaSui01/sceneforge/testutil/mocks"
)

// countingExecutor 包装真实沙箱并统计调用次数
type countingExecutor struct {
	inner Executor
	calls atomic.Int32
}

func (c *countingExecutor) Execute(ctx context.Context, req *sandbox.ExecutionRequest) (*sandbox.SandboxResult, error) {
	c.calls.Add(1)
	return c.inner.Execute(ctx, req)
}

type memoryCache struct {
	mu          sync.Mutex
	entries     map[string]*store.ResultContent
	gets, hits  int
	sets        int
	invalidated []string
	// beforeSet 在写入前调用，不持有锁
	beforeSet func()
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]*store.ResultContent)}
}

func (c *memoryCache) Get(_ context.Context, taskID, version string) (*store.ResultContent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	v, ok := c.entries[taskID+"@"+version]
	if ok {
		c.hits++
	}
	return v, nil
}

func (c *memoryCache) Set(_ context.Context, taskID string, content *store.ResultContent) error {
	if c.beforeSet != nil {
		c.beforeSet()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.entries[taskID+"@"+content.Version] = content
	return nil
}

func (c *memoryCache) Invalidate(_ context.Context, taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if len(k) > len(taskID) && k[:len(taskID)+1] == taskID+"@" {
			delete(c.entries, k)
		}
	}
	c.invalidated = append(c.invalidated, taskID)
	return nil
}

// gatedStore 可在 GetResultContent 上挂起，模拟慢读取
type gatedStore struct {
	*store.Store
	mu        sync.Mutex
	entered   chan struct{}
	release   chan struct{}
	afterRead func()
}

func (g *gatedStore) block() (entered, release chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entered = make(chan struct{}, 1)
	g.release = make(chan struct{})
	return g.entered, g.release
}

func (g *gatedStore) GetResultContent(ctx context.Context, taskID, version string) (*store.ResultContent, error) {
	g.mu.Lock()
	entered, release, afterRead := g.entered, g.release, g.afterRead
	g.mu.Unlock()
	if release != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	content, err := g.Store.GetResultContent(ctx, taskID, version)
	if afterRead != nil {
		afterRead()
	}
	return content, err
}

type designerFixture struct {
	designer *Designer
	store    *store.Store
	gen      *mocks.MockGenerator
	exec     *countingExecutor
	observer *recordingObserver
	cache    *memoryCache
}

func newDesignerFixture(t *testing.T, mutate func(*DesignerConfig)) *designerFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	storeCfg := store.DefaultConfig(t.TempDir())
	storeCfg.Pool.HealthCheckInterval = 0
	st, err := store.Open(context.Background(), storeCfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sandboxCfg := sandbox.DefaultSandboxConfig()
	sandboxCfg.Timeout = 2 * time.Second
	workers := pool.NewGoroutinePool(pool.GoroutinePoolConfig{MaxWorkers: 2, QueueSize: 8})
	t.Cleanup(workers.Close)

	f := &designerFixture{
		store:    st,
		gen:      mocks.NewMockGenerator().WithCode(fixtures.RedCubeScript),
		exec:     &countingExecutor{inner: sandbox.NewSandboxExecutor(sandboxCfg, sandbox.NewGojaBackend(workers, logger), logger)},
		observer: &recordingObserver{},
		cache:    newMemoryCache(),
	}
	cfg := DesignerConfig{
		Store:     st,
		Executor:  f.exec,
		Generator: f.gen,
		Cache:     f.cache,
		Observer:  f.observer,
		Logger:    logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := NewDesigner(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })
	f.designer = d
	return f
}

func (f *designerFixture) run(t *testing.T, opts TaskOptions) Outcome {
	t.Helper()
	task, err := f.designer.AddTask(context.Background(), opts)
	require.NoError(t, err)
	o := awaitOutcome(t, task.Run(context.Background()))
	require.True(t, f.designer.WaitForTaskEnded(context.Background(), opts.ID, 5*time.Second))
	return o
}

func props(name string) GenerationProps {
	return GenerationProps{Name: name, Description: name + " description"}
}

func TestNewDesigner_RequiresDependencies(t *testing.T) {
	gen := mocks.NewMockGenerator()
	_, err := NewDesigner(DesignerConfig{Executor: newFakeExecutor(nil), Generator: gen})
	assert.Error(t, err)
	_, err = NewDesigner(DesignerConfig{Store: &store.Store{}, Generator: gen})
	assert.Error(t, err)
	_, err = NewDesigner(DesignerConfig{Store: &store.Store{}, Executor: newFakeExecutor(nil)})
	assert.Error(t, err)
}

func TestDesigner_SuccessThenFailureKeepsBothVersions(t *testing.T) {
	f := newDesignerFixture(t, nil)
	ctx := testutil.TestContext(t)

	o := f.run(t, TaskOptions{ID: "t1", Version: "v1", Props: props("red cube")})
	require.True(t, o.Succeeded(), o.Error)
	assert.True(t, scene.IsGLB(o.Asset))

	f.gen.WithCode(fixtures.ThrowingScript)
	o = f.run(t, TaskOptions{ID: "t1", Version: "v2", Props: props("red cube")})
	assert.Equal(t, StatusFailed, o.Status)
	assert.Equal(t, sandbox.FailureUncaughtException, o.Failure)

	state, err := f.designer.GetObjectState(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "red cube", state.Name)
	assert.Equal(t, "red cube description", state.Description)
	require.Len(t, state.Versions, 2)
	assert.Equal(t, "v2", state.Versions[0].Version)
	assert.Equal(t, StatusFailed, state.Versions[0].Status)
	assert.False(t, state.Versions[0].HasContent)
	assert.Equal(t, "v1", state.Versions[1].Version)
	assert.True(t, state.Versions[1].Success)
	assert.True(t, state.Versions[1].HasContent)
	assert.NotNil(t, state.Versions[1].EndedAt)

	code, err := f.designer.GetObjectCode(ctx, "t1", "v2")
	require.NoError(t, err)
	require.NotNil(t, code.Code)
	assert.Equal(t, fixtures.ThrowingScript, *code.Code)
	require.NotNil(t, code.Error)
	assert.Contains(t, *code.Error, "boom")

	// latest version failed so it carries no content
	latest, err := f.designer.GetObjectContent(ctx, "t1", "")
	require.NoError(t, err)
	assert.Equal(t, "v2", latest.Version)
	assert.Nil(t, latest.Blob)

	content, err := f.designer.GetObjectContent(ctx, "t1", "v1")
	require.NoError(t, err)
	require.NotNil(t, content.MimeType)
	assert.Equal(t, scene.GLBMimeType, *content.MimeType)
	assert.True(t, scene.IsGLB(content.Blob))

	assert.Equal(t, []string{"succeeded", "failed"}, f.observer.Outcomes())
	assert.Empty(t, f.designer.InFlight())
}

func TestDesigner_CancelDuringModelCallNeverRunsSandbox(t *testing.T) {
	f := newDesignerFixture(t, nil)
	gate := make(chan struct{})
	defer close(gate)
	f.gen.WithGate(gate)

	task, err := f.designer.AddTask(context.Background(), TaskOptions{ID: "t1", Version: "v1", Props: props("chair")})
	require.NoError(t, err)
	_, ok := testutil.WaitForChannel(f.gen.Called(), 5*time.Second)
	require.True(t, ok)

	require.True(t, f.designer.CancelTask("t1"))
	assert.False(t, f.designer.CancelTask("t1"))
	assert.False(t, f.designer.CancelTask("unknown"))

	o := awaitOutcome(t, task.Run(context.Background()))
	assert.True(t, o.Cancelled)
	assert.True(t, f.designer.WaitForTaskEnded(context.Background(), "t1", time.Second))
	_, inFlight := f.designer.Task("t1")
	assert.False(t, inFlight)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.exec.calls.Load())

	code, err := f.designer.GetObjectCode(context.Background(), "t1", "v1")
	require.NoError(t, err)
	require.NotNil(t, code)
	require.NotNil(t, code.Error)
	assert.Equal(t, CancelledReason, *code.Error)
	assert.Nil(t, code.Code)
}

func TestDesigner_CancelDuringSandbox(t *testing.T) {
	f := newDesignerFixture(t, nil)
	f.gen.WithCode(fixtures.InfiniteLoopScript)

	task, err := f.designer.AddTask(context.Background(), TaskOptions{ID: "loop", Version: "v1", Props: props("loop")})
	require.NoError(t, err)
	testutil.AssertEventuallyTrue(t, func() bool { return f.exec.calls.Load() == 1 }, 5*time.Second)

	require.True(t, f.designer.CancelTask("loop"))
	o := awaitOutcome(t, task.Run(context.Background()))
	assert.True(t, o.Cancelled)
	assert.Equal(t, CancelledReason, o.Error)

	code, err := f.designer.GetObjectCode(context.Background(), "loop", "")
	require.NoError(t, err)
	require.NotNil(t, code.Code)
	assert.Equal(t, fixtures.InfiniteLoopScript, *code.Code)
	assert.Equal(t, CancelledReason, *code.Error)
}

func TestDesigner_AddTaskErrors(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	f := newDesignerFixture(t, func(c *DesignerConfig) { c.MaxConcurrentTasks = 1 })
	f.gen.WithGate(gate)

	_, err := f.designer.AddTask(context.Background(), TaskOptions{ID: "t1", Props: GenerationProps{Name: "  "}})
	assert.ErrorIs(t, err, ErrInvalidOptions)
	assert.Empty(t, f.designer.InFlight())

	_, err = f.designer.AddTask(context.Background(), TaskOptions{ID: "t1", Props: props("a")})
	require.NoError(t, err)

	_, err = f.designer.AddTask(context.Background(), TaskOptions{ID: "t1", Props: props("b")})
	assert.ErrorIs(t, err, ErrTaskExists)

	_, err = f.designer.AddTask(context.Background(), TaskOptions{ID: "t2", Props: props("c")})
	assert.ErrorIs(t, err, ErrTooManyTasks)

	states := f.designer.InFlight()
	require.Len(t, states, 1)
	assert.Equal(t, "t1", states[0].ID)
	assert.Equal(t, "a", states[0].Props.Name)
}

func TestDesigner_DefaultsApplied(t *testing.T) {
	f := newDesignerFixture(t, func(c *DesignerConfig) {
		c.DefaultModel = "openai/gpt-4o-mini"
		c.IDGenerator = func() string { return "generated" }
		c.Clock = func() time.Time { return time.UnixMilli(1700000000000) }
	})

	task, err := f.designer.AddTask(context.Background(), TaskOptions{Props: props("lamp")})
	require.NoError(t, err)
	assert.Equal(t, "generated", task.ID())
	assert.Equal(t, "1700000000000", task.Version())
	awaitOutcome(t, task.Run(context.Background()))

	call, ok := f.gen.LastCall()
	require.True(t, ok)
	assert.Equal(t, "openai/gpt-4o-mini", call.ModelRef)
}

func TestDesigner_StateMergesInFlightVersion(t *testing.T) {
	f := newDesignerFixture(t, nil)
	ctx := context.Background()

	f.run(t, TaskOptions{ID: "t1", Version: "v1", Props: props("table")})

	state, err := f.designer.GetObjectState(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, state)

	gate := make(chan struct{})
	f.gen.WithGate(gate)

	// rerunning an existing version replaces its persisted entry in the view
	_, err = f.designer.AddTask(ctx, TaskOptions{ID: "t1", Version: "v1", Props: props("round table")})
	require.NoError(t, err)

	state, err = f.designer.GetObjectState(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, state.Versions, 1)
	assert.Equal(t, "v1", state.Versions[0].Version)
	assert.True(t, state.Versions[0].InFlight)
	assert.Equal(t, StatusProcessing, state.Versions[0].Status)
	assert.Equal(t, "round table", state.Name)
	close(gate)
	require.True(t, f.designer.WaitForTaskEnded(ctx, "t1", 10*time.Second))

	gate = make(chan struct{})
	defer close(gate)
	f.gen.WithGate(gate)
	_, err = f.designer.AddTask(ctx, TaskOptions{ID: "t1", Version: "v2", Props: props("table")})
	require.NoError(t, err)

	state, err = f.designer.GetObjectState(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, state.Versions, 2)
	assert.Equal(t, "v2", state.Versions[0].Version)
	assert.True(t, state.Versions[0].InFlight)
	assert.Nil(t, state.Versions[0].EndedAt)
	assert.Equal(t, "v1", state.Versions[1].Version)
	assert.Equal(t, StatusSucceeded, state.Versions[1].Status)
}

func TestDesigner_WaitForTaskEnded(t *testing.T) {
	f := newDesignerFixture(t, nil)
	gate := make(chan struct{})
	defer close(gate)
	f.gen.WithGate(gate)

	assert.True(t, f.designer.WaitForTaskEnded(context.Background(), "unknown", time.Second))

	_, err := f.designer.AddTask(context.Background(), TaskOptions{ID: "slow", Props: props("slow")})
	require.NoError(t, err)

	assert.False(t, f.designer.WaitForTaskEnded(context.Background(), "slow", 30*time.Millisecond))
	assert.False(t, f.designer.WaitForTaskEnded(testutil.CancelledContext(), "slow", 0))

	// waiting never cancels the task
	_, running := f.designer.Task("slow")
	assert.True(t, running)
}

func TestDesigner_SubscribeEvents(t *testing.T) {
	f := newDesignerFixture(t, nil)
	gate := make(chan struct{})
	f.gen.WithGate(gate)

	_, ok := f.designer.Subscribe("nobody", func(Event) {})
	assert.False(t, ok)

	_, err := f.designer.AddTask(context.Background(), TaskOptions{ID: "t1", Version: "v1", Props: props("vase")})
	require.NoError(t, err)

	log := &eventLog{}
	unsubscribe, ok := f.designer.Subscribe("t1", log.record)
	require.True(t, ok)
	defer unsubscribe()

	close(gate)
	require.True(t, f.designer.WaitForTaskEnded(context.Background(), "t1", 10*time.Second))

	types := log.Types()
	require.NotEmpty(t, types)
	assert.Equal(t, EventEnded, types[len(types)-1])
	assert.Contains(t, types, EventSuccess)
}

func TestDesigner_ContentCache(t *testing.T) {
	f := newDesignerFixture(t, nil)
	ctx := context.Background()
	f.run(t, TaskOptions{ID: "t1", Version: "v1", Props: props("cup")})

	first, err := f.designer.GetObjectContent(ctx, "t1", "v1")
	require.NoError(t, err)
	second, err := f.designer.GetObjectContent(ctx, "t1", "v1")
	require.NoError(t, err)
	assert.Equal(t, first.Blob, second.Blob)

	f.cache.mu.Lock()
	assert.Equal(t, 2, f.cache.gets)
	assert.Equal(t, 1, f.cache.hits)
	assert.Equal(t, 1, f.cache.sets)
	f.cache.mu.Unlock()

	// the latest alias is resolved by the store every time
	_, err = f.designer.GetObjectContent(ctx, "t1", "")
	require.NoError(t, err)
	f.cache.mu.Lock()
	assert.Equal(t, 2, f.cache.gets)
	f.cache.mu.Unlock()

	missing, err := f.designer.GetObjectContent(ctx, "t1", "v9")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// a new run for the object drops its cached entries
	f.run(t, TaskOptions{ID: "t1", Version: "v2", Props: props("cup")})
	f.cache.mu.Lock()
	assert.Empty(t, f.cache.entries)
	assert.Contains(t, f.cache.invalidated, "t1")
	f.cache.mu.Unlock()
}

func TestDesigner_DeleteObject(t *testing.T) {
	f := newDesignerFixture(t, nil)
	ctx := context.Background()
	f.run(t, TaskOptions{ID: "t1", Version: "v1", Props: props("bench")})

	gate := make(chan struct{})
	defer close(gate)
	f.gen.WithGate(gate)
	task, err := f.designer.AddTask(ctx, TaskOptions{ID: "t1", Version: "v2", Props: props("bench")})
	require.NoError(t, err)

	deleted, err := f.designer.DeleteObject(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, deleted)

	o, ok := task.Outcome()
	require.True(t, ok)
	assert.True(t, o.Cancelled)

	state, err := f.designer.GetObjectState(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, state)

	deleted, err = f.designer.DeleteObject(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestDesigner_Shutdown(t *testing.T) {
	f := newDesignerFixture(t, nil)
	gate := make(chan struct{})
	defer close(gate)
	f.gen.WithGate(gate)

	a, err := f.designer.AddTask(context.Background(), TaskOptions{ID: "a", Props: props("a")})
	require.NoError(t, err)
	b, err := f.designer.AddTask(context.Background(), TaskOptions{ID: "b", Props: props("b")})
	require.NoError(t, err)

	require.NoError(t, f.designer.Shutdown(testutil.TestContext(t)))
	for _, task := range []*Task{a, b} {
		o, ok := task.Outcome()
		require.True(t, ok)
		assert.True(t, o.Cancelled)
	}
	assert.Empty(t, f.designer.InFlight())

	_, err = f.designer.AddTask(context.Background(), TaskOptions{ID: "c", Props: props("c")})
	assert.True(t, errors.Is(err, ErrDesignerClosed))

	f.observer.mu.Lock()
	defer f.observer.mu.Unlock()
	require.NotEmpty(t, f.observer.inFlight)
	assert.Equal(t, 0, f.observer.inFlight[len(f.observer.inFlight)-1])
}

func TestDesigner_ConcurrentObjects(t *testing.T) {
	f := newDesignerFixture(t, nil)
	ids := []string{"o1", "o2", "o3", "o4"}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			task, err := f.designer.AddTask(context.Background(), TaskOptions{ID: id, Version: "v1", Props: props(id)})
			if !assert.NoError(t, err) {
				return
			}
			<-task.Done()
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		state, err := f.designer.GetObjectState(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, state, id)
		require.Len(t, state.Versions, 1)
		assert.True(t, state.Versions[0].Success, id)
	}
}

func TestDesigner_ListObjects(t *testing.T) {
	f := newDesignerFixture(t, nil)
	ctx := context.Background()

	list, err := f.designer.ListObjects(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	f.run(t, TaskOptions{ID: "chair", Version: "v1", Props: props("chair")})

	gate := make(chan struct{})
	defer close(gate)
	f.gen.WithGate(gate)
	_, err = f.designer.AddTask(ctx, TaskOptions{ID: "lamp", Version: "v1", Props: props("lamp")})
	require.NoError(t, err)
	_, err = f.designer.AddTask(ctx, TaskOptions{ID: "chair", Version: "v2", Props: props("chair")})
	require.NoError(t, err)

	list, err = f.designer.ListObjects(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, "lamp", list[0].ID)
	assert.Equal(t, "v1", list[0].InFlightVersion)
	assert.Zero(t, list[0].ModifiedAt)

	assert.Equal(t, "chair", list[1].ID)
	assert.Equal(t, "v2", list[1].InFlightVersion)
	assert.NotZero(t, list[1].ModifiedAt)
}

func TestDesigner_ProviderGeneratorEndToEnd(t *testing.T) {
	provider := mocks.NewMockProvider().
		WithName("openai").
		WithResponse("Here is the scene:\n```javascript\n"+fixtures.RedCubeScript+"\n```\nEnjoy!").
		WithTokenUsage(120, 80)
	gen := llm.NewProviderGenerator(retry.DefaultPolicy(), zaptest.NewLogger(t))
	gen.Register(provider)

	f := newDesignerFixture(t, func(cfg *DesignerConfig) {
		cfg.Generator = gen
		cfg.DefaultModel = "openai/gpt-4o-mini"
	})

	o := f.run(t, TaskOptions{ID: "desk", Version: "v1", Props: props("desk")})
	assert.True(t, o.Succeeded())

	calls := provider.GetCalls()
	require.Len(t, calls, 1)
	req := calls[0].Request
	assert.Equal(t, "gpt-4o-mini", req.Model)
	require.NotEmpty(t, req.Messages)
	assert.Contains(t, req.Messages[len(req.Messages)-1].Content, "desk")

	code, err := f.designer.GetObjectCode(context.Background(), "desk", "v1")
	require.NoError(t, err)
	require.NotNil(t, code)
	require.NotNil(t, code.Code)
	assert.Contains(t, *code.Code, "BoxGeometry")
	assert.NotContains(t, *code.Code, "```")
	assert.NotContains(t, *code.Code, "Enjoy")
}

func newGatedFixture(t *testing.T) (*designerFixture, *gatedStore) {
	t.Helper()
	var gs *gatedStore
	f := newDesignerFixture(t, func(cfg *DesignerConfig) {
		gs = &gatedStore{Store: cfg.Store.(*store.Store)}
		cfg.Store = gs
	})
	return f, gs
}

func TestDesigner_ContentLoadSurvivesCallerCancel(t *testing.T) {
	f, gs := newGatedFixture(t)
	f.run(t, TaskOptions{ID: "t1", Version: "v1", Props: props("lamp")})

	entered, release := gs.block()
	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.designer.GetObjectContent(firstCtx, "t1", "v1")
		firstErr <- err
	}()
	_, ok := testutil.WaitForChannel(entered, 5*time.Second)
	require.True(t, ok, "load did not start")

	type result struct {
		content *ObjectContent
		err     error
	}
	second := make(chan result, 1)
	go func() {
		c, err := f.designer.GetObjectContent(context.Background(), "t1", "v1")
		second <- result{c, err}
	}()
	time.Sleep(50 * time.Millisecond)

	// 首个调用方放弃后立即返回，共享读取继续进行
	cancelFirst()
	err, ok := testutil.WaitForChannel(firstErr, 5*time.Second)
	require.True(t, ok)
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	res, ok := testutil.WaitForChannel(second, 5*time.Second)
	require.True(t, ok)
	require.NoError(t, res.err)
	require.NotNil(t, res.content)
	assert.Equal(t, "v1", res.content.Version)
	assert.True(t, scene.IsGLB(res.content.Blob))
}

func TestDesigner_ContentNotCachedAfterConcurrentDelete(t *testing.T) {
	f, gs := newGatedFixture(t)
	f.run(t, TaskOptions{ID: "t1", Version: "v1", Props: props("stool")})

	gs.mu.Lock()
	gs.afterRead = func() {
		deleted, err := f.designer.DeleteObject(context.Background(), "t1")
		assert.NoError(t, err)
		assert.True(t, deleted)
	}
	gs.mu.Unlock()

	content, err := f.designer.GetObjectContent(context.Background(), "t1", "v1")
	require.NoError(t, err)
	require.NotNil(t, content)

	f.cache.mu.Lock()
	defer f.cache.mu.Unlock()
	assert.Zero(t, f.cache.sets)
	assert.Empty(t, f.cache.entries)
}

func TestDesigner_ContentInvalidatedDuringCacheWrite(t *testing.T) {
	f := newDesignerFixture(t, nil)
	f.run(t, TaskOptions{ID: "t1", Version: "v1", Props: props("vase")})

	f.cache.beforeSet = func() { f.designer.invalidate("t1") }

	_, err := f.designer.GetObjectContent(context.Background(), "t1", "v1")
	require.NoError(t, err)

	f.cache.mu.Lock()
	defer f.cache.mu.Unlock()
	assert.Equal(t, 1, f.cache.sets)
	// 写入与失效交错后条目被再次清除
	assert.Empty(t, f.cache.entries)
}
