package generation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/sceneforge/llm"
	"github.com/BaSui01/sceneforge/store"
)

// =============================================================================
// 🗂️ 任务注册表 / Designer
// =============================================================================

// Store Designer 需要的持久化操作，由 store.Store 实现
type Store interface {
	ResultWriter
	GetTask(ctx context.Context, taskID string) (*store.TaskDetail, error)
	GetResultCode(ctx context.Context, taskID, version string) (*store.ResultCode, error)
	GetResultContent(ctx context.Context, taskID, version string) (*store.ResultContent, error)
	DeleteTask(ctx context.Context, taskID string) (bool, error)
	ListTasks(ctx context.Context, limit int) ([]store.Task, error)
}

// ContentCache 已持久化资产的缓存。Get 未命中时返回 (nil, nil)。
type ContentCache interface {
	Get(ctx context.Context, taskID, version string) (*store.ResultContent, error)
	Set(ctx context.Context, taskID string, content *store.ResultContent) error
	Invalidate(ctx context.Context, taskID string) error
}

// Observer 任务指标
type Observer interface {
	TaskObserver
	SetTasksInFlight(n int)
}

// ObjectCode 某版本的代码与错误
type ObjectCode = store.ResultCode

// ObjectContent 某版本的资产
type ObjectContent = store.ResultContent

// VersionState 对象的单个版本
type VersionState struct {
	Version    string `json:"version"`
	Status     Status `json:"status"`
	Success    bool   `json:"success"`
	HasContent bool   `json:"has_content"`
	InFlight   bool   `json:"in_flight,omitempty"`
	StartedAt  int64  `json:"started_at"`
	EndedAt    *int64 `json:"ended_at,omitempty"`
}

// ObjectState 持久化历史与在途任务合并后的对象状态，版本按新旧倒序
type ObjectState struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	CreatedAt   int64          `json:"created_at,omitempty"`
	ModifiedAt  int64          `json:"modified_at,omitempty"`
	Versions    []VersionState `json:"versions"`
}

// DesignerConfig Designer 依赖与参数
type DesignerConfig struct {
	Store     Store
	Executor  Executor
	Generator llm.CodeGenerator
	Cache     ContentCache
	Observer  Observer
	Tracer    trace.Tracer
	Logger    *zap.Logger

	// MaxConcurrentTasks 在途任务上限，<= 0 表示不限制
	MaxConcurrentTasks int
	// DefaultModel 任务未指定模型时使用
	DefaultModel string
	// GenerateOptions 任务未指定模型参数时使用
	GenerateOptions llm.GenerateOptions
	// PersistTimeout 单次结果写入超时
	PersistTimeout time.Duration

	Clock       func() time.Time
	IDGenerator func() string
}

// Designer 持有在途任务并对外暴露生成、取消、查询操作。
// 在途任务表是唯一的共享可变状态。
type Designer struct {
	cfg    DesignerConfig
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	flight singleflight.Group
	// invalidations 每次缓存失效递增，读后写缓存前用于检测交错
	invalidations atomic.Uint64

	mu     sync.Mutex
	tasks  map[string]*Task
	closed bool
	wg     sync.WaitGroup
}

// NewDesigner 创建 Designer
func NewDesigner(cfg DesignerConfig) (*Designer, error) {
	if cfg.Store == nil {
		return nil, errors.New("designer: store is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("designer: executor is required")
	}
	if cfg.Generator == nil {
		return nil, errors.New("designer: code generator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = uuid.NewString
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Designer{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("component", "designer")),
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*Task),
	}, nil
}

// AddTask 校验参数、注册并启动任务，立即返回。
// 参数错误返回 ErrInvalidOptions 且不产生状态变化。
func (d *Designer) AddTask(ctx context.Context, opts TaskOptions) (*Task, error) {
	opts, err := opts.normalize(d.cfg.IDGenerator, d.cfg.Clock())
	if err != nil {
		return nil, err
	}
	if opts.ModelRef == "" {
		opts.ModelRef = d.cfg.DefaultModel
	}

	t := newTask(opts, taskDeps{
		generator:      d.cfg.Generator,
		executor:       d.cfg.Executor,
		results:        d.cfg.Store,
		observer:       d.cfg.Observer,
		tracer:         d.cfg.Tracer,
		logger:         d.cfg.Logger,
		genOptions:     d.cfg.GenerateOptions,
		persistTimeout: d.cfg.PersistTimeout,
		now:            d.cfg.Clock,
	})
	t.Subscribe(func(ev Event) {
		if ev.Type == EventEnded {
			d.deregister(t)
		}
	})

	d.mu.Lock()
	switch {
	case d.closed:
		d.mu.Unlock()
		return nil, ErrDesignerClosed
	case d.tasks[opts.ID] != nil:
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, opts.ID)
	case d.cfg.MaxConcurrentTasks > 0 && len(d.tasks) >= d.cfg.MaxConcurrentTasks:
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: limit %d", ErrTooManyTasks, d.cfg.MaxConcurrentTasks)
	}
	d.tasks[t.ID()] = t
	inFlight := len(d.tasks)
	d.wg.Add(1)
	d.mu.Unlock()

	if d.cfg.Observer != nil {
		d.cfg.Observer.SetTasksInFlight(inFlight)
	}

	// 任务生命周期跟随 Designer，链路追踪跟随调用方
	runCtx := trace.ContextWithSpanContext(d.ctx, trace.SpanContextFromContext(ctx))
	t.Run(runCtx)

	d.logger.Info("task added",
		zap.String("task_id", t.ID()),
		zap.String("version", t.Version()),
		zap.String("model", opts.ModelRef),
	)
	return t, nil
}

func (d *Designer) deregister(t *Task) {
	d.mu.Lock()
	if d.tasks[t.ID()] == t {
		delete(d.tasks, t.ID())
	}
	inFlight := len(d.tasks)
	d.mu.Unlock()

	d.invalidate(t.ID())
	if d.cfg.Observer != nil {
		d.cfg.Observer.SetTasksInFlight(inFlight)
	}
	d.wg.Done()
}

func (d *Designer) invalidate(taskID string) {
	if d.cfg.Cache == nil {
		return
	}
	d.invalidations.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.cfg.Cache.Invalidate(ctx, taskID); err != nil {
		d.logger.Warn("cache invalidation failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

// Task 返回在途任务
func (d *Designer) Task(id string) (*Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[id]
	return t, ok
}

// InFlight 返回在途任务快照
func (d *Designer) InFlight() []TaskState {
	d.mu.Lock()
	tasks := make([]*Task, 0, len(d.tasks))
	for _, t := range d.tasks {
		tasks = append(tasks, t)
	}
	d.mu.Unlock()

	states := make([]TaskState, 0, len(tasks))
	for _, t := range tasks {
		states = append(states, t.State())
	}
	return states
}

// CancelTask 取消在途任务，id 未知或任务已结束时返回 false
func (d *Designer) CancelTask(id string) bool {
	t, ok := d.Task(id)
	if !ok {
		return false
	}
	return t.Cancel()
}

// Subscribe 订阅在途任务的事件，任务不存在时返回 false
func (d *Designer) Subscribe(id string, fn func(Event)) (unsubscribe func(), ok bool) {
	t, ok := d.Task(id)
	if !ok {
		return func() {}, false
	}
	return t.Subscribe(fn), true
}

// WaitForTaskEnded 等待任务结束。任务不在途时立即返回 true；
// 超时或 ctx 结束返回 false，不会取消任务。timeout <= 0 表示只受 ctx 约束。
func (d *Designer) WaitForTaskEnded(ctx context.Context, id string, timeout time.Duration) bool {
	t, ok := d.Task(id)
	if !ok {
		return true
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-t.Done():
		return true
	case <-expired:
		return false
	case <-ctx.Done():
		return false
	}
}

// GetObjectState 合并持久化历史与在途任务；两者都不存在时返回 nil
func (d *Designer) GetObjectState(ctx context.Context, id string) (*ObjectState, error) {
	detail, err := d.cfg.Store.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	t, inFlight := d.Task(id)
	if detail == nil && !inFlight {
		return nil, nil
	}

	state := &ObjectState{ID: id}
	var current *TaskState
	if inFlight {
		s := t.State()
		current = &s
		state.Name, state.Description = s.Props.Name, s.Props.Description
		started := s.CreatedAt
		if s.StartedAt != nil {
			started = *s.StartedAt
		}
		state.Versions = append(state.Versions, VersionState{
			Version:   s.Version,
			Status:    StatusProcessing,
			InFlight:  true,
			StartedAt: started.UnixMilli(),
		})
	}
	if detail != nil {
		if current == nil {
			state.Name, state.Description = detail.Name, detail.Description
		}
		state.CreatedAt, state.ModifiedAt = detail.CreatedAtMs, detail.ModifiedAtMs
		for _, r := range detail.Results {
			if current != nil && r.Version == current.Version {
				continue
			}
			status := StatusFailed
			if r.Success {
				status = StatusSucceeded
			}
			ended := r.EndedAtMs
			state.Versions = append(state.Versions, VersionState{
				Version:    r.Version,
				Status:     status,
				Success:    r.Success,
				HasContent: r.HasContent,
				StartedAt:  r.StartedAtMs,
				EndedAt:    &ended,
			})
		}
	}
	return state, nil
}

// ObjectSummary 对象列表中的一项
type ObjectSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ModifiedAt  int64  `json:"modified_at,omitempty"`
	// InFlightVersion 正在生成的版本，没有在途任务时为空
	InFlightVersion string `json:"in_flight_version,omitempty"`
}

// ListObjects 列出对象：尚未持久化的在途对象在前，其余按最近修改倒序。
// limit <= 0 表示不限，只约束持久化部分。
func (d *Designer) ListObjects(ctx context.Context, limit int) ([]ObjectSummary, error) {
	tasks, err := d.cfg.Store.ListTasks(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	running := make(map[string]TaskState)
	for _, s := range d.InFlight() {
		running[s.ID] = s
	}

	out := make([]ObjectSummary, 0, len(tasks)+len(running))
	persisted := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		persisted[t.ID] = true
	}
	for id, s := range running {
		if persisted[id] {
			continue
		}
		out = append(out, ObjectSummary{
			ID:              id,
			Name:            s.Props.Name,
			Description:     s.Props.Description,
			InFlightVersion: s.Version,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	for _, t := range tasks {
		item := ObjectSummary{
			ID:          t.ID,
			Name:        t.Name,
			Description: t.Description,
			ModifiedAt:  t.ModifiedAtMs,
		}
		if s, ok := running[t.ID]; ok {
			item.InFlightVersion = s.Version
		}
		out = append(out, item)
	}
	return out, nil
}

// GetObjectCode 返回某版本的代码与错误，version 为空取最新版本
func (d *Designer) GetObjectCode(ctx context.Context, id, version string) (*ObjectCode, error) {
	code, err := d.cfg.Store.GetResultCode(ctx, id, version)
	if err != nil {
		return nil, fmt.Errorf("load code %s@%s: %w", id, version, err)
	}
	return code, nil
}

// contentLoadTimeout 合并读取的上限，与发起者的 ctx 脱钩
const contentLoadTimeout = 30 * time.Second

// GetObjectContent 返回某版本的资产，version 为空取最新版本。
// 并发请求合并为一次读取，读取不受任何单个调用方取消的影响；
// 每个调用方仍按自己的 ctx 返回。
func (d *Designer) GetObjectContent(ctx context.Context, id, version string) (*ObjectContent, error) {
	ch := d.flight.DoChan(id+"\x00"+version, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), contentLoadTimeout)
		defer cancel()
		return d.loadContent(loadCtx, id, version)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		content, _ := res.Val.(*ObjectContent)
		return content, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Designer) loadContent(ctx context.Context, id, version string) (*ObjectContent, error) {
	if version != "" && d.cfg.Cache != nil {
		cached, err := d.cfg.Cache.Get(ctx, id, version)
		if err != nil {
			d.logger.Warn("cache read failed", zap.String("task_id", id), zap.Error(err))
		} else if cached != nil {
			return cached, nil
		}
	}

	epoch := d.invalidations.Load()
	content, err := d.cfg.Store.GetResultContent(ctx, id, version)
	if err != nil {
		return nil, fmt.Errorf("load content %s@%s: %w", id, version, err)
	}
	if content != nil && d.cfg.Cache != nil {
		d.cacheContent(ctx, id, content, epoch)
	}
	return content, nil
}

// cacheContent 写入缓存，除非读取之后发生过失效或对象仍有在途任务。
// 写入后再次检查失效计数，与并发失效交错时由本方补一次失效。
func (d *Designer) cacheContent(ctx context.Context, id string, content *ObjectContent, epoch uint64) {
	if _, running := d.Task(id); running || d.invalidations.Load() != epoch {
		return
	}
	if err := d.cfg.Cache.Set(ctx, id, content); err != nil {
		d.logger.Warn("cache write failed", zap.String("task_id", id), zap.Error(err))
		return
	}
	if d.invalidations.Load() != epoch {
		d.invalidate(id)
	}
}

// DeleteObject 删除对象及其全部版本。在途任务先被取消并等待结束。
func (d *Designer) DeleteObject(ctx context.Context, id string) (bool, error) {
	if t, ok := d.Task(id); ok {
		t.Cancel()
		select {
		case <-t.Done():
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	deleted, err := d.cfg.Store.DeleteTask(ctx, id)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", id, err)
	}
	d.invalidate(id)
	if deleted {
		d.logger.Info("object deleted", zap.String("task_id", id))
	}
	return deleted, nil
}

// Shutdown 停止接受任务，取消全部在途任务并等待其结束
func (d *Designer) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	tasks := make([]*Task, 0, len(d.tasks))
	for _, t := range d.tasks {
		tasks = append(tasks, t)
	}
	d.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	defer d.cancel()

	select {
	case <-done:
		d.logger.Info("designer stopped", zap.Int("cancelled", len(tasks)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("designer shutdown: %w", ctx.Err())
	}
}
