package generation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/sceneforge/llm"
	"github.com/BaSui01/sceneforge/sandbox"
	"github.com/BaSui01/sceneforge/store"
)

// =============================================================================
// 🧩 生成任务
// =============================================================================

// Status 任务状态，只能单向推进：Queued -> Processing -> Succeeded|Failed
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// IsTerminal 是否为终态
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// CancelledReason 取消任务时写入的固定错误信息
const CancelledReason = "cancelled"

// FailureModelError 模型调用失败，与沙箱失败分类并列
const FailureModelError sandbox.FailureClass = "model_error"

// EventType 任务事件类型
type EventType string

const (
	EventStatusChange EventType = "status_change"
	EventSuccess      EventType = "success"
	EventError        EventType = "error"
	EventEnded        EventType = "ended"
)

// Event 任务生命周期事件
type Event struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id"`
	Version   string    `json:"version"`
	Status    Status    `json:"status"`
	Code      string    `json:"code,omitempty"`
	Asset     []byte    `json:"-"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Outcome 任务的终态结果：成功时 Code/Asset 有效，失败时 Error 非空
type Outcome struct {
	TaskID    string               `json:"task_id"`
	Version   string               `json:"version"`
	Status    Status               `json:"status"`
	Cancelled bool                 `json:"cancelled"`
	Code      string               `json:"code,omitempty"`
	Asset     []byte               `json:"-"`
	MimeType  string               `json:"mime_type,omitempty"`
	Error     string               `json:"error,omitempty"`
	Failure   sandbox.FailureClass `json:"failure,omitempty"`
	StartedAt time.Time            `json:"started_at"`
	EndedAt   time.Time            `json:"ended_at"`
}

// Succeeded 是否成功
func (o Outcome) Succeeded() bool { return o.Status == StatusSucceeded }

// Label 用于指标的结果标签
func (o Outcome) Label() string {
	switch {
	case o.Cancelled:
		return "cancelled"
	case o.Succeeded():
		return "succeeded"
	default:
		return "failed"
	}
}

// TaskState 任务状态快照
type TaskState struct {
	ID        string          `json:"id"`
	Version   string          `json:"version"`
	Props     GenerationProps `json:"props"`
	Status    Status          `json:"status"`
	Cancelled bool            `json:"cancelled"`
	CreatedAt time.Time       `json:"created_at"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
}

// Executor 运行生成代码的沙箱
type Executor interface {
	Execute(ctx context.Context, req *sandbox.ExecutionRequest) (*sandbox.SandboxResult, error)
}

// ResultWriter 持久化任务终态
type ResultWriter interface {
	AddResult(ctx context.Context, task store.Task, result store.Result) (int64, error)
}

// TaskObserver 接收任务结果，通常由指标收集器实现
type TaskObserver interface {
	ObserveTask(outcome string, duration time.Duration)
	ObservePersistFailure()
}

// taskDeps 任务运行依赖，由 Designer 注入
type taskDeps struct {
	generator      llm.CodeGenerator
	executor       Executor
	results        ResultWriter
	observer       TaskObserver
	tracer         trace.Tracer
	logger         *zap.Logger
	genOptions     llm.GenerateOptions
	persistTimeout time.Duration
	now            func() time.Time
}

func (d *taskDeps) defaults() {
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer("sceneforge/generation")
	}
	if d.persistTimeout <= 0 {
		d.persistTimeout = 30 * time.Second
	}
	if d.now == nil {
		d.now = time.Now
	}
}

// Task 一次"描述 -> 代码 -> 资产"的生成。
// 状态只在 mu 下推进，进入终态的一方负责持久化并发出 ended。
type Task struct {
	id       string
	version  string
	props    GenerationProps
	modelRef string
	timeout  time.Duration
	genOpts  *llm.GenerateOptions
	deps     taskDeps
	logger   *zap.Logger

	mu        sync.Mutex
	status    Status
	cancelled bool
	started   bool
	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time
	code      string
	ctx       context.Context
	cancel    context.CancelFunc

	outcomeCh chan Outcome
	done      chan struct{}
	outcome   Outcome

	subMu     sync.Mutex
	subs      map[int]func(Event)
	nextSubID int
}

func newTask(opts TaskOptions, deps taskDeps) *Task {
	deps.defaults()
	return &Task{
		id:        opts.ID,
		version:   opts.Version,
		props:     opts.Props,
		modelRef:  opts.ModelRef,
		timeout:   opts.SandboxTimeout,
		genOpts:   opts.Generate,
		deps:      deps,
		logger:    deps.logger.With(zap.String("task_id", opts.ID), zap.String("version", opts.Version)),
		status:    StatusQueued,
		createdAt: deps.now(),
		outcomeCh: make(chan Outcome, 1),
		done:      make(chan struct{}),
		subs:      make(map[int]func(Event)),
	}
}

// ID 任务 id
func (t *Task) ID() string { return t.id }

// Version 任务版本
func (t *Task) Version() string { return t.version }

// Props 任务参数副本
func (t *Task) Props() GenerationProps { return t.props }

// Done 在 ended 事件发出后关闭
func (t *Task) Done() <-chan struct{} { return t.done }

// Outcome 返回终态结果，任务未结束时 ok 为 false
func (t *Task) Outcome() (Outcome, bool) {
	select {
	case <-t.done:
		return t.outcome, true
	default:
		return Outcome{}, false
	}
}

// State 返回状态快照
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := TaskState{
		ID:        t.id,
		Version:   t.version,
		Props:     t.props,
		Status:    t.status,
		Cancelled: t.cancelled,
		CreatedAt: t.createdAt,
	}
	if !t.startedAt.IsZero() {
		started := t.startedAt
		s.StartedAt = &started
	}
	if !t.endedAt.IsZero() {
		ended := t.endedAt
		s.EndedAt = &ended
	}
	return s
}

// Subscribe 注册事件回调，返回取消订阅函数。回调在发出事件的 goroutine 中同步执行。
func (t *Task) Subscribe(fn func(Event)) (unsubscribe func()) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	id := t.nextSubID
	t.nextSubID++
	t.subs[id] = fn
	return func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		delete(t.subs, id)
	}
}

func (t *Task) emit(ev Event) {
	ev.TaskID, ev.Version = t.id, t.version
	if ev.Timestamp.IsZero() {
		ev.Timestamp = t.deps.now()
	}

	t.subMu.Lock()
	subs := make([]func(Event), 0, len(t.subs))
	for id := 0; id < t.nextSubID; id++ {
		if fn, ok := t.subs[id]; ok {
			subs = append(subs, fn)
		}
	}
	t.subMu.Unlock()

	for _, fn := range subs {
		t.notify(fn, ev)
	}
}

func (t *Task) notify(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("event subscriber panicked",
				zap.String("event", string(ev.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	fn(ev)
}

// Run 启动任务并返回结果通道。重复调用返回同一通道，不会重复执行。
// 通道只产出一次结果随后关闭；需要多次读取时使用 Done 与 Outcome。
func (t *Task) Run(ctx context.Context) <-chan Outcome {
	t.mu.Lock()
	if t.started || t.status.IsTerminal() {
		t.mu.Unlock()
		return t.outcomeCh
	}
	t.started = true
	t.ctx, t.cancel = context.WithCancel(ctx)
	runCtx := t.ctx
	t.mu.Unlock()

	go t.run(runCtx)
	return t.outcomeCh
}

// Cancel 取消任务。任务已结束时返回 false。
// 取消会持久化固定原因 "cancelled" 并发出 ended；已派发的模型或沙箱调用
// 通过任务上下文收到取消信号，其迟到的结果会被丢弃。
func (t *Task) Cancel() bool {
	t.mu.Lock()
	if t.status.IsTerminal() {
		t.mu.Unlock()
		return false
	}
	t.cancelled = true
	outcome := t.terminateLocked(StatusFailed, "", nil, "", CancelledReason, sandbox.FailureCancelled)
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.logger.Info("task cancelled")
	t.finish(outcome)
	return true
}

// run 是任务的单一控制流：渲染提示词 -> 调用模型 -> 沙箱执行。
// 每次挂起返回后都先检查是否已被取消，再提交任何副作用。
func (t *Task) run(ctx context.Context) {
	ctx, span := t.deps.tracer.Start(ctx, "generation.task",
		trace.WithAttributes(
			attribute.String("task.id", t.id),
			attribute.String("task.version", t.version),
		),
	)
	defer span.End()

	if !t.begin() {
		span.SetAttributes(attribute.Bool("task.cancelled", true))
		return
	}

	prompt, err := RenderInstructions(t.props)
	if err != nil {
		t.fail(span, "", fmt.Sprintf("render instructions: %v", err), FailureModelError)
		return
	}

	code, err := t.generate(ctx, prompt)
	if t.interrupted(ctx, span) {
		return
	}
	if err != nil {
		t.fail(span, "", fmt.Sprintf("code generation failed: %v", err), FailureModelError)
		return
	}
	t.mu.Lock()
	t.code = code
	t.mu.Unlock()

	res, err := t.execute(ctx, code)
	if t.interrupted(ctx, span) {
		return
	}
	switch {
	case err != nil:
		t.fail(span, code, fmt.Sprintf("sandbox rejected code: %v", err), sandbox.FailureHostError)
	case !res.Success:
		t.fail(span, code, res.Error, res.Failure)
	default:
		t.succeed(span, code, res)
	}
}

// begin 推进到 Processing；任务已被取消时返回 false
func (t *Task) begin() bool {
	t.mu.Lock()
	if t.cancelled || t.status != StatusQueued {
		t.mu.Unlock()
		return false
	}
	t.status = StatusProcessing
	t.startedAt = t.deps.now()
	t.mu.Unlock()

	t.emit(Event{Type: EventStatusChange, Status: StatusProcessing})
	return true
}

// interrupted 报告挂起期间任务是否已被取消。
// 上层上下文结束（例如服务关闭）按取消处理。
func (t *Task) interrupted(ctx context.Context, span trace.Span) bool {
	t.mu.Lock()
	cancelled := t.cancelled
	t.mu.Unlock()
	if !cancelled && ctx.Err() != nil {
		t.Cancel()
		cancelled = t.isCancelled()
	}
	if cancelled {
		span.SetAttributes(attribute.Bool("task.cancelled", true))
	}
	return cancelled
}

func (t *Task) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *Task) generate(ctx context.Context, prompt string) (string, error) {
	ctx, span := t.deps.tracer.Start(ctx, "generation.model",
		trace.WithAttributes(attribute.String("model.ref", t.modelRef)),
	)
	defer span.End()

	opts := mergeGenerateOptions(t.deps.genOptions, t.genOpts)
	if opts.TraceID == "" {
		opts.TraceID = t.id + "/" + t.version
	}
	code, err := t.deps.generator.GenerateCode(ctx, prompt, t.modelRef, &opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.Int("code.bytes", len(code)))
	return code, nil
}

// mergeGenerateOptions 任务级参数覆盖服务默认值，零值字段沿用默认值
func mergeGenerateOptions(base llm.GenerateOptions, override *llm.GenerateOptions) llm.GenerateOptions {
	if override == nil {
		return base
	}
	if override.SystemPrompt != "" {
		base.SystemPrompt = override.SystemPrompt
	}
	if override.Temperature != 0 {
		base.Temperature = override.Temperature
	}
	if override.MaxTokens != 0 {
		base.MaxTokens = override.MaxTokens
	}
	if override.TraceID != "" {
		base.TraceID = override.TraceID
	}
	if len(override.Metadata) > 0 {
		base.Metadata = override.Metadata
	}
	return base
}

func (t *Task) execute(ctx context.Context, code string) (*sandbox.SandboxResult, error) {
	ctx, span := t.deps.tracer.Start(ctx, "generation.sandbox")
	defer span.End()

	res, err := t.deps.executor.Execute(ctx, &sandbox.ExecutionRequest{
		ID:      t.id + "/" + t.version,
		Code:    code,
		Timeout: t.timeout,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("sandbox.outcome", res.Outcome()),
		attribute.Int("sandbox.asset_bytes", len(res.Asset)),
		attribute.Int("sandbox.console_dropped", res.Diagnostics.DroppedCount),
	)
	return res, nil
}

func (t *Task) fail(span trace.Span, code, msg string, failure sandbox.FailureClass) {
	if msg == "" {
		msg = "generation failed"
	}
	t.mu.Lock()
	if t.status.IsTerminal() {
		t.mu.Unlock()
		return
	}
	outcome := t.terminateLocked(StatusFailed, code, nil, "", msg, failure)
	t.mu.Unlock()

	span.SetStatus(codes.Error, msg)
	span.SetAttributes(attribute.String("task.failure", string(failure)))
	t.logger.Warn("task failed", zap.String("failure", string(failure)), zap.String("error", msg))
	t.finish(outcome)
}

func (t *Task) succeed(span trace.Span, code string, res *sandbox.SandboxResult) {
	t.mu.Lock()
	if t.status.IsTerminal() {
		t.mu.Unlock()
		return
	}
	outcome := t.terminateLocked(StatusSucceeded, code, res.Asset, res.MimeType, "", sandbox.FailureNone)
	t.mu.Unlock()

	span.SetStatus(codes.Ok, "")
	t.logger.Info("task succeeded", zap.Int("asset_bytes", len(res.Asset)))
	t.finish(outcome)
}

// terminateLocked 执行唯一一次终态迁移，调用方持有 mu 且已确认非终态
func (t *Task) terminateLocked(status Status, code string, asset []byte, mimeType, errMsg string, failure sandbox.FailureClass) Outcome {
	t.status = status
	t.endedAt = t.deps.now()
	if code == "" {
		code = t.code
	}
	started := t.startedAt
	if started.IsZero() {
		started = t.createdAt
	}
	return Outcome{
		TaskID:    t.id,
		Version:   t.version,
		Status:    status,
		Cancelled: t.cancelled,
		Code:      code,
		Asset:     asset,
		MimeType:  mimeType,
		Error:     errMsg,
		Failure:   failure,
		StartedAt: started,
		EndedAt:   t.endedAt,
	}
}

// finish 发出终态事件、持久化、发出 ended 并交付结果
func (t *Task) finish(o Outcome) {
	t.emit(Event{Type: EventStatusChange, Status: o.Status})
	if o.Succeeded() {
		t.emit(Event{Type: EventSuccess, Status: o.Status, Code: o.Code, Asset: o.Asset})
	} else {
		t.emit(Event{Type: EventError, Status: o.Status, Error: o.Error})
	}

	t.persist(o)

	if t.deps.observer != nil {
		t.deps.observer.ObserveTask(o.Label(), o.EndedAt.Sub(o.StartedAt))
	}
	t.emit(Event{Type: EventEnded, Status: o.Status, Error: o.Error})

	t.outcome = o
	close(t.done)
	t.outcomeCh <- o
	close(t.outcomeCh)

	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// persist 写入终态。失败只记录日志与指标，不改变任务状态。
func (t *Task) persist(o Outcome) {
	if t.deps.results == nil {
		return
	}
	base := context.Background()
	t.mu.Lock()
	if t.ctx != nil {
		base = context.WithoutCancel(t.ctx)
	}
	t.mu.Unlock()
	ctx, cancel := context.WithTimeout(base, t.deps.persistTimeout)
	defer cancel()
	ctx, span := t.deps.tracer.Start(ctx, "generation.persist")
	defer span.End()

	result := store.Result{
		TaskID:      o.TaskID,
		Version:     o.Version,
		StartedAtMs: o.StartedAt.UnixMilli(),
		EndedAtMs:   o.EndedAt.UnixMilli(),
	}
	if o.Code != "" {
		code := o.Code
		result.Code = &code
	}
	if o.Succeeded() {
		mime := o.MimeType
		result.MimeType = &mime
		result.Blob = o.Asset
	} else {
		msg := o.Error
		result.Error = &msg
	}

	_, err := t.deps.results.AddResult(ctx, store.Task{
		ID:          o.TaskID,
		Name:        t.props.Name,
		Description: t.props.Description,
	}, result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if t.deps.observer != nil {
			t.deps.observer.ObservePersistFailure()
		}
		t.logger.Error("persist result failed", zap.Error(err))
	}
}
