package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/BaSui01/sceneforge/internal/pool"
	"github.com/BaSui01/sceneforge/scene"
	"github.com/dop251/goja"
	"go.uber.org/zap"
)

const scriptName = "scene.js"

var errExecutionTimeout = errors.New("execution timeout")

// removedGlobals are deleted from the global object before scene code runs.
var removedGlobals = []string{
	"process", "Buffer", "__dirname", "__filename",
	"setTimeout", "setInterval", "setImmediate",
	"clearTimeout", "clearInterval", "queueMicrotask",
	"fetch", "XMLHttpRequest", "WebAssembly",
	"eval", "Function",
}

// functionKinds evaluate to one function of each kind whose prototype
// carries a constructor able to compile source text.
var functionKinds = []string{
	"(function(){})",
	"(function*(){})",
	"(async function(){})",
	"(async function*(){})",
}

// hiddenMethods are Go helpers that should not appear on script objects.
var hiddenMethods = map[string]bool{
	"Validate":   true,
	"MeshCount":  true,
	"IsMesh":     true,
	"Quaternion": true,
	"Linear":     true,
	"Bounds":     true,
}

// =============================================================================
// 🟨 goja 执行后端
// =============================================================================

// GojaBackend 使用嵌入式 JavaScript 解释器执行场景代码。每次执行都使用
// 全新的 Runtime,并在协程池的工作协程上运行。
type GojaBackend struct {
	pool     *pool.GoroutinePool
	ownsPool bool
	logger   *zap.Logger
}

// NewGojaBackend 创建 goja 后端。workers 为 nil 时创建并持有一个默认协程池。
func NewGojaBackend(workers *pool.GoroutinePool, logger *zap.Logger) *GojaBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &GojaBackend{pool: workers, logger: logger.With(zap.String("backend", "goja"))}
	if b.pool == nil {
		b.pool = pool.NewGoroutinePool(pool.DefaultGoroutinePoolConfig())
		b.ownsPool = true
	}
	return b
}

func (b *GojaBackend) Name() string { return "goja" }

// Cleanup 关闭自身持有的协程池
func (b *GojaBackend) Cleanup() error {
	if b.ownsPool {
		b.pool.Close()
	}
	return nil
}

// PoolStats 返回协程池统计
func (b *GojaBackend) PoolStats() pool.GoroutinePoolStats {
	return b.pool.Stats()
}

// Execute 在工作协程上运行代码。ctx 结束时立即返回,不等待工作协程。
func (b *GojaBackend) Execute(ctx context.Context, req *ExecutionRequest, config SandboxConfig) (*SandboxResult, error) {
	r := newRun(req, config, b.logger)
	done := make(chan *SandboxResult, 1)

	err := b.pool.Enqueue(ctx, func(taskCtx context.Context) error {
		done <- r.execute(taskCtx)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return r.abandon(ctx.Err()), nil
		}
		return r.failure(FailureHostError, fmt.Sprintf("sandbox unavailable: %v", err)), nil
	}

	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		r.vm.Interrupt(ctx.Err())
		return r.abandon(ctx.Err()), nil
	}
}

// =============================================================================
// 单次执行
// =============================================================================

type blobEntry struct {
	data []byte
	typ  string
}

// run holds the state of one execution. Everything except mu-guarded
// fields is touched only by the worker goroutine.
type run struct {
	vm      *goja.Runtime
	req     *ExecutionRequest
	cfg     SandboxConfig
	logger  *zap.Logger
	console *ConsoleBuffer
	start   time.Time

	mu      sync.Mutex
	settled bool
	outcome *SandboxResult
	denied  string

	modules   map[Capability]goja.Value
	blobs     map[*goja.Object]blobEntry
	stringify goja.Callable
	jsonParse goja.Callable
}

func newRun(req *ExecutionRequest, cfg SandboxConfig, logger *zap.Logger) *run {
	return &run{
		vm:      goja.New(),
		req:     req,
		cfg:     cfg,
		logger:  logger.With(zap.String("id", req.ID)),
		console: NewConsoleBuffer(cfg.MaxConsoleEntries),
		start:   time.Now(),
		modules: make(map[Capability]goja.Value),
		blobs:   make(map[*goja.Object]blobEntry),
	}
}

func (r *run) execute(ctx context.Context) (res *SandboxResult) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("sandbox panic", zap.Any("panic", p), zap.Stack("stack"))
			res = r.failure(FailureHostError, "sandbox host error: the execution host failed unexpectedly")
		}
	}()

	if err := r.prepare(); err != nil {
		return r.failure(FailureHostError, fmt.Sprintf("sandbox bootstrap failed: %v", err))
	}

	timer := time.AfterFunc(r.cfg.Timeout, func() { r.vm.Interrupt(errExecutionTimeout) })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { r.vm.Interrupt(ctx.Err()) })
	defer stop()

	_, err := r.vm.RunScript(scriptName, rewriteImports(r.req.Code))
	return r.finish(err)
}

// finish classifies the run. A denied capability always fails the run,
// and an interrupt discards any result reported before it.
func (r *run) finish(err error) *SandboxResult {
	r.mu.Lock()
	denied, settled, outcome := r.denied, r.settled, r.outcome
	r.mu.Unlock()

	if denied != "" {
		return r.failure(FailureCapabilityDenied, deniedMessage(denied))
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return r.abandon(cause)
		}
		return r.abandon(errExecutionTimeout)
	}

	if settled {
		if err != nil {
			r.appendLine("error", "exception after completion: "+exceptionMessage(err))
		}
		outcome.Diagnostics = r.console.Snapshot()
		outcome.Duration = time.Since(r.start)
		return outcome
	}

	if err != nil {
		return r.failure(FailureUncaughtException, "uncaught exception: "+exceptionMessage(err))
	}
	return r.failure(FailureNoResult, "code finished without calling onSuccess or onError")
}

// abandon reports a run cut short by the deadline or by cancellation. It is
// safe to call while the worker is still running.
func (r *run) abandon(cause error) *SandboxResult {
	r.mu.Lock()
	denied := r.denied
	r.mu.Unlock()
	if denied != "" {
		return r.failure(FailureCapabilityDenied, deniedMessage(denied))
	}
	if errors.Is(cause, context.Canceled) {
		return r.failure(FailureCancelled, "execution cancelled")
	}
	return r.failure(FailureTimeout, fmt.Sprintf("execution timed out after %s", r.cfg.Timeout))
}

func (r *run) failure(class FailureClass, msg string) *SandboxResult {
	return &SandboxResult{
		ID:          r.req.ID,
		Failure:     class,
		Error:       msg,
		Diagnostics: r.console.Snapshot(),
		Duration:    time.Since(r.start),
	}
}

func deniedMessage(id string) string {
	return fmt.Sprintf("capability denied: module %q is not available in the sandbox", id)
}

func exceptionMessage(err error) string {
	var ex *goja.Exception
	if errors.As(err, &ex) && ex.Value() != nil {
		return ex.Value().String()
	}
	return err.Error()
}

// =============================================================================
// 运行时准备
// =============================================================================

type fieldMapper struct {
	base goja.FieldNameMapper
}

// hiddenFields 场景结构的内部切片，脚本只能通过 add/remove 等方法修改
var hiddenFields = map[reflect.Type]map[string]bool{
	reflect.TypeOf(scene.Node{}):     {"Children": true},
	reflect.TypeOf(scene.Geometry{}): {"Positions": true, "Normals": true, "Indices": true},
}

func (m fieldMapper) FieldName(t reflect.Type, f reflect.StructField) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if hiddenFields[t][f.Name] {
		return ""
	}
	return m.base.FieldName(t, f)
}

func (m fieldMapper) MethodName(t reflect.Type, method reflect.Method) string {
	if hiddenMethods[method.Name] {
		return ""
	}
	return m.base.MethodName(t, method)
}

func (r *run) prepare() error {
	vm := r.vm
	vm.SetFieldNameMapper(fieldMapper{base: goja.UncapFieldNameMapper()})
	vm.SetRandSource(rand.New(rand.NewSource(r.cfg.RandSeed)).Float64)
	if r.cfg.MaxCallStackSize > 0 {
		vm.SetMaxCallStackSize(r.cfg.MaxCallStackSize)
	}

	// captured before scene code can replace them
	jsonObj := vm.Get("JSON").ToObject(vm)
	var ok bool
	if r.stringify, ok = goja.AssertFunction(jsonObj.Get("stringify")); !ok {
		return errors.New("JSON.stringify unavailable")
	}
	if r.jsonParse, ok = goja.AssertFunction(jsonObj.Get("parse")); !ok {
		return errors.New("JSON.parse unavailable")
	}

	if err := r.harden(); err != nil {
		return err
	}

	globals := map[string]any{
		"require":    r.require,
		"console":    r.consoleObject(),
		"onSuccess":  r.onSuccess,
		"onError":    r.onError,
		"btoa":       r.btoa,
		"atob":       r.atob,
		"Blob":       r.newBlob,
		"FileReader": r.newFileReader,
	}
	for name, value := range globals {
		if err := vm.Set(name, value); err != nil {
			return fmt.Errorf("install %s: %w", name, err)
		}
	}
	return nil
}

// harden removes escape surfaces and disables code generation from strings.
func (r *run) harden() error {
	vm := r.vm
	global := vm.GlobalObject()
	for _, name := range removedGlobals {
		if err := global.Delete(name); err != nil {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}

	stub := vm.ToValue(func(goja.FunctionCall) goja.Value {
		panic(vm.NewTypeError("code generation from strings is disabled"))
	})
	for _, src := range functionKinds {
		fn, err := vm.RunString(src)
		if err != nil {
			// the interpreter does not support this function kind
			continue
		}
		proto := fn.ToObject(vm).Prototype()
		if proto == nil {
			continue
		}
		if err := proto.DefineDataProperty("constructor", stub, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
			return fmt.Errorf("lock constructor: %w", err)
		}
	}
	return nil
}

// require resolves module identifiers through the closed capability table.
func (r *run) require(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).String()
	c, ok := ResolveCapability(id)
	if !ok {
		r.mu.Lock()
		if r.denied == "" {
			r.denied = id
		}
		r.mu.Unlock()
		r.logger.Warn("capability denied", zap.String("module", id))
		panic(r.vm.NewTypeError(deniedMessage(id)))
	}
	if v, ok := r.modules[c]; ok {
		return v
	}
	v, err := r.module(c)
	if err != nil {
		panic(r.vm.NewGoError(err))
	}
	r.modules[c] = v
	return v
}

func (r *run) module(c Capability) (goja.Value, error) {
	switch c {
	case CapabilityScene:
		return r.sceneModule(), nil
	case CapabilityGLTFExporter:
		return r.exporterModule(), nil
	}
	return nil, fmt.Errorf("capability %s has no module", c)
}

// =============================================================================
// 控制台
// =============================================================================

var consoleLevels = []string{"log", "info", "warn", "error", "debug", "trace"}

func (r *run) consoleObject() *goja.Object {
	obj := r.vm.NewObject()
	for _, level := range consoleLevels {
		level := level
		_ = obj.Set(level, func(call goja.FunctionCall) goja.Value {
			r.appendLine(level, r.format(call.Arguments))
			return goja.Undefined()
		})
	}
	return obj
}

func (r *run) appendLine(level, msg string) {
	if limit := r.cfg.MaxLogLineBytes; limit > 0 && len(msg) > limit {
		msg = strings.ToValidUTF8(msg[:limit], "") + "…"
	}
	r.console.Append(ConsoleLine{Level: level, Message: msg, TimestampMs: time.Now().UnixMilli()})
}

func (r *run) format(args []goja.Value) string {
	buf := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(buf)
	for i, arg := range args {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(r.display(arg))
	}
	return buf.String()
}

func (r *run) display(v goja.Value) string {
	obj, isObj := v.(*goja.Object)
	if !isObj {
		return v.String()
	}
	if _, isFn := goja.AssertFunction(v); isFn || obj.ClassName() == "Error" {
		return v.String()
	}
	s, err := r.stringify(goja.Undefined(), v)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			panic(interrupted)
		}
		return v.String()
	}
	if goja.IsUndefined(s) {
		return v.String()
	}
	return s.String()
}

// =============================================================================
// 导出桥
// =============================================================================

// claim marks the run settled; only the first callback wins.
func (r *run) claim(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		r.console.Append(ConsoleLine{
			Level:       "debug",
			Message:     fmt.Sprintf("ignored %s call after completion", name),
			TimestampMs: time.Now().UnixMilli(),
		})
		return false
	}
	r.settled = true
	return true
}

func (r *run) settle(res *SandboxResult) {
	r.mu.Lock()
	r.outcome = res
	r.mu.Unlock()
}

func (r *run) onSuccess(call goja.FunctionCall) goja.Value {
	if !r.claim("onSuccess") {
		return goja.Undefined()
	}
	asset, err := r.assetFrom(call.Argument(0))
	if err != nil {
		r.settle(&SandboxResult{ID: r.req.ID, Failure: FailureExportFailed, Error: "export failed: " + err.Error()})
		return goja.Undefined()
	}
	r.settle(&SandboxResult{ID: r.req.ID, Success: true, Asset: asset, MimeType: scene.GLBMimeType})
	return goja.Undefined()
}

func (r *run) onError(call goja.FunctionCall) goja.Value {
	if !r.claim("onError") {
		return goja.Undefined()
	}
	r.settle(&SandboxResult{
		ID:      r.req.ID,
		Failure: FailureExplicitError,
		Error:   "explicit error callback: " + r.errorText(call.Argument(0)),
	})
	return goja.Undefined()
}

func (r *run) errorText(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "unknown error"
	}
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	return v.String()
}

// assetFrom turns an onSuccess argument into GLB bytes.
func (r *run) assetFrom(v goja.Value) ([]byte, error) {
	var data []byte
	if raw, ok := r.bytesOf(v); ok {
		if !scene.IsGLB(raw) {
			return nil, errors.New("binary result is not a GLB asset")
		}
		data = bytes.Clone(raw)
	} else {
		root, err := r.sceneRoot(v)
		if err != nil {
			return nil, err
		}
		if data, err = scene.ExportGLB(root); err != nil {
			return nil, err
		}
	}
	if limit := r.cfg.MaxAssetBytes; limit > 0 && len(data) > limit {
		return nil, fmt.Errorf("asset is %d bytes, limit is %d", len(data), limit)
	}
	return data, nil
}

// bytesOf extracts the bytes behind an ArrayBuffer or a typed array view.
func (r *run) bytesOf(v goja.Value) ([]byte, bool) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	if ab, ok := obj.Export().(goja.ArrayBuffer); ok {
		return ab.Bytes(), true
	}
	buffer := obj.Get("buffer")
	if buffer == nil {
		return nil, false
	}
	ab, ok := buffer.Export().(goja.ArrayBuffer)
	if !ok {
		return nil, false
	}
	data := ab.Bytes()
	offset := int(obj.Get("byteOffset").ToInteger())
	length := int(obj.Get("byteLength").ToInteger())
	if offset < 0 || length < 0 || offset+length > len(data) {
		return nil, false
	}
	return data[offset : offset+length], true
}

// sceneRoot accepts a node or an array of nodes.
func (r *run) sceneRoot(v goja.Value) (*scene.Node, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, errors.New("expected a scene object")
	}
	switch val := v.Export().(type) {
	case *scene.Node:
		return val, nil
	case []any:
		root := scene.NewScene()
		seen := make(map[*scene.Node]bool, len(val))
		for _, item := range val {
			node, ok := item.(*scene.Node)
			if !ok || node == nil {
				return nil, fmt.Errorf("expected scene objects, got %T", item)
			}
			if seen[node] {
				continue
			}
			seen[node] = true
			// children are listed directly so the inputs keep their parents
			root.Children = append(root.Children, node)
		}
		return root, nil
	default:
		return nil, fmt.Errorf("expected a scene object or GLB bytes, got %s", describe(v))
	}
}

func describe(v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok {
		return obj.ClassName()
	}
	if v.ExportType() == nil {
		return v.String()
	}
	return v.ExportType().String()
}

// =============================================================================
// 纯内存 polyfill
// =============================================================================

func (r *run) btoa(call goja.FunctionCall) goja.Value {
	s := call.Argument(0).String()
	raw := make([]byte, 0, len(s))
	for _, c := range s {
		if c > 0xff {
			panic(r.vm.NewTypeError("btoa: string contains characters outside of the Latin1 range"))
		}
		raw = append(raw, byte(c))
	}
	return r.vm.ToValue(base64Std(raw))
}

func (r *run) atob(call goja.FunctionCall) goja.Value {
	s := strings.Map(func(c rune) rune {
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' {
			return -1
		}
		return c
	}, call.Argument(0).String())
	raw, err := decodeBase64(s)
	if err != nil {
		panic(r.vm.NewTypeError("atob: invalid base64 input"))
	}
	out := make([]rune, len(raw))
	for i, b := range raw {
		out[i] = rune(b)
	}
	return r.vm.ToValue(string(out))
}

func (r *run) newBlob(call goja.ConstructorCall) *goja.Object {
	data := r.blobParts(call.Argument(0))
	typ := ""
	if opts, ok := call.Argument(1).(*goja.Object); ok {
		if t := opts.Get("type"); t != nil && !goja.IsUndefined(t) {
			typ = strings.ToLower(t.String())
		}
	}

	obj := call.This
	_ = obj.Set("size", len(data))
	_ = obj.Set("type", typ)
	_ = obj.Set("arrayBuffer", func(goja.FunctionCall) goja.Value {
		return r.resolved(r.vm.NewArrayBuffer(bytes.Clone(data)))
	})
	_ = obj.Set("text", func(goja.FunctionCall) goja.Value {
		return r.resolved(string(data))
	})
	r.blobs[obj] = blobEntry{data: data, typ: typ}
	return obj
}

func (r *run) blobParts(v goja.Value) []byte {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	var out []byte
	n := int(obj.Get("length").ToInteger())
	for i := 0; i < n; i++ {
		part := obj.Get(strconv.Itoa(i))
		if po, ok := part.(*goja.Object); ok {
			if entry, ok := r.blobs[po]; ok {
				out = append(out, entry.data...)
				continue
			}
		}
		if raw, ok := r.bytesOf(part); ok {
			out = append(out, raw...)
			continue
		}
		out = append(out, part.String()...)
	}
	return out
}

func (r *run) newFileReader(call goja.ConstructorCall) *goja.Object {
	obj := call.This
	_ = obj.Set("readyState", 0)
	_ = obj.Set("result", goja.Null())

	read := func(encode func(entry blobEntry) any) func(goja.FunctionCall) goja.Value {
		return func(c goja.FunctionCall) goja.Value {
			po, _ := c.Argument(0).(*goja.Object)
			entry, ok := r.blobs[po]
			if !ok {
				panic(r.vm.NewTypeError("FileReader: argument is not a Blob"))
			}
			_ = obj.Set("result", encode(entry))
			_ = obj.Set("readyState", 2)
			event := r.vm.NewObject()
			_ = event.Set("target", obj)
			for _, handler := range []string{"onload", "onloadend"} {
				if fn, ok := goja.AssertFunction(obj.Get(handler)); ok {
					if _, err := fn(obj, event); err != nil {
						panic(err)
					}
				}
			}
			return goja.Undefined()
		}
	}

	_ = obj.Set("readAsArrayBuffer", read(func(e blobEntry) any {
		return r.vm.NewArrayBuffer(bytes.Clone(e.data))
	}))
	_ = obj.Set("readAsDataURL", read(func(e blobEntry) any {
		typ := e.typ
		if typ == "" {
			typ = "application/octet-stream"
		}
		return "data:" + typ + ";base64," + base64Std(e.data)
	}))
	_ = obj.Set("readAsText", read(func(e blobEntry) any {
		if utf8.Valid(e.data) {
			return string(e.data)
		}
		return strings.ToValidUTF8(string(e.data), "�")
	}))
	return obj
}

func (r *run) resolved(v any) goja.Value {
	p, resolve, _ := r.vm.NewPromise()
	resolve(v)
	return r.vm.ToValue(p)
}

func base64Std(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func decodeBase64(s string) ([]byte, error) {
	if strings.HasSuffix(s, "=") || len(s)%4 == 0 {
		return base64.StdEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}
