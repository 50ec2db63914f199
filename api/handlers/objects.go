package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/BaSui01/sceneforge/api"
	"github.com/BaSui01/sceneforge/generation"
	"github.com/BaSui01/sceneforge/llm"
	"github.com/BaSui01/sceneforge/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🧊 对象生成 Handler
// =============================================================================

// Designer ObjectHandler 依赖的设计器操作，由 generation.Designer 实现
type Designer interface {
	AddTask(ctx context.Context, opts generation.TaskOptions) (*generation.Task, error)
	Task(id string) (*generation.Task, bool)
	CancelTask(id string) bool
	WaitForTaskEnded(ctx context.Context, id string, timeout time.Duration) bool
	GetObjectState(ctx context.Context, id string) (*generation.ObjectState, error)
	GetObjectCode(ctx context.Context, id, version string) (*generation.ObjectCode, error)
	GetObjectContent(ctx context.Context, id, version string) (*generation.ObjectContent, error)
	ListObjects(ctx context.Context, limit int) ([]generation.ObjectSummary, error)
	DeleteObject(ctx context.Context, id string) (bool, error)
}

// ObjectHandlerConfig ObjectHandler 参数
type ObjectHandlerConfig struct {
	// MaxBodyBytes 请求体上限
	MaxBodyBytes int64
	// MaxWaitTimeout wait 接口的最长等待，也是未指定 timeout_ms 时的默认值
	MaxWaitTimeout time.Duration
	// MaxSandboxTimeout 请求可指定的最大沙箱超时
	MaxSandboxTimeout time.Duration
	// AllowedOrigins websocket 允许的跨域来源模式
	AllowedOrigins []string
}

// ObjectHandler 对象生成与查询处理器
type ObjectHandler struct {
	designer Designer
	cfg      ObjectHandlerConfig
	logger   *zap.Logger
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// NewObjectHandler 创建对象处理器
func NewObjectHandler(designer Designer, cfg ObjectHandlerConfig, logger *zap.Logger) *ObjectHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.MaxWaitTimeout <= 0 {
		cfg.MaxWaitTimeout = 2 * time.Minute
	}
	return &ObjectHandler{
		designer: designer,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "object_handler")),
	}
}

// Register 把全部路由注册到 mux
func (h *ObjectHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/objects", h.HandleCreate)
	mux.HandleFunc("GET /api/v1/objects", h.HandleList)
	mux.HandleFunc("GET /api/v1/objects/{id}", h.HandleGetState)
	mux.HandleFunc("GET /api/v1/objects/{id}/code", h.HandleGetCode)
	mux.HandleFunc("GET /api/v1/objects/{id}/content", h.HandleGetContent)
	mux.HandleFunc("GET /api/v1/objects/{id}/wait", h.HandleWait)
	mux.HandleFunc("GET /api/v1/objects/{id}/events", h.HandleEvents)
	mux.HandleFunc("DELETE /api/v1/objects/{id}/task", h.HandleCancel)
	mux.HandleFunc("DELETE /api/v1/objects/{id}", h.HandleDelete)
}

// =============================================================================
// HTTP Handlers
// =============================================================================

// HandleCreate 创建生成任务
// @Summary Create object
// @Description Start generating a new version of an object
// @Tags objects
// @Accept json
// @Produce json
// @Param request body api.CreateObjectRequest true "Generation request"
// @Success 202 {object} Response{data=api.TaskResponse} "Task accepted"
// @Failure 400 {object} Response "Invalid request"
// @Failure 409 {object} Response "Task already in flight"
// @Failure 429 {object} Response "Too many tasks"
// @Security BearerAuth
// @Router /api/v1/objects [post]
func (h *ObjectHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.CreateObjectRequest
	if err := DecodeJSONBody(w, r, &req, h.cfg.MaxBodyBytes, h.logger); err != nil {
		return
	}

	opts, apiErr := h.taskOptions(req)
	if apiErr != nil {
		WriteError(w, r, apiErr, h.logger)
		return
	}

	task, err := h.designer.AddTask(r.Context(), opts)
	if err != nil {
		h.handleDesignerError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/v1/objects/"+task.ID())
	WriteStatus(w, r, http.StatusAccepted, task.State())
}

func (h *ObjectHandler) taskOptions(req api.CreateObjectRequest) (generation.TaskOptions, *types.Error) {
	opts := generation.TaskOptions{
		ID:       req.ID,
		Version:  req.Version,
		Props:    generation.GenerationProps{Name: req.Name, Description: req.Description},
		ModelRef: req.Model,
	}

	if req.SandboxTimeoutMs < 0 {
		return opts, types.NewError(types.ErrInvalidRequest, "sandbox_timeout_ms must not be negative")
	}
	if req.SandboxTimeoutMs > 0 {
		timeout := time.Duration(req.SandboxTimeoutMs) * time.Millisecond
		if h.cfg.MaxSandboxTimeout > 0 && timeout > h.cfg.MaxSandboxTimeout {
			return opts, types.NewError(types.ErrInvalidRequest,
				"sandbox_timeout_ms exceeds "+strconv.FormatInt(h.cfg.MaxSandboxTimeout.Milliseconds(), 10))
		}
		opts.SandboxTimeout = timeout
	}

	if req.Temperature != nil || req.MaxTokens != 0 {
		if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
			return opts, types.NewError(types.ErrInvalidRequest, "temperature must be between 0 and 2")
		}
		if req.MaxTokens < 0 {
			return opts, types.NewError(types.ErrInvalidRequest, "max_tokens must not be negative")
		}
		gen := &llm.GenerateOptions{MaxTokens: req.MaxTokens}
		if req.Temperature != nil {
			gen.Temperature = *req.Temperature
		}
		opts.Generate = gen
	}
	return opts, nil
}

// HandleList 列出对象
// @Summary List objects
// @Tags objects
// @Produce json
// @Param limit query int false "Max persisted objects (default 50, max 500)"
// @Success 200 {object} Response{data=api.ObjectListResponse} "Objects"
// @Security BearerAuth
// @Router /api/v1/objects [get]
func (h *ObjectHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "limit must be a positive integer", h.logger)
			return
		}
		limit = min(n, maxListLimit)
	}

	objects, err := h.designer.ListObjects(r.Context(), limit)
	if err != nil {
		h.handleDesignerError(w, r, err)
		return
	}
	WriteSuccess(w, r, api.ObjectListResponse{Objects: objects})
}

// HandleGetState 返回对象状态
// @Summary Get object state
// @Tags objects
// @Produce json
// @Param id path string true "Object ID"
// @Success 200 {object} Response{data=api.ObjectResponse} "Object state"
// @Failure 404 {object} Response "Object not found"
// @Security BearerAuth
// @Router /api/v1/objects/{id} [get]
func (h *ObjectHandler) HandleGetState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, err := h.designer.GetObjectState(r.Context(), id)
	if err != nil {
		h.handleDesignerError(w, r, err)
		return
	}
	if state == nil {
		h.writeNotFound(w, r, id)
		return
	}
	WriteSuccess(w, r, state)
}

// HandleGetCode 返回某版本的代码与错误
// @Summary Get object code
// @Tags objects
// @Produce json
// @Param id path string true "Object ID"
// @Param version query string false "Version (default latest)"
// @Success 200 {object} Response{data=api.CodeResponse} "Code"
// @Failure 404 {object} Response "Object or version not found"
// @Security BearerAuth
// @Router /api/v1/objects/{id}/code [get]
func (h *ObjectHandler) HandleGetCode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	code, err := h.designer.GetObjectCode(r.Context(), id, r.URL.Query().Get("version"))
	if err != nil {
		h.handleDesignerError(w, r, err)
		return
	}
	if code == nil {
		h.writeNotFound(w, r, id)
		return
	}
	WriteSuccess(w, r, api.CodeResponse{ID: id, Version: code.Version, Code: code.Code, Error: code.Error})
}

// HandleGetContent 返回某版本的 GLB 资产
// @Summary Get object content
// @Tags objects
// @Produce model/gltf-binary
// @Param id path string true "Object ID"
// @Param version query string false "Version (default latest)"
// @Success 200 {file} binary "Asset"
// @Failure 404 {object} Response "Object, version or content not found"
// @Security BearerAuth
// @Router /api/v1/objects/{id}/content [get]
func (h *ObjectHandler) HandleGetContent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	content, err := h.designer.GetObjectContent(r.Context(), id, r.URL.Query().Get("version"))
	if err != nil {
		h.handleDesignerError(w, r, err)
		return
	}
	if content == nil {
		h.writeNotFound(w, r, id)
		return
	}
	if content.MimeType == nil {
		msg := "version " + content.Version + " has no content"
		if content.Error != nil {
			msg += ": " + *content.Error
		}
		WriteErrorMessage(w, r, http.StatusNotFound, types.ErrNotFound, msg, h.logger)
		return
	}

	w.Header().Set("Content-Type", *content.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(content.Blob)))
	w.Header().Set("X-Object-Version", content.Version)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(content.Blob); err != nil {
		h.logger.Debug("content write aborted", zap.String("task_id", id), zap.Error(err))
	}
}

// HandleWait 等待在途任务结束，超时不取消任务
// @Summary Wait for task
// @Tags objects
// @Produce json
// @Param id path string true "Object ID"
// @Param timeout_ms query int false "Wait timeout in milliseconds"
// @Success 200 {object} Response{data=api.WaitResponse} "Wait result"
// @Security BearerAuth
// @Router /api/v1/objects/{id}/wait [get]
func (h *ObjectHandler) HandleWait(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	timeout := h.cfg.MaxWaitTimeout
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "timeout_ms must be a non-negative integer", h.logger)
			return
		}
		timeout = min(time.Duration(ms)*time.Millisecond, h.cfg.MaxWaitTimeout)
	}

	ended := true
	if timeout > 0 {
		ended = h.designer.WaitForTaskEnded(r.Context(), id, timeout)
	} else if _, running := h.designer.Task(id); running {
		ended = false
	}
	if r.Context().Err() != nil {
		return
	}

	state, err := h.designer.GetObjectState(r.Context(), id)
	if err != nil {
		h.handleDesignerError(w, r, err)
		return
	}
	if state == nil {
		h.writeNotFound(w, r, id)
		return
	}
	WriteSuccess(w, r, api.WaitResponse{Ended: ended, State: state})
}

// HandleCancel 取消在途任务
// @Summary Cancel task
// @Tags objects
// @Produce json
// @Param id path string true "Object ID"
// @Success 200 {object} Response{data=api.CancelResponse} "Cancelled"
// @Failure 404 {object} Response "No task in flight"
// @Security BearerAuth
// @Router /api/v1/objects/{id}/task [delete]
func (h *ObjectHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.designer.CancelTask(id) {
		WriteErrorMessage(w, r, http.StatusNotFound, types.ErrTaskNotFound, "no task in flight for "+id, h.logger)
		return
	}
	h.logger.Info("task cancelled via API", zap.String("task_id", id))
	WriteSuccess(w, r, api.CancelResponse{ID: id, Cancelled: true})
}

// HandleDelete 删除对象及全部版本
// @Summary Delete object
// @Tags objects
// @Produce json
// @Param id path string true "Object ID"
// @Success 200 {object} Response{data=api.DeleteResponse} "Deleted"
// @Failure 404 {object} Response "Object not found"
// @Security BearerAuth
// @Router /api/v1/objects/{id} [delete]
func (h *ObjectHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	deleted, err := h.designer.DeleteObject(r.Context(), id)
	if err != nil {
		h.handleDesignerError(w, r, err)
		return
	}
	if !deleted {
		h.writeNotFound(w, r, id)
		return
	}
	WriteSuccess(w, r, api.DeleteResponse{ID: id, Deleted: true})
}

// =============================================================================
// Helper Functions
// =============================================================================

func (h *ObjectHandler) writeNotFound(w http.ResponseWriter, r *http.Request, id string) {
	WriteErrorMessage(w, r, http.StatusNotFound, types.ErrNotFound, "object "+id+" not found", h.logger)
}

// handleDesignerError 把设计器错误映射为 API 错误
func (h *ObjectHandler) handleDesignerError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *types.Error
	switch {
	case errors.Is(err, generation.ErrInvalidOptions):
		apiErr = types.NewError(types.ErrInvalidRequest, err.Error())
	case errors.Is(err, generation.ErrTaskExists):
		apiErr = types.NewError(types.ErrTaskExists, err.Error())
	case errors.Is(err, generation.ErrTooManyTasks):
		apiErr = types.NewError(types.ErrTooManyTasks, err.Error()).WithRetryable(true)
	case errors.Is(err, generation.ErrDesignerClosed):
		apiErr = types.NewError(types.ErrServiceUnavailable, "service is shutting down").WithRetryable(true)
	case errors.Is(err, context.DeadlineExceeded):
		apiErr = types.NewError(types.ErrTimeout, "request timed out").WithCause(err).WithRetryable(true)
	default:
		if typed, ok := types.AsError(err); ok {
			apiErr = typed
		} else {
			apiErr = types.NewError(types.ErrInternalError, "object operation failed").WithCause(err)
		}
	}
	WriteError(w, r, apiErr, h.logger)
}
