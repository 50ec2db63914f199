package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/sceneforge/generation"
	"github.com/BaSui01/sceneforge/types"
)

// =============================================================================
// 📡 任务事件流（WebSocket）
// =============================================================================

const (
	eventBufferSize   = 32
	eventWriteTimeout = 5 * time.Second
)

// HandleEvents 把在途任务的事件以 JSON 文本帧推送给客户端，ended 之后正常关闭。
// 对象没有在途任务时返回 404。
// @Summary Task event stream
// @Tags objects
// @Param id path string true "Object ID"
// @Success 101 "Switching protocols"
// @Failure 404 {object} Response "No task in flight"
// @Security BearerAuth
// @Router /api/v1/objects/{id}/events [get]
func (h *ObjectHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, ok := h.designer.Task(id)
	if !ok {
		WriteErrorMessage(w, r, http.StatusNotFound, types.ErrTaskNotFound, "no task in flight for "+id, h.logger)
		return
	}

	// 升级前订阅，保证不会错过升级期间发出的事件
	events := make(chan generation.Event, eventBufferSize)
	unsubscribe := task.Subscribe(func(ev generation.Event) {
		select {
		case events <- ev:
		default:
			h.logger.Warn("event stream buffer full, dropping event",
				zap.String("task_id", id),
				zap.String("event", string(ev.Type)))
		}
	})
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.AllowedOrigins,
	})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.String("task_id", id), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// 客户端只接收；CloseRead 处理控制帧并在客户端断开时结束 ctx
	ctx := conn.CloseRead(r.Context())

	if err := h.streamEvents(ctx, conn, task, events); err != nil {
		h.logger.Debug("event stream ended early", zap.String("task_id", id), zap.Error(err))
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "task ended")
}

func (h *ObjectHandler) streamEvents(ctx context.Context, conn *websocket.Conn, task *generation.Task, events <-chan generation.Event) error {
	write := func(ev generation.Event) error {
		wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
		defer cancel()
		return wsjson.Write(wctx, conn, ev)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if err := write(ev); err != nil {
				return err
			}
			if ev.Type == generation.EventEnded {
				return nil
			}
		case <-task.Done():
			// ended 在 Done 关闭前发出；订阅晚于 ended 时补发一条
			for {
				select {
				case ev := <-events:
					if err := write(ev); err != nil {
						return err
					}
					if ev.Type == generation.EventEnded {
						return nil
					}
				default:
					return write(endedEvent(task))
				}
			}
		}
	}
}

func endedEvent(task *generation.Task) generation.Event {
	ev := generation.Event{
		Type:      generation.EventEnded,
		TaskID:    task.ID(),
		Version:   task.Version(),
		Timestamp: time.Now(),
	}
	if o, ok := task.Outcome(); ok {
		ev.Status = o.Status
		ev.Error = o.Error
	}
	return ev
}
