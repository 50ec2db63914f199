package api

import (
	"github.com/BaSui01/sceneforge/generation"
)

// =============================================================================
// 对象生成类型
// =============================================================================

// CreateObjectRequest 创建生成任务的请求
// @Description 创建生成任务的请求结构
type CreateObjectRequest struct {
	// 对象 ID，为空时自动生成；已有对象时生成新版本
	ID string `json:"id,omitempty" example:"chair-01"`
	// 版本，为空时使用毫秒时间戳
	Version string `json:"version,omitempty" example:"v2"`
	// 对象名称
	Name string `json:"name" example:"wooden chair" binding:"required"`
	// 对象描述
	Description string `json:"description,omitempty" example:"a simple four-legged wooden chair"`
	// 模型引用，形如 provider/model
	Model string `json:"model,omitempty" example:"openai/gpt-4o"`
	// 采样温度（0-2），为空使用服务默认值
	Temperature *float32 `json:"temperature,omitempty" example:"0.2"`
	// 最大 Token 数，0 使用服务默认值
	MaxTokens int `json:"max_tokens,omitempty" example:"4096"`
	// 沙箱超时（毫秒），0 使用服务默认值
	SandboxTimeoutMs int64 `json:"sandbox_timeout_ms,omitempty" example:"10000"`
}

// TaskResponse 在途任务快照
type TaskResponse = generation.TaskState

// ObjectResponse 对象状态
type ObjectResponse = generation.ObjectState

// ObjectListResponse 对象列表
type ObjectListResponse struct {
	Objects []generation.ObjectSummary `json:"objects"`
}

// CodeResponse 某版本的代码与错误
type CodeResponse struct {
	ID      string  `json:"id"`
	Version string  `json:"version"`
	Code    *string `json:"code"`
	Error   *string `json:"error"`
}

// CancelResponse 取消任务的结果
type CancelResponse struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
}

// WaitResponse 等待任务结束的结果
type WaitResponse struct {
	// Ended 为 false 表示等待超时，任务仍在执行
	Ended bool                    `json:"ended"`
	State *generation.ObjectState `json:"state,omitempty"`
}

// DeleteResponse 删除对象的结果
type DeleteResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}
