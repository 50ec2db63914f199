package generation

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/sceneforge/llm"
)

var (
	// ErrInvalidOptions 任务参数校验失败，未产生任何状态变化
	ErrInvalidOptions = errors.New("invalid task options")
	// ErrTaskExists 同一 id 已有任务在执行
	ErrTaskExists = errors.New("task already in flight")
	// ErrTooManyTasks 在途任务数达到上限
	ErrTooManyTasks = errors.New("too many tasks in flight")
	// ErrDesignerClosed 服务已关闭，不再接受任务
	ErrDesignerClosed = errors.New("designer is shut down")
)

const (
	maxIdentifierLen  = 128
	maxNameLen        = 256
	maxDescriptionLen = 16 << 10
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)

// GenerationProps 描述要生成的对象
type GenerationProps struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Normalize 返回规范化后的副本：名称去除首尾空白且内部空白折叠为单个空格。
func (p GenerationProps) Normalize() (GenerationProps, error) {
	name := strings.Join(strings.Fields(p.Name), " ")
	if name == "" {
		return GenerationProps{}, fmt.Errorf("%w: name is required", ErrInvalidOptions)
	}
	if len(name) > maxNameLen {
		return GenerationProps{}, fmt.Errorf("%w: name exceeds %d bytes", ErrInvalidOptions, maxNameLen)
	}
	description := strings.TrimSpace(p.Description)
	if len(description) > maxDescriptionLen {
		return GenerationProps{}, fmt.Errorf("%w: description exceeds %d bytes", ErrInvalidOptions, maxDescriptionLen)
	}
	return GenerationProps{Name: name, Description: description}, nil
}

// TaskOptions 创建任务的参数
type TaskOptions struct {
	// ID 为空时自动生成
	ID string `json:"id,omitempty"`
	// Version 为空时使用毫秒时间戳
	Version string          `json:"version,omitempty"`
	Props   GenerationProps `json:"props"`
	// ModelRef 形如 "<provider>/<model>"，为空使用默认模型
	ModelRef string `json:"model,omitempty"`
	// Model 调用参数，nil 使用服务默认值
	Generate *llm.GenerateOptions `json:"-"`
	// SandboxTimeout 覆盖沙箱默认超时
	SandboxTimeout time.Duration `json:"sandbox_timeout,omitempty"`
}

// normalize 校验并补全选项，不修改调用方的值
func (o TaskOptions) normalize(newID func() string, now time.Time) (TaskOptions, error) {
	props, err := o.Props.Normalize()
	if err != nil {
		return TaskOptions{}, err
	}
	o.Props = props

	o.ID = strings.TrimSpace(o.ID)
	if o.ID == "" {
		o.ID = newID()
	}
	if err := validateIdentifier("id", o.ID); err != nil {
		return TaskOptions{}, err
	}

	o.Version = strings.TrimSpace(o.Version)
	if o.Version == "" {
		o.Version = strconv.FormatInt(now.UnixMilli(), 10)
	}
	if err := validateIdentifier("version", o.Version); err != nil {
		return TaskOptions{}, err
	}

	if o.SandboxTimeout < 0 {
		return TaskOptions{}, fmt.Errorf("%w: sandbox timeout must not be negative", ErrInvalidOptions)
	}
	return o, nil
}

func validateIdentifier(field, v string) error {
	if len(v) > maxIdentifierLen {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidOptions, field, maxIdentifierLen)
	}
	if !identifierPattern.MatchString(v) {
		return fmt.Errorf("%w: %s %q contains invalid characters", ErrInvalidOptions, field, v)
	}
	return nil
}
