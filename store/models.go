package store

import "gorm.io/gorm"

// Task 是持久化的任务元数据行
type Task struct {
	ID          string `gorm:"column:id;primaryKey" json:"id"`
	Name        string `gorm:"column:name" json:"name"`
	Description string `gorm:"column:description" json:"description"`
	// CreatedAtMs 首次写入时设置，之后不再变化
	CreatedAtMs int64 `gorm:"column:created_at" json:"created_at"`
	// ModifiedAtMs 每次写入结果时刷新
	ModifiedAtMs int64 `gorm:"column:modified_at" json:"modified_at"`
}

// TableName 实现 gorm.Tabler
func (Task) TableName() string { return "tasks" }

// Result 是某个 (task_id, version) 的生成结果行。
// MimeType 与 Blob 必须同时为空或同时非空。
type Result struct {
	ID          int64   `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	TaskID      string  `gorm:"column:task_id" json:"task_id"`
	Version     string  `gorm:"column:version" json:"version"`
	Code        *string `gorm:"column:code" json:"code,omitempty"`
	Error       *string `gorm:"column:error" json:"error,omitempty"`
	MimeType    *string `gorm:"column:mime_type" json:"mime_type,omitempty"`
	Blob        []byte  `gorm:"column:blob" json:"-"`
	StartedAtMs int64   `gorm:"column:started_at" json:"started_at"`
	EndedAtMs   int64   `gorm:"column:ended_at" json:"ended_at"`
}

// TableName 实现 gorm.Tabler
func (Result) TableName() string { return "results" }

// AfterFind 实现 gorm 钩子。零长度 BLOB 扫描后为 nil，
// 有 mime_type 时恢复为空切片，读出的行与写入时一样满足互斥约束。
func (r *Result) AfterFind(*gorm.DB) error {
	if r.MimeType != nil && r.Blob == nil {
		r.Blob = []byte{}
	}
	return nil
}

// Success 结果是否成功（error 为空）
func (r *Result) Success() bool { return r.Error == nil }

// ResultSummary 是 GetTask 返回的单个版本摘要
type ResultSummary struct {
	ID          int64  `json:"id"`
	Version     string `json:"version"`
	Success     bool   `json:"success"`
	HasContent  bool   `json:"has_content"`
	StartedAtMs int64  `json:"started_at"`
	EndedAtMs   int64  `json:"ended_at"`
}

// TaskDetail 任务元数据及其全部版本摘要，按新旧倒序
type TaskDetail struct {
	Task
	Results []ResultSummary `json:"results"`
}

// ResultCode 某版本的代码与错误
type ResultCode struct {
	Version string  `json:"version"`
	Code    *string `json:"code"`
	Error   *string `json:"error"`
}

// ResultContent 某版本的二进制产物
type ResultContent struct {
	Version  string  `json:"version"`
	MimeType *string `json:"mime_type"`
	Blob     []byte  `json:"-"`
	Error    *string `json:"error"`
}

// summaryRow 用于只取摘要列，避免加载 blob
type summaryRow struct {
	ID          int64
	Version     string
	HasError    bool
	HasContent  bool
	StartedAtMs int64
	EndedAtMs   int64
}
