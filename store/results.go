package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ValidateResult 校验写入参数。result.TaskID 为空时取 task.ID。
func ValidateResult(task Task, result *Result) error {
	if strings.TrimSpace(task.ID) == "" {
		return fmt.Errorf("%w: task id is required", ErrInvalidResult)
	}
	if result.TaskID == "" {
		result.TaskID = task.ID
	} else if result.TaskID != task.ID {
		return fmt.Errorf("%w: result task id %q does not match task %q", ErrInvalidResult, result.TaskID, task.ID)
	}
	if result.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidResult)
	}
	if (result.MimeType == nil) != (result.Blob == nil) {
		return fmt.Errorf("%w: mime_type and blob must both be set or both be null", ErrInvalidResult)
	}
	return nil
}

// AddResult 在同一事务内 upsert 任务行与 (task_id, version) 结果行，返回结果行 id。
// 同一 key 的再次写入原地覆盖，行 id 保持不变。
func (s *Store) AddResult(ctx context.Context, task Task, result Result) (id int64, err error) {
	start := time.Now()
	defer func() { s.observe("add_result", start, err) }()

	if err = ValidateResult(task, &result); err != nil {
		return 0, err
	}
	if _, err = s.db(ctx); err != nil {
		return 0, err
	}

	now := s.nowMs()
	err = s.pool.WithTransactionRetry(ctx, s.maxRetries, func(tx *gorm.DB) error {
		taskRow := Task{
			ID:           task.ID,
			Name:         task.Name,
			Description:  task.Description,
			CreatedAtMs:  now,
			ModifiedAtMs: now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "description", "modified_at"}),
		}).Create(&taskRow).Error; err != nil {
			return fmt.Errorf("upsert task: %w", err)
		}

		row := result
		row.ID = 0
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "task_id"}, {Name: "version"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"code", "error", "mime_type", "blob", "started_at", "ended_at",
			}),
		}).Create(&row).Error; err != nil {
			return fmt.Errorf("upsert result: %w", err)
		}

		return tx.Raw(
			"SELECT id FROM results WHERE task_id = ? AND version = ?",
			result.TaskID, result.Version,
		).Scan(&id).Error
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debug("result stored",
		zap.String("task_id", result.TaskID),
		zap.String("version", result.Version),
		zap.Int64("row_id", id),
		zap.Bool("success", result.Error == nil),
	)
	return id, nil
}

// GetResult 返回指定版本的完整结果行，不存在时返回 (nil, nil)
func (s *Store) GetResult(ctx context.Context, taskID, version string) (res *Result, err error) {
	start := time.Now()
	defer func() { s.observe("get_result", start, err) }()

	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}

	var row Result
	tx := db.Where("task_id = ? AND version = ?", taskID, version).Limit(1).Find(&row)
	if tx.Error != nil {
		return nil, fmt.Errorf("get result: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return nil, nil
	}
	return &row, nil
}

// GetLatestVersion 返回任务最近的版本（started_at 最大，其次 id 最大）。没有结果时返回空串。
func (s *Store) GetLatestVersion(ctx context.Context, taskID string) (version string, err error) {
	start := time.Now()
	defer func() { s.observe("get_latest_version", start, err) }()

	db, err := s.db(ctx)
	if err != nil {
		return "", err
	}
	return latestVersion(db, taskID)
}

func latestVersion(db *gorm.DB, taskID string) (string, error) {
	var versions []string
	err := db.Model(&Result{}).
		Where("task_id = ?", taskID).
		Order("started_at DESC, id DESC").
		Limit(1).
		Pluck("version", &versions).Error
	if err != nil {
		return "", fmt.Errorf("get latest version: %w", err)
	}
	if len(versions) == 0 {
		return "", nil
	}
	return versions[0], nil
}

// GetTask 返回任务元数据与全部版本摘要，不存在时返回 (nil, nil)
func (s *Store) GetTask(ctx context.Context, taskID string) (detail *TaskDetail, err error) {
	start := time.Now()
	defer func() { s.observe("get_task", start, err) }()

	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}

	var task Task
	tx := db.Where("id = ?", taskID).Limit(1).Find(&task)
	if tx.Error != nil {
		return nil, fmt.Errorf("get task: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return nil, nil
	}

	var rows []summaryRow
	err = db.Raw(`SELECT id, version,
			error IS NOT NULL AS has_error,
			blob IS NOT NULL AS has_content,
			started_at AS started_at_ms,
			ended_at AS ended_at_ms
		FROM results WHERE task_id = ?
		ORDER BY started_at DESC, id DESC`, taskID).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}

	detail = &TaskDetail{Task: task, Results: make([]ResultSummary, 0, len(rows))}
	for _, r := range rows {
		detail.Results = append(detail.Results, ResultSummary{
			ID:          r.ID,
			Version:     r.Version,
			Success:     !r.HasError,
			HasContent:  r.HasContent,
			StartedAtMs: r.StartedAtMs,
			EndedAtMs:   r.EndedAtMs,
		})
	}
	return detail, nil
}

// ListTasks 按最近修改倒序列出任务，limit <= 0 表示不限
func (s *Store) ListTasks(ctx context.Context, limit int) (tasks []Task, err error) {
	start := time.Now()
	defer func() { s.observe("list_tasks", start, err) }()

	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	q := db.Order("modified_at DESC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// GetResultCode 返回代码与错误。version 为空时取最新版本。
func (s *Store) GetResultCode(ctx context.Context, taskID, version string) (code *ResultCode, err error) {
	start := time.Now()
	defer func() { s.observe("get_result_code", start, err) }()

	row, err := s.findVersion(ctx, taskID, version, "version", "code", "error")
	if err != nil || row == nil {
		return nil, err
	}
	return &ResultCode{Version: row.Version, Code: row.Code, Error: row.Error}, nil
}

// GetResultContent 返回 mime_type/blob 与错误。version 为空时取最新版本。
func (s *Store) GetResultContent(ctx context.Context, taskID, version string) (content *ResultContent, err error) {
	start := time.Now()
	defer func() { s.observe("get_result_content", start, err) }()

	row, err := s.findVersion(ctx, taskID, version, "version", "mime_type", "blob", "error")
	if err != nil || row == nil {
		return nil, err
	}
	return &ResultContent{Version: row.Version, MimeType: row.MimeType, Blob: row.Blob, Error: row.Error}, nil
}

func (s *Store) findVersion(ctx context.Context, taskID, version string, columns ...string) (*Result, error) {
	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	if version == "" {
		version, err = latestVersion(db, taskID)
		if err != nil || version == "" {
			return nil, err
		}
	}

	var row Result
	tx := db.Select(columns).
		Where("task_id = ? AND version = ?", taskID, version).
		Limit(1).
		Find(&row)
	if tx.Error != nil {
		return nil, fmt.Errorf("get result %s/%s: %w", taskID, version, tx.Error)
	}
	if tx.RowsAffected == 0 {
		return nil, nil
	}
	return &row, nil
}

// DeleteResult 删除指定版本，返回是否有行被删除
func (s *Store) DeleteResult(ctx context.Context, taskID, version string) (deleted bool, err error) {
	start := time.Now()
	defer func() { s.observe("delete_result", start, err) }()

	db, err := s.db(ctx)
	if err != nil {
		return false, err
	}
	tx := db.Where("task_id = ? AND version = ?", taskID, version).Delete(&Result{})
	if tx.Error != nil {
		return false, fmt.Errorf("delete result: %w", tx.Error)
	}
	return tx.RowsAffected > 0, nil
}

// DeleteTask 删除任务及其全部结果，返回任务行是否存在
func (s *Store) DeleteTask(ctx context.Context, taskID string) (deleted bool, err error) {
	start := time.Now()
	defer func() { s.observe("delete_task", start, err) }()

	if _, err = s.db(ctx); err != nil {
		return false, err
	}

	err = s.pool.WithTransactionRetry(ctx, s.maxRetries, func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", taskID).Delete(&Result{}).Error; err != nil {
			return fmt.Errorf("delete results: %w", err)
		}
		res := tx.Where("id = ?", taskID).Delete(&Task{})
		if res.Error != nil {
			return fmt.Errorf("delete task: %w", res.Error)
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	if deleted {
		s.logger.Debug("task deleted", zap.String("task_id", taskID))
	}
	return deleted, nil
}
