package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "OpenLake-Chain/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 把任务状态落在 MySQL 的 task_states 表里。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 打开连接池并确保表结构就绪。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "mysql 任务存储缺少 dsn")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 mysql 连接失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "mysql 连通性检查失败")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS task_states (
	id                  VARCHAR(64) PRIMARY KEY,
	question            TEXT NOT NULL,
	target_tables       TEXT,
	metadata            TEXT,
	status              VARCHAR(32) NOT NULL,
	attempts            INT NOT NULL DEFAULT 0,
	max_retries         INT NOT NULL DEFAULT 3,
	last_error          TEXT,
	error_code          VARCHAR(64) DEFAULT '',
	result_thought      TEXT,
	result_reply        TEXT,
	result_steps        TEXT,
	result_observations TEXT,
	created_at          BIGINT NOT NULL,
	updated_at          BIGINT NOT NULL,
	INDEX idx_task_states_status (status),
	INDEX idx_task_states_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "建表 task_states 失败")
	}
	return nil
}

// Create 落库一条全新任务，ID 冲突映射为 ErrTaskConflict。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "缺少任务对象")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID")
	}

	now := time.Now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now

	metaValue, err := encodeMetadata(task.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化任务 metadata 失败")
	}

	const stmt = `INSERT INTO task_states
	(id, question, target_tables, metadata, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		task.ID,
		task.Question,
		strings.Join(task.Tables, ","),
		metaValue,
		task.Status,
		task.Attempts,
		task.MaxRetries,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入任务记录失败")
	}
	return nil
}

// Get 按 ID 读取单条任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	const stmt = `SELECT id, question, target_tables, metadata, status, attempts, max_retries, last_error, error_code,
	result_thought, result_reply, result_steps, result_observations, created_at, updated_at
	FROM task_states WHERE id = ?`

	row := s.db.QueryRowContext(ctx, stmt, id)
	task, err := scanTaskRow(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取任务记录失败")
	}
	return task, nil
}

// Claim 以条件更新的方式抢占任务：只有待执行或可重试的失败任务会被置为运行中。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	const updateStmt = `UPDATE task_states SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
	WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, updateStmt,
		StatusRunning,
		now,
		id,
		StatusPending,
		StatusFailed,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "抢占任务失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取受影响行数失败")
	}
	if affected == 0 {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return current, claimRejection(current)
	}
	return s.Get(ctx, id)
}

// MarkSucceeded 写入执行结果并把任务置为成功。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error {
	stepsJSON, err := encodeSteps(result.Steps)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务步骤失败")
	}

	const stmt = `UPDATE task_states SET status = ?, result_thought = ?, result_reply = ?, result_steps = ?,
	result_observations = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusSucceeded,
		result.Thought,
		result.Reply,
		stepsJSON,
		result.Observations,
		now,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "落盘任务结果失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// MarkFailed 记录最后一次错误并把任务置为失败。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, _ bool) error {
	const stmt = `UPDATE task_states SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusFailed,
		lastError,
		string(code),
		now,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "落盘任务失败状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// List 按过滤条件分页检索任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT id, question, target_tables, metadata, status, attempts, max_retries, last_error, error_code,
	result_thought, result_reply, result_steps, result_observations, created_at, updated_at FROM task_states`

	clause, whereArgs := whereClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	direction := "DESC"
	if opts.Order == SortByUpdatedAsc {
		direction = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY updated_at %s, created_at %s, id %s LIMIT ? OFFSET ?",
		direction, direction, direction)

	args := append(whereArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "按条件检索任务失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTaskRow(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描任务行失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "迭代任务结果集失败")
	}
	return tasks, nil
}

// Stats 在数据库侧聚合任务计数与时间范围。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	query := `SELECT
	COUNT(*) AS total,
	SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
	SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS running,
	SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS succeeded,
	SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
	COALESCE(MIN(updated_at), 0) AS oldest,
	COALESCE(MAX(updated_at), 0) AS newest
	FROM task_states`

	clause, whereArgs := whereClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := make([]any, 0, 4+len(whereArgs))
	for _, status := range []Status{StatusPending, StatusRunning, StatusSucceeded, StatusFailed} {
		args = append(args, string(status))
	}
	args = append(args, whereArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats TaskStats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "聚合任务计数失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 释放连接池。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanTaskRow(row sqlScanner) (*Task, error) {
	var task Task
	var tables string
	// 结果列在 MarkSucceeded 之前一直是 NULL，必须经由 NullString 读取。
	var metadata, thought, reply, steps, observations sql.NullString

	if err := row.Scan(
		&task.ID,
		&task.Question,
		&tables,
		&metadata,
		&task.Status,
		&task.Attempts,
		&task.MaxRetries,
		&task.LastError,
		&task.ErrorCode,
		&thought,
		&reply,
		&steps,
		&observations,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	result := ExecutionResult{
		Thought:      thought.String,
		Reply:        reply.String,
		Observations: observations.String,
	}

	task.Tables = parseTableList(tables)

	decodedMetadata, err := unencodeMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("解析任务 metadata 失败: %w", err)
	}
	task.Metadata = decodedMetadata

	if steps.Valid && strings.TrimSpace(steps.String) != "" {
		if err := json.Unmarshal([]byte(steps.String), &result.Steps); err != nil {
			return nil, fmt.Errorf("解析任务步骤失败: %w", err)
		}
	}
	if result.Thought != "" || result.Reply != "" || len(result.Steps) > 0 || result.Observations != "" {
		task.Result = &result
	}
	return &task, nil
}

func encodeMetadata(metadata map[string]any) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func unencodeMetadata(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(raw.String), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

func encodeSteps(steps []ExecutionStep) (sql.NullString, error) {
	if len(steps) == 0 {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(steps)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func parseTableList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	tables := make([]string, 0, len(parts))
	for _, part := range parts {
		if name := strings.TrimSpace(part); name != "" {
			tables = append(tables, name)
		}
	}
	return tables
}

func whereClause(opts ListOptions) (string, []any) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if n := len(opts.Statuses); n > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", n), ",")
		clauses = append(clauses, "status IN ("+marks+")")
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.UpdatedGTE > 0 {
		clauses = append(clauses, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		clauses = append(clauses, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			clauses = append(clauses, "(result_thought <> '' OR result_reply <> '' OR (result_steps IS NOT NULL AND result_steps <> '') OR result_observations <> '')")
		} else {
			clauses = append(clauses, "(result_thought = '' AND result_reply = '' AND (result_steps IS NULL OR result_steps = '') AND (result_observations IS NULL OR result_observations = ''))")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		likeColumns := []string{"id", "question", "target_tables", "metadata", "last_error", "result_thought", "result_reply", "result_observations"}
		likes := make([]string, 0, len(likeColumns))
		for _, col := range likeColumns {
			likes = append(likes, col+" LIKE ?")
			args = append(args, pattern)
		}
		clauses = append(clauses, "("+strings.Join(likes, " OR ")+")")
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return strings.Join(clauses, " AND "), args
}

// claimRejection 解释条件更新为何没有命中任何行。
func claimRejection(t *Task) error {
	switch t.Status {
	case StatusSucceeded:
		return ErrTaskCompleted
	case StatusRunning:
		return ErrTaskConflict
	default:
		if t.Attempts >= t.MaxRetries {
			return ErrTaskExhausted
		}
		return ErrTaskConflict
	}
}

var _ Store = (*MySQLStore)(nil)
