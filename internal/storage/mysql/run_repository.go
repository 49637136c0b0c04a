package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RunStep 记录推理循环中的一步工具调用。
type RunStep struct {
	Action      string `json:"action"`
	Input       string `json:"input"`
	Observation string `json:"observation"`
}

// RunRecord 表示一次智能体执行的落库结构。
// TaskID 在异步执行时回指任务，直连执行时为空。
type RunRecord struct {
	TaskID       string    `json:"task_id,omitempty"`
	Question     string    `json:"question"`
	Tables       []string  `json:"tables,omitempty"`
	Thought      string    `json:"thought"`
	Reply        string    `json:"reply"`
	Steps        []RunStep `json:"steps,omitempty"`
	Observations string    `json:"observations"`
	CreatedAt    int64     `json:"created_at"`
}

// RunRepository 抽象执行记录的持久化接口。
type RunRepository interface {
	Save(ctx context.Context, record RunRecord) error
	ListLatest(ctx context.Context, limit int) ([]RunRecord, error)
}

// memoryRetention 限制内存仓库保留的记录数量。
const memoryRetention = 512

// MemoryRunRepository 使用本地 JSON 行文件模拟 MySQL 的效果，方便迭代开发。
type MemoryRunRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []RunRecord
}

// NewMemoryRunRepository 创建一个内存执行仓库。
func NewMemoryRunRepository(dataDir string) (*MemoryRunRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "runs.log")
	repo := &MemoryRunRepository{dataFile: path}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录执行结果。
func (m *MemoryRunRepository) Save(_ context.Context, record RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开执行日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化执行记录失败: %w", err)
	}

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入执行日志失败: %w", err)
	}

	m.records = append([]RunRecord{record}, m.records...)
	if len(m.records) > memoryRetention {
		m.records = m.records[:memoryRetention]
	}
	return nil
}

// ListLatest 返回最近的执行记录，按时间倒序排列。
func (m *MemoryRunRepository) ListLatest(_ context.Context, limit int) ([]RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}

	results := make([]RunRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

func (m *MemoryRunRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取执行日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []RunRecord
	for scanner.Scan() {
		var record RunRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]RunRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析执行日志失败: %w", err)
	}

	if len(restored) > memoryRetention {
		restored = restored[:memoryRetention]
	}
	if len(restored) > 0 {
		m.records = restored
	}
	return nil
}

// SQLRunRepository 使用真实的 MySQL 数据库存储执行记录。
type SQLRunRepository struct {
	db *sql.DB
}

// NewSQLRunRepository 创建连接池并应用迁移。
func NewSQLRunRepository(ctx context.Context, cfg Config) (*SQLRunRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLRunRepository{db: db}, nil
}

// Save 将执行记录写入 MySQL。
func (s *SQLRunRepository) Save(ctx context.Context, record RunRecord) error {
	stepsValue, err := marshalSteps(record.Steps)
	if err != nil {
		return err
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}

	const stmt = `INSERT INTO agent_runs
        (task_id, question, target_tables, thought, reply, steps, observations, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		record.TaskID,
		record.Question,
		strings.Join(record.Tables, ","),
		record.Thought,
		record.Reply,
		stepsValue,
		record.Observations,
		record.CreatedAt,
	); err != nil {
		return fmt.Errorf("写入执行记录失败: %w", err)
	}
	return nil
}

// ListLatest 查询最近的若干条执行记录。
func (s *SQLRunRepository) ListLatest(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT task_id, question, target_tables, thought, reply, steps, observations, created_at
        FROM agent_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询执行记录失败: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var record RunRecord
		var tables, steps string
		if err := rows.Scan(&record.TaskID, &record.Question, &tables, &record.Thought, &record.Reply, &steps, &record.Observations, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析执行记录失败: %w", err)
		}
		record.Tables = splitTables(tables)
		record.Steps, err = unmarshalSteps(steps)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历执行记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLRunRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func marshalSteps(steps []RunStep) (string, error) {
	if len(steps) == 0 {
		return "", nil
	}
	encoded, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("编码执行步骤失败: %w", err)
	}
	return string(encoded), nil
}

func unmarshalSteps(value string) ([]RunStep, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	var steps []RunStep
	if err := json.Unmarshal([]byte(value), &steps); err != nil {
		return nil, fmt.Errorf("解码执行步骤失败: %w", err)
	}
	return steps, nil
}

func splitTables(value string) []string {
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
