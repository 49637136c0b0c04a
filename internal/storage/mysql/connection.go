package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// 连接池兜底参数，配置缺省时生效。
const (
	fallbackMaxOpenConns = 20
	fallbackMaxIdleConns = 10
	fallbackMaxLifetime  = 30 * time.Minute
)

// Config 描述 MySQL 连接池参数。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func openDatabase(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("缺少 MySQL DSN")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("打开 MySQL 连接失败: %w", err)
	}

	db.SetMaxOpenConns(orFallback(cfg.MaxOpenConns, fallbackMaxOpenConns))
	db.SetMaxIdleConns(orFallback(cfg.MaxIdleConns, fallbackMaxIdleConns))
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(fallbackMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("MySQL 探活失败: %w", err)
	}
	return db, nil
}

func orFallback(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
