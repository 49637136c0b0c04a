package migrations

import "embed"

// Files 打包目录下全部 SQL 迁移脚本，供仓储启动时补齐表结构。
//
//go:embed *.sql
var Files embed.FS
