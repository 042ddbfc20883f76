package migrations

import "embed"

// Files 暴露交易日志的 MySQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
