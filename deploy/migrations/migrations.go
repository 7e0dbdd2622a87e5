package migrations

import "embed"

// Files 暴露 SQL 快照存储的迁移文件，按文件名前缀的版本号依次执行。
//
//go:embed *.sql
var Files embed.FS
