// Package migrations 内嵌各数据库方言的 SQL 迁移文件。
package migrations

import "embed"

// FS 按方言分目录：postgres/、mysql/，文件名形如 001_initial_schema.up.sql
//
//go:embed postgres/*.sql mysql/*.sql
var FS embed.FS
