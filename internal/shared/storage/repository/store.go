// Package repository 数据库无关的 SQL 扫描存储
//
// 通过 dbutil.Dialect 接口屏蔽不同数据库的 SQL 差异，
// 所有 SQL 以 PostgreSQL 风格编写，运行时由 Dialect.Rebind() 转换。
//
// SQL 引擎没有 MongoDB 那样的文档内集合算子，Agent 结果合并
// 采用乐观锁 CAS 循环（见 scan.go）：读出 version → 在内存中
// 构造新集合 → 带 version 谓词写回，失配即重读重试。
// 并发兄弟 Agent 的完成因此同样不会互相覆盖。
package repository

import (
	"database/sql"

	"leadscan/internal/shared/storage/dbutil"
)

// Store SQL 扫描存储实现
// 实现了 storage.ScanStore 接口
type Store struct {
	db      *sql.DB
	dialect dbutil.Dialect
}

// NewStore 创建 SQL 存储
func NewStore(db *sql.DB, dialect dbutil.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	return s.db.Close()
}

// DB 返回底层数据库连接（仅用于测试）
func (s *Store) DB() *sql.DB {
	return s.db
}

// rebind 快捷方法：将 PG 风格 SQL 转换为当前方言
func (s *Store) rebind(query string) string {
	return s.dialect.Rebind(query)
}
