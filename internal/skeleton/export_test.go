package skeleton

import "database/sql"

// DB exposes the internal *sql.DB for test helpers in skeleton_test.
// This file only compiles during `go test`.
func (s *Store) DB() *sql.DB {
	return s.db
}

// FailCommit makes the next transaction commit return err.
func (s *Store) FailCommit(err error) {
	s.hooks.commit = func(tx *sql.Tx) error {
		_ = tx.Rollback()
		return err
	}
}
