package db

import (
	"github.com/cespare/xxhash/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ForUpdate adds a row lock to the query on dialects that support it.
// sqlite serializes writers on its own and rejects FOR UPDATE.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// LockKey takes a transaction-scoped advisory lock on key, released when
// tx commits or rolls back. It guards checks that span rows a FOR UPDATE
// cannot reach, such as a value that is about to be inserted. Only
// postgres is locked; sqlite already runs one writer at a time.
func LockKey(tx *gorm.DB, key string) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.Exec("SELECT pg_advisory_xact_lock(?)", AdvisoryKey(key)).Error
}

// AdvisoryKey maps key onto the signed 64-bit advisory lock space.
func AdvisoryKey(key string) int64 {
	return int64(xxhash.Sum64String(key))
}
