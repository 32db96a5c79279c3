package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ForUpdate returns the row-lock suffix for raw SELECT statements.
// SQLite has no row locks; writers are serialized by the database itself.
func ForUpdate(db *gorm.DB) string {
	if IsSQLite(db) {
		return ""
	}
	return " FOR UPDATE"
}

// SetLockTimeout bounds how long the current transaction waits for row locks.
// The returned restore must run on tx before it commits. Postgres scopes the
// setting to the transaction; MySQL only has a session setting, so restore
// puts the pooled connection back to its previous value.
func SetLockTimeout(ctx context.Context, tx *gorm.DB, timeout time.Duration) (restore func() error, err error) {
	restore = func() error { return nil }
	if timeout <= 0 || tx == nil {
		return restore, nil
	}
	switch tx.Dialector.Name() {
	case "postgres":
		err = tx.WithContext(ctx).Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds())).Error
		return restore, err
	case "mysql":
		var previous int64
		if err := tx.WithContext(ctx).Raw("SELECT @@SESSION.innodb_lock_wait_timeout").Scan(&previous).Error; err != nil {
			return restore, err
		}
		if err := tx.WithContext(ctx).Exec(fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", mysqlLockWaitSeconds(timeout))).Error; err != nil {
			return restore, err
		}
		return func() error {
			return tx.WithContext(ctx).Exec(fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", previous)).Error
		}, nil
	default:
		return restore, nil
	}
}

// mysqlLockWaitSeconds rounds timeout up to whole seconds, the unit InnoDB accepts.
func mysqlLockWaitSeconds(timeout time.Duration) int64 {
	seconds := int64((timeout + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}
