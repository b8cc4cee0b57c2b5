package audit

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Init opens (or creates) the audit database and migrates the schema.
func Init(dbPath string) error {
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&Record{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// Log appends one record. Audit is best-effort: failures are logged, never
// propagated, so a broken audit store cannot block command execution.
func Log(rec Record) {
	if DB == nil {
		return
	}
	if err := DB.Create(&rec).Error; err != nil {
		log.Printf("[audit] record write failed: %v", err)
	}
}

// Query returns the newest records, optionally filtered by handle, profile,
// and a lower bound on creation time. limit <= 0 means 100.
func Query(handle, profileName string, since time.Time, limit int) ([]Record, error) {
	if DB == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	q := DB.Order("id DESC").Limit(limit)
	if handle != "" {
		q = q.Where("handle = ?", handle)
	}
	if profileName != "" {
		q = q.Where("profile = ?", profileName)
	}
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	var recs []Record
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// PurgeOlderThan deletes records past the retention window and returns how
// many were removed.
func PurgeOlderThan(age time.Duration) (int64, error) {
	if DB == nil {
		return 0, nil
	}
	cutoff := time.Now().Add(-age)
	res := DB.Where("created_at < ?", cutoff).Delete(&Record{})
	return res.RowsAffected, res.Error
}
