package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

var ErrHostNotFound = errors.New("host not found")

// Init opens the sqlite database at path in WAL mode and migrates the
// schema.
func Init(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&Host{}, &Setting{}, &AuditEvent{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	DB = db
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		DB = nil
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

func DeleteSetting(key string) error {
	return DB.Where("key = ?", key).Delete(&Setting{}).Error
}

// Host helpers

func ListHosts() ([]Host, error) {
	var hosts []Host
	if err := DB.Order("name, id").Find(&hosts).Error; err != nil {
		return nil, err
	}
	return hosts, nil
}

func GetHost(id string) (*Host, error) {
	var h Host
	if err := DB.Where("id = ?", id).First(&h).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrHostNotFound, id)
		}
		return nil, err
	}
	return &h, nil
}

// SaveHost inserts h or replaces the row with the same id. CreatedAt is
// kept on replace.
func SaveHost(h *Host) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		return saveHost(tx, h)
	})
}

// SaveHosts saves every row in one transaction. Either all rows are
// written or none are.
func SaveHosts(hosts []*Host) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		for _, h := range hosts {
			if err := saveHost(tx, h); err != nil {
				return fmt.Errorf("host %s: %w", h.ID, err)
			}
		}
		return nil
	})
}

func saveHost(tx *gorm.DB, h *Host) error {
	var existing Host
	err := tx.Where("id = ?", h.ID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return tx.Create(h).Error
	case err != nil:
		return err
	}
	h.CreatedAt = existing.CreatedAt
	return tx.Save(h).Error
}

func DeleteHost(id string) error {
	res := DB.Where("id = ?", id).Delete(&Host{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrHostNotFound, id)
	}
	return nil
}

func AutoConnectHosts() ([]Host, error) {
	var hosts []Host
	if err := DB.Where("auto_connect = ?", true).Order("id").Find(&hosts).Error; err != nil {
		return nil, err
	}
	return hosts, nil
}
