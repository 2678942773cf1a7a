package db

import (
	"errors"
	"fmt"
	"time"

	"rayconf/internal/model"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrNoRuns = errors.New("no runs recorded")

func Connect(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		// logger.Error hides "SLOW SQL" warnings (default is Warn)
		Logger: logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.Run{})
}

// Open connects and migrates in one step.
func Open(path string) (*gorm.DB, error) {
	db, err := Connect(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		Close(db)
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

func Close(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}

// RecordStart inserts run, filling StartedAt when unset. run.ID is set on
// return.
func RecordStart(db *gorm.DB, run *model.Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if err := db.Create(run).Error; err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// RecordStop closes the run with its final status.
func RecordStop(db *gorm.DB, id uint, status string, exitCode int) error {
	now := time.Now()
	res := db.Model(&model.Run{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     status,
		"exit_code":  exitCode,
		"stopped_at": now,
	})
	if res.Error != nil {
		return fmt.Errorf("record stop: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("record stop: run %d not found", id)
	}
	return nil
}

// Latest returns the most recently started run.
func Latest(db *gorm.DB) (*model.Run, error) {
	var run model.Run
	res := db.Order("started_at desc, id desc").Limit(1).Find(&run)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNoRuns
	}
	return &run, nil
}

// Recent returns up to limit runs, newest first.
func Recent(db *gorm.DB, limit int) ([]model.Run, error) {
	var runs []model.Run
	err := db.Order("started_at desc, id desc").Limit(limit).Find(&runs).Error
	return runs, err
}

// Prune deletes the oldest finished runs until at most limit remain. Runs
// still marked running are never removed. It returns the number deleted.
func Prune(db *gorm.DB, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}

	var count int64
	if err := db.Model(&model.Run{}).Count(&count).Error; err != nil {
		return 0, err
	}
	if count <= int64(limit) {
		return 0, nil
	}
	excess := int(count) - limit

	var ids []uint
	err := db.Model(&model.Run{}).
		Where("stopped_at IS NOT NULL").
		Order("started_at asc, id asc").
		Limit(excess).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := db.Delete(&model.Run{}, ids)
	return res.RowsAffected, res.Error
}
