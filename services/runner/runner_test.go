package runner

import (
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openTestORM opens an isolated on-disk sqlite database migrated with the
// runner's tables.
func openTestORM(t *testing.T) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tuned.db")
	orm, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := orm.AutoMigrate(&runModel{}, &checkpointModel{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return orm
}

// createTestRun inserts a pending run whose log file lives in its own temp
// directory, and returns the model.
func createTestRun(t *testing.T, orm *gorm.DB, status string) runModel {
	t.Helper()

	dir := t.TempDir()
	run := runModel{
		ID:        uuid.New(),
		Recipe:    "sft",
		BaseModel: "meta-llama/Llama-3.1-8B-Instruct",
		Status:    status,
		Config:    datatypes.JSONMap{"steps": float64(3)},
		LogsPath:  filepath.Join(dir, "logs.txt"),
		CreatedAt: time.Now().UTC(),
	}
	if err := orm.Create(&run).Error; err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func reloadRun(t *testing.T, orm *gorm.DB, id uuid.UUID) runModel {
	t.Helper()
	var run runModel
	if err := orm.First(&run, "id = ?", id).Error; err != nil {
		t.Fatalf("reload run: %v", err)
	}
	return run
}

func quietLogger() *log.Logger {
	return log.New(os.Stderr, "", 0)
}

func writeManifest(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
