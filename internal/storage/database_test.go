package storage

import (
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Ananth-NQI/chatshop-backend/internal/models"
)

// newDatabaseFixture opens a private in-memory SQLite database. One connection keeps
// every query on the same memory database.
func newDatabaseFixture(t *testing.T) fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	return fixture{
		store: NewDatabaseStore(db),
		addTenant: func(tenant models.Tenant) {
			if err := db.Create(&tenant).Error; err != nil {
				t.Fatalf("seed tenant %s: %v", tenant.ID, err)
			}
		},
		addProduct: func(p models.Product) {
			if err := db.Create(&p).Error; err != nil {
				t.Fatalf("seed product %s: %v", p.ID, err)
			}
		},
	}
}
