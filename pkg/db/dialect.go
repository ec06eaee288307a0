package db

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/meterbill/meterbill/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch cfg.DBType {
	case "postgres":
		return postgres.Open(fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.DBHost,
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBName,
			cfg.DBPort,
			cfg.DBSSLMode,
		)), nil
	case "sqlite":
		return sqlite.Open(cfg.DBName), nil
	default:
		return nil, fmt.Errorf("unsupported %s type", cfg.DBType)
	}
}

// SupportsRowLocks reports whether the dialect understands FOR UPDATE.
// sqlite serializes writers at the file level, so the clause is dropped there.
func SupportsRowLocks(db *gorm.DB) bool {
	if db == nil {
		return false
	}
	return db.Dialector.Name() == "postgres"
}
