package db

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"wainbox/config"
	"wainbox/models"

	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/postgres"
	_ "github.com/jinzhu/gorm/dialects/sqlite"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// timestamps are written in UTC so sqlite compares them correctly as text
func init() {
	gorm.NowFunc = func() time.Time {
		return time.Now().UTC()
	}
}

// Connect abre conexão com DB (sqlite3 por padrão).
func Connect(conf *config.Configuration) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)

	switch conf.Database {
	case "postgres", "postgresql":
		zap.L().Info("db: using postgresql", zap.String("host", conf.DbHost), zap.String("name", conf.DbName))
		path := "host=" + conf.DbHost + " port=" + conf.DbPort
		path += " user=" + conf.DbUser + " dbname=" + conf.DbName
		path += " password=" + conf.DbPass
		db, err = gorm.Open("postgres", path)
	default:
		zap.L().Info("db: using sqlite3", zap.String("path", conf.DbPath))
		if dir := filepath.Dir(conf.DbPath); dir != "." {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				return nil, eris.Wrapf(mkErr, "db: create dir %s", dir)
			}
		}
		db, err = gorm.Open("sqlite3", conf.DbPath)
	}
	if err != nil {
		return nil, eris.Wrap(err, "db: connect")
	}

	db.LogMode(conf.DbLog)
	return db, nil
}

// Migrate cria/atualiza as tabelas do pipeline de ingestão.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Tenant{},
		&models.TenantPhone{},
		&models.WhatsAppConfig{},
		&models.PhoneIdentityMapping{},
		&models.Customer{},
		&models.Contact{},
		&models.Message{},
		&models.Event{},
	).Error
	if err != nil {
		return eris.Wrap(err, "db: automigrate")
	}
	return nil
}

// OpenMemory opens a migrated in-memory sqlite database. Used by tests.
func OpenMemory() (*gorm.DB, error) {
	db, err := gorm.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, eris.Wrap(err, "db: open memory")
	}
	// every pooled connection would get its own empty :memory: database
	db.DB().SetMaxOpenConns(1)
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

const PG_UNIQUE_VIOLATION = "23505"

// IsUniqueViolation reports a unique-index conflict on either dialect.
func IsUniqueViolation(err error) bool {
	var pgErr *pq.Error
	if errors.As(err, &pgErr) {
		return pgErr.Code == PG_UNIQUE_VIOLATION
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
