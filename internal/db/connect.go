package db

import (
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/config"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Dialect names as reported by gorm's Dialector.Name().
const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
	DialectSQLite   = "sqlite"
)

// GormConfig is the gorm configuration shared by every connection: silent
// logger, UTC timestamps, and driver errors translated where gorm can.
func GormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	}
}

// DSN builds the driver-specific DSN for cfg. An explicit cfg.DSN wins.
func DSN(cfg config.DatabaseConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	switch cfg.Driver {
	case config.DriverMySQL:
		mc := mysql.NewConfig()
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		mc.DBName = cfg.Name
		mc.ParseTime = true
		mc.Loc = time.UTC
		return mc.FormatDSN()
	case config.DriverSQLite:
		return cfg.Name + ".db"
	default:
		parts := []string{
			"host=" + cfg.Host,
			"port=" + strconv.Itoa(cfg.Port),
			"dbname=" + cfg.Name,
			"sslmode=disable",
			"timezone=UTC",
		}
		if cfg.User != "" {
			parts = append(parts, "user="+cfg.User)
		}
		if cfg.Password != "" {
			parts = append(parts, "password="+quotePQ(cfg.Password))
		}
		return strings.Join(parts, " ")
	}
}

// quotePQ quotes a libpq keyword/value when it contains spaces or quotes.
func quotePQ(v string) string {
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// Connect opens a gorm connection to the shared store and applies the pool
// settings from cfg.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn := DSN(cfg)

	var dialector gorm.Dialector
	switch cfg.Driver {
	case config.DriverMySQL:
		dialector = gormmysql.Open(dsn)
	case config.DriverSQLite:
		dialector = sqlite.Open(dsn)
	case config.DriverPostgres:
		sqlDB, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("db: open postgres: %w", err)
		}
		dialector = postgres.New(postgres.Config{Conn: sqlDB})
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}

	gdb, err := gorm.Open(dialector, GormConfig())
	if err != nil {
		return nil, fmt.Errorf("db: connect (%s): %w", cfg.Driver, err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("db: pool: %w", err)
	}
	if cfg.Driver == config.DriverSQLite {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return gdb, nil
}

// Close releases the underlying connection pool.
func Close(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
