// Package store provides the unified database storage layer.
// All database operations should go through this package.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gridtrader/logger"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	_ "modernc.org/sqlite"
)

// DBType database backend
type DBType string

const (
	DBTypeSQLite   DBType = "sqlite"
	DBTypePostgres DBType = "postgres"
)

// ErrNotFound is returned when a record does not exist or is not owned by the caller
var ErrNotFound = errors.New("record not found")

// DBConfig connection settings
type DBConfig struct {
	Type     DBType
	Path     string // sqlite file, ":memory:" for tests
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// Store unified data storage
type Store struct {
	db     *gorm.DB
	dbType DBType
	inTx   bool

	// sub-stores (lazy initialization)
	user      *UserStore
	token     *TokenStore
	portfolio *PortfolioStore
	equity    *EquityStore
	grid      *GridStore
	market    *MarketDataStore
	alert     *AlertStore
	backtest  *BacktestStore

	mu sync.RWMutex
}

// New opens a SQLite store at dbPath
func New(dbPath string) (*Store, error) {
	return Open(DBConfig{Type: DBTypeSQLite, Path: dbPath})
}

// Open connects to the configured backend and migrates all tables
func Open(cfg DBConfig) (*Store, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   logger.NewGormLogger(500 * time.Millisecond),
		NowFunc:                                  func() time.Time { return time.Now().UTC() },
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Type != DBTypePostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql handle: %w", err)
		}
		// single writer; also keeps every connection on the same :memory: database
		sqlDB.SetMaxOpenConns(1)
	}

	s, err := NewFromDB(db)
	if err != nil {
		return nil, err
	}
	s.dbType = cfg.Type
	logger.Infof("✅ Database initialized (type: %s)", s.DBType())
	return s, nil
}

// NewFromDB wraps an existing gorm connection and migrates all tables
func NewFromDB(db *gorm.DB) (*Store, error) {
	s := &Store{db: db, dbType: DBTypeSQLite}
	if db.Dialector.Name() == "postgres" {
		s.dbType = DBTypePostgres
	}
	if err := s.initTables(); err != nil {
		return nil, fmt.Errorf("failed to initialize table structure: %w", err)
	}
	return s, nil
}

func dialectorFor(cfg DBConfig) (gorm.Dialector, error) {
	switch cfg.Type {
	case DBTypePostgres:
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)
		return postgres.Open(dsn), nil
	case DBTypeSQLite, "":
		path := cfg.Path
		if path == "" {
			path = "data/gridtrader.db"
		}
		if path != ":memory:" {
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("failed to create data dir: %w", err)
				}
			}
			path += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
		return sqlite.Dialector{DriverName: "sqlite", DSN: path}, nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}

// initTables migrates all tables in dependency order
func (s *Store) initTables() error {
	if err := s.User().initTables(); err != nil {
		return fmt.Errorf("failed to initialize user tables: %w", err)
	}
	if err := s.Token().initTables(); err != nil {
		return fmt.Errorf("failed to initialize token tables: %w", err)
	}
	if err := s.Portfolio().initTables(); err != nil {
		return fmt.Errorf("failed to initialize portfolio tables: %w", err)
	}
	if err := s.Equity().initTables(); err != nil {
		return fmt.Errorf("failed to initialize equity tables: %w", err)
	}
	if err := s.Grid().initTables(); err != nil {
		return fmt.Errorf("failed to initialize grid tables: %w", err)
	}
	if err := s.MarketData().initTables(); err != nil {
		return fmt.Errorf("failed to initialize market data tables: %w", err)
	}
	if err := s.Alert().initTables(); err != nil {
		return fmt.Errorf("failed to initialize alert tables: %w", err)
	}
	if err := s.Backtest().initTables(); err != nil {
		return fmt.Errorf("failed to initialize backtest tables: %w", err)
	}
	return nil
}

// User gets user storage
func (s *Store) User() *UserStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		s.user = &UserStore{db: s.db}
	}
	return s.user
}

// Token gets API token storage
func (s *Store) Token() *TokenStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == nil {
		s.token = &TokenStore{db: s.db}
	}
	return s.token
}

// Portfolio gets portfolio, holding and transaction storage
func (s *Store) Portfolio() *PortfolioStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.portfolio == nil {
		s.portfolio = &PortfolioStore{db: s.db, lockRows: s.locksRows()}
	}
	return s.portfolio
}

// Equity gets portfolio snapshot storage
func (s *Store) Equity() *EquityStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.equity == nil {
		s.equity = &EquityStore{db: s.db}
	}
	return s.equity
}

// Grid gets grid storage
func (s *Store) Grid() *GridStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grid == nil {
		s.grid = NewGridStore(s.db)
		s.grid.lockRows = s.locksRows()
	}
	return s.grid
}

// MarketData gets quote cache storage
func (s *Store) MarketData() *MarketDataStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.market == nil {
		s.market = &MarketDataStore{db: s.db}
	}
	return s.market
}

// Alert gets price alert storage
func (s *Store) Alert() *AlertStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alert == nil {
		s.alert = &AlertStore{db: s.db}
	}
	return s.alert
}

// Backtest gets backtest run storage
func (s *Store) Backtest() *BacktestStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backtest == nil {
		s.backtest = &BacktestStore{db: s.db}
	}
	return s.backtest
}

// Transaction runs fn against a store bound to one database transaction.
// Any error rolls everything back. On postgres, portfolio, holding and grid
// rows read through the bound store stay locked until the transaction ends.
func (s *Store) Transaction(fn func(tx *Store) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, dbType: s.dbType, inTx: true})
	})
}

// locksRows reports whether single-row reads take a row lock. SQLite runs
// on one connection, so its transactions already exclude each other.
func (s *Store) locksRows() bool {
	return s.inTx && s.dbType == DBTypePostgres
}

// forUpdate adds SELECT ... FOR UPDATE when lock is set
func forUpdate(db *gorm.DB, lock bool) *gorm.DB {
	if !lock {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

// DBType returns current database type
func (s *Store) DBType() DBType {
	return s.dbType
}

// DB exposes the gorm handle for health checks
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Ping checks the connection
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Close closes database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// notFound converts gorm's sentinel into ErrNotFound
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
