package breadbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	columnMemberID      = "member_id"
	columnGeneratedName = "generated_name"
	columnUpdatedAt     = "updated_at"

	defaultListLimit = 100
	maxListLimit     = 1000
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ErrNameNotFound is returned by NameStore.Get when no name is stored
// for the given member
var ErrNameNotFound = errors.New("no stored name for member")

// ModelUnixTime is an embeddable model with millisecond Unix timestamps
// for creation and last update.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// NameRecord is the persisted generated name for a single guild member.
// There's at most one record per member.
//
//nolint:lll // struct tags can't be split
type NameRecord struct {
	MemberID      uint64 `gorm:"primaryKey;autoIncrement:false" json:"member_id"`
	GeneratedName string `gorm:"not null" json:"generated_name"`
	ModelUnixTime
}

func (NameRecord) TableName() string {
	return "name_records"
}

func (r NameRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64(columnMemberID, r.MemberID),
		slog.String(columnGeneratedName, r.GeneratedName),
	)
}

// NameStore persists the generated name of each member
type NameStore interface {
	// LoadAll returns every stored name, keyed by member ID
	LoadAll(ctx context.Context) (map[uint64]string, error)

	// Upsert inserts the name for the given member, replacing any
	// existing one
	Upsert(ctx context.Context, memberID uint64, name string) error

	// Get returns the stored record for the member, or ErrNameNotFound
	Get(ctx context.Context, memberID uint64) (*NameRecord, error)

	// Delete removes the stored name for the member, returning
	// false if there wasn't one
	Delete(ctx context.Context, memberID uint64) (bool, error)

	// List returns stored records ordered by member ID
	List(ctx context.Context, limit int, offset int) ([]NameRecord, error)
}

// DBI is the database interface used by BreadBot for everything other
// than name storage: rename runs and interaction logs.
type DBI interface {
	NameStore

	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Save(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
}

// database wraps a gorm connection. When enableConcurrentWrites is
// false (SQLite), writes are serialized with mu.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase initializes a new database instance.
//
// If log is nil, the default logger is used.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) lock() func() {
	if d.enableConcurrentWrites {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

// withTimeout applies dbOperationTimeout if ctx doesn't already
// have a deadline
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Save(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Save(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) LoadAll(ctx context.Context) (map[uint64]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var records []NameRecord
	err := d.db.WithContext(ctx).
		Select(columnMemberID, columnGeneratedName).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("error loading names: %w", err)
	}

	names := make(map[uint64]string, len(records))
	for _, r := range records {
		names[r.MemberID] = r.GeneratedName
	}
	d.logger.DebugContext(ctx, "loaded names", "count", len(names))
	return names, nil
}

func (d *database) Upsert(
	ctx context.Context,
	memberID uint64,
	name string,
) error {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	record := &NameRecord{MemberID: memberID, GeneratedName: name}
	err := d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: columnMemberID}},
			DoUpdates: clause.AssignmentColumns(
				[]string{columnGeneratedName, columnUpdatedAt},
			),
		},
	).Create(record).Error
	if err != nil {
		return fmt.Errorf("error saving name for %d: %w", memberID, err)
	}
	d.logger.DebugContext(ctx, "saved name", "record", record)
	return nil
}

func (d *database) Get(ctx context.Context, memberID uint64) (
	*NameRecord,
	error,
) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var record NameRecord
	err := d.db.WithContext(ctx).
		Where(columnMemberID+" = ?", memberID).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNameNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (d *database) Delete(ctx context.Context, memberID uint64) (
	bool,
	error,
) {
	defer d.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).
		Where(columnMemberID+" = ?", memberID).
		Delete(&NameRecord{})
	if rv.Error != nil {
		return false, rv.Error
	}
	if rv.RowsAffected > 0 {
		d.logger.InfoContext(ctx, "deleted stored name", columnMemberID, memberID)
	}
	return rv.RowsAffected > 0, nil
}

func (d *database) List(ctx context.Context, limit int, offset int) (
	[]NameRecord,
	error,
) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}
	records := make([]NameRecord, 0, limit)
	err := d.db.WithContext(ctx).
		Order(columnMemberID).
		Limit(limit).
		Offset(offset).
		Find(&records).Error
	return records, err
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}

// CreateDB opens the database of the given type and migrates it.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)
	dbLogger := slog.New(handler)
	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)

	db, err := openDB(
		ctx,
		databaseType,
		database,
		newGORMLogger(handler, DefaultDatabaseSlowThreshold),
	)
	if err != nil {
		return db, err
	}
	return db, migrateDB(ctx, db)
}

// openDB connects to the database and, for SQLite, applies connection
// limits and pragmas.
func openDB(
	ctx context.Context,
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if databaseType != dbTypeSQLite {
		return db, nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("error getting database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	pragmaErrors := make([]error, 0, len(sqliteExecPragma))
	for _, p := range sqliteExecPragma {
		pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
	}
	return db, errors.Join(pragmaErrors...)
}

func migrateDB(ctx context.Context, db *gorm.DB) error {
	txn := db.WithContext(ctx).Begin()
	if txn.Error != nil {
		return txn.Error
	}
	err := txn.Migrator().AutoMigrate(
		&NameRecord{},
		&RenameRun{},
		&InteractionLog{},
	)
	if err != nil {
		txn.Rollback()
		return fmt.Errorf("error migrating database: %w", err)
	}
	return txn.Commit().Error
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: Logger for database operations.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
