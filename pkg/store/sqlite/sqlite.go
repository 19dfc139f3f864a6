package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	driversMu  sync.Mutex
	extDrivers = map[string]string{}
)

// extensionDriver returns a registered driver name whose connections load
// the given extensions, registering it on first use.
func extensionDriver(extensions []string) string {
	key := strings.Join(extensions, ",")
	driversMu.Lock()
	defer driversMu.Unlock()
	if name, ok := extDrivers[key]; ok {
		return name
	}
	name := fmt.Sprintf("sqlite3_ext_%d", len(extDrivers))
	sql.Register(name, &sqlite3.SQLiteDriver{Extensions: extensions})
	extDrivers[key] = name
	return name
}

// Config controls SQLite initialization.
type Config struct {
	Path           string
	ExtensionsPath string
	EnableVSS      bool
	VectorDim      int
	Logger         *slog.Logger
}

// Database wraps the sql.DB handle with feature flags.
type Database struct {
	db        *sql.DB
	enableVSS bool
	vectorDim int
	logger    *slog.Logger
}

// New opens the database, loads extensions if requested, and ensures schema.
func New(ctx context.Context, cfg Config) (*Database, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}

	if cfg.VectorDim == 0 {
		cfg.VectorDim = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}

	driver := "sqlite3"
	if cfg.EnableVSS {
		extensions, err := extensionPaths(cfg.ExtensionsPath)
		if err != nil {
			return nil, fmt.Errorf("load sqlite-vss extension: %w", err)
		}
		cfg.Logger.Info("loading sqlite extensions", "paths", extensions)
		driver = extensionDriver(extensions)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", cfg.Path)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	// single writer; every new connection loads the extensions again
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		if cfg.EnableVSS {
			return nil, fmt.Errorf("load sqlite-vss extension: %w", err)
		}
		return nil, err
	}

	wrapper := &Database{db: db, enableVSS: cfg.EnableVSS, vectorDim: cfg.VectorDim, logger: cfg.Logger}

	if err := wrapper.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return wrapper, nil
}

// extensionPaths splits a comma separated list such as
// "vector0,vss0"; sqlite-vss needs vector0 loaded first.
func extensionPaths(extPath string) ([]string, error) {
	if extPath == "" {
		extPath = os.Getenv("GO_SQLITE3_EXTENSIONS")
	}
	var out []string
	for _, p := range strings.Split(extPath, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("extension path not provided")
	}
	return out, nil
}

func (d *Database) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS facts (
            user_id TEXT NOT NULL,
            key TEXT NOT NULL,
            value TEXT NOT NULL,
            source TEXT NOT NULL,
            updated_at INTEGER NOT NULL,
            PRIMARY KEY (user_id, key)
        );`,
		`CREATE TABLE IF NOT EXISTS profiles (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL UNIQUE,
            persona TEXT NOT NULL DEFAULT '',
            model_id TEXT NOT NULL DEFAULT '',
            settings JSON,
            is_default INTEGER NOT NULL DEFAULT 0,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS conversations (
            id TEXT PRIMARY KEY,
            user_id TEXT NOT NULL,
            title TEXT NOT NULL DEFAULT '',
            active_profile_id TEXT NOT NULL DEFAULT '',
            archived INTEGER NOT NULL DEFAULT 0,
            next_seq INTEGER NOT NULL DEFAULT 1,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS turns (
            conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            seq INTEGER NOT NULL,
            role TEXT NOT NULL,
            content TEXT NOT NULL,
            attachments JSON,
            created_at INTEGER NOT NULL,
            PRIMARY KEY (conversation_id, seq)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_profile ON conversations(active_profile_id);`,
	}

	if d.enableVSS {
		stmts = append(stmts,
			fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS vss_turns USING vss0(content_embedding(%d));`, d.vectorDim),
			`CREATE TABLE IF NOT EXISTS vss_payload (
                rowid INTEGER PRIMARY KEY,
                conversation_id TEXT NOT NULL,
                seq INTEGER NOT NULL
            );`,
		)
	}

	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// DB returns the underlying database handle.
func (d *Database) DB() *sql.DB {
	return d.db
}

// Close releases the database.
func (d *Database) Close() error {
	return d.db.Close()
}

// HasVSS indicates whether vector search is available.
func (d *Database) HasVSS() bool {
	return d.enableVSS
}

// VectorDim returns configured embedding dimension.
func (d *Database) VectorDim() int {
	return d.vectorDim
}
