// Package migrations applies the embedded, versioned account schema with goose.
package migrations

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite3"
)

//go:embed sql/postgres/*.sql sql/sqlite3/*.sql
var migrationsFS embed.FS

// goose keeps its base FS and dialect in package globals.
var gooseMu sync.Mutex

type FileInfo struct {
	Name     string `json:"name"`
	Checksum string `json:"checksum"`
}

type Service struct {
	db      *sql.DB
	dialect string
}

func New(db *sql.DB, dialect string) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	switch dialect {
	case DialectPostgres, DialectSQLite:
	default:
		return nil, fmt.Errorf("unsupported migration dialect %q", dialect)
	}
	return &Service{db: db, dialect: dialect}, nil
}

func (s *Service) dir() string {
	return path.Join("sql", s.dialect)
}

// Up applies every pending migration.
func (s *Service) Up(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := s.setup(); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, s.db, s.dir()); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Version returns the highest applied migration version.
func (s *Service) Version(ctx context.Context) (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := s.setup(); err != nil {
		return 0, err
	}
	v, err := goose.GetDBVersionContext(ctx, s.db)
	if err != nil {
		return 0, fmt.Errorf("read migration version: %w", err)
	}
	return v, nil
}

func (s *Service) setup() error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect(s.dialect); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	return nil
}

// List returns the embedded migration files for the dialect, sorted by name.
func (s *Service) List() ([]FileInfo, error) {
	entries, err := fs.ReadDir(migrationsFS, s.dir())
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		b, err := fs.ReadFile(migrationsFS, path.Join(s.dir(), e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sum := sha256.Sum256(b)
		out = append(out, FileInfo{Name: e.Name(), Checksum: hex.EncodeToString(sum[:])})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
