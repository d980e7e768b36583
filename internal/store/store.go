package store

import (
	"database/sql"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/neo321654/kiroclicker/internal/clicker"
)

// ErrNotFound reports a lookup for a config name that was never saved.
var ErrNotFound = errors.New("store: config not found")

// Store persists named run configurations in SQLite. Template images
// saved alongside a config are written as PNG files next to the
// database so their refs stay valid file paths.
type Store struct {
	conn         *sql.DB
	path         string
	templatesDir string
}

// Open opens or creates the config database at dbPath and applies any
// pending migrations.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite works best with a single connection.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	s := &Store{
		conn:         conn,
		path:         dbPath,
		templatesDir: filepath.Join(dir, "templates"),
	}
	if err := s.runMigrations(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// ExecTx executes fn inside a transaction, rolling back on error.
func (s *Store) ExecTx(fn func(*sql.Tx) error) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx error: %v, rollback error: %w", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// Save upserts a named config. When templateBytes is non-empty it is
// written as <name>.png beside the database and the stored template ref
// points at that file; otherwise the config's own ref is kept.
func (s *Store) Save(name string, cfg clicker.RunConfig, templateBytes []byte) error {
	if name == "" {
		return fmt.Errorf("config name cannot be empty")
	}

	templateRef := cfg.TemplateRef
	if len(templateBytes) > 0 {
		templateRef = filepath.Join(s.templatesDir, name+".png")
	}

	check := cfg
	check.TemplateRef = templateRef
	if err := check.Validate(nil); err != nil {
		return err
	}

	if len(templateBytes) > 0 {
		if err := os.MkdirAll(s.templatesDir, 0755); err != nil {
			return fmt.Errorf("failed to create templates directory: %w", err)
		}
		if err := os.WriteFile(templateRef, templateBytes, 0644); err != nil {
			return fmt.Errorf("failed to write template image: %w", err)
		}
	}

	now := time.Now()
	return s.ExecTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO configs (
				name, template_ref, offset_x, offset_y,
				interval_ms, repeat_count, threshold, press_ms,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				template_ref = excluded.template_ref,
				offset_x = excluded.offset_x,
				offset_y = excluded.offset_y,
				interval_ms = excluded.interval_ms,
				repeat_count = excluded.repeat_count,
				threshold = excluded.threshold,
				press_ms = excluded.press_ms,
				updated_at = excluded.updated_at
		`, name, templateRef, cfg.ClickOffset.X, cfg.ClickOffset.Y,
			cfg.Interval.Milliseconds(), cfg.RepeatCount, cfg.Threshold,
			cfg.PressDuration.Milliseconds(), now, now)
		if err != nil {
			return fmt.Errorf("failed to save config %q: %w", name, err)
		}
		return nil
	})
}

// LoadByName retrieves a saved config.
func (s *Store) LoadByName(name string) (clicker.RunConfig, error) {
	var (
		cfg                 clicker.RunConfig
		intervalMs, pressMs int64
		offsetX, offsetY    int
	)
	err := s.conn.QueryRow(`
		SELECT template_ref, offset_x, offset_y,
			interval_ms, repeat_count, threshold, press_ms
		FROM configs WHERE name = ?
	`, name).Scan(&cfg.TemplateRef, &offsetX, &offsetY,
		&intervalMs, &cfg.RepeatCount, &cfg.Threshold, &pressMs)
	if err == sql.ErrNoRows {
		return clicker.RunConfig{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return clicker.RunConfig{}, fmt.Errorf("failed to load config %q: %w", name, err)
	}

	cfg.ClickOffset = image.Pt(offsetX, offsetY)
	cfg.Interval = time.Duration(intervalMs) * time.Millisecond
	cfg.PressDuration = time.Duration(pressMs) * time.Millisecond
	return cfg, nil
}

// ListNames returns all saved config names in alphabetical order.
func (s *Store) ListNames() ([]string, error) {
	rows, err := s.conn.Query(`SELECT name FROM configs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list configs: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Delete removes a saved config and its stored template image, if any.
func (s *Store) Delete(name string) error {
	templatePath := filepath.Join(s.templatesDir, name+".png")

	res, err := s.conn.Exec(`DELETE FROM configs WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete config %q: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	// The image is owned by the store only when it lives in our dir.
	if _, statErr := os.Stat(templatePath); statErr == nil {
		os.Remove(templatePath)
	}
	return nil
}
