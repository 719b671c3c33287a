package archive

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/guthubrx/rekall-sub000/internal/store"
)

// CreateBackup flushes the WAL, copies the database into dir with VACUUM
// INTO and checks the copy. A copy that fails the check is deleted.
func CreateBackup(ctx context.Context, db *store.DB, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	path := filepath.Join(dir, "rekall-"+time.Now().UTC().Format("20060102-150405.000")+".db")

	if err := db.Checkpoint(ctx); err != nil {
		return "", err
	}
	if _, err := db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("copy database: %w", err)
	}
	if err := ValidateBackup(ctx, path); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// ValidateBackup opens a backup in query-only mode and runs PRAGMA
// integrity_check.
func ValidateBackup(ctx context.Context, path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat backup: %w", err)
	}
	if fi.Size() == 0 {
		return fmt.Errorf("%w: empty file", ErrIntegrity)
	}

	conn, err := sql.Open("sqlite3", "file:"+path+"?_query_only=true")
	if err != nil {
		return fmt.Errorf("open backup: %w", err)
	}
	defer conn.Close()

	var result string
	if err := conn.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", ErrIntegrity, result)
	}

	var version int
	if err := conn.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read backup schema version: %w", err)
	}
	if version == 0 {
		return fmt.Errorf("%w: not a rekall database", ErrIntegrity)
	}
	return nil
}

// RestoreBackup replaces the database at dbPath with a validated backup.
// The database must be closed. The backup is copied next to the target and
// renamed over it, and stale WAL files are removed.
func RestoreBackup(ctx context.Context, backupPath, dbPath string) error {
	if err := ValidateBackup(ctx, backupPath); err != nil {
		return err
	}

	tmpPath := dbPath + ".restore"
	if err := copyFile(backupPath, tmpPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(dbPath + suffix); err != nil && !os.IsNotExist(err) {
			os.Remove(tmpPath)
			return fmt.Errorf("remove %s: %w", suffix, err)
		}
	}
	if err := os.Rename(tmpPath, dbPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace database: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open backup: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create restore file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy backup: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("sync restore file: %w", err)
	}
	return out.Close()
}
