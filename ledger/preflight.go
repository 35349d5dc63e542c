package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// preflight runs a bounded WAL checkpoint + quick_check before the main open
// path. A database that fails either check is renamed (with sidecars) to a
// timestamped quarantine path so the bot restarts with a fresh ledger instead
// of stalling on a corrupted file.
func preflight(path string, timeout time.Duration) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("ledger: preflight open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma busy_timeout=%d", timeout.Milliseconds())); err != nil {
		_ = db.Close()
		return fmt.Errorf("ledger: preflight busy_timeout: %w", err)
	}

	_, checkpointErr := db.ExecContext(ctx, "pragma wal_checkpoint(TRUNCATE)")
	checkErr := quickCheck(ctx, db)
	_ = db.Close()

	if checkpointErr == nil && checkErr == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("ledger: preflight timed out after %s", timeout)
	}
	log.Printf("ledger: preflight failed (checkpoint=%v, quick_check=%v); quarantining %s", checkpointErr, checkErr, path)
	return quarantine(path)
}

func quickCheck(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		if scanErr := rows.Scan(&status); scanErr != nil {
			return scanErr
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status)
		}
	}
	return rows.Err()
}

func quarantine(path string) error {
	ts := time.Now().UTC().Format("20060102T150405Z")
	for _, target := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if _, err := os.Stat(target); err != nil {
			continue
		}
		if err := os.Rename(target, target+".bad-"+ts); err != nil {
			return fmt.Errorf("ledger: quarantine %s: %w", target, err)
		}
	}
	return nil
}
