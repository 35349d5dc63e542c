// Package ledger persists the captcha and trust-exception tables in SQLite.
// Every call commits immediately; ArchiveSolved is the one multi-statement
// transaction. Calls run synchronously on the pipeline's control goroutine,
// an accepted tradeoff at join-event volume.
package ledger

import (
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vikingsloth/IRCCaptchaBot/config"

	sqlite "modernc.org/sqlite"
)

// ErrDuplicate signals an active captcha already exists for the trust key.
// Callers fall back to RefreshCaptcha; it is never user-visible.
var ErrDuplicate = errors.New("ledger: active captcha exists")

// PersistenceError wraps a backend failure. The failed operation is
// abandoned; nothing in the pipeline escalates it beyond a log line.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// SolvedCaptcha is one archived row returned by ArchiveSolved.
type SolvedCaptcha struct {
	TrustKey  string
	IdentHost string
	Nick      string
	PostIP    string
	Start     time.Time
	Completed time.Time
}

// Store is the ledger handle. Safe for use from a single goroutine.
type Store struct {
	db        *sql.DB
	staleness time.Duration
	now       func() time.Time
}

// TrustKey derives the stable fingerprint for an ident@host pair. It must
// stay md5-hex: the external verification site keys its rows by the same
// digest embedded in challenge URLs.
func TrustKey(identHost string) string {
	sum := md5.Sum([]byte(identHost))
	return hex.EncodeToString(sum[:])
}

// Open initializes the database, running a preflight check first so a
// corrupted file is quarantined instead of stalling startup.
func Open(cfg config.CaptchaConfig) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: mkdir: %w", err)
	}
	if err := preflight(cfg.DBPath, 2*time.Second); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("ledger: open db: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf(
		"pragma journal_mode=WAL; pragma synchronous=NORMAL; pragma busy_timeout=%d", cfg.BusyTimeoutMS)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: pragmas: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{
		db:        db,
		staleness: time.Duration(cfg.StalenessMinutes) * time.Minute,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ensureSchema(db *sql.DB) error {
	schema := `
	create table if not exists captcha (
		user_key text primary key,
		ident_host text not null,
		nick text not null,
		start integer not null,
		completed integer not null default 0,
		post_ip text not null default ''
	);
	create index if not exists idx_captcha_completed on captcha(completed);
	create index if not exists idx_captcha_start on captcha(start);
	create table if not exists captcha_archive (
		id integer primary key autoincrement,
		user_key text not null,
		ident_host text not null,
		nick text not null,
		post_ip text not null,
		start integer not null,
		completed integer not null
	);
	create table if not exists exceptions (
		user_key text primary key,
		ident_host text not null,
		first integer not null,
		last integer not null
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("ledger: schema: %w", err)
	}
	return nil
}

// LookupException reports whether the trust key has passed a challenge before.
func (s *Store) LookupException(trustKey string) (bool, error) {
	var one int
	err := s.db.QueryRow(`select 1 from exceptions where user_key = ? limit 1`, trustKey).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &PersistenceError{Op: "lookup exception", Err: err}
	}
	return true, nil
}

// RefreshException bumps the last-seen timestamp on an existing exception.
func (s *Store) RefreshException(trustKey string) error {
	if _, err := s.db.Exec(`update exceptions set last = ? where user_key = ?`,
		s.now().Unix(), trustKey); err != nil {
		return &PersistenceError{Op: "refresh exception", Err: err}
	}
	return nil
}

// InsertCaptcha records a fresh in-flight challenge. At most one active
// entry may exist per trust key; a second insert yields ErrDuplicate and the
// caller must fall back to RefreshCaptcha.
func (s *Store) InsertCaptcha(trustKey, identHost, nick string) error {
	_, err := s.db.Exec(`insert into captcha (user_key, ident_host, nick, start) values (?, ?, ?, ?)`,
		trustKey, identHost, nick, s.now().Unix())
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return &PersistenceError{Op: "insert captcha", Err: err}
	}
	return nil
}

// RefreshCaptcha updates nick and issue time on the existing active entry so
// a re-joining user gets a fresh staleness window instead of a duplicate row.
func (s *Store) RefreshCaptcha(trustKey, nick string) error {
	if _, err := s.db.Exec(`update captcha set nick = ?, start = ? where user_key = ? and completed = 0`,
		nick, s.now().Unix(), trustKey); err != nil {
		return &PersistenceError{Op: "refresh captcha", Err: err}
	}
	return nil
}

// CompleteCaptcha is the write the external verification callback performs:
// completion time plus the responder's address on the active row.
func (s *Store) CompleteCaptcha(trustKey, responderAddr string) error {
	if _, err := s.db.Exec(`update captcha set completed = ?, post_ip = ? where user_key = ? and completed = 0`,
		s.now().Unix(), responderAddr, trustKey); err != nil {
		return &PersistenceError{Op: "complete captcha", Err: err}
	}
	return nil
}

// ReapStale deletes uncompleted entries older than the staleness window so
// the challenge can be re-issued. Not transactionally linked to any read.
func (s *Store) ReapStale() (int64, error) {
	cutoff := s.now().Add(-s.staleness).Unix()
	res, err := s.db.Exec(`delete from captcha where completed = 0 and start < ?`, cutoff)
	if err != nil {
		return 0, &PersistenceError{Op: "reap stale captchas", Err: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ArchiveSolved drains every completed challenge in one transaction: copy to
// the archive table, create or refresh the exception, delete from the active
// set, and hand the rows to the caller exactly once. The archive copy is
// durable before the rows are returned, so a caller-side crash between
// archive and post-processing loses no history.
func (s *Store) ArchiveSolved() ([]SolvedCaptcha, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, &PersistenceError{Op: "archive begin", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.Query(`select user_key, ident_host, nick, post_ip, start, completed from captcha where completed > 0`)
	if err != nil {
		return nil, &PersistenceError{Op: "archive select", Err: err}
	}
	var solved []SolvedCaptcha
	for rows.Next() {
		var sc SolvedCaptcha
		var start, completed int64
		if err := rows.Scan(&sc.TrustKey, &sc.IdentHost, &sc.Nick, &sc.PostIP, &start, &completed); err != nil {
			rows.Close()
			return nil, &PersistenceError{Op: "archive scan", Err: err}
		}
		sc.Start = time.Unix(start, 0).UTC()
		sc.Completed = time.Unix(completed, 0).UTC()
		solved = append(solved, sc)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, &PersistenceError{Op: "archive iterate", Err: err}
	}
	rows.Close()

	if len(solved) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec(`insert into captcha_archive (user_key, ident_host, nick, post_ip, start, completed)
		select user_key, ident_host, nick, post_ip, start, completed from captcha where completed > 0`); err != nil {
		return nil, &PersistenceError{Op: "archive copy", Err: err}
	}
	now := s.now().Unix()
	for _, sc := range solved {
		if _, err := tx.Exec(`insert into exceptions (user_key, ident_host, first, last) values (?, ?, ?, ?)
			on conflict(user_key) do update set last = excluded.last`,
			sc.TrustKey, sc.IdentHost, now, now); err != nil {
			return nil, &PersistenceError{Op: "archive exception", Err: err}
		}
	}
	if _, err := tx.Exec(`delete from captcha where completed > 0`); err != nil {
		return nil, &PersistenceError{Op: "archive delete", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &PersistenceError{Op: "archive commit", Err: err}
	}
	return solved, nil
}

func isConstraintViolation(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		// 19 = SQLITE_CONSTRAINT; extended codes keep it in the low byte.
		return serr.Code()&0xff == 19
	}
	return false
}
