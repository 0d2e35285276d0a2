// Package credentials owns the persisted WhatsApp session credentials.
//
// The credential document is the whatsmeow device store, a SQLite database.
// A copy is only ever replaced by a document that passes Validate, so a bad
// restore can never clobber a working session.
package credentials

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roelfdiedericks/relaygate/internal/config"
	. "github.com/roelfdiedericks/relaygate/internal/logging"
)

var (
	// ErrInvalidCredential means the blob is not a usable credential document.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrCredentialIO means reading or writing local storage failed.
	ErrCredentialIO = errors.New("credential storage failure")
)

// RequiredTables must all exist in a credential document.
var RequiredTables = []string{"whatsmeow_device", "whatsmeow_identity_keys"}

const sqliteHeader = "SQLite format 3\x00"

// Store manages the persisted credential file.
type Store struct {
	path string
	keep int

	mu sync.Mutex
}

// New returns a Store persisting to path.
func New(path string) *Store {
	return &Store{path: path, keep: config.DefaultBackupCount}
}

// Path returns the persisted credential path.
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether a persisted credential is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Restore decodes an encoded credential (see Decode), validates it and
// replaces the persisted copy.
func (s *Store) Restore(encoded string) error {
	blob, err := Decode(encoded)
	if err != nil {
		return err
	}
	if err := s.write(blob, false); err != nil {
		return err
	}
	L_info("credentials: restored from encoded session", "bytes", len(blob))
	return nil
}

// RestoreFile validates the raw credential at src and replaces the persisted copy.
func (s *Store) RestoreFile(src string) error {
	blob, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrCredentialIO, src, err)
	}
	if err := s.write(blob, false); err != nil {
		return err
	}
	L_info("credentials: restored from file", "src", src)
	return nil
}

// Update is the credential-update path: it stores a fresh snapshot from the
// transport, keeping rotated copies of the previous one.
func (s *Store) Update(blob []byte) error {
	if err := s.write(blob, true); err != nil {
		return err
	}
	L_debug("credentials: updated", "bytes", len(blob))
	return nil
}

func (s *Store) write(blob []byte, rotate bool) error {
	if !bytes.HasPrefix(blob, []byte(sqliteHeader)) {
		return fmt.Errorf("%w: not a sqlite database", ErrInvalidCredential)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current, err := os.ReadFile(s.path); err == nil && bytes.Equal(current, blob) {
		return nil
	}

	verify := func(tmpPath string) error {
		if err := Validate(tmpPath); err != nil {
			return err
		}
		if rotate {
			if err := config.BackupFile(s.path, s.keep); err != nil {
				L_warn("credentials: backup rotation failed, continuing", "error", err)
			}
		}
		return nil
	}

	if err := config.AtomicWriteVerified(s.path, blob, 0600, verify); err != nil {
		if errors.Is(err, ErrInvalidCredential) {
			L_warn("credentials: rejected invalid document, keeping existing copy", "error", err)
			return err
		}
		return fmt.Errorf("%w: %v", ErrCredentialIO, err)
	}
	return nil
}

// Validate checks that the SQLite file at path carries the structural markers
// of a whatsmeow device store: every RequiredTables entry and a device row.
func Validate(path string) error {
	head := make([]byte, len(sqliteHeader))
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCredentialIO, err)
	}
	_, err = f.Read(head)
	f.Close()
	if err != nil || string(head) != sqliteHeader {
		return fmt.Errorf("%w: not a sqlite database", ErrInvalidCredential)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&immutable=1")
	if err != nil {
		return fmt.Errorf("%w: open: %v", ErrInvalidCredential, err)
	}
	defer db.Close()

	for _, table := range RequiredTables {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			return fmt.Errorf("%w: missing table %s", ErrInvalidCredential, table)
		}
	}

	var devices int
	if err := db.QueryRow(`SELECT COUNT(*) FROM whatsmeow_device`).Scan(&devices); err != nil {
		return fmt.Errorf("%w: read devices: %v", ErrInvalidCredential, err)
	}
	if devices == 0 {
		return fmt.Errorf("%w: no paired device", ErrInvalidCredential)
	}
	return nil
}

// Seed copies the persisted credential over the live store when the live
// store is missing or older. Must run before the transport opens livePath.
func (s *Store) Seed(livePath string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	persisted, err := os.Stat(s.path)
	if err != nil {
		return false, nil
	}
	if live, err := os.Stat(livePath); err == nil && !live.ModTime().Before(persisted.ModTime()) {
		return false, nil
	}

	// Stale journals belong to the old database and would be replayed onto the new one
	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		os.Remove(livePath + suffix)
	}
	if err := config.CopyFile(s.path, livePath); err != nil {
		return false, fmt.Errorf("%w: seed live store: %v", ErrCredentialIO, err)
	}

	L_info("credentials: seeded live store", "live", livePath)
	return true, nil
}

// Discard removes the persisted credential and the live store. Used when the
// session can never succeed again (logged out, replaced).
func (s *Store) Discard(livePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, p := range []string{s.path, livePath, livePath + "-wal", livePath + "-shm", livePath + "-journal"} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("%w: %v", ErrCredentialIO, err)
		}
	}
	if firstErr == nil {
		L_warn("credentials: discarded local session")
	}
	return firstErr
}

// Export returns the persisted credential in the encoded form Restore accepts.
func (s *Store) Export() (string, error) {
	s.mu.Lock()
	blob, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentialIO, err)
	}
	return Encode(blob)
}
