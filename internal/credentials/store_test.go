package credentials

import (
	"bytes"
	"database/sql"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// makeDeviceStore builds a minimal whatsmeow-shaped database and returns its bytes.
func makeDeviceStore(t *testing.T, jid string) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	stmts := []string{
		`CREATE TABLE whatsmeow_device (jid TEXT PRIMARY KEY)`,
		`CREATE TABLE whatsmeow_identity_keys (our_jid TEXT, their_id TEXT, identity BLOB)`,
	}
	if jid != "" {
		stmts = append(stmts, `INSERT INTO whatsmeow_device (jid) VALUES ('`+jid+`')`)
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("fixture %q: %v", stmt, err)
		}
	}
	db.Close()

	blob, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return blob
}

func TestRestoreIsIdempotent(t *testing.T) {
	blob := makeDeviceStore(t, "27820000000.0:1@s.whatsapp.net")
	encoded, err := Encode(blob)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	store := New(filepath.Join(t.TempDir(), "session", "creds.db"))
	if err := store.Restore(encoded); err != nil {
		t.Fatalf("first Restore: %v", err)
	}
	first, _ := os.ReadFile(store.Path())

	if err := store.Restore(encoded); err != nil {
		t.Fatalf("second Restore: %v", err)
	}
	second, _ := os.ReadFile(store.Path())

	if !bytes.Equal(first, blob) || !bytes.Equal(second, blob) {
		t.Error("persisted copy differs from restored blob")
	}
}

func TestRestoreInvalidKeepsExistingCopy(t *testing.T) {
	good := makeDeviceStore(t, "27820000000.0:1@s.whatsapp.net")
	store := New(filepath.Join(t.TempDir(), "creds.db"))
	if err := store.Update(good); err != nil {
		t.Fatalf("Update: %v", err)
	}

	cases := map[string][]byte{
		"not sqlite":     []byte("{\"creds\": true}"),
		"missing tables": emptyDatabase(t),
		"unpaired":       makeDeviceStore(t, ""),
	}
	for name, blob := range cases {
		t.Run(name, func(t *testing.T) {
			encoded, err := Encode(blob)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			err = store.Restore(encoded)
			if !errors.Is(err, ErrInvalidCredential) {
				t.Fatalf("expected ErrInvalidCredential, got %v", err)
			}
			got, _ := os.ReadFile(store.Path())
			if !bytes.Equal(got, good) {
				t.Error("existing credential was modified")
			}
		})
	}

	if err := store.Restore("%%% not base64 %%%"); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("garbage string: expected ErrInvalidCredential, got %v", err)
	}

	entries, _ := os.ReadDir(filepath.Dir(store.Path()))
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func emptyDatabase(t *testing.T) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "empty.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE unrelated (id INTEGER)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	db.Close()
	blob, _ := os.ReadFile(path)
	return blob
}

func TestDecodeAcceptsRawBase64(t *testing.T) {
	blob := makeDeviceStore(t, "1@s.whatsapp.net")
	got, err := Decode(base64.RawURLEncoding.EncodeToString(blob))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Error("decoded blob differs")
	}
}

func TestExportRoundTrip(t *testing.T) {
	blob := makeDeviceStore(t, "1@s.whatsapp.net")
	src := New(filepath.Join(t.TempDir(), "creds.db"))
	if err := src.Update(blob); err != nil {
		t.Fatalf("Update: %v", err)
	}
	encoded, err := src.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	dst := New(filepath.Join(t.TempDir(), "creds.db"))
	if err := dst.Restore(encoded); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, _ := os.ReadFile(dst.Path())
	if !bytes.Equal(got, blob) {
		t.Error("round trip changed the credential")
	}
}

func TestUpdateRotatesPrevious(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "creds.db"))
	v1 := makeDeviceStore(t, "1@s.whatsapp.net")
	v2 := makeDeviceStore(t, "2@s.whatsapp.net")

	if err := store.Update(v1); err != nil {
		t.Fatalf("Update v1: %v", err)
	}
	if err := store.Update(v2); err != nil {
		t.Fatalf("Update v2: %v", err)
	}

	bak, err := os.ReadFile(store.Path() + ".bak")
	if err != nil {
		t.Fatalf("missing .bak: %v", err)
	}
	if !bytes.Equal(bak, v1) {
		t.Error(".bak should hold the previous credential")
	}
}

func TestSeed(t *testing.T) {
	dir := t.TempDir()
	store := New(filepath.Join(dir, "session", "creds.db"))
	live := filepath.Join(dir, "whatsapp.db")

	if seeded, err := store.Seed(live); err != nil || seeded {
		t.Fatalf("Seed without persisted copy = %v, %v", seeded, err)
	}

	blob := makeDeviceStore(t, "1@s.whatsapp.net")
	if err := store.Update(blob); err != nil {
		t.Fatalf("Update: %v", err)
	}
	os.WriteFile(live+"-wal", []byte("stale"), 0600)

	seeded, err := store.Seed(live)
	if err != nil || !seeded {
		t.Fatalf("Seed onto missing live = %v, %v", seeded, err)
	}
	if got, _ := os.ReadFile(live); !bytes.Equal(got, blob) {
		t.Error("live store differs from persisted copy")
	}
	if _, err := os.Stat(live + "-wal"); !os.IsNotExist(err) {
		t.Error("stale WAL should be removed")
	}

	// Live copy is now at least as new as the persisted one
	if seeded, _ := store.Seed(live); seeded {
		t.Error("Seed should skip a current live store")
	}

	old := time.Now().Add(-time.Hour)
	os.Chtimes(live, old, old)
	if seeded, _ := store.Seed(live); !seeded {
		t.Error("Seed should replace an older live store")
	}
}

func TestDiscard(t *testing.T) {
	dir := t.TempDir()
	store := New(filepath.Join(dir, "creds.db"))
	live := filepath.Join(dir, "whatsapp.db")

	if err := store.Update(makeDeviceStore(t, "1@s.whatsapp.net")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	os.WriteFile(live, []byte("live"), 0600)

	if err := store.Discard(live); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if store.Exists() {
		t.Error("persisted credential still present")
	}
	if _, err := os.Stat(live); !os.IsNotExist(err) {
		t.Error("live store still present")
	}
	if err := store.Discard(live); err != nil {
		t.Errorf("second Discard: %v", err)
	}
}
