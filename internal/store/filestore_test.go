package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/marketrelay/internal/model"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewFileStore(t.TempDir(), logger)
}

func testRecord(displayName string) *model.UserRecord {
	return &model.UserRecord{
		DisplayName:  displayName,
		UEXUsername:  "trader_" + displayName,
		RegisteredAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		EncryptedAt:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Credentials: model.EncryptedPair{
			APIToken:  "00112233445566778899aabbccddeeff:deadbeefdeadbeefdeadbeefdeadbeef",
			SecretKey: "ffeeddccbbaa99887766554433221100:cafebabecafebabecafebabecafebabe",
		},
		Active: true,
	}
}

func TestFileStore_LoadAll_FirstRun(t *testing.T) {
	s := newTestStore(t)

	// ファイル未作成の初回起動は空のテーブルを返す（エラーではない）
	records, err := s.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("records = %d, want 0", len(records))
	}
}

func TestFileStore_SaveLoad_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	records := map[string]*model.UserRecord{
		"111111111111111111": testRecord("alice"),
		"222222222222222222": testRecord("bob"),
	}

	if err := s.SaveAll(ctx, records); err != nil {
		t.Fatalf("SaveAll failed: %v", err)
	}

	loaded, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}

	if len(loaded) != 2 {
		t.Fatalf("loaded = %d records, want 2", len(loaded))
	}

	alice := loaded["111111111111111111"]
	if alice == nil {
		t.Fatal("alice record not found")
	}
	if alice.DisplayName != "alice" {
		t.Errorf("DisplayName = %q, want %q", alice.DisplayName, "alice")
	}
	if alice.UEXUsername != "trader_alice" {
		t.Errorf("UEXUsername = %q, want %q", alice.UEXUsername, "trader_alice")
	}
	if !alice.Active {
		t.Error("Active = false, want true")
	}
	if alice.Credentials.APIToken == "" || alice.Credentials.SecretKey == "" {
		t.Error("encrypted credentials must survive the round trip")
	}
}

func TestFileStore_LoadAll_CorruptFile(t *testing.T) {
	s := newTestStore(t)

	if err := os.MkdirAll(filepath.Dir(s.Path()), 0o700); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(s.Path(), []byte("{broken json"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	_, err := s.LoadAll(context.Background())
	if !errors.Is(err, model.ErrStoreCorrupt) {
		t.Errorf("LoadAll error = %v, want model.ErrStoreCorrupt", err)
	}
}

func TestFileStore_LoadAll_NullFile(t *testing.T) {
	s := newTestStore(t)

	// JSONリテラルnullは解析エラーにならないがテーブルとしては破損。
	// nilマップが返るとRegisterのマップ書き込みでpanicする
	if err := os.MkdirAll(filepath.Dir(s.Path()), 0o700); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(s.Path(), []byte("null"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	records, err := s.LoadAll(context.Background())
	if !errors.Is(err, model.ErrStoreCorrupt) {
		t.Errorf("LoadAll error = %v, want model.ErrStoreCorrupt", err)
	}
	if records != nil {
		t.Errorf("records = %v, want nil on corrupt file", records)
	}
}

func TestFileStore_SaveAll_FilePermissions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveAll(ctx, map[string]*model.UserRecord{"u1": testRecord("alice")}); err != nil {
		t.Fatalf("SaveAll failed: %v", err)
	}

	info, err := os.Stat(s.Path())
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o, want 600", perm)
	}
}

func TestFileStore_SaveAll_PrettyPrinted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveAll(ctx, map[string]*model.UserRecord{"u1": testRecord("alice")}); err != nil {
		t.Fatalf("SaveAll failed: %v", err)
	}

	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	// 人間が確認できるようインデント付きで保存する
	if !strings.Contains(string(data), "\n  ") {
		t.Error("expected indented JSON output")
	}
}

func TestFileStore_SaveAll_NoLeftoverTempFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.SaveAll(ctx, map[string]*model.UserRecord{"u1": testRecord("alice")}); err != nil {
			t.Fatalf("SaveAll failed: %v", err)
		}
	}

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("leftover temp file: %s", e.Name())
		}
	}
}

func TestFileStore_SaveAll_CreatesDataDir(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	dataDir := filepath.Join(t.TempDir(), "nested", "user_data")
	s := NewFileStore(dataDir, logger)

	if err := s.SaveAll(context.Background(), map[string]*model.UserRecord{}); err != nil {
		t.Fatalf("SaveAll failed: %v", err)
	}

	if _, err := os.Stat(s.Path()); err != nil {
		t.Errorf("expected store file to exist: %v", err)
	}
}
