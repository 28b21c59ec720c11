package secrets

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/noetl/noetl/internal/data/repos"
	"github.com/noetl/noetl/internal/pkg/dbctx"
	"github.com/noetl/noetl/internal/pkg/logger"
	"github.com/noetl/noetl/internal/platform/db"
)

func testRepo(t *testing.T) repos.CredentialRepo {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: glogger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrateAll(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repos.NewCredentialRepo(gdb, logger.Nop())
}

func testKey(fill byte) string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = fill
	}
	return base64.StdEncoding.EncodeToString(key)
}

func dbc() dbctx.Context { return dbctx.Context{Ctx: context.Background()} }

func TestKeyValidation(t *testing.T) {
	repo := testRepo(t)
	if _, err := NewStore(repo, "not base64 !!!", logger.Nop()); err == nil {
		t.Fatal("bad base64 accepted")
	}
	if _, err := NewStore(repo, base64.StdEncoding.EncodeToString([]byte("short")), logger.Nop()); err == nil {
		t.Fatal("short key accepted")
	}
	if _, err := NewStore(repo, testKey(1), logger.Nop()); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	store, err := NewStore(testRepo(t), testKey(1), logger.Nop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	data := map[string]any{"dsn": "postgres://db.test/app", "user": "svc"}
	if err := store.Set(dbc(), "pg_main", "postgres", data); err != nil {
		t.Fatalf("set: %v", err)
	}

	cred, err := store.Fetch(dbc(), "pg_main", true)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if cred.Type != "postgres" || cred.Data["dsn"] != "postgres://db.test/app" {
		t.Fatalf("cred = %+v", cred)
	}
}

func TestMetadataFetchNeverDecrypts(t *testing.T) {
	store, _ := NewStore(testRepo(t), testKey(1), logger.Nop())
	if err := store.Set(dbc(), "api_key", "token", map[string]any{"secret": "hunter2"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	cred, err := store.Fetch(dbc(), "api_key", false)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if cred.Data != nil {
		t.Fatalf("metadata fetch leaked data: %v", cred.Data)
	}
	if cred.Name != "api_key" || cred.Type != "token" {
		t.Fatalf("cred = %+v", cred)
	}
}

func TestWrongKeyFailsClosed(t *testing.T) {
	repo := testRepo(t)
	writer, _ := NewStore(repo, testKey(1), logger.Nop())
	if err := writer.Set(dbc(), "pg_main", "postgres", map[string]any{"dsn": "x"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	reader, _ := NewStore(repo, testKey(2), logger.Nop())
	if _, err := reader.Fetch(dbc(), "pg_main", true); err == nil {
		t.Fatal("wrong key decrypted the credential")
	}
}

func TestCiphertextBoundToName(t *testing.T) {
	repo := testRepo(t)
	store, _ := NewStore(repo, testKey(1), logger.Nop())
	if err := store.Set(dbc(), "original", "token", map[string]any{"k": "v"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	// re-filing the blob under another name must not decrypt: the name is
	// the AEAD's associated data
	row, err := repo.GetByName(dbc(), "original")
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	row.Name = "forged"
	if _, err := repo.Upsert(dbc(), row); err != nil {
		t.Fatalf("forge: %v", err)
	}
	if _, err := store.Fetch(dbc(), "forged", true); err == nil {
		t.Fatal("renamed ciphertext decrypted")
	}
	if _, err := store.Fetch(dbc(), "original", true); err != nil {
		t.Fatalf("original no longer readable: %v", err)
	}
}

func TestDeleteAndMissing(t *testing.T) {
	store, _ := NewStore(testRepo(t), testKey(1), logger.Nop())
	if err := store.Set(dbc(), "temp", "token", map[string]any{"k": "v"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Delete(dbc(), "temp"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Fetch(dbc(), "temp", false); !errors.Is(err, repos.ErrCredentialNotFound) {
		t.Fatalf("fetch deleted = %v, want not found", err)
	}
}

func TestResolver(t *testing.T) {
	store, _ := NewStore(testRepo(t), testKey(1), logger.Nop())
	if err := store.Set(dbc(), "pg_main", "postgres", map[string]any{"dsn": "x"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	data, err := NewResolver(store).Resolve(context.Background(), "pg_main")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if data["dsn"] != "x" {
		t.Fatalf("data = %v", data)
	}
}
