package secrets

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/noetl/noetl/internal/data/repos"
	types "github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/pkg/dbctx"
	"github.com/noetl/noetl/internal/pkg/logger"
)

/*
Store keeps credential material encrypted at rest with XChaCha20-Poly1305.
The ciphertext blob is nonce || sealed payload; the key comes from process
config and never touches the database. Decryption happens only on an
explicit include_data fetch, so list/metadata paths cannot leak secrets.
*/
type Store struct {
	repo repos.CredentialRepo
	key  []byte
	log  *logger.Logger
}

type Credential struct {
	Name string         `json:"name"`
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// NewStore builds a store from a base64 key; the key must decode to 32
// bytes.
func NewStore(repo repos.CredentialRepo, encodedKey string, baseLog *logger.Logger) (*Store, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode credential key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("credential key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Store{
		repo: repo,
		key:  key,
		log:  baseLog.With("component", "SecretStore"),
	}, nil
}

func (s *Store) Set(dbc dbctx.Context, name string, credType string, data map[string]any) error {
	if name == "" {
		return fmt.Errorf("credential name required")
	}
	plaintext, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode credential data: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	sealed := aead.Seal(nil, nonce, plaintext, []byte(name))
	blob := append(nonce, sealed...)
	_, err = s.repo.Upsert(dbc, &types.Credential{
		Name:          name,
		Type:          credType,
		EncryptedData: blob,
	})
	return err
}

// Fetch returns credential metadata; data is decrypted only when
// includeData is set.
func (s *Store) Fetch(dbc dbctx.Context, name string, includeData bool) (*Credential, error) {
	row, err := s.repo.GetByName(dbc, name)
	if err != nil {
		return nil, err
	}
	out := &Credential{Name: row.Name, Type: row.Type}
	if !includeData {
		return out, nil
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(row.EncryptedData) < aead.NonceSize() {
		return nil, fmt.Errorf("credential %q: ciphertext too short", name)
	}
	nonce := row.EncryptedData[:aead.NonceSize()]
	sealed := row.EncryptedData[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("credential %q: decrypt: %w", name, err)
	}
	data := map[string]any{}
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("credential %q: decode: %w", name, err)
	}
	out.Data = data
	return out, nil
}

func (s *Store) Delete(dbc dbctx.Context, name string) error {
	return s.repo.Delete(dbc, name)
}

// Resolver adapts the store to the renderer's credential capability.
type Resolver struct {
	store *Store
}

func NewResolver(store *Store) *Resolver { return &Resolver{store: store} }

func (r *Resolver) Resolve(ctx context.Context, name string) (map[string]any, error) {
	cred, err := r.store.Fetch(dbctx.Context{Ctx: ctx}, name, true)
	if err != nil {
		return nil, err
	}
	return cred.Data, nil
}
