// Package credentials stores the opaque per-user venue auth blobs.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"

	"volume-core/pkg/crypto"
	"volume-core/pkg/db"
	"volume-core/pkg/exchanges/common"
)

// ErrNotFound is returned when no credentials exist for a user.
var ErrNotFound = errors.New("credentials not found")

// Source resolves a user's credentials.
type Source interface {
	Get(ctx context.Context, userID string) (common.Credentials, error)
}

// Sealer encrypts values at rest. *crypto.KeyManager satisfies it.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	Stale(ciphertext string) bool
}

type rowStore interface {
	GetCredential(ctx context.Context, userID string) (headers, cookie string, err error)
	UpsertCredential(ctx context.Context, userID, headers, cookie string) error
	ListCredentialUsers(ctx context.Context) ([]string, error)
}

// Store keeps credentials in the user_credentials table. With a nil Sealer
// values are stored as plaintext.
type Store struct {
	rows   rowStore
	sealer Sealer
	log    *zap.Logger
}

func NewStore(q *db.UserQueries, sealer Sealer, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{rows: q, sealer: sealer, log: log}
}

// Put seals and stores creds for userID.
func (s *Store) Put(ctx context.Context, userID string, creds common.Credentials) error {
	raw, err := json.Marshal(creds.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	headers, err := s.seal(string(raw))
	if err != nil {
		return err
	}
	cookie, err := s.seal(creds.Cookie)
	if err != nil {
		return err
	}
	return s.rows.UpsertCredential(ctx, userID, headers, cookie)
}

// Get loads and opens creds for userID. Values sealed with a retired key
// version are rewritten with the current one.
func (s *Store) Get(ctx context.Context, userID string) (common.Credentials, error) {
	rawHeaders, rawCookie, err := s.rows.GetCredential(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return common.Credentials{}, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	if err != nil {
		return common.Credentials{}, err
	}

	headers, err := s.open(rawHeaders)
	if err != nil {
		return common.Credentials{}, fmt.Errorf("open headers for %s: %w", userID, err)
	}
	cookie, err := s.open(rawCookie)
	if err != nil {
		return common.Credentials{}, fmt.Errorf("open cookie for %s: %w", userID, err)
	}

	creds := common.Credentials{Cookie: cookie}
	if headers != "" {
		if err := json.Unmarshal([]byte(headers), &creds.Headers); err != nil {
			return common.Credentials{}, fmt.Errorf("decode headers for %s: %w", userID, err)
		}
	}

	if s.sealer != nil && (s.sealer.Stale(rawHeaders) || s.sealer.Stale(rawCookie) ||
		!crypto.IsEncrypted(rawHeaders)) {
		if err := s.Put(ctx, userID, creds); err != nil {
			s.log.Warn("credential reseal failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return creds, nil
}

// Users lists every user with stored credentials.
func (s *Store) Users(ctx context.Context) ([]string, error) {
	return s.rows.ListCredentialUsers(ctx)
}

func (s *Store) seal(v string) (string, error) {
	if s.sealer == nil || v == "" {
		return v, nil
	}
	out, err := s.sealer.Encrypt(v)
	if err != nil {
		return "", fmt.Errorf("seal credential: %w", err)
	}
	return out, nil
}

func (s *Store) open(v string) (string, error) {
	if !crypto.IsEncrypted(v) {
		return v, nil
	}
	if s.sealer == nil {
		return "", errors.New("value is sealed but no key is configured")
	}
	return s.sealer.Decrypt(v)
}

// Import loads a JSON file of {"user": {"headers": {...}, "cookie": "..."}}
// into the store and returns the imported user ids.
func (s *Store) Import(ctx context.Context, path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	var file map[string]common.Credentials
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}
	users := make([]string, 0, len(file))
	for user := range file {
		users = append(users, user)
	}
	sort.Strings(users)
	for _, user := range users {
		creds := file[user]
		if creds.Empty() {
			s.log.Warn("skipping empty credentials", zap.String("user_id", user))
			continue
		}
		if err := s.Put(ctx, user, creds); err != nil {
			return nil, fmt.Errorf("import %s: %w", user, err)
		}
	}
	s.log.Info("credentials imported", zap.Int("users", len(users)), zap.String("path", path))
	return users, nil
}
