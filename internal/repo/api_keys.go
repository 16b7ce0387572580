package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"stakeline/internal/domain"
)

// APIKeyPrefix marks stakeline API keys so they are recognisable in logs and
// secret scanners.
const APIKeyPrefix = "slk_"

const apiKeyColumns = `id,actor_id,COALESCE(name,''),key_hash,created_at`

func scanAPIKey(row rowScanner) (domain.APIKey, error) {
	var k domain.APIKey
	err := row.Scan(&k.ID, &k.ActorID, &k.Name, &k.KeyHash, &k.CreatedAt)
	return k, err
}

// HashAPIKey is the lookup digest stored in place of the key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// IssueAPIKey stores a new key acting as actorID and returns the record with
// the plaintext key. The plaintext is never stored.
func (r Repo) IssueAPIKey(ctx context.Context, tx *sql.Tx, actorID, name, createdAt string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", errors.New("api key: actor required")
	}
	secret := APIKeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
	k := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		KeyHash:   HashAPIKey(secret),
		CreatedAt: createdAt,
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO api_keys(id,actor_id,name,key_hash,created_at) VALUES (?,?,?,?,?)`,
		k.ID, k.ActorID, nullable(k.Name), k.KeyHash, k.CreatedAt)
	if err != nil {
		return domain.APIKey{}, "", fmt.Errorf("issue api key for %s: %w", actorID, err)
	}
	return k, secret, nil
}

// APIKeyActor resolves the actor a presented key acts as.
func (r Repo) APIKeyActor(ctx context.Context, secret string) (string, error) {
	if !strings.HasPrefix(strings.TrimSpace(secret), APIKeyPrefix) {
		return "", ErrNotFound
	}
	k, err := scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=?`, HashAPIKey(secret)))
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return k.ActorID, nil
}

// ListAPIKeys returns actorID's keys, newest first.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE actor_id=? ORDER BY created_at DESC, id`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RevokeAPIKey removes one of actorID's keys. Keys of other actors are
// reported as not found.
func (r Repo) RevokeAPIKey(ctx context.Context, actorID, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=? AND actor_id=?`, strings.TrimSpace(id), actorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("api key %s: %w", id, ErrNotFound)
	}
	return nil
}
