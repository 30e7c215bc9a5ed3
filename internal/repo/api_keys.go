package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"maintline/internal/domain"
)

const apiKeyColumns = `id,actor_id,COALESCE(name,''),key_hash,created_at`

// HashAPIKey returns the SHA-256 hex digest stored in place of the plaintext key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

func scanAPIKey(scan func(dest ...any) error) (domain.APIKey, error) {
	var k domain.APIKey
	err := scan(&k.ID, &k.ActorID, &k.Name, &k.KeyHash, &k.CreatedAt)
	return k, err
}

// InsertAPIKey stores a key whose KeyHash is already hashed.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	switch {
	case key.ID == "":
		return domain.ValidationError{Field: "id", Reason: "is required"}
	case key.ActorID == "":
		return domain.ValidationError{Field: "actor_id", Reason: "is required"}
	case key.KeyHash == "":
		return domain.ValidationError{Field: "key_hash", Reason: "is required"}
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO api_keys(id,actor_id,name,key_hash,created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.ActorID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	return err
}

func (r Repo) GetAPIKey(ctx context.Context, id string) (domain.APIKey, error) {
	k, err := scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id=?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return k, domain.NotFoundError{Entity: "api_key", ID: id}
	}
	return k, err
}

func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	k, err := scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=?`, hash).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		// never echo the hash back
		return k, domain.NotFoundError{Entity: "api_key", ID: "(by hash)"}
	}
	return k, err
}

// ListAPIKeys returns keys newest first, all actors when actorID is empty.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys`
	var args []any
	if actorID != "" {
		query += ` WHERE actor_id=?`
		args = append(args, actorID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at DESC, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows.Scan)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundError{Entity: "api_key", ID: id}
	}
	return nil
}
