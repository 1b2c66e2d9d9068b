package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

const signingKeyColumns = `kid, algorithm, public_key_pem, private_key_pem, is_current, rotated_at, created_at`

func scanSigningKey(row interface{ Scan(dest ...any) error }) (SigningKey, error) {
	var k SigningKey
	err := row.Scan(&k.Kid, &k.Algorithm, &k.PublicKeyPEM, &k.PrivateKeyPEM,
		&k.IsCurrent, &k.RotatedAt, &k.CreatedAt)
	return k, translateErr(err)
}

// GetCurrentSigningKey returns the single is_current row.
func (s *Store) GetCurrentSigningKey(ctx context.Context) (SigningKey, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+signingKeyColumns+` FROM signing_keys WHERE is_current = true`)
	return scanSigningKey(row)
}

// GetSigningKey looks a key up by kid for verification.
func (s *Store) GetSigningKey(ctx context.Context, kid string) (SigningKey, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+signingKeyColumns+` FROM signing_keys WHERE kid = $1`, kid)
	return scanSigningKey(row)
}

// ListPublishableSigningKeys returns keys inside the JWKS grace window:
// the current key plus anything rotated less than maxAge ago.
func (s *Store) ListPublishableSigningKeys(ctx context.Context, maxAge time.Duration) ([]SigningKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+signingKeyColumns+` FROM signing_keys
		WHERE rotated_at IS NULL OR rotated_at > now() - $1::interval
		ORDER BY created_at DESC`, maxAge.String())
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var keys []SigningKey
	for rows.Next() {
		k, err := scanSigningKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, translateErr(rows.Err())
}

// InsertSigningKey installs a new current key, demoting the previous one
// in the same transaction so exactly one row is ever current.
func (s *Store) InsertSigningKey(ctx context.Context, k SigningKey) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE signing_keys SET is_current = false, rotated_at = now()
			WHERE is_current = true`); err != nil {
			return translateErr(err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO signing_keys (kid, algorithm, public_key_pem, private_key_pem, is_current)
			VALUES ($1, $2, $3, $4, true)`,
			k.Kid, k.Algorithm, k.PublicKeyPEM, k.PrivateKeyPEM)
		return translateErr(err)
	})
}
