package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zoff-tech/go-calsync/pkg/schema"
)

// ErrTokensReadOnly is returned by SaveToken when the configured decrypter cannot encrypt.
var ErrTokensReadOnly = errors.New("token decrypter cannot encrypt, tokens are read-only")

// PostgresConnectionRepository reads calendar_connections. Stored tokens pass through a TokenDecrypter.
type PostgresConnectionRepository struct {
	db        *sql.DB
	decrypter TokenDecrypter
	encrypter TokenEncrypter
	now       func() time.Time
}

// NewPostgresConnectionRepository creates a repository. A nil decrypter means tokens are stored in plain text.
// Refreshed tokens can only be saved when the decrypter also implements TokenEncrypter.
func NewPostgresConnectionRepository(db *sql.DB, decrypter TokenDecrypter) *PostgresConnectionRepository {
	if decrypter == nil {
		decrypter = PlainTokens{}
	}
	encrypter, _ := decrypter.(TokenEncrypter)
	return &PostgresConnectionRepository{db: db, decrypter: decrypter, encrypter: encrypter, now: time.Now}
}

func (r *PostgresConnectionRepository) Get(ctx context.Context, workspaceID string) (*schema.Connection, error) {
	var (
		conn          schema.Connection
		accessToken   string
		refreshToken  sql.NullString
		tokenExpiry   sql.NullTime
		invalidReason sql.NullString
	)
	err := withTransaction(ctx, r.db, "GetConnection", func(ctx context.Context, tx *sql.Tx) (int, error) {
		err := tx.QueryRowContext(ctx,
			`SELECT workspace_id, access_token, refresh_token, token_expiry, is_valid, invalid_reason, updated_at
             FROM calendar_connections WHERE workspace_id = $1`, workspaceID).
			Scan(&conn.WorkspaceID, &accessToken, &refreshToken, &tokenExpiry, &conn.IsValid, &invalidReason, &conn.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("connection for workspace %s: %w", workspaceID, ErrNotFound)
		}
		if err != nil {
			return 0, fmt.Errorf("failed to load connection: %w", err)
		}
		return 1, nil
	})
	if err != nil {
		return nil, err
	}

	if conn.AccessToken, err = r.decrypter.Decrypt(ctx, accessToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if refreshToken.Valid {
		if conn.RefreshToken, err = r.decrypter.Decrypt(ctx, refreshToken.String); err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
	}
	conn.TokenExpiry = tokenExpiry.Time
	conn.InvalidReason = invalidReason.String
	return &conn, nil
}

func (r *PostgresConnectionRepository) MarkInvalid(ctx context.Context, workspaceID string, reason string) error {
	return withTransaction(ctx, r.db, "MarkConnectionInvalid", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE calendar_connections SET is_valid = false, invalid_reason = $1, updated_at = $2 WHERE workspace_id = $3`,
			nullString(reason), r.now(), workspaceID)
		if err != nil {
			return 0, fmt.Errorf("failed to invalidate connection: %w", err)
		}
		n, err := res.RowsAffected()
		return int(n), err
	})
}

// SaveToken stores a refreshed token. An empty refreshToken keeps the stored one.
// The validity flag is left alone.
func (r *PostgresConnectionRepository) SaveToken(ctx context.Context, workspaceID, accessToken, refreshToken string, expiry time.Time) error {
	if r.encrypter == nil {
		return ErrTokensReadOnly
	}
	sealedAccess, err := r.encrypter.Encrypt(ctx, accessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	var sealedRefresh string
	if refreshToken != "" {
		if sealedRefresh, err = r.encrypter.Encrypt(ctx, refreshToken); err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}

	return withTransaction(ctx, r.db, "SaveConnectionToken", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE calendar_connections
             SET access_token = $1, refresh_token = COALESCE($2, refresh_token), token_expiry = $3, updated_at = $4
             WHERE workspace_id = $5`,
			sealedAccess, nullString(sealedRefresh), nullTime(expiry), r.now(), workspaceID)
		if err != nil {
			return 0, fmt.Errorf("failed to save token: %w", err)
		}
		n, err := res.RowsAffected()
		return int(n), err
	})
}
