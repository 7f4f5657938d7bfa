package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrCredentialNotFound is returned by Get when no row matches key.
var ErrCredentialNotFound = errors.New("credential not found")

// credentialRecord is one row of either oauth_tokens or dcr_clients: an
// opaque base64/JSON secret keyed the same way the teacher's
// docker-credential-helpers.Credentials triple (ServerURL/Username/Secret)
// was, so pkg/oauth's token and DCR-client marshaling code needed no
// reshaping to move off the system keychain.
type credentialRecord struct {
	Key        string `db:"key"`
	ServerName string `db:"server_name"`
	Username   string `db:"username"`
	Secret     string `db:"secret"`
}

// SaveOAuthToken upserts an encoded OAuth token for (key, serverName).
func (s *Store) SaveOAuthToken(ctx context.Context, key, serverName, username, secret string) error {
	return s.putCredential(ctx, "oauth_tokens", key, serverName, username, secret)
}

// GetOAuthToken retrieves an encoded OAuth token, or ErrCredentialNotFound.
func (s *Store) GetOAuthToken(ctx context.Context, key string) (username, secret string, err error) {
	return s.getCredential(ctx, "oauth_tokens", key)
}

// DeleteOAuthToken removes a stored OAuth token.
func (s *Store) DeleteOAuthToken(ctx context.Context, key string) error {
	return s.deleteCredential(ctx, "oauth_tokens", key)
}

// SaveDCRClient upserts an encoded DCR client registration for (key, serverName).
func (s *Store) SaveDCRClient(ctx context.Context, key, serverName, username, secret string) error {
	return s.putCredential(ctx, "dcr_clients", key, serverName, username, secret)
}

// GetDCRClient retrieves an encoded DCR client registration, or ErrCredentialNotFound.
func (s *Store) GetDCRClient(ctx context.Context, key string) (username, secret string, err error) {
	return s.getCredential(ctx, "dcr_clients", key)
}

// DeleteDCRClient removes a stored DCR client registration.
func (s *Store) DeleteDCRClient(ctx context.Context, key string) error {
	return s.deleteCredential(ctx, "dcr_clients", key)
}

// ListDCRClients returns key -> serverName for every stored DCR client
// (mirrors credentials.Helper.List's serverURL -> username shape, adapted
// to return the server name instead since that's what every caller needs).
func (s *Store) ListDCRClients(ctx context.Context) (map[string]string, error) {
	return s.listCredentials(ctx, "dcr_clients")
}

func (s *Store) putCredential(ctx context.Context, table, key, serverName, username, secret string) error {
	query := `
		INSERT INTO ` + table + ` (key, server_name, username, secret, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT(key) DO UPDATE SET
			server_name = excluded.server_name,
			username = excluded.username,
			secret = excluded.secret,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, key, serverName, username, secret, time.Now())
	return err
}

func (s *Store) getCredential(ctx context.Context, table, key string) (username, secret string, err error) {
	query := `SELECT key, server_name, username, secret FROM ` + table + ` WHERE key = $1`
	var row credentialRecord
	if err := s.db.GetContext(ctx, &row, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", ErrCredentialNotFound
		}
		return "", "", err
	}
	return row.Username, row.Secret, nil
}

func (s *Store) deleteCredential(ctx context.Context, table, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE key = $1`, key)
	return err
}

func (s *Store) listCredentials(ctx context.Context, table string) (map[string]string, error) {
	var rows []credentialRecord
	query := `SELECT key, server_name, username, secret FROM ` + table
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.ServerName
	}
	return out, nil
}
