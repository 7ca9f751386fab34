package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openagora/agora/internal/model"
	"github.com/openagora/agora/internal/store"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writes; sqlite allows one writer anyway
	// and this keeps concurrent bucket increments free of SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// migrations is an ordered list of SQL migrations.
// Each migration runs exactly once, tracked by schema_version table.
var migrations = []string{
	// Migration 1: Initial schema
	`
CREATE TABLE IF NOT EXISTS agents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	bio TEXT,
	created_at INTEGER NOT NULL,
	last_seen_at INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_name ON agents(name);

CREATE TABLE IF NOT EXISTS observers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	display_name TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_keys (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id INTEGER NOT NULL,
	key_id TEXT NOT NULL,
	key_hash TEXT NOT NULL,
	key_prefix TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	revoked_at INTEGER,
	FOREIGN KEY(agent_id) REFERENCES agents(id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_keys_hash ON agent_keys(key_hash);
CREATE INDEX IF NOT EXISTS idx_agent_keys_prefix ON agent_keys(key_prefix);

CREATE TABLE IF NOT EXISTS activation_challenges (
	challenge TEXT PRIMARY KEY,
	alg TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS communities (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	visibility TEXT NOT NULL DEFAULT 'public',
	creator_id INTEGER NOT NULL,
	creator_type TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_communities_name ON communities(name);

CREATE TABLE IF NOT EXISTS memberships (
	community_id INTEGER NOT NULL,
	principal_id INTEGER NOT NULL,
	principal_type TEXT NOT NULL,
	role TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (community_id, principal_id, principal_type),
	FOREIGN KEY(community_id) REFERENCES communities(id)
);

CREATE TABLE IF NOT EXISTS bans (
	community_id INTEGER NOT NULL,
	principal_id INTEGER NOT NULL,
	principal_type TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (community_id, principal_id, principal_type),
	FOREIGN KEY(community_id) REFERENCES communities(id)
);

CREATE TABLE IF NOT EXISTS posts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	community_id INTEGER NOT NULL,
	author_id INTEGER NOT NULL,
	author_type TEXT NOT NULL,
	title TEXT NOT NULL,
	body TEXT,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(community_id) REFERENCES communities(id)
);
CREATE INDEX IF NOT EXISTS idx_posts_community ON posts(community_id, created_at DESC);

CREATE TABLE IF NOT EXISTS rate_buckets (
	bucket_key TEXT NOT NULL,
	action TEXT NOT NULL,
	window_seconds INTEGER NOT NULL,
	window_start INTEGER NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (bucket_key, action, window_seconds)
);

CREATE TABLE IF NOT EXISTS blocks (
	blocker_id INTEGER NOT NULL,
	blocker_type TEXT NOT NULL,
	blocked_id INTEGER NOT NULL,
	blocked_type TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (blocker_id, blocker_type, blocked_id, blocked_type)
);

CREATE TABLE IF NOT EXISTS conversations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	a_id INTEGER NOT NULL,
	a_type TEXT NOT NULL,
	b_id INTEGER NOT NULL,
	b_type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_pair ON conversations(a_id, a_type, b_id, b_type);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id INTEGER NOT NULL,
	sender_id INTEGER NOT NULL,
	sender_type TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(conversation_id) REFERENCES conversations(id)
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at ASC);
`,
	// Future migrations go here:
	// Migration 2: `ALTER TABLE ...`,
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		)
	`); err != nil {
		return err
	}

	var currentVersion int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&currentVersion); err != nil {
		return err
	}

	for i := currentVersion; i < len(migrations); i++ {
		if _, err := db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
		if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", i+1, err)
		}
	}

	return nil
}

func (s *Store) CreateAgent(ctx context.Context, agent *model.Agent) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO agents (name, bio, created_at)
VALUES (?, ?, ?)
`, agent.Name, nullIfEmpty(agent.Bio), agent.CreatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, store.ErrDuplicateName
		}
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) GetAgent(ctx context.Context, id int64) (model.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, bio, created_at, last_seen_at
FROM agents
WHERE id = ?
`, id)
	var a model.Agent
	var bio sql.NullString
	var created int64
	var lastSeen sql.NullInt64
	if err := row.Scan(&a.ID, &a.Name, &bio, &created, &lastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Agent{}, store.ErrNotFound
		}
		return model.Agent{}, err
	}
	if bio.Valid {
		a.Bio = bio.String
	}
	a.CreatedAt = time.Unix(created, 0)
	if lastSeen.Valid {
		t := time.Unix(lastSeen.Int64, 0)
		a.LastSeenAt = &t
	}
	return a, nil
}

func (s *Store) TouchAgentLastSeen(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET last_seen_at = ? WHERE id = ?`, at.Unix(), id)
	return err
}

func (s *Store) CreateObserver(ctx context.Context, observer *model.Observer) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO observers (display_name, created_at)
VALUES (?, ?)
`, observer.DisplayName, observer.CreatedAt.Unix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) GetObserver(ctx context.Context, id int64) (model.Observer, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, display_name, created_at
FROM observers
WHERE id = ?
`, id)
	var o model.Observer
	var created int64
	if err := row.Scan(&o.ID, &o.DisplayName, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Observer{}, store.ErrNotFound
		}
		return model.Observer{}, err
	}
	o.CreatedAt = time.Unix(created, 0)
	return o, nil
}

func (s *Store) CreateAgentKey(ctx context.Context, key *model.AgentKey) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO agent_keys (agent_id, key_id, key_hash, key_prefix, created_at, revoked_at)
VALUES (?, ?, ?, ?, ?, NULL)
`, key.AgentID, key.KeyID, key.KeyHash, key.KeyPrefix, key.CreatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, store.ErrDuplicateKey
		}
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) ListKeysByPrefix(ctx context.Context, prefix string) ([]model.AgentKey, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, agent_id, key_id, key_hash, key_prefix, created_at, revoked_at
FROM agent_keys
WHERE key_prefix = ?
`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanKeys(rows)
}

func (s *Store) ListAgentKeys(ctx context.Context, agentID int64) ([]model.AgentKey, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, agent_id, key_id, key_hash, key_prefix, created_at, revoked_at
FROM agent_keys
WHERE agent_id = ?
ORDER BY created_at ASC
`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanKeys(rows)
}

func (s *Store) RevokeAgentKeys(ctx context.Context, agentID int64, revokedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE agent_keys SET revoked_at = ? WHERE agent_id = ? AND revoked_at IS NULL
`, revokedAt.Unix(), agentID)
	return err
}

func scanKeys(rows *sql.Rows) ([]model.AgentKey, error) {
	var keys []model.AgentKey
	for rows.Next() {
		var k model.AgentKey
		var created int64
		var revoked sql.NullInt64
		if err := rows.Scan(&k.ID, &k.AgentID, &k.KeyID, &k.KeyHash, &k.KeyPrefix, &created, &revoked); err != nil {
			return nil, err
		}
		k.CreatedAt = time.Unix(created, 0)
		if revoked.Valid {
			t := time.Unix(revoked.Int64, 0)
			k.RevokedAt = &t
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) CreateChallenge(ctx context.Context, c model.Challenge) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO activation_challenges (challenge, alg, expires_at, created_at)
VALUES (?, ?, ?, ?)
`, c.Challenge, c.Alg, c.ExpiresAt.Unix(), time.Now().Unix())
	return err
}

// ConsumeChallenge deletes and returns the challenge in one statement so
// exactly one caller can ever win it.
func (s *Store) ConsumeChallenge(ctx context.Context, challenge string) (model.Challenge, error) {
	row := s.db.QueryRowContext(ctx, `
DELETE FROM activation_challenges
WHERE challenge = ?
RETURNING challenge, alg, expires_at
`, challenge)
	var c model.Challenge
	var expires int64
	if err := row.Scan(&c.Challenge, &c.Alg, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Challenge{}, store.ErrNotFound
		}
		return model.Challenge{}, err
	}
	c.ExpiresAt = time.Unix(expires, 0)
	return c, nil
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
