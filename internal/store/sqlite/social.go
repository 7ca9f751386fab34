package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/openagora/agora/internal/model"
	"github.com/openagora/agora/internal/store"
)

func (s *Store) CreateCommunity(ctx context.Context, c *model.Community) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO communities (name, visibility, creator_id, creator_type, created_at)
VALUES (?, ?, ?, ?, ?)
`, c.Name, string(c.Visibility), c.CreatorID, string(c.CreatorType), c.CreatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, store.ErrDuplicateName
		}
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) GetCommunity(ctx context.Context, id int64) (model.Community, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, visibility, creator_id, creator_type, created_at
FROM communities
WHERE id = ?
`, id)
	return scanCommunity(row)
}

func (s *Store) ListCommunities(ctx context.Context, limit int) ([]model.Community, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, visibility, creator_id, creator_type, created_at
FROM communities
ORDER BY created_at DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var communities []model.Community
	for rows.Next() {
		c, err := scanCommunity(rows)
		if err != nil {
			return nil, err
		}
		communities = append(communities, c)
	}
	return communities, rows.Err()
}

func scanCommunity(scanner interface{ Scan(dest ...any) error }) (model.Community, error) {
	var c model.Community
	var visibility, creatorType string
	var created int64
	if err := scanner.Scan(&c.ID, &c.Name, &visibility, &c.CreatorID, &creatorType, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Community{}, store.ErrNotFound
		}
		return model.Community{}, err
	}
	c.Visibility = model.Visibility(visibility)
	c.CreatorType = model.PrincipalType(creatorType)
	c.CreatedAt = time.Unix(created, 0)
	return c, nil
}

func (s *Store) UpsertMembership(ctx context.Context, m model.Membership) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO memberships (community_id, principal_id, principal_type, role, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(community_id, principal_id, principal_type) DO UPDATE SET role = excluded.role
`, m.CommunityID, m.PrincipalID, string(m.PrincipalType), m.Role.String(), m.CreatedAt.Unix())
	return err
}

func (s *Store) GetMembership(ctx context.Context, communityID, principalID int64, principalType model.PrincipalType) (model.Membership, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT community_id, principal_id, principal_type, role, created_at
FROM memberships
WHERE community_id = ? AND principal_id = ? AND principal_type = ?
`, communityID, principalID, string(principalType))
	var m model.Membership
	var ptype, role string
	var created int64
	if err := row.Scan(&m.CommunityID, &m.PrincipalID, &ptype, &role, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Membership{}, store.ErrNotFound
		}
		return model.Membership{}, err
	}
	m.PrincipalType = model.PrincipalType(ptype)
	parsed, err := model.ParseRole(role)
	if err != nil {
		return model.Membership{}, err
	}
	m.Role = parsed
	m.CreatedAt = time.Unix(created, 0)
	return m, nil
}

func (s *Store) DeleteMembership(ctx context.Context, communityID, principalID int64, principalType model.PrincipalType) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM memberships WHERE community_id = ? AND principal_id = ? AND principal_type = ?
`, communityID, principalID, string(principalType))
	return err
}

func (s *Store) CreateBan(ctx context.Context, b model.Ban) error {
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO bans (community_id, principal_id, principal_type, created_at)
VALUES (?, ?, ?, ?)
`, b.CommunityID, b.PrincipalID, string(b.PrincipalType), b.CreatedAt.Unix())
	return err
}

func (s *Store) DeleteBan(ctx context.Context, communityID, principalID int64, principalType model.PrincipalType) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM bans WHERE community_id = ? AND principal_id = ? AND principal_type = ?
`, communityID, principalID, string(principalType))
	return err
}

func (s *Store) HasBan(ctx context.Context, communityID, principalID int64, principalType model.PrincipalType) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM bans WHERE community_id = ? AND principal_id = ? AND principal_type = ?
`, communityID, principalID, string(principalType)).Scan(&n)
	return n > 0, err
}

func (s *Store) CreatePost(ctx context.Context, p *model.Post) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO posts (community_id, author_id, author_type, title, body, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, p.CommunityID, p.AuthorID, string(p.AuthorType), p.Title, nullIfEmpty(p.Body), p.CreatedAt.Unix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) ListPostsByCommunity(ctx context.Context, communityID int64, limit int) ([]model.Post, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, community_id, author_id, author_type, title, body, created_at
FROM posts
WHERE community_id = ?
ORDER BY created_at DESC
LIMIT ?
`, communityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []model.Post
	for rows.Next() {
		var p model.Post
		var authorType string
		var body sql.NullString
		var created int64
		if err := rows.Scan(&p.ID, &p.CommunityID, &p.AuthorID, &authorType, &p.Title, &body, &created); err != nil {
			return nil, err
		}
		p.AuthorType = model.PrincipalType(authorType)
		if body.Valid {
			p.Body = body.String
		}
		p.CreatedAt = time.Unix(created, 0)
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// IncrementBucket performs the atomic upsert-and-increment the rate limiter
// depends on. Stale windows are reset in the same statement so two
// concurrent callers can never both observe spare capacity.
func (s *Store) IncrementBucket(ctx context.Context, key, action string, windowSeconds, windowStart int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
INSERT INTO rate_buckets (bucket_key, action, window_seconds, window_start, count)
VALUES (?, ?, ?, ?, 1)
ON CONFLICT(bucket_key, action, window_seconds) DO UPDATE SET
	count = CASE WHEN rate_buckets.window_start = excluded.window_start THEN rate_buckets.count + 1 ELSE 1 END,
	window_start = excluded.window_start
RETURNING count
`, key, action, windowSeconds, windowStart).Scan(&count)
	return count, err
}

func (s *Store) CreateBlock(ctx context.Context, b model.BlockRelation) error {
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO blocks (blocker_id, blocker_type, blocked_id, blocked_type, created_at)
VALUES (?, ?, ?, ?, ?)
`, b.BlockerID, string(b.BlockerType), b.BlockedID, string(b.BlockedType), b.CreatedAt.Unix())
	return err
}

func (s *Store) DeleteBlock(ctx context.Context, blockerID int64, blockerType model.PrincipalType, blockedID int64, blockedType model.PrincipalType) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM blocks WHERE blocker_id = ? AND blocker_type = ? AND blocked_id = ? AND blocked_type = ?
`, blockerID, string(blockerType), blockedID, string(blockedType))
	return err
}

func (s *Store) HasBlock(ctx context.Context, blockerID int64, blockerType model.PrincipalType, blockedID int64, blockedType model.PrincipalType) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM blocks
WHERE blocker_id = ? AND blocker_type = ? AND blocked_id = ? AND blocked_type = ?
`, blockerID, string(blockerType), blockedID, string(blockedType)).Scan(&n)
	return n > 0, err
}

func (s *Store) HasBlockBetween(ctx context.Context, aID int64, aType model.PrincipalType, bID int64, bType model.PrincipalType) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM blocks
WHERE (blocker_id = ? AND blocker_type = ? AND blocked_id = ? AND blocked_type = ?)
   OR (blocker_id = ? AND blocker_type = ? AND blocked_id = ? AND blocked_type = ?)
`, aID, string(aType), bID, string(bType), bID, string(bType), aID, string(aType)).Scan(&n)
	return n > 0, err
}

func (s *Store) GetOrCreateConversation(ctx context.Context, a, b model.Identity) (model.Conversation, error) {
	aID, aType := a.Principal()
	bID, bType := b.Principal()
	// Canonical pair ordering keeps one row per pair regardless of who
	// messaged first.
	if bType < aType || (bType == aType && bID < aID) {
		aID, bID = bID, aID
		aType, bType = bType, aType
	}

	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO conversations (a_id, a_type, b_id, b_type, status, created_at)
VALUES (?, ?, ?, ?, 'pending', ?)
`, aID, string(aType), bID, string(bType), time.Now().Unix())
	if err != nil {
		return model.Conversation{}, err
	}

	row := s.db.QueryRowContext(ctx, `
SELECT id, a_id, a_type, b_id, b_type, status, created_at
FROM conversations
WHERE a_id = ? AND a_type = ? AND b_id = ? AND b_type = ?
`, aID, string(aType), bID, string(bType))
	return scanConversation(row)
}

func (s *Store) GetConversation(ctx context.Context, id int64) (model.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, a_id, a_type, b_id, b_type, status, created_at
FROM conversations
WHERE id = ?
`, id)
	return scanConversation(row)
}

func scanConversation(scanner interface{ Scan(dest ...any) error }) (model.Conversation, error) {
	var c model.Conversation
	var aType, bType, status string
	var created int64
	if err := scanner.Scan(&c.ID, &c.AID, &aType, &c.BID, &bType, &status, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Conversation{}, store.ErrNotFound
		}
		return model.Conversation{}, err
	}
	c.AType = model.PrincipalType(aType)
	c.BType = model.PrincipalType(bType)
	c.Status = model.ConversationStatus(status)
	c.CreatedAt = time.Unix(created, 0)
	return c, nil
}

func (s *Store) SetConversationStatus(ctx context.Context, id int64, status model.ConversationStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, m *model.Message) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO messages (conversation_id, sender_id, sender_type, body, created_at)
VALUES (?, ?, ?, ?, ?)
`, m.ConversationID, m.SenderID, string(m.SenderType), m.Body, m.CreatedAt.Unix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) ListMessages(ctx context.Context, conversationID int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, sender_id, sender_type, body, created_at
FROM messages
WHERE conversation_id = ?
ORDER BY created_at ASC
LIMIT ?
`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		var m model.Message
		var senderType string
		var created int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &senderType, &m.Body, &created); err != nil {
			return nil, err
		}
		m.SenderType = model.PrincipalType(senderType)
		m.CreatedAt = time.Unix(created, 0)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
