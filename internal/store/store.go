package store

import (
	"context"
	"errors"
	"time"

	"github.com/openagora/agora/internal/model"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicateName = errors.New("duplicate name")
	ErrDuplicateKey  = errors.New("duplicate key")
)

type Store interface {
	AgentStore
	ObserverStore
	KeyStore
	ChallengeStore
	CommunityStore
	PostStore
	RateStore
	BlockStore
	MessageStore
	Close() error
}

type AgentStore interface {
	CreateAgent(ctx context.Context, agent *model.Agent) (int64, error)
	GetAgent(ctx context.Context, id int64) (model.Agent, error)
	TouchAgentLastSeen(ctx context.Context, id int64, at time.Time) error
}

type ObserverStore interface {
	CreateObserver(ctx context.Context, observer *model.Observer) (int64, error)
	GetObserver(ctx context.Context, id int64) (model.Observer, error)
}

type KeyStore interface {
	CreateAgentKey(ctx context.Context, key *model.AgentKey) (int64, error)
	// ListKeysByPrefix returns every key record sharing the prefix,
	// revoked ones included. Callers filter.
	ListKeysByPrefix(ctx context.Context, prefix string) ([]model.AgentKey, error)
	ListAgentKeys(ctx context.Context, agentID int64) ([]model.AgentKey, error)
	RevokeAgentKeys(ctx context.Context, agentID int64, revokedAt time.Time) error
}

type ChallengeStore interface {
	CreateChallenge(ctx context.Context, c model.Challenge) error
	ConsumeChallenge(ctx context.Context, challenge string) (model.Challenge, error)
}

type CommunityStore interface {
	CreateCommunity(ctx context.Context, c *model.Community) (int64, error)
	GetCommunity(ctx context.Context, id int64) (model.Community, error)
	ListCommunities(ctx context.Context, limit int) ([]model.Community, error)

	// UpsertMembership writes the principal's single membership row for the
	// community, replacing any previous role.
	UpsertMembership(ctx context.Context, m model.Membership) error
	GetMembership(ctx context.Context, communityID, principalID int64, principalType model.PrincipalType) (model.Membership, error)
	DeleteMembership(ctx context.Context, communityID, principalID int64, principalType model.PrincipalType) error

	CreateBan(ctx context.Context, b model.Ban) error
	DeleteBan(ctx context.Context, communityID, principalID int64, principalType model.PrincipalType) error
	HasBan(ctx context.Context, communityID, principalID int64, principalType model.PrincipalType) (bool, error)
}

type PostStore interface {
	CreatePost(ctx context.Context, p *model.Post) (int64, error)
	ListPostsByCommunity(ctx context.Context, communityID int64, limit int) ([]model.Post, error)
}

type RateStore interface {
	// IncrementBucket atomically bumps the counter for the bucket identified
	// by (key, action, windowSeconds), resetting it first if the stored
	// window is stale, and returns the post-increment count. This is the
	// only mutation path for rate buckets; callers must never read-then-write.
	IncrementBucket(ctx context.Context, key, action string, windowSeconds, windowStart int64) (int, error)
}

type BlockStore interface {
	// CreateBlock and DeleteBlock are idempotent.
	CreateBlock(ctx context.Context, b model.BlockRelation) error
	DeleteBlock(ctx context.Context, blockerID int64, blockerType model.PrincipalType, blockedID int64, blockedType model.PrincipalType) error
	// HasBlock answers the directional question: has blocker blocked blocked?
	HasBlock(ctx context.Context, blockerID int64, blockerType model.PrincipalType, blockedID int64, blockedType model.PrincipalType) (bool, error)
	// HasBlockBetween answers the bidirectional question.
	HasBlockBetween(ctx context.Context, aID int64, aType model.PrincipalType, bID int64, bType model.PrincipalType) (bool, error)
}

type MessageStore interface {
	GetOrCreateConversation(ctx context.Context, a, b model.Identity) (model.Conversation, error)
	GetConversation(ctx context.Context, id int64) (model.Conversation, error)
	SetConversationStatus(ctx context.Context, id int64, status model.ConversationStatus) error
	CreateMessage(ctx context.Context, m *model.Message) (int64, error)
	ListMessages(ctx context.Context, conversationID int64, limit int) ([]model.Message, error)
}
