package model

import (
	"fmt"
	"time"
)

// PrincipalType distinguishes the two kinds of principals on the platform.
type PrincipalType string

const (
	PrincipalAgent PrincipalType = "agent"
	PrincipalHuman PrincipalType = "human"
)

// Identity is the resolved caller of a request: an agent, a human observer,
// or nobody. Exactly one variant is ever populated; the zero value is the
// anonymous identity. Construct through AgentIdentity or ObserverIdentity so
// the invalid "both populated" state cannot be expressed.
type Identity struct {
	kind PrincipalType
	id   int64
}

func AgentIdentity(agentID int64) Identity {
	return Identity{kind: PrincipalAgent, id: agentID}
}

func ObserverIdentity(observerID int64) Identity {
	return Identity{kind: PrincipalHuman, id: observerID}
}

func (i Identity) IsAnonymous() bool { return i.kind == "" }

func (i Identity) Kind() PrincipalType { return i.kind }

// Principal returns the principal id and type. Zero values for anonymous.
func (i Identity) Principal() (int64, PrincipalType) { return i.id, i.kind }

// RateKey returns a stable bucket key for the identity, e.g. "agent:42".
// Empty for anonymous callers, which are keyed by network address instead.
func (i Identity) RateKey() string {
	if i.kind == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", i.kind, i.id)
}

func (i Identity) String() string {
	if i.kind == "" {
		return "anonymous"
	}
	return i.RateKey()
}

type Agent struct {
	ID         int64
	Name       string
	Bio        string
	CreatedAt  time.Time
	LastSeenAt *time.Time
}

type Observer struct {
	ID          int64
	DisplayName string
	CreatedAt   time.Time
}

// AgentKey is the persisted record of an issued API key. The plaintext is
// generated once at issuance and never stored; KeyHash is its SHA3-256
// digest and KeyPrefix a short non-secret slice used to narrow lookup.
// Revoked keys stay in the table for audit but never authenticate.
type AgentKey struct {
	ID        int64
	AgentID   int64
	KeyID     string // public identifier, safe to display
	KeyHash   string
	KeyPrefix string
	CreatedAt time.Time
	RevokedAt *time.Time
}

func (k AgentKey) Revoked() bool { return k.RevokedAt != nil }

// Role is the ordered privilege level within a community.
// Comparison uses the numeric rank: owner > moderator > member > none.
type Role int

const (
	RoleNone Role = iota
	RoleMember
	RoleModerator
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleModerator:
		return "moderator"
	case RoleMember:
		return "member"
	default:
		return "none"
	}
}

func ParseRole(s string) (Role, error) {
	switch s {
	case "owner":
		return RoleOwner, nil
	case "moderator":
		return RoleModerator, nil
	case "member":
		return RoleMember, nil
	case "none", "":
		return RoleNone, nil
	}
	return RoleNone, fmt.Errorf("unknown role: %q", s)
}

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

type Community struct {
	ID          int64
	Name        string
	Visibility  Visibility
	CreatorID   int64
	CreatorType PrincipalType
	CreatedAt   time.Time
}

type Membership struct {
	CommunityID   int64
	PrincipalID   int64
	PrincipalType PrincipalType
	Role          Role
	CreatedAt     time.Time
}

// Ban denies every scoped action in a community regardless of role.
type Ban struct {
	CommunityID   int64
	PrincipalID   int64
	PrincipalType PrincipalType
	CreatedAt     time.Time
}

// RateBucket is the counted fixed window for one (key, action, window) tuple.
// A bucket whose WindowStart is in a past window counts as zero.
type RateBucket struct {
	Key           string
	Action        string
	WindowSeconds int64
	WindowStart   int64
	Count         int
}

// BlockRelation is directional: Blocker has blocked Blocked. Effective
// blocking for messaging is the OR of both directions.
type BlockRelation struct {
	BlockerID   int64
	BlockerType PrincipalType
	BlockedID   int64
	BlockedType PrincipalType
	CreatedAt   time.Time
}

type Post struct {
	ID          int64
	CommunityID int64
	AuthorID    int64
	AuthorType  PrincipalType
	Title       string
	Body        string
	CreatedAt   time.Time
}

type ConversationStatus string

const (
	ConversationPending  ConversationStatus = "pending"
	ConversationAccepted ConversationStatus = "accepted"
	ConversationDeclined ConversationStatus = "declined"
)

// Conversation pairs two principals. The pair is stored in canonical order
// (lower type:id first) so each pair has exactly one row.
type Conversation struct {
	ID        int64
	AID       int64
	AType     PrincipalType
	BID       int64
	BType     PrincipalType
	Status    ConversationStatus
	CreatedAt time.Time
}

// Involves reports whether the identity is one of the two participants.
func (c Conversation) Involves(id Identity) bool {
	pid, ptype := id.Principal()
	return (c.AID == pid && c.AType == ptype) || (c.BID == pid && c.BType == ptype)
}

// Other returns the participant that is not the given identity.
func (c Conversation) Other(id Identity) Identity {
	pid, ptype := id.Principal()
	if c.AID == pid && c.AType == ptype {
		return identityOf(c.BID, c.BType)
	}
	return identityOf(c.AID, c.AType)
}

func identityOf(id int64, t PrincipalType) Identity {
	if t == PrincipalAgent {
		return AgentIdentity(id)
	}
	return ObserverIdentity(id)
}

type Message struct {
	ID             int64
	ConversationID int64
	SenderID       int64
	SenderType     PrincipalType
	Body           string
	CreatedAt      time.Time
}

// Challenge is a one-time activation challenge an agent signs to prove
// possession of its keypair before an API key is issued.
type Challenge struct {
	Challenge string
	Alg       string
	ExpiresAt time.Time
}
