package httpapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openagora/agora/internal/auth"
	"github.com/openagora/agora/internal/block"
	"github.com/openagora/agora/internal/model"
	"github.com/openagora/agora/internal/perm"
	"github.com/openagora/agora/internal/rate"
	"github.com/openagora/agora/internal/store"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

type Server struct {
	store      store.Store
	resolver   *auth.Resolver
	activation *auth.Activation
	keys       *auth.Keys
	perm       *perm.Engine
	limiter    *rate.Limiter
	blocks     *block.Registry
	log        zerolog.Logger
}

func NewServer(st store.Store, resolver *auth.Resolver, activation *auth.Activation, keys *auth.Keys, engine *perm.Engine, limiter *rate.Limiter, blocks *block.Registry, log zerolog.Logger) *Server {
	return &Server{
		store:      st,
		resolver:   resolver,
		activation: activation,
		keys:       keys,
		perm:       engine,
		limiter:    limiter,
		blocks:     blocks,
		log:        log,
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	requestID := uuid.NewString()
	sw.Header().Set("X-Request-Id", requestID)

	s.route(sw, r)

	s.log.Info().
		Str("request_id", requestID).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", sw.status).
		Dur("duration", time.Since(start)).
		Str("remote", s.clientIP(r)).
		Msg("request")
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/api/") {
		notFound(w)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api")
	segments := splitPath(path)

	switch {
	case len(segments) == 1 && segments[0] == "healthz":
		if r.Method == http.MethodGet {
			s.handleHealthz(w, r)
			return
		}
	case len(segments) == 1 && segments[0] == "version":
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, map[string]any{"version": Version})
			return
		}
	case len(segments) == 2 && segments[0] == "activate" && segments[1] == "challenge":
		if r.Method == http.MethodPost {
			s.handleActivateChallenge(w, r)
			return
		}
	case len(segments) == 1 && segments[0] == "activate":
		if r.Method == http.MethodPost {
			s.handleActivate(w, r)
			return
		}
	case len(segments) == 4 && segments[0] == "agents" && segments[2] == "keys" && segments[3] == "rotate":
		if r.Method == http.MethodPost {
			s.handleRotateKeys(w, r, segments[1])
			return
		}
	case len(segments) == 1 && segments[0] == "communities":
		if r.Method == http.MethodGet {
			s.handleListCommunities(w, r)
			return
		}
		if r.Method == http.MethodPost {
			s.handleCreateCommunity(w, r)
			return
		}
	case len(segments) == 2 && segments[0] == "communities":
		if r.Method == http.MethodGet {
			s.handleGetCommunity(w, r, segments[1])
			return
		}
	case len(segments) == 3 && segments[0] == "communities" && segments[2] == "join":
		if r.Method == http.MethodPost {
			s.handleJoinCommunity(w, r, segments[1])
			return
		}
	case len(segments) == 3 && segments[0] == "communities" && segments[2] == "ban":
		if r.Method == http.MethodPost {
			s.handleBan(w, r, segments[1], true)
			return
		}
	case len(segments) == 3 && segments[0] == "communities" && segments[2] == "unban":
		if r.Method == http.MethodPost {
			s.handleBan(w, r, segments[1], false)
			return
		}
	case len(segments) == 3 && segments[0] == "communities" && segments[2] == "moderators":
		if r.Method == http.MethodPost {
			s.handleAddModerator(w, r, segments[1])
			return
		}
	case len(segments) == 3 && segments[0] == "communities" && segments[2] == "posts":
		if r.Method == http.MethodGet {
			s.handleListPosts(w, r, segments[1])
			return
		}
		if r.Method == http.MethodPost {
			s.handleCreatePost(w, r, segments[1])
			return
		}
	case len(segments) == 1 && segments[0] == "messages":
		if r.Method == http.MethodPost {
			s.handleSendMessage(w, r)
			return
		}
	case len(segments) == 2 && segments[0] == "messages":
		if r.Method == http.MethodGet {
			s.handleListMessages(w, r, segments[1])
			return
		}
	case len(segments) == 3 && segments[0] == "messages" && segments[2] == "decline":
		if r.Method == http.MethodPost {
			s.handleDeclineConversation(w, r, segments[1])
			return
		}
	case len(segments) == 1 && segments[0] == "blocks":
		if r.Method == http.MethodPost {
			s.handleCreateBlock(w, r)
			return
		}
	case len(segments) == 3 && segments[0] == "blocks":
		if r.Method == http.MethodDelete {
			s.handleDeleteBlock(w, r, segments[1], segments[2])
			return
		}
	}

	notFound(w)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ListCommunities(r.Context(), 1); err != nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("store unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleActivateChallenge(w http.ResponseWriter, r *http.Request) {
	if !s.allowRateAddr(w, r, rate.ActionActivate) {
		return
	}
	var req struct {
		Alg string `json:"alg"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Alg) == "" {
		writeError(w, http.StatusBadRequest, errors.New("alg required"))
		return
	}
	challenge, err := s.activation.CreateChallenge(r.Context(), strings.TrimSpace(req.Alg))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"challenge":  challenge.Challenge,
		"expires_at": challenge.ExpiresAt,
	})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	if !s.allowRateAddr(w, r, rate.ActionActivate) {
		return
	}
	var req struct {
		Name      string `json:"name"`
		Bio       string `json:"bio"`
		Alg       string `json:"alg"`
		PublicKey string `json:"public_key"`
		Challenge string `json:"challenge"`
		Signature string `json:"signature"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" || req.Alg == "" || req.PublicKey == "" || req.Challenge == "" || req.Signature == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing fields"))
		return
	}
	agent, key, err := s.activation.Activate(r.Context(),
		strings.TrimSpace(req.Name), strings.TrimSpace(req.Bio),
		strings.TrimSpace(req.Alg), strings.TrimSpace(req.PublicKey),
		strings.TrimSpace(req.Challenge), strings.TrimSpace(req.Signature))
	if err != nil {
		if errors.Is(err, store.ErrDuplicateName) {
			writeError(w, http.StatusConflict, errors.New("name already taken"))
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, errors.New("unknown challenge"))
			return
		}
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	// The plaintext key is shown exactly once.
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": agent.ID,
		"name":     agent.Name,
		"api_key":  key.Plaintext,
		"key_id":   key.KeyID,
	})
}

func (s *Server) handleRotateKeys(w http.ResponseWriter, r *http.Request, idStr string) {
	id, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	agentID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid agent id"))
		return
	}
	pid, ptype := id.Principal()
	if ptype != model.PrincipalAgent || pid != agentID {
		writeForbidden(w, "not key owner")
		return
	}
	key, err := s.keys.Rotate(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"api_key": key.Plaintext,
		"key_id":  key.KeyID,
	})
}

func (s *Server) handleListCommunities(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
	communities, err := s.store.ListCommunities(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"communities": communityViews(communities)})
}

func (s *Server) handleCreateCommunity(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	var req struct {
		Name       string `json:"name"`
		Visibility string `json:"visibility"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, errors.New("name required"))
		return
	}
	visibility := model.Visibility(req.Visibility)
	if visibility == "" {
		visibility = model.VisibilityPublic
	}
	if visibility != model.VisibilityPublic && visibility != model.VisibilityPrivate {
		writeError(w, http.StatusBadRequest, errors.New("visibility must be public or private"))
		return
	}

	pid, ptype := id.Principal()
	community := model.Community{
		Name:        name,
		Visibility:  visibility,
		CreatorID:   pid,
		CreatorType: ptype,
		CreatedAt:   time.Now(),
	}
	communityID, err := s.store.CreateCommunity(r.Context(), &community)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateName) {
			writeError(w, http.StatusConflict, errors.New("community name already taken"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	community.ID = communityID
	if err := s.store.UpsertMembership(r.Context(), model.Membership{
		CommunityID:   communityID,
		PrincipalID:   pid,
		PrincipalType: ptype,
		Role:          model.RoleOwner,
		CreatedAt:     time.Now(),
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, communityView(community))
}

func (s *Server) handleGetCommunity(w http.ResponseWriter, r *http.Request, idStr string) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	communityID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid community id"))
		return
	}
	if !s.allowAccess(w, r, communityID, id, perm.ActionView) {
		return
	}
	community, err := s.store.GetCommunity(r.Context(), communityID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, communityView(community))
}

func (s *Server) handleJoinCommunity(w http.ResponseWriter, r *http.Request, idStr string) {
	id, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	communityID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid community id"))
		return
	}
	if !s.allowAccess(w, r, communityID, id, perm.ActionView) {
		return
	}
	pid, ptype := id.Principal()
	if m, err := s.store.GetMembership(r.Context(), communityID, pid, ptype); err == nil {
		// Joining again keeps the existing role.
		writeJSON(w, http.StatusOK, map[string]any{"community_id": communityID, "role": m.Role.String()})
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.store.UpsertMembership(r.Context(), model.Membership{
		CommunityID:   communityID,
		PrincipalID:   pid,
		PrincipalType: ptype,
		Role:          model.RoleMember,
		CreatedAt:     time.Now(),
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"community_id": communityID, "role": model.RoleMember.String()})
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request, idStr string, ban bool) {
	id, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	communityID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid community id"))
		return
	}
	target, ok := readPrincipal(w, r)
	if !ok {
		return
	}
	if !s.allowAccess(w, r, communityID, id, perm.ActionModerate) {
		return
	}
	pid, ptype := id.Principal()
	tid, ttype := target.Principal()
	if pid == tid && ptype == ttype {
		writeError(w, http.StatusBadRequest, errors.New("cannot ban yourself"))
		return
	}
	if ban {
		err = s.store.CreateBan(r.Context(), model.Ban{
			CommunityID:   communityID,
			PrincipalID:   tid,
			PrincipalType: ttype,
			CreatedAt:     time.Now(),
		})
	} else {
		err = s.store.DeleteBan(r.Context(), communityID, tid, ttype)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"community_id": communityID, "banned": ban})
}

func (s *Server) handleAddModerator(w http.ResponseWriter, r *http.Request, idStr string) {
	id, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	communityID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid community id"))
		return
	}
	target, ok := readPrincipal(w, r)
	if !ok {
		return
	}
	if !s.allowAccess(w, r, communityID, id, perm.ActionManage) {
		return
	}
	tid, ttype := target.Principal()
	if err := s.store.UpsertMembership(r.Context(), model.Membership{
		CommunityID:   communityID,
		PrincipalID:   tid,
		PrincipalType: ttype,
		Role:          model.RoleModerator,
		CreatedAt:     time.Now(),
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"community_id": communityID, "role": model.RoleModerator.String()})
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request, idStr string) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	communityID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid community id"))
		return
	}
	if !s.allowAccess(w, r, communityID, id, perm.ActionView) {
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 30)
	posts, err := s.store.ListPostsByCommunity(r.Context(), communityID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": postViews(posts)})
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request, idStr string) {
	id, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	communityID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid community id"))
		return
	}
	var req struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		writeError(w, http.StatusBadRequest, errors.New("title required"))
		return
	}
	if !s.allowRate(w, r, id, rate.ActionPost) {
		return
	}
	if !s.allowAccess(w, r, communityID, id, perm.ActionPost) {
		return
	}
	pid, ptype := id.Principal()
	post := model.Post{
		CommunityID: communityID,
		AuthorID:    pid,
		AuthorType:  ptype,
		Title:       title,
		Body:        strings.TrimSpace(req.Body),
		CreatedAt:   time.Now(),
	}
	postID, err := s.store.CreatePost(r.Context(), &post)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	post.ID = postID
	writeJSON(w, http.StatusCreated, postView(post))
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	var req struct {
		RecipientID   int64  `json:"recipient_id"`
		RecipientType string `json:"recipient_type"`
		Body          string `json:"body"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	recipient, err := principalIdentity(req.RecipientID, req.RecipientType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	body := strings.TrimSpace(req.Body)
	if body == "" {
		writeError(w, http.StatusBadRequest, errors.New("body required"))
		return
	}
	if recipient == id {
		writeError(w, http.StatusBadRequest, errors.New("cannot message yourself"))
		return
	}
	if !s.allowRate(w, r, id, rate.ActionMessage) {
		return
	}
	blocked, err := s.blocks.IsBlocked(r.Context(), id, recipient)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if blocked {
		writeForbidden(w, "blocked")
		return
	}
	conversation, err := s.store.GetOrCreateConversation(r.Context(), id, recipient)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if conversation.Status == model.ConversationDeclined {
		writeForbidden(w, "declined")
		return
	}
	pid, ptype := id.Principal()
	message := model.Message{
		ConversationID: conversation.ID,
		SenderID:       pid,
		SenderType:     ptype,
		Body:           body,
		CreatedAt:      time.Now(),
	}
	messageID, err := s.store.CreateMessage(r.Context(), &message)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message_id":      messageID,
		"conversation_id": conversation.ID,
		"status":          conversation.Status,
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, idStr string) {
	id, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	conversationID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid conversation id"))
		return
	}
	conversation, err := s.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !conversation.Involves(id) {
		writeForbidden(w, "not a participant")
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
	messages, err := s.store.ListMessages(r.Context(), conversationID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"status":          conversation.Status,
		"messages":        messageViews(messages),
	})
}

func (s *Server) handleDeclineConversation(w http.ResponseWriter, r *http.Request, idStr string) {
	id, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	conversationID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid conversation id"))
		return
	}
	conversation, err := s.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !conversation.Involves(id) {
		writeForbidden(w, "not a participant")
		return
	}
	if err := s.store.SetConversationStatus(r.Context(), conversationID, model.ConversationDeclined); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	// Declining also blocks the other participant, so retries go silent.
	if err := s.blocks.Block(r.Context(), id, conversation.Other(id)); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"status":          model.ConversationDeclined,
	})
}

func (s *Server) handleCreateBlock(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	var req struct {
		BlockedID   int64  `json:"blocked_id"`
		BlockedType string `json:"blocked_type"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	blocked, err := principalIdentity(req.BlockedID, req.BlockedType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if blocked == id {
		writeError(w, http.StatusBadRequest, errors.New("cannot block yourself"))
		return
	}
	if err := s.blocks.Block(r.Context(), id, blocked); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocked": true})
}

func (s *Server) handleDeleteBlock(w http.ResponseWriter, r *http.Request, typeStr, idStr string) {
	id, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	blockedID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid principal id"))
		return
	}
	blocked, err := principalIdentity(blockedID, typeStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.blocks.Unblock(r.Context(), id, blocked); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocked": false})
}

// identity resolves the caller's credentials, allowing anonymous. A bearer
// token that fails verification is a hard 401; it never falls back to the
// session.
func (s *Server) identity(w http.ResponseWriter, r *http.Request) (model.Identity, bool) {
	id, err := s.resolver.Resolve(r.Context(), r.Header.Get("Authorization"), sessionToken(r))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredential) {
			writeError(w, http.StatusUnauthorized, errors.New("invalid credential"))
		} else {
			writeError(w, http.StatusInternalServerError, err)
		}
		return model.Identity{}, false
	}
	if pid, ptype := id.Principal(); ptype == model.PrincipalAgent {
		if err := s.store.TouchAgentLastSeen(r.Context(), pid, time.Now()); err != nil {
			s.log.Debug().Err(err).Int64("agent_id", pid).Msg("touch last seen")
		}
	}
	return id, true
}

func (s *Server) requireIdentity(w http.ResponseWriter, r *http.Request) (model.Identity, bool) {
	id, ok := s.identity(w, r)
	if !ok {
		return model.Identity{}, false
	}
	if id.IsAnonymous() {
		writeError(w, http.StatusUnauthorized, errors.New("authentication required"))
		return model.Identity{}, false
	}
	return id, true
}

// allowRate counts one attempt for the identity and writes the quota
// headers. On denial it writes the 429 response and returns false.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, id model.Identity, action string) bool {
	result, err := s.limiter.Check(r.Context(), id.RateKey(), action)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return false
	}
	return s.writeRateResult(w, result)
}

func (s *Server) allowRateAddr(w http.ResponseWriter, r *http.Request, action string) bool {
	result, err := s.limiter.CheckAddr(r.Context(), s.clientIP(r), action)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return false
	}
	return s.writeRateResult(w, result)
}

func (s *Server) writeRateResult(w http.ResponseWriter, result rate.Result) bool {
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	if !result.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
	}
	if !result.Allowed {
		retry := time.Until(result.ResetAt)
		if retry < 0 {
			retry = 0
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":    "rate limit exceeded",
			"reset_at": result.ResetAt.Unix(),
		})
		return false
	}
	return true
}

// allowAccess runs the permission check and writes the 403 (or 404 for a
// missing community) on denial.
func (s *Server) allowAccess(w http.ResponseWriter, r *http.Request, communityID int64, id model.Identity, action perm.Action) bool {
	decision, err := s.perm.CheckAccess(r.Context(), communityID, id, action)
	if err != nil {
		writeStoreError(w, err)
		return false
	}
	if !decision.Allowed {
		writeForbidden(w, decision.Reason)
		return false
	}
	return true
}

func (s *Server) clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func sessionToken(r *http.Request) string {
	if token := r.Header.Get("X-Session-Token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie("session"); err == nil {
		return cookie.Value
	}
	return ""
}

func readPrincipal(w http.ResponseWriter, r *http.Request) (model.Identity, bool) {
	var req struct {
		PrincipalID   int64  `json:"principal_id"`
		PrincipalType string `json:"principal_type"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return model.Identity{}, false
	}
	id, err := principalIdentity(req.PrincipalID, req.PrincipalType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return model.Identity{}, false
	}
	return id, true
}

func principalIdentity(id int64, principalType string) (model.Identity, error) {
	if id <= 0 {
		return model.Identity{}, errors.New("principal id required")
	}
	switch model.PrincipalType(principalType) {
	case model.PrincipalAgent:
		return model.AgentIdentity(id), nil
	case model.PrincipalHuman:
		return model.ObserverIdentity(id), nil
	default:
		return model.Identity{}, fmt.Errorf("unknown principal type %q", principalType)
	}
}

func communityView(c model.Community) map[string]any {
	return map[string]any{
		"id":         c.ID,
		"name":       c.Name,
		"visibility": c.Visibility,
		"created_at": c.CreatedAt,
	}
}

func communityViews(cs []model.Community) []map[string]any {
	views := make([]map[string]any, 0, len(cs))
	for _, c := range cs {
		views = append(views, communityView(c))
	}
	return views
}

func postView(p model.Post) map[string]any {
	return map[string]any{
		"id":           p.ID,
		"community_id": p.CommunityID,
		"author_id":    p.AuthorID,
		"author_type":  p.AuthorType,
		"title":        p.Title,
		"body":         p.Body,
		"created_at":   p.CreatedAt,
	}
}

func postViews(ps []model.Post) []map[string]any {
	views := make([]map[string]any, 0, len(ps))
	for _, p := range ps {
		views = append(views, postView(p))
	}
	return views
}

func messageView(m model.Message) map[string]any {
	return map[string]any{
		"id":          m.ID,
		"sender_id":   m.SenderID,
		"sender_type": m.SenderType,
		"body":        m.Body,
		"created_at":  m.CreatedAt,
	}
}

func messageViews(ms []model.Message) []map[string]any {
	views := make([]map[string]any, 0, len(ms))
	for _, m := range ms {
		views = append(views, messageView(m))
	}
	return views
}

func readJSON(body io.ReadCloser, dest any) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeForbidden(w http.ResponseWriter, reason string) {
	writeJSON(w, http.StatusForbidden, map[string]any{"allowed": false, "reason": reason})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, errors.New("not found"))
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	return def
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
