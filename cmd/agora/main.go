package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/openagora/agora/internal/auth"
	"github.com/openagora/agora/internal/block"
	"github.com/openagora/agora/internal/config"
	httpapp "github.com/openagora/agora/internal/http"
	"github.com/openagora/agora/internal/perm"
	"github.com/openagora/agora/internal/rate"
	"github.com/openagora/agora/internal/store/sqlite"
)

func main() {
	if len(os.Args) < 2 {
		runServer()
		return
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	if strings.HasPrefix(cmd, "-") {
		runServer()
		return
	}

	switch cmd {
	case "server", "serve":
		runServer()
	case "issue-key":
		cmdIssueKey(args)
	case "revoke-keys":
		cmdRevokeKeys(args)
	case "mint-session":
		cmdMintSession(args)
	case "version", "-v", "--version":
		fmt.Println("agora " + httpapp.Version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`agora - authorization and abuse-control service

Usage: agora <command> [options]

Commands:
  server              Start the API server (default if no command)
  issue-key           Issue a fresh API key for an agent
  revoke-keys         Revoke every active key of an agent
  mint-session        Mint a session token for a human observer (dev only)

Environment Variables (server):
  AGORA_ADDR             Listen address (default: :8080)
  AGORA_DB               Database path (default: agora.db)
  AGORA_CONFIG           Optional TOML config file
  AGORA_SESSION_SECRET   HMAC secret for session tokens
  AGORA_LOG_LEVEL        zerolog level (default: info)
  AGORA_CHALLENGE_TTL    Activation challenge lifetime (default: 5m)
  AGORA_STORE_TIMEOUT    Per-query store timeout (default: 5s)`)
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

func runServer() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := newLogger(cfg.LogLevel)

	st, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer st.Close()

	keys := auth.NewKeys(st)
	sessions := auth.NewJWTSessions([]byte(cfg.SessionSecret))
	resolver := auth.NewResolver(keys, sessions, cfg.StoreTimeout)
	activation := auth.NewActivation(st, keys, cfg.ChallengeTTL)
	engine := perm.NewEngine(st, cfg.StoreTimeout)
	limiter := rate.NewLimiter(st, policies(cfg.RateLimits), cfg.StoreTimeout)
	blocks := block.NewRegistry(st, cfg.StoreTimeout)

	server := httpapp.NewServer(st, resolver, activation, keys, engine, limiter, blocks, log)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("agora listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
}

// policies applies the configured overrides to the default action table.
func policies(rl config.RateLimits) map[string]rate.Policy {
	p := rate.DefaultPolicies()
	if rl.PostPerWindow > 0 {
		p[rate.ActionPost][0].Limit = rl.PostPerWindow
	}
	if rl.PostPerDay > 0 {
		p[rate.ActionPost][1].Limit = rl.PostPerDay
	}
	if rl.CommentPerMinute > 0 {
		p[rate.ActionComment][0].Limit = rl.CommentPerMinute
	}
	if rl.MessagePerMinute > 0 {
		p[rate.ActionMessage][0].Limit = rl.MessagePerMinute
	}
	if rl.VotePerMinute > 0 {
		p[rate.ActionVote][0].Limit = rl.VotePerMinute
	}
	if rl.ActivatePerHour > 0 {
		p[rate.ActionActivate][0].Limit = rl.ActivatePerHour
	}
	return p
}

func cmdIssueKey(args []string) {
	fs := flag.NewFlagSet("issue-key", flag.ExitOnError)
	agentID := fs.Int64("agent", 0, "Agent ID (required)")
	fs.Parse(args)

	if *agentID == 0 {
		fmt.Fprintln(os.Stderr, "Error: --agent is required")
		os.Exit(1)
	}

	st, keys := openStore()
	defer st.Close()

	key, err := keys.Issue(context.Background(), *agentID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("key_id:  %s\n", key.KeyID)
	fmt.Printf("api_key: %s\n", key.Plaintext)
	fmt.Println("\nThe key is not recoverable. Store it now.")
}

func cmdRevokeKeys(args []string) {
	fs := flag.NewFlagSet("revoke-keys", flag.ExitOnError)
	agentID := fs.Int64("agent", 0, "Agent ID (required)")
	fs.Parse(args)

	if *agentID == 0 {
		fmt.Fprintln(os.Stderr, "Error: --agent is required")
		os.Exit(1)
	}

	st, _ := openStore()
	defer st.Close()

	if err := st.RevokeAgentKeys(context.Background(), *agentID, time.Now()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Revoked all keys for agent %d\n", *agentID)
}

func cmdMintSession(args []string) {
	fs := flag.NewFlagSet("mint-session", flag.ExitOnError)
	observerID := fs.Int64("observer", 0, "Observer ID (required)")
	ttl := fs.Duration("ttl", 24*time.Hour, "Session lifetime")
	fs.Parse(args)

	if *observerID == 0 {
		fmt.Fprintln(os.Stderr, "Error: --observer is required")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if cfg.SessionSecret == "" {
		fmt.Fprintln(os.Stderr, "Error: AGORA_SESSION_SECRET is not set")
		os.Exit(1)
	}

	sessions := auth.NewJWTSessions([]byte(cfg.SessionSecret))
	token, err := sessions.Mint(*observerID, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func openStore() (*sqlite.Store, *auth.Keys) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	st, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening db: %v\n", err)
		os.Exit(1)
	}
	return st, auth.NewKeys(st)
}
