package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-api/api"
	"board-api/cards"
	"board-api/config"
	"board-api/realtime"
	"board-api/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer b.close()

	store := b.store
	var relay realtime.Relay
	var fanout *realtime.RedisFanout
	if cfg.RedisConnection != "" {
		rc := redis.NewClient(redisOptions(cfg.RedisConnection))
		defer rc.Close()
		store = storage.NewCache(store, rc, cfg.CardsCacheTTL)
		fanout = realtime.NewRedisFanout(rc, cfg.RealtimeChannel, logger)
		relay = fanout
	}

	auth, err := newAuth(cfg.Auth)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	svc := cards.New(store, b.audit, cards.WithLogger(logger), cards.WithMoveRetries(cfg.MoveRetries))
	roles := storage.NewRoles(b.members)

	dedup, err := realtime.NewDedupCache(cfg.DedupCapacity)
	if err != nil {
		log.Fatalf("dedup: %v", err)
	}
	hub := realtime.NewHub(relay, logger)
	if fanout != nil {
		go fanout.Run(ctx, func(workspaceID, exclude string, frame []byte) {
			hub.Deliver(workspaceID, exclude, frame)
		})
	}
	status := realtime.NewStatusSender(b.status, realtime.StatusOptions{
		Workers: cfg.StatusWorkers,
		Buffer:  cfg.StatusBuffer,
		Timeout: cfg.StatusTimeout,
	}, logger)
	defer status.Close()
	coord := realtime.NewCoordinator(svc, dedup, hub,
		realtime.WithRoles(roles),
		realtime.WithStatus(status),
		realtime.WithLogger(logger),
	)

	deps := api.Deps{
		Cards:    svc,
		Auth:     auth,
		Roles:    roles,
		Realtime: coord,
		Upgrader: realtime.NewUpgrader(),
	}
	if cfg.S3.Bucket != "" {
		presigner, err := storage.NewImagePresigner(ctx, storage.S3Config(cfg.S3))
		if err != nil {
			log.Fatalf("s3: %v", err)
		}
		deps.Uploads = presigner
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(api.CORS())
	e.Use(api.GzipRequestMiddleware())
	api.Register(e, deps, logger)

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("server stopped")
			stop()
		}
	}()
	logger.WithFields(log.Fields{"addr": cfg.ListenAddr, "backend": cfg.Backend}).Info("board api listening")

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown")
	}
}

type backend struct {
	store   cards.Store
	audit   cards.AuditSink
	members storage.MemberStore
	status  realtime.StatusStore
	db      *sql.DB
}

func (b *backend) close() {
	if b.db != nil {
		_ = b.db.Close()
	}
}

func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	b := &backend{}
	switch cfg.Backend {
	case config.BackendMemory:
		mem := storage.NewMemory()
		b.store, b.audit, b.status = mem, mem, mem
	case config.BackendTables:
		t, err := storage.NewTables(cfg.ConnectionString, storage.TableNames{
			Cards:   cfg.CardsTable,
			Audit:   cfg.AuditTable,
			Users:   cfg.UsersTable,
			Members: cfg.MembersTable,
		})
		if err != nil {
			return nil, err
		}
		b.store, b.status = t, t
		if t.HasAudit() {
			b.audit = t
		}
		if t.HasMembers() {
			b.members = t
		}
	case config.BackendPostgres:
		pg, db, err := storage.OpenPostgres(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		b.store, b.audit, b.members, b.status, b.db = pg, pg, pg, pg, db
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if cfg.AuditQueue != "" {
		q, err := storage.NewQueueAudit(cfg.ConnectionString, cfg.AuditQueue)
		if err != nil {
			b.close()
			return nil, err
		}
		b.audit = q
	}
	if b.audit == nil {
		return nil, errors.New("missing audit config: set AUDIT_TABLE or AUDIT_QUEUE")
	}
	return b, nil
}

func newAuth(cfg config.AuthConfig) (*api.Auth, error) {
	if cfg.TestMode {
		return api.NewAuth(nil, api.AuthOptions{TestSecret: []byte(cfg.TestSecret)}), nil
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{RefreshInterval: cfg.KeyCacheTTL})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, api.AuthOptions{
		Audience:    cfg.Audience,
		Issuer:      "https://" + cfg.Domain + "/",
		KeyCacheTTL: cfg.KeyCacheTTL,
	}), nil
}

// redisOptions accepts a redis:// URL or the Azure style
// "host:port,password=...,ssl=True" connection string.
func redisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
