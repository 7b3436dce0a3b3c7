package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme/autocert"

	"github.com/fleetwire/fleetwire/config"
	"github.com/fleetwire/fleetwire/manager"
	"github.com/fleetwire/fleetwire/manager/store"
)

var (
	configPath = flag.String("config", os.Getenv("FLEETWIRE_CONFIG"), "path to config file (yaml)")
	httpAddr   = flag.String("http-addr", "", "http listen address (overrides config)")
	debug      = flag.Bool("debug", false, "enable debug logging")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}
	if *httpAddr != "" {
		cfg.Server.HTTPAddr = *httpAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid config: ", err)
	}

	setupLogging(cfg, *debug || cfg.Server.Debug)

	db, err := store.NewSqlStore(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatal("failed to open database: ", err)
	}

	prefix, err := cfg.NetworkPrefix()
	if err != nil {
		log.Fatal("failed to parse network prefix: ", err)
	}

	ipam, err := manager.NewIPAM(prefix, cfg.ReservedAddresses(), db)
	if err != nil {
		log.Fatal("failed to initialize ipam: ", err)
	}

	sealSecret, err := cfg.KeySealSecret()
	if err != nil {
		log.Fatal(err)
	}
	keys, err := manager.NewKeyService(sealSecret)
	if err != nil {
		log.Fatal("failed to initialize key service: ", err)
	}

	creds, err := manager.NewDeviceCredentials(
		[]byte(cfg.Secrets.CredentialSigningKey),
		[]byte(cfg.Secrets.CredentialHashSalt),
	)
	if err != nil {
		log.Fatal("failed to initialize device credentials: ", err)
	}

	// The shared fast store is optional: without it presence degrades to
	// unknown and rate limiting falls back to a per-instance window.
	var rdb *redis.Client
	var limiter manager.RateLimiter
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis unreachable, presence will degrade until it recovers: ", err)
		}
		cancel()
		limiter = manager.NewRedisRateLimiter(rdb, cfg.Enrollment.RateLimit, cfg.Enrollment.RateWindow)
	} else {
		log.Info("redis disabled, running with local rate limiting and no presence")
		limiter = manager.NewMemoryRateLimiter(cfg.Enrollment.RateLimit, cfg.Enrollment.RateWindow)
	}
	presence := manager.NewPresenceStore(rdb, cfg.Presence.TTL)

	var journal *manager.Journal
	if cfg.Journal.Path != "" {
		journal, err = manager.OpenJournal(cfg.Journal.Path)
		if err != nil {
			log.Fatal("failed to open event journal: ", err)
		}
		defer journal.Close()
	}

	hub := manager.NewHub(rdb, journal)

	m := manager.NewManager(db, ipam, keys, creds, presence, hub, limiter, manager.Options{
		CodeTTL:        cfg.Enrollment.CodeTTL,
		DeepLinkScheme: cfg.Enrollment.DeepLinkScheme,
		DeepLinkHost:   cfg.Enrollment.DeepLinkHost,
		WG: manager.WGConfig{
			ServerPublicKey:     cfg.WireGuard.ServerPublicKey,
			Endpoint:            cfg.WireGuard.Endpoint,
			DNS:                 cfg.WireGuard.DNS,
			AllowedIPs:          cfg.WireGuard.AllowedIPs,
			PersistentKeepalive: cfg.WireGuard.PersistentKeepalive,
		},
	})

	s := manager.NewServer(m, cfg.Server.AdminToken)

	ln, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		log.Fatal("failed to listen for http: ", err)
	}

	httpSrv := &http.Server{
		Handler: s,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go hub.Run(ctx)

	if ac := tryEnableAutocert(cfg); ac != nil {
		httpSrv.TLSConfig = ac.TLSConfig()
		go func() {
			if err := httpSrv.ServeTLS(ln, "", ""); !errors.Is(err, http.ErrServerClosed) {
				log.Fatal(err)
			}
		}()
	} else {
		go func() {
			if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal(err)
			}
		}()
	}

	log.Info("fleetwired started successfully")
	log.Info("http listening on ", ln.Addr())

	<-ctx.Done()
	log.Info("shutting down")

	cancelCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Second*10)
	defer cancelShutdown()

	_ = httpSrv.Shutdown(cancelCtx)
	_ = db.Close()
	if rdb != nil {
		_ = rdb.Close()
	}
}

func setupLogging(cfg *config.Config, debug bool) {
	if cfg.Logging.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	level, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = log.InfoLevel
	}
	if debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)
}

func tryEnableAutocert(cfg *config.Config) *autocert.Manager {
	if cfg.Server.AutocertDomain == "" {
		return nil
	}
	if cfg.Server.AutocertEmail == "" {
		log.Warn("cannot enable autocert: server.autocert_email is not set")
		return nil
	}
	if cfg.Server.AutocertCacheDir == "" {
		log.Warn("autocert cache directory defaulting to /tmp - set server.autocert_cache_dir")
	}
	return &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.Server.AutocertDomain),
		Cache:      autocert.DirCache(cfg.Server.AutocertCacheDir),
		Email:      cfg.Server.AutocertEmail,
	}
}
