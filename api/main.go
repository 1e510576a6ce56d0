package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ferry/api/auth"
	"ferry/api/config"
	"ferry/api/consul"
	"ferry/api/events"
	"ferry/api/handler"
	"ferry/api/health"
	"ferry/api/hub"
	"ferry/api/nomad"
	"ferry/api/pipeline"
	"ferry/api/promotion"
	"ferry/api/provider"
	"ferry/api/registry"
	"ferry/api/rollback"
	"ferry/api/saga"
	"ferry/api/schema"
	"ferry/api/storage"
	"ferry/api/store"
	"ferry/api/store/memory"
)

var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	catalog, err := schema.LoadDir(cfg.MigrationsDir)
	if err != nil {
		log.Fatalf("migration catalog: %v", err)
	}
	log.Printf("loaded %d migrations from %s (latest %d)", len(catalog.All()), cfg.MigrationsDir, catalog.Latest())

	var checks []handler.Check

	var (
		st       store.Store
		sagaBase saga.Store
		executor schema.Executor
	)
	if cfg.InMemory() {
		log.Println("WARNING: FERRY_DATABASE_URL=memory, state is lost on restart")
		st = memory.New()
		sagaBase = saga.NewMemoryStore()
		executor = schema.NewMemoryExecutor(true)
	} else {
		db, err := store.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database: %v", err)
		}
		defer db.Close()
		if err := store.Migrate(context.Background(), db); err != nil {
			log.Fatalf("migration: %v", err)
		}
		st = db
		sagaBase = saga.NewPostgresStore(db.Pool)
		executor = schema.NewPostgresExecutor(db.Pool)
		checks = append(checks, handler.Check{Name: "postgres", Check: db.Healthy})
	}

	allowedOrigins := append([]string{"http://localhost:5173", "http://localhost:3000"}, cfg.AllowedOrigins...)
	ws := hub.New(allowedOrigins)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	go ws.Run(hubCtx)

	sinks := []saga.Sink{saga.NewBroadcastSink(ws)}
	if len(cfg.NotifyURLs) > 0 {
		sinks = append(sinks, saga.NewNotifySink(cfg.NotifyURLs))
		log.Printf("notifying %d hook(s) on deploy start and finish", len(cfg.NotifyURLs))
	}
	if len(cfg.KafkaBrokers) > 0 {
		ks, err := saga.NewKafkaSink(saga.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			log.Printf("WARNING: kafka audit stream unavailable (%v)", err)
		} else {
			sinks = append(sinks, ks)
			log.Printf("streaming saga events to kafka topic %s", cfg.KafkaTopic)
		}
	}
	sagas := saga.NewTee(sagaBase, sinks...)
	defer sagas.Close()

	nomadClient, err := nomad.NewClient(cfg.NomadAddr)
	if err != nil {
		log.Fatalf("nomad: %v", err)
	}
	checks = append(checks, handler.Check{Name: "nomad", Check: func(context.Context) error { return nomadClient.Healthy() }})
	compute := nomad.NewCompute(nomadClient, nomad.JobConfig{
		Datacenters:    cfg.NomadDatacenters,
		Driver:         cfg.NomadDriver,
		HealthyTimeout: cfg.HealthTimeout,
	})

	var prober provider.Prober
	if cfg.ProbeURL != "" {
		prober = &health.HTTPProber{URLTemplate: cfg.ProbeURL}
		log.Printf("probing environments at %s", cfg.ProbeURL)
	} else {
		consulClient, err := consul.NewClient(cfg.ConsulAddr)
		if err != nil {
			log.Fatalf("consul: %v (set FERRY_PROBE_URL to probe over HTTP instead)", err)
		}
		checks = append(checks, handler.Check{Name: "consul", Check: func(context.Context) error { return consulClient.Healthy() }})
		prober = consul.NewProber(consulClient)
	}

	artifacts := &storage.Artifacts{Builder: &storage.CommandBuilder{
		Command: cfg.BuildCommand,
		Dir:     cfg.BuildDir,
		Timeout: cfg.BuildTimeout,
	}}
	if cfg.S3Endpoint != "" {
		s3Client, err := storage.NewClient(storage.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			log.Printf("WARNING: S3 storage unavailable (%v), artifacts are not prefetched", err)
		} else {
			artifacts.Cache = storage.NewCache(s3Client, cfg.ArtifactCacheDir)
			checks = append(checks, handler.Check{Name: "s3", Check: s3Client.Healthy})
			log.Println("S3 artifact cache at " + cfg.S3Endpoint)
		}
	}

	var dedup events.Deduper
	if cfg.RedisAddr != "" {
		rd, err := events.NewRedisDeduper(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.DedupTTL)
		if err != nil {
			log.Printf("WARNING: redis unavailable (%v), deduplicating events in memory", err)
		} else {
			defer rd.Close()
			dedup = rd
		}
	}
	if dedup == nil {
		dedup = events.NewMemoryDeduper(cfg.DedupTTL)
	}

	coord := schema.NewCoordinator(catalog, executor, st)
	reg := registry.New(registry.Config{
		Store:            st,
		Sagas:            sagas,
		Compute:          compute,
		Schema:           coord,
		Gate:             registry.NewGate(cfg.MaxConcurrent),
		Hub:              ws,
		ProductionBranch: cfg.ProductionBranch,
	})
	if err := reg.Recover(context.Background()); err != nil {
		log.Printf("WARNING: recovering in-flight attempts: %v", err)
	}

	pipe := pipeline.New(pipeline.Config{
		Registry:      reg,
		Revisions:     st,
		Artifacts:     artifacts,
		Compute:       compute,
		Prober:        prober,
		Schema:        coord,
		HealthTimeout: cfg.HealthTimeout,
	})
	rb := rollback.New(rollback.Config{
		Registry:      reg,
		Revisions:     st,
		Fetcher:       artifacts,
		Compute:       compute,
		Prober:        prober,
		Schema:        coord,
		HealthTimeout: cfg.HealthTimeout,
		Budget:        cfg.RollbackBudget,
	})
	prom := promotion.New(promotion.Config{
		Registry:         reg,
		Pipeline:         pipe,
		Revisions:        st,
		ProductionBranch: cfg.ProductionBranch,
	})

	h := handler.New(handler.Deps{
		Registry:      reg,
		Pipeline:      pipe,
		Rollback:      rb,
		Promotion:     prom,
		Dispatcher:    events.NewDispatcher(reg, pipe, prom, dedup),
		Store:         st,
		Sagas:         sagas,
		Hub:           ws,
		WebhookSecret: cfg.WebhookSecret,
		Checks:        checks,
	})

	authn := &auth.Authenticator{
		Token:  cfg.APIToken,
		Public: []string{"/ws", "/metrics", "/api/health", "/api/version", "/api/webhooks/*"},
	}
	if cfg.OIDCCertsURL != "" {
		authn.Validator = auth.NewValidator(cfg.OIDCCertsURL, cfg.OIDCAudience, cfg.OIDCIssuer)
		log.Println("identity token auth enabled")
	}
	if cfg.APIToken != "" {
		log.Println("API token auth enabled")
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))
	r.Use(authn.Middleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"version": Version})
		})
		h.Routes(r)
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", ws.HandleConnect)

	if cfg.UIDir != "" {
		fileServer(r, cfg.UIDir)
	}

	srv := &http.Server{
		Addr:    cfg.BindAddr + ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		log.Printf("ferry %s listening on %s:%s (production branch %s)", Version, cfg.BindAddr, cfg.Port, cfg.ProductionBranch)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	if err := reg.Shutdown(ctx); err != nil {
		log.Printf("registry shutdown: %v", err)
	}
}

func fileServer(r chi.Router, dir string) {
	fs := http.FileServer(http.Dir(dir))
	r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		if _, err := os.Stat(dir + r.URL.Path); os.IsNotExist(err) {
			http.ServeFile(w, r, dir+"/index.html")
			return
		}
		fs.ServeHTTP(w, r)
	})
}
