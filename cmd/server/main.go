package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/apex-engine/internal/api"
	"github.com/technosupport/apex-engine/internal/config"
	"github.com/technosupport/apex-engine/internal/correlate"
	"github.com/technosupport/apex-engine/internal/data"
	"github.com/technosupport/apex-engine/internal/detect"
	"github.com/technosupport/apex-engine/internal/ingest"
	"github.com/technosupport/apex-engine/internal/live"
	"github.com/technosupport/apex-engine/internal/pipeline"
	"github.com/technosupport/apex-engine/internal/publish"
	"github.com/technosupport/apex-engine/internal/stream"
	"github.com/technosupport/apex-engine/internal/tokens"
)

const serviceName = "Apex-Engine"

// Exit codes for the standalone runner.
const (
	exitOK              = 0
	exitBadConfig       = 2
	exitEngineInvariant = 3
	exitDetectorInit    = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "config/default.yaml", "path to config file")
	flag.Parse()

	// 1. Config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Printf("[Main] %v", err)
		return exitBadConfig
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// 2. Publisher + engine
	pub := publish.NewPublisher(cfg.Events.QueueDepth)
	pub.StartJanitor(rootCtx)

	engine, err := correlate.NewEngine(cfg.EngineConfig(), publish.EngineSink{Pub: pub})
	if err != nil {
		log.Printf("[Main] Engine config rejected: %v", err)
		return exitBadConfig
	}
	for _, r := range cfg.Relationships {
		if err := engine.RegisterRelationship(r.ToModel()); err != nil {
			log.Printf("[Main] Relationship rejected: %v", err)
			return exitBadConfig
		}
	}
	engine.StartSweeper(rootCtx)

	// 3. Detector
	detector, err := detect.NewService(cfg.DetectorConfig())
	if err != nil {
		log.Printf("[Main] Detector init failed: %v", err)
		return exitDetectorInit
	}

	// 4. Redis (latest-threat cache). Optional: without it the dashboard
	// loses the polling surface but the event stream still works.
	var latest *live.Service
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := rdb.Ping(rootCtx).Err(); err != nil {
			log.Printf("[Main] Warning: Redis unreachable (%v), threat cache disabled", err)
		} else {
			latest = live.NewService(rdb)
			log.Printf("[Main] Connected to Redis at %s", redisAddr)
		}
	}

	// 5. Pipeline
	poolSize := 0
	if cfg.Detector.Mode == "pool" {
		poolSize = cfg.Detector.PoolSize
	}
	pipe := pipeline.New(detector, engine, pub, latest, poolSize)
	if poolSize > 0 {
		pipe.StartPool(rootCtx, poolSize)
	}

	// 6. Stream manager
	factory := func(c stream.CameraConfig) (stream.Source, error) {
		// synthetic:// sources feed the demo topology and soak tests.
		if strings.HasPrefix(c.SourceURL, "synthetic:") {
			return &stream.SyntheticSource{Cfg: c}, nil
		}
		return stream.NewFFmpegSource(c)
	}
	manager := stream.NewManager(cfg.WorkerDefaults(), factory, pipe.WorkerStatusFunc(), func(w *stream.Worker) {
		pipe.AttachWorker(rootCtx, w)
	})

	// 7. NATS: event fanout + external observation ingest. Optional.
	var natsIngest *ingest.Subscriber
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = nats.DefaultURL
	}
	nc, err := nats.Connect(natsURL, nats.Name(serviceName))
	if err != nil {
		log.Printf("[Main] Warning: NATS connect failed: %v. Bus fanout and external ingest disabled.", err)
	} else {
		defer nc.Close()
		pub.Subscribe(nil, publish.NewNATSSink(nc, cfg.Events.NATSPrefix, cfg.Events.NATSRetries))
		if cfg.Ingest.Enabled {
			natsIngest, err = ingest.Start(rootCtx, nc, cfg.Ingest.NATSSubject, pipe)
			if err != nil {
				log.Printf("[Main] Warning: ingest subscribe failed: %v", err)
			}
		}
		log.Printf("[Main] Connected to NATS at %s", natsURL)
	}

	// 8. Postgres: fleet + topology persistence. Optional.
	var camRepo data.CameraRepository
	var relRepo data.RelationshipRepository
	if dbHost := os.Getenv("DB_HOST"); dbHost != "" {
		connStr := fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable",
			os.Getenv("DB_USER"), os.Getenv("DB_PASSWORD"), dbHost, os.Getenv("DB_NAME"))
		db, err := sql.Open("postgres", connStr)
		if err == nil {
			err = db.Ping()
		}
		if err != nil {
			log.Printf("[Main] Warning: Postgres unavailable (%v), fleet is memory-only", err)
		} else {
			defer db.Close()
			camRepo = data.CameraModel{DB: db}
			relRepo = data.RelationshipModel{DB: db}
			if rels, err := (data.RelationshipModel{DB: db}).List(rootCtx); err == nil {
				for _, rel := range rels {
					if err := engine.RegisterRelationship(rel); err != nil {
						log.Printf("[Main] Stored relationship rejected: %v", err)
					}
				}
			}
			log.Printf("[Main] Connected to Postgres at %s", dbHost)
		}
	}

	// 9. Handlers + router
	tokenMgr := tokens.NewManager(cfg.Server.JWTSigningKey)
	camHandler := api.NewCameraHandler(manager, camRepo)
	deps := api.Deps{
		Cameras:       camHandler,
		Relationships: api.NewRelationshipHandler(engine, relRepo),
		Stats: &api.StatsHandler{
			Manager:   manager,
			Engine:    engine,
			Publisher: pub,
			Extra: func() map[string]any {
				if natsIngest == nil {
					return nil
				}
				return map[string]any{"ingest": natsIngest.Stats()}
			},
		},
		Live:         api.NewLiveHandler(latest, manager),
		EventsWS:     api.NewEventWsHandler(tokenMgr, pub),
		ServiceToken: cfg.Server.ServiceToken,
	}

	// 10. Boot the fleet: persisted cameras first, then the static config
	// entries (Add is idempotent via the 409 path).
	camHandler.RestoreFleet(rootCtx)
	for _, cc := range cfg.CameraConfigs() {
		if err := manager.Add(rootCtx, cc); err != nil && err != stream.ErrCameraExists {
			log.Printf("[Main] Static camera %s rejected: %v", cc.CameraID, err)
		}
	}

	// 11. Config hot reload: topology additions apply live; everything else
	// needs a restart and says so.
	config.Watch(rootCtx, *cfgPath, func(next *config.Config) {
		for _, r := range next.Relationships {
			if err := engine.RegisterRelationship(r.ToModel()); err != nil {
				log.Printf("[Main] Reload: relationship rejected: %v", err)
			}
		}
		log.Printf("[Main] Reload applied (relationships only; engine/detector knobs need restart)")
	})

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: api.NewRouter(deps),
	}
	go func() {
		log.Printf("[Main] %s listening on :%s", serviceName, cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Main] HTTP server error: %v", err)
		}
	}()

	// 12. Wait: signal for clean shutdown, engine fatal for invariant
	// violations.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	exitCode := exitOK
	select {
	case sig := <-sigChan:
		log.Printf("[Main] Received %v, shutting down", sig)
	case err := <-engine.Fatal():
		log.Printf("[Main] Engine invariant violation, aborting: %v", err)
		exitCode = exitEngineInvariant
	}

	// Graceful teardown on every exit path, including fatal: release
	// capture sessions and flush subscribers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if natsIngest != nil {
		natsIngest.Stop()
	}
	manager.StopAll()
	rootCancel()
	pipe.Wait()
	engine.WaitSweeper()
	pub.Close()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Main] Graceful shutdown error: %v", err)
	}
	log.Printf("[Main] Stopped")
	return exitCode
}
