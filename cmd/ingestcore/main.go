// Command ingestcore runs the SOC data-ingestion core: the Lifecycle
// Manager, Scheduler, Work Queue, Normalizer, and every connector type's
// HTTP surface, wired against either the in-memory store or Postgres.
package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"

	"github.com/socops/ingestcore/internal/ingestion/changefeed"
	"github.com/socops/ingestcore/internal/ingestion/config"
	"github.com/socops/ingestcore/internal/ingestion/connector"
	apiconn "github.com/socops/ingestcore/internal/ingestion/connector/api"
	"github.com/socops/ingestcore/internal/ingestion/connector/agent"
	fileconn "github.com/socops/ingestcore/internal/ingestion/connector/file"
	syslogconn "github.com/socops/ingestcore/internal/ingestion/connector/syslog"
	webhookconn "github.com/socops/ingestcore/internal/ingestion/connector/webhook"
	"github.com/socops/ingestcore/internal/ingestion/lifecycle"
	"github.com/socops/ingestcore/internal/ingestion/metrics"
	"github.com/socops/ingestcore/internal/ingestion/model"
	"github.com/socops/ingestcore/internal/ingestion/normalizer"
	"github.com/socops/ingestcore/internal/ingestion/queue"
	"github.com/socops/ingestcore/internal/ingestion/realtime"
	"github.com/socops/ingestcore/internal/ingestion/scheduler"
	"github.com/socops/ingestcore/internal/ingestion/storage"
	"github.com/socops/ingestcore/internal/ingestion/storage/memstore"
	"github.com/socops/ingestcore/internal/ingestion/storage/migrations"
	"github.com/socops/ingestcore/internal/ingestion/storage/pgstore"
	"github.com/socops/ingestcore/internal/ingestion/vault"
	"github.com/socops/ingestcore/pkg/logger"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config; in-memory storage when empty)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}
	if *addr != "" {
		cfg.Server.Host, cfg.Server.Port = splitAddr(*addr, cfg.Server)
	}

	log := logger.New(logger.LoggingConfig{
		Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output,
	})

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("build store: %v", err)
	}
	defer closeStore()

	v, err := vault.New(logger.NewDefault("vault"))
	if err != nil {
		log.Fatalf("build vault: %v", err)
	}

	norm := normalizer.New(nil, logger.NewDefault("normalizer"))

	var feed *changefeed.Bus
	if cfg.Database.DSN != "" {
		feed, err = changefeed.NewPostgres(cfg.Database.DSN, logger.NewDefault("changefeed"))
		if err != nil {
			log.Fatalf("build changefeed: %v", err)
		}
	} else {
		feed = changefeed.NewInMemory(logger.NewDefault("changefeed"))
	}
	defer feed.Close()

	hub := realtime.NewHub(logger.NewDefault("realtime"))

	ginRouter := gin.New()
	ginRouter.Use(gin.Recovery())
	chiRouter := chi.NewRouter()

	// mgr is wired into the queue's Handler via closure since the Queue
	// must exist before the Manager (the Manager's New takes the Queue),
	// but the queue's handler is only invoked once events start flowing,
	// well after mgr is assigned below.
	var mgr *lifecycle.Manager
	q := queue.New(func(ctx context.Context, job *queue.Job) error {
		events, ok := job.Payload.([]model.RawEvent)
		if !ok {
			return fmt.Errorf("ingestcore: queue job %s has unexpected payload type", job.ID)
		}
		for _, e := range events {
			if err := mgr.ProcessQueuedEvent(ctx, e); err != nil {
				return err
			}
			metrics.RecordConnectorEvent(e.ConnectorID, string(e.Severity))
		}
		return nil
	}, cfg.Queue.Workers, logger.NewDefault("queue"))

	mgr = lifecycle.New(store, v, norm, q, hub, feed, logger.NewDefault("lifecycle"))
	sched := scheduler.New(logger.NewDefault("scheduler"))

	registerFactories(mgr, v, q, ginRouter, chiRouter, cfg)

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	q.Start(rootCtx)
	sched.Start()

	if err := mgr.Bootstrap(rootCtx); err != nil {
		log.Fatalf("bootstrap lifecycle manager: %v", err)
	}
	scheduleLiveConnectors(rootCtx, store, mgr, sched, log)

	mux := http.NewServeMux()
	mux.Handle("/api/agents/", ginRouter)
	mux.Handle("/api/connectors/realtime", http.HandlerFunc(hub.ServeHTTP))
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", chiRouter)

	go sampleQueueMetrics(rootCtx, q)

	srv := &http.Server{Addr: cfg.Server.Addr(), Handler: metrics.InstrumentHandler(mux)}
	go func() {
		log.Infof("ingestcore listening on %s", cfg.Server.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	sched.Stop()
	mgr.Shutdown()
	q.Stop()
}

func splitAddr(addr string, fallback config.ServerConfig) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fallback.Host, fallback.Port
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fallback.Host, fallback.Port
	}
	return host, port
}

func buildStore(cfg *config.Config) (storage.Store, func(), error) {
	if cfg.Database.DSN == "" {
		return memstore.New().AsStorage(), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return storage.Store{}, nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.MigrateOnStart {
		if err := migrations.Apply(context.Background(), db); err != nil {
			db.Close()
			return storage.Store{}, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	return pgstore.New(db).AsStorage(), func() { _ = db.Close() }, nil
}

// connectorConfig decodes the fields shared by every connector type:
// the poll cadence that scheduleLiveConnectors uses for api connectors,
// and a strict flag. The strict flag is not applied: every factory and
// scheduleLiveConnectors call decodeConfig with strict=false, so unknown
// fields in a record's configuration are ignored and not logged.
type connectorConfig struct {
	PollIntervalSeconds int  `json:"pollIntervalSeconds"`
	Strict              bool `json:"strict"`
}

func decodeConfig(raw []byte, strict bool, target interface{}) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("ingestcore: decode connector configuration: %w", err)
	}
	return nil
}

func registerFactories(mgr *lifecycle.Manager, v *vault.Vault, q *queue.Queue, ginRouter *gin.Engine, chiRouter chi.Router, cfg *config.Config) {
	mgr.RegisterFactory(model.ConnectorAPI, func(rec model.ConnectorRecord, creds vault.Credentials, sink connector.Sink) (connector.Connector, error) {
		var acfg apiconn.Config
		if err := decodeConfig(rec.Configuration, false, &acfg); err != nil {
			return nil, err
		}
		applyAPICredentials(&acfg, creds)
		return apiconn.New(rec.ID, rec.Name, acfg, sink, q), nil
	})

	mgr.RegisterFactory(model.ConnectorSyslog, func(rec model.ConnectorRecord, _ vault.Credentials, sink connector.Sink) (connector.Connector, error) {
		var scfg syslogconn.Config
		if err := decodeConfig(rec.Configuration, false, &scfg); err != nil {
			return nil, err
		}
		return syslogconn.New(rec.ID, rec.Name, scfg, sink), nil
	})

	mgr.RegisterFactory(model.ConnectorWebhook, func(rec model.ConnectorRecord, creds vault.Credentials, sink connector.Sink) (connector.Connector, error) {
		var wcfg webhookconn.Config
		if err := decodeConfig(rec.Configuration, false, &wcfg); err != nil {
			return nil, err
		}
		if wcfg.Secret == "" {
			wcfg.Secret = creds.APISecret
		}
		return webhookconn.New(rec.ID, rec.Name, wcfg, sink, chiRouter)
	})

	mgr.RegisterFactory(model.ConnectorFile, func(rec model.ConnectorRecord, _ vault.Credentials, sink connector.Sink) (connector.Connector, error) {
		var fcfg fileconn.Config
		if err := decodeConfig(rec.Configuration, false, &fcfg); err != nil {
			return nil, err
		}
		return fileconn.New(rec.ID, rec.Name, fcfg, sink)
	})

	mgr.RegisterFactory(model.ConnectorAgent, func(rec model.ConnectorRecord, creds vault.Credentials, sink connector.Sink) (connector.Connector, error) {
		var acfg agent.Config
		if err := decodeConfig(rec.Configuration, false, &acfg); err != nil {
			return nil, err
		}
		if acfg.MasterToken == "" {
			acfg.MasterToken = creds.Token
		}
		acfg.OrganizationID = rec.OrganizationID
		return agent.New(rec.ID, rec.Name, acfg, sink, v, nil, ginRouter, "/api", nil, nil), nil
	})
}

// applyAPICredentials fills each endpoint's auth fields from the
// connector's decrypted credentials wherever the endpoint config left
// them blank, so a single credential blob can back every endpoint.
func applyAPICredentials(cfg *apiconn.Config, creds vault.Credentials) {
	for i := range cfg.Endpoints {
		ep := &cfg.Endpoints[i]
		if ep.Auth.APIKeyValue == "" && creds.APIKey != "" {
			ep.Auth.APIKeyValue = creds.APIKey
		}
		if ep.Auth.BearerToken == "" && creds.AccessToken != "" {
			ep.Auth.BearerToken = creds.AccessToken
		}
		if ep.Auth.BasicUsername == "" && creds.Username != "" {
			ep.Auth.BasicUsername = creds.Username
			ep.Auth.BasicPassword = creds.Password
		}
		if ep.Auth.OAuthClientSecret == "" && creds.APISecret != "" {
			ep.Auth.OAuthClientSecret = creds.APISecret
		}
	}
}

// sampleQueueMetrics mirrors the queue's snapshot onto the process-wide
// gauges every few seconds until ctx is cancelled.
func sampleQueueMetrics(ctx context.Context, q *queue.Queue) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := q.Snapshot()
			metrics.SetQueueMetrics(snap.Pending, snap.InFlight, snap.Failed)
		}
	}
}

// scheduleLiveConnectors attaches every bootstrapped connector to the
// Scheduler per §4.G, deriving each api connector's poll cadence from
// its stored configuration.
func scheduleLiveConnectors(ctx context.Context, store storage.Store, mgr *lifecycle.Manager, sched *scheduler.Scheduler, log *logger.Logger) {
	recs, err := store.Connectors.ListActive(ctx)
	if err != nil {
		log.Warnf("ingestcore: list active connectors for scheduling: %v", err)
		return
	}
	live := mgr.Live()
	for _, rec := range recs {
		conn, ok := live[rec.ID]
		if !ok {
			continue
		}
		var cc connectorConfig
		_ = decodeConfig(rec.Configuration, false, &cc)

		runnable, _ := conn.(scheduler.Runnable)
		continuous, _ := conn.(scheduler.Continuous)
		if err := sched.Schedule(rec.ID, rec.Type, cc.PollIntervalSeconds, runnable, continuous); err != nil {
			log.WithField("connector", rec.ID).Warnf("ingestcore: schedule failed: %v", err)
		}
		metrics.SetConnectorStatus(rec.ID, string(rec.Status), knownConnectorStatuses)
	}
}

var knownConnectorStatuses = []string{
	string(model.StatusActive), string(model.StatusPaused), string(model.StatusDisabled),
	string(model.StatusError), string(model.StatusWarning),
}
