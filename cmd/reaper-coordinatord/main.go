package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rtib/cassandra-reaper/admin"
	"github.com/rtib/cassandra-reaper/cfg"
	"github.com/rtib/cassandra-reaper/coordinator"
	"github.com/rtib/cassandra-reaper/identity"
	"github.com/rtib/cassandra-reaper/store"
	"github.com/rtib/cassandra-reaper/store/mysqlstore"
	"github.com/rtib/cassandra-reaper/store/sqlitestore"
	"github.com/rtib/cassandra-reaper/telemetry"
)

func main() {
	flag.Parse()

	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid configuration: %v", err))
	}

	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("instance_id", cfg.Config.Instance.ID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("cassandra-reaper coordinator starting")
	telemetry.InitializeTelemetry()

	self, err := resolveIdentity()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resolve instance identity")
		return
	}

	client, closeStore, err := openStore()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open coordination store")
		return
	}
	defer closeStore()

	leads := coordinator.NewLeadRegistry(client, self)
	nodeLocks := coordinator.NewNodeLockRegistry(client, self)
	instances := coordinator.NewInstanceDirectory(client)

	heartbeatInterval := time.Duration(cfg.Config.Lease.HeartbeatIntervalS) * time.Second
	leaseTTL := time.Duration(cfg.Config.Lease.DefaultTTLSeconds) * time.Second
	stopHeartbeat := startHeartbeat(client, self, heartbeatInterval, leaseTTL)
	defer stopHeartbeat()

	stopJanitor := startJanitor(client, time.Duration(cfg.Config.Lease.JanitorIntervalS)*time.Second)
	defer stopJanitor()

	instanceCollector := telemetry.NewInstanceCollector(instances, heartbeatInterval)
	instanceCollector.Start()
	defer instanceCollector.Stop()

	mux := http.NewServeMux()
	admin.RegisterRoutes(mux, admin.NewAdminHandlers(leads, nodeLocks, instances))
	if handler := telemetry.GetMetricsHandler(); handler != nil {
		mux.Handle("/metrics", handler)
	}

	adminAddr := fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port)
	server := &http.Server{Addr: adminAddr, Handler: mux}
	go func() {
		log.Info().Str("address", adminAddr).Msg("admin http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("admin http server failed")
		}
	}()

	log.Info().
		Str("instance_id", self.ID.String()).
		Str("address", self.Address).
		Msg("coordinator is operational")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
}

// resolveIdentity builds this process's Identity from configuration,
// parsing the configured (or auto-generated) instance ID as a UUID when
// possible and falling back to a fresh one if it isn't, so a malformed
// hex-encoded machine-ID fallback never prevents startup.
func resolveIdentity() (identity.Identity, error) {
	id, err := uuid.Parse(cfg.Config.Instance.ID)
	if err != nil {
		log.Warn().Str("configured_id", cfg.Config.Instance.ID).Msg("instance id is not a uuid, generating one for this process")
		return identity.New(cfg.Config.Instance.Address), nil
	}
	return identity.WithID(id, cfg.Config.Instance.Address), nil
}

// openStore builds the configured coordination-store backing and returns
// a Close func to run at shutdown.
func openStore() (store.Client, func(), error) {
	switch cfg.Config.Store.Driver {
	case "mysql":
		s, err := mysqlstore.Open(cfg.Config.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		s, err := sqlitestore.Open(cfg.Config.Store.DSN, cfg.Config.Store.BusyTimeoutMS)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
}

// heartbeater is implemented by both store backings; it is kept separate
// from store.Client because heartbeat ownership belongs to this process,
// never to package coordinator.
type heartbeater interface {
	Heartbeat(ctx context.Context, instanceID uuid.UUID, host string, ttl time.Duration) error
}

func startHeartbeat(client store.Client, self identity.Identity, interval, ttl time.Duration) func() {
	hb, ok := client.(heartbeater)
	if !ok {
		log.Warn().Msg("store backing does not support heartbeats, live-instance directory will stay empty")
		return func() {}
	}

	stopCh := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		beat := func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			if err := hb.Heartbeat(ctx, self.ID, self.Address, ttl); err != nil {
				log.Warn().Err(err).Msg("heartbeat failed")
			}
		}

		beat()
		for {
			select {
			case <-ticker.C:
				beat()
			case <-stopCh:
				return
			}
		}
	}()

	return func() {
		close(stopCh)
		<-done
	}
}

// startJanitor starts the sqlite backing's own TTL purge loop. Not every
// backing needs one; MySQL can rely on an external event scheduler instead.
func startJanitor(client store.Client, interval time.Duration) func() {
	s, ok := client.(*sqlitestore.Store)
	if !ok {
		return func() {}
	}
	j := sqlitestore.NewJanitor(s, interval)
	j.Start()
	return j.Stop
}
