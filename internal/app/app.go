package app

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"vivosun-blebridge/internal/ble"
	"vivosun-blebridge/internal/config"
	"vivosun-blebridge/internal/db"
	"vivosun-blebridge/internal/devices"
	"vivosun-blebridge/internal/httpapi"
	"vivosun-blebridge/internal/metrics"
	"vivosun-blebridge/internal/migrate"
	"vivosun-blebridge/internal/monitor"
	"vivosun-blebridge/internal/mqtt"
	"vivosun-blebridge/internal/snapshot"
	"vivosun-blebridge/internal/store"
	"vivosun-blebridge/internal/types"
	"vivosun-blebridge/internal/utils"
)

const (
	mqttConnectTimeout  = 5 * time.Second
	httpShutdownTimeout = 10 * time.Second
)

// source delivers advertisements until ctx is done or it runs out.
type source interface {
	Run(ctx context.Context, onAdv func(ble.Advertisement)) error
}

func Run(ctx context.Context, cfg config.Config) error {
	log := slog.Default()
	log.Info("config loaded",
		"source", cfg.Source,
		"bleAdapter", cfg.BLEAdapter,
		"replayPath", cfg.ReplayPath,
		"activeMACs", cfg.ActiveMACs,
		"companyID", "0x"+utils.Hex4(cfg.CompanyID),
		"snapshotPath", cfg.SnapshotPath,
		"snapshotMinInterval", cfg.SnapshotMinInterval,
		"snapshotFallbackInterval", cfg.SnapshotFallbackInterval,
		"staleTimeout", cfg.StaleTimeout,
		"stalePollInterval", cfg.StalePollInterval,
		"httpAddr", cfg.HTTPAddr,
		"mqttBroker", cfg.MQTTBroker,
		"sqlitePath", cfg.SQLitePath,
	)

	m := metrics.New()
	table := devices.New()

	var sinks []snapshot.Sink
	var dbConn *sql.DB
	if cfg.SQLitePath != "" {
		conn, reg, err := openRegistry(ctx, cfg.SQLitePath)
		if err != nil {
			log.Warn("device registry unavailable (continuing without it)", "path", cfg.SQLitePath, "error", err)
		} else {
			dbConn = conn
			defer func() {
				if err := db.Close(dbConn); err != nil {
					log.Error("db close", "error", err)
				}
			}()
			restored, err := reg.Load(ctx)
			if err != nil {
				log.Warn("device registry load failed", "error", err)
			}
			log.Info("devices restored", "count", table.Restore(restored))
			sinks = append(sinks, reg)
		}
	}

	writer := snapshot.New(table, snapshot.Options{
		Path:             cfg.SnapshotPath,
		MinInterval:      cfg.SnapshotMinInterval,
		FallbackInterval: cfg.SnapshotFallbackInterval,
		Sinks:            sinks,
		Metrics:          m,
		Logger:           log,
	})
	table.OnChange(func(types.Reading) { writer.Notify() })

	mon := newMonitor(cfg, table, writer, m, log)

	ingestor := ble.NewIngestor(newDecoder(cfg), table, ble.IngestOptions{
		AllowList: cfg.ActiveMACs,
		Metrics:   m,
		Logger:    log,
	})

	var mqttClient *mqtt.Client
	var publisher *mqtt.Publisher
	if cfg.MQTTBroker != "" {
		c, err := mqtt.NewClient(cfg, log)
		if err != nil {
			return err
		}
		connectCtx, cancel := context.WithTimeout(ctx, mqttConnectTimeout)
		err = c.Connect(connectCtx)
		cancel()
		if err != nil {
			// paho keeps retrying in the background; the publisher requeues until then.
			log.Warn("mqtt connection failed (continuing, will retry)", "error", err)
		}
		mqttClient = c
		publisher = mqtt.NewPublisher(c, table, log)
		table.OnChange(publisher.Enqueue)
	}

	var srv *http.Server
	httpErr := make(chan error, 1)
	if cfg.HTTPAddr != "" {
		deps := httpapi.Deps{Devices: table, Metrics: m.Handler(), Logger: log}
		if dbConn != nil {
			deps.DB = dbConn
		}
		srv = httpapi.NewServer(cfg.HTTPAddr, deps)
		go func() {
			log.Info("http listening", "addr", cfg.HTTPAddr)
			httpErr <- srv.ListenAndServe()
		}()
	}

	// The writer and publisher outlive the pipeline so the final flush sees
	// every event the ingest loop drained.
	tailCtx, stopTail := context.WithCancel(context.WithoutCancel(ctx))
	defer stopTail()
	var tail errgroup.Group
	tail.Go(func() error { return writer.Run(tailCtx) })
	if publisher != nil {
		tail.Go(func() error { return publisher.Run(tailCtx) })
	}

	events := make(chan ble.Advertisement, cfg.EventBuffer)
	src := newSource(cfg, log)

	var pipeline errgroup.Group
	pipeline.Go(func() error {
		defer close(events)
		err := src.Run(ctx, func(a ble.Advertisement) {
			select {
			case events <- a:
			case <-ctx.Done():
			}
		})
		if err != nil {
			log.Warn("advertisement source stopped; continuing without new events", "source", cfg.Source, "error", err)
		}
		return nil
	})
	pipeline.Go(func() error {
		// Runs until the source closes events so buffered advertisements are not lost.
		return ingestor.Run(context.Background(), events)
	})
	pipeline.Go(func() error { return mon.Run(ctx) })

	select {
	case <-ctx.Done():
	case err := <-httpErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed (continuing without http)", "error", err)
		}
		srv = nil
		<-ctx.Done()
	}
	log.Info("shutting down")

	if err := pipeline.Wait(); err != nil {
		log.Error("pipeline stopped with error", "error", err)
	}

	stopTail()
	if err := tail.Wait(); err != nil {
		log.Error("snapshot writer stopped with error", "error", err)
	}

	if mqttClient != nil {
		log.Info("mqtt disconnecting")
		mqttClient.Disconnect()
	}

	if srv != nil {
		log.Info("http shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-httpErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	return ctx.Err()
}

func openRegistry(ctx context.Context, path string) (*sql.DB, *store.DeviceStore, error) {
	conn, err := db.Open(path)
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Run(ctx, conn, slog.Default()); err != nil {
		_ = db.Close(conn)
		return nil, nil, err
	}
	return conn, store.NewDeviceStore(conn), nil
}

// newMonitor wires the staleness monitor. Demotions already reach the writer
// through table.OnChange; the notifier also covers recoveries the monitor
// observes between sweeps.
func newMonitor(cfg config.Config, table *devices.Table, n monitor.Notifier, m *metrics.Metrics, log *slog.Logger) *monitor.Monitor {
	return monitor.New(table, monitor.Options{
		Timeout:  cfg.StaleTimeout,
		Interval: cfg.StalePollInterval,
		Notifier: n,
		Metrics:  m,
		Logger:   log,
	})
}

func newDecoder(cfg config.Config) *ble.Decoder {
	opts := []ble.DecoderOption{ble.WithCompanyID(cfg.CompanyID)}
	if cfg.Layouts != nil {
		opts = append(opts, ble.WithLayouts(cfg.Layouts))
	}
	if cfg.Vocabulary != nil {
		opts = append(opts, ble.WithClassifier(ble.VocabularyClassifier(cfg.Vocabulary)))
	}
	return ble.NewDecoder(opts...)
}

func newSource(cfg config.Config, log *slog.Logger) source {
	if cfg.Source == config.SourceReplay {
		return ble.NewReplay(ble.ReplayOptions{
			Path:           cfg.ReplayPath,
			Interval:       cfg.ReplayInterval,
			KeepTimestamps: cfg.ReplayKeepTimestamps,
			Logger:         log,
		})
	}
	return ble.NewListener(ble.ListenOptions{
		Adapter:   cfg.BLEAdapter,
		RSSIMin:   cfg.BLERSSIMin,
		CompanyID: cfg.CompanyID,
		Logger:    log,
	})
}
