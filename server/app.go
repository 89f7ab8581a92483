package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pillcloud/config"
	"pillcloud/internal/adminapi"
	"pillcloud/internal/auth"
	"pillcloud/internal/blob"
	"pillcloud/internal/bus"
	"pillcloud/internal/db"
	"pillcloud/internal/devapi"
	"pillcloud/internal/devices"
	"pillcloud/internal/dispatch"
	"pillcloud/internal/firmware"
	"pillcloud/internal/health"
	"pillcloud/internal/heartbeat"
	"pillcloud/internal/logs"
	"pillcloud/internal/metrics"
	"pillcloud/internal/middleware"
	"pillcloud/internal/notify"
	"pillcloud/internal/repo"
	"pillcloud/internal/watchdog"

	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	Router     *mux.Router
	httpServer *http.Server

	db       *gorm.DB
	store    *repo.Store
	notifier *notify.Notifier
	watchdog *watchdog.Watchdog
	bridge   *bus.Bridge
	nc       *nats.Conn
}

func (a *App) Initialize(cfg *config.Config) error {
	a.cfg = cfg

	// 1) Логи
	logs.Init(logs.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	log := logs.Component("server")

	// 2) БД + миграции
	d, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	if err := db.Migrate(d); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}
	a.db = d
	a.store = repo.New(d)

	// 3) Сервисы
	blobs, err := blob.NewDir(cfg.Firmware.Dir)
	if err != nil {
		return fmt.Errorf("firmware dir: %w", err)
	}
	var sender notify.Sender
	if cfg.Telegram.BotToken != "" {
		sender = notify.NewTelegram(cfg.Telegram.APIBase, cfg.Telegram.BotToken, cfg.Telegram.Timeout)
	} else {
		log.Warn("telegram.bot_token is empty, notifications disabled")
	}
	a.notifier = notify.New(sender, cfg.Telegram.ChatID, cfg.Telegram.Timeout)
	a.notifier.SetConcurrency(cfg.Telegram.Concurrency)

	registry := firmware.NewRegistry(a.store, blobs, firmware.Options{
		MaxBytes:  cfg.Firmware.MaxBytes(),
		PublicURL: cfg.Server.PublicURL,
	})
	disp := dispatch.New(a.store, registry, nil)
	rec := heartbeat.New(a.store, disp, a.notifier, heartbeat.Options{
		AutoRegister: cfg.Device.AutoRegister,
		EnrollKey:    cfg.Device.EnrollKey,
	})
	devSvc := devices.New(a.store, disp, a.notifier, devices.Options{OfflineThreshold: cfg.Watchdog.OfflineThreshold})
	a.watchdog = watchdog.New(a.store, a.notifier, watchdog.Options{
		Interval:  cfg.Watchdog.Interval,
		Threshold: cfg.Watchdog.OfflineThreshold,
	})
	authn := auth.New(cfg.Admin)
	if !authn.Enabled() {
		log.Warn("admin.users is empty, admin API will reject every request")
	}

	acl := bus.ACL{Base: cfg.NATS.SubjectBase}
	if cfg.NATS.URL != "" {
		nc, conn, err := bus.Connect(cfg.NATS)
		if err != nil {
			return err
		}
		a.nc = nc
		a.bridge = bus.New(conn, cfg.NATS.SubjectBase, rec)
	}

	// 4) Роутер + middleware
	a.Router = mux.NewRouter()
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(middleware.LoggerMW)
	if cfg.Metrics.Enabled {
		metrics.Register()
		a.Router.Use(middleware.Instrument)
		a.Router.Handle(cfg.Metrics.Path, promhttp.Handler()).Methods(http.MethodGet)
	}

	health.RegisterRoutesWithDB(a.Router, a.db) // /healthz и /readyz

	devapi.NewHTTP(rec, registry, devapi.Options{ACL: acl, HookSecret: cfg.Broker.HookSecret}).RegisterRoutes(a.Router)
	adminapi.NewHTTP(adminapi.Deps{
		Auth:      authn,
		Devices:   devSvc,
		Dispatch:  disp,
		Firmware:  registry,
		Store:     a.store,
		Notifier:  a.notifier,
		MaxUpload: cfg.Firmware.MaxBytes(),
	}).RegisterRoutes(a.Router)

	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		log.Debugf("route: %-6v %s", methods, path)
		return nil
	})
	return nil
}

// Run — HTTP, watchdog и шина под одним errgroup; SIGINT/SIGTERM останавливают всё.
func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return ErrNotInitialized
	}
	log := logs.Component("server")
	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.httpServer = &http.Server{
		Addr:         bind,
		Handler:      a.Router,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(sctx)
	})
	g.Go(func() error { return a.watchdog.Run(gctx) })
	if a.bridge != nil {
		g.Go(func() error { return a.bridge.Run(gctx) })
	}

	err := g.Wait()
	a.close()
	return err
}

func (a *App) close() {
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			logs.Logger.Warnf("nats drain: %v", err)
		}
	}
	a.notifier.Wait()
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

var ErrNotInitialized = &initError{"server not initialized (call Initialize(cfg) first)"}

type initError struct{ s string }

func (e *initError) Error() string { return e.s }
