package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skip2/go-qrcode"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dhruvalgolakiya/taskdex-sub000/internal/api/handlers"
	"github.com/dhruvalgolakiya/taskdex-sub000/internal/api/middleware"
	"github.com/dhruvalgolakiya/taskdex-sub000/internal/appserver"
	"github.com/dhruvalgolakiya/taskdex-sub000/internal/config"
	"github.com/dhruvalgolakiya/taskdex-sub000/internal/crypto"
	"github.com/dhruvalgolakiya/taskdex-sub000/internal/gateway"
	"github.com/dhruvalgolakiya/taskdex-sub000/internal/metrics"
	"github.com/dhruvalgolakiya/taskdex-sub000/internal/notify"
	"github.com/dhruvalgolakiya/taskdex-sub000/internal/session"
	"github.com/dhruvalgolakiya/taskdex-sub000/internal/storage"
	"github.com/dhruvalgolakiya/taskdex-sub000/shared/logger"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 10 * time.Second
	restoreTimeout  = 2 * time.Minute
)

func main() {
	app := &cli.App{
		Name:    "taskdex-bridge",
		Usage:   "run codex app-server agents and serve them to remote clients",
		Version: version,
		Flags:   configFlags(),
		Action:  serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "start the bridge (default)",
				Flags:  configFlags(),
				Action: serve,
			},
			{
				Name:  "pair",
				Usage: "print the gateway URL and key as a QR code for a phone client",
				Flags: append(configFlags(), &cli.StringFlag{
					Name:  "host",
					Usage: "host name or IP the phone should dial; defaults to the first non-loopback address",
				}),
				Action: pair,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		logger.Errorf("%v", err)
		logger.Sync()
		os.Exit(1)
	}
}

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file"},
		&cli.StringFlag{Name: "addr", Usage: "listen address, e.g. :8765"},
		&cli.StringFlag{Name: "key", Usage: "shared gateway key"},
		&cli.StringFlag{Name: "state-dir", Usage: "directory for persisted sessions"},
		&cli.StringFlag{Name: "store", Usage: "session store driver: file or sqlite"},
		&cli.StringFlag{Name: "codex-bin", Usage: "agent binary to spawn"},
		&cli.StringFlag{Name: "log-level", Usage: "trace, debug, info, warn or error"},
		&cli.BoolFlag{Name: "debug", Usage: "verbose logging and gin debug mode"},
	}
}

func overridesFrom(c *cli.Context) config.Overrides {
	var o config.Overrides
	str := func(name string) *string {
		if !c.IsSet(name) {
			return nil
		}
		v := c.String(name)
		return &v
	}
	o.Path = str("config")
	o.Addr = str("addr")
	o.SharedKey = str("key")
	o.StateDir = str("state-dir")
	o.Store = str("store")
	o.Command = str("codex-bin")
	o.LogLevel = str("log-level")
	if c.IsSet("debug") {
		v := c.Bool("debug")
		o.Debug = &v
	}
	return o
}

func applyLogLevel(cfg *config.Config) {
	lvl, err := logger.ParseLevel(cfg.EffectiveLogLevel())
	if err != nil {
		logger.Warnf("Ignoring log level: %v", err)
		return
	}
	logger.SetLevel(lvl)
}

func serve(c *cli.Context) error {
	cfg, err := config.Load(overridesFrom(c))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyLogLevel(cfg)
	defer logger.Sync()

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	bridgeMetrics, err := metrics.NewBridge(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	logger.Infof("Opening %s session store in %s", cfg.Store, cfg.StateDir)
	store, err := storage.Open(cfg.Store, cfg.StateDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	tokens, err := crypto.NewTokenManager(cfg.SharedKey, crypto.DefaultTokenTTL)
	if err != nil {
		return fmt.Errorf("token manager: %w", err)
	}

	push := gateway.NewPushRegistry()
	hub := gateway.NewHub(bridgeMetrics)
	notifier, err := buildNotifier(cfg, push)
	if err != nil {
		return err
	}

	manager := session.NewManager(session.Config{
		Command:        cfg.Command,
		Args:           cfg.Args,
		RequestTimeout: cfg.RequestTimeout,
		ClientName:     "taskdex-bridge",
		ClientVersion:  version,
		NotifyTurns:    cfg.NotifyTurns,
		Debug:          cfg.Debug,
	}, appserver.ExecLauncher{}, store,
		session.WithEmitter(hub),
		session.WithNotifier(notifier),
		session.WithMetrics(bridgeMetrics),
	)
	defer manager.Close()

	gw := gateway.NewServer(gateway.Config{
		SharedKey:      cfg.SharedKey,
		AuthTimeout:    cfg.AuthTimeout,
		RequestTimeout: cfg.RequestTimeout * 3,
		AllowedOrigins: cfg.AllowedOrigins,
	}, manager, hub, tokens, push)

	router := newRouter(cfg, gw, manager, tokens, reg)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("taskdex bridge listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Infof("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		rctx, cancel := context.WithTimeout(gctx, restoreTimeout)
		defer cancel()
		n, err := manager.Restore(rctx)
		if err != nil {
			logger.Warnf("Session restore: %v", err)
			return nil
		}
		if n > 0 {
			logger.Infof("Restored %d session(s)", n)
		}
		return nil
	})
	if cfg.Path != "" {
		g.Go(func() error {
			err := config.Watch(gctx, cfg.Path, func() {
				next, err := config.Load(overridesFrom(c))
				if err != nil {
					logger.Warnf("Config reload: %v", err)
					return
				}
				applyLogLevel(next)
				logger.Infof("Reloaded %s (log level %s)", cfg.Path, logger.GetLevel())
			})
			if err != nil {
				logger.Warnf("Config watch stopped: %v", err)
			}
			return nil
		})
	}

	return g.Wait()
}

func buildNotifier(cfg *config.Config, push *gateway.PushRegistry) (notify.Notifier, error) {
	var out notify.Multi
	if cfg.Pushover.Enabled() {
		n, err := notify.NewPushoverNotifier(notify.PushoverConfig{
			Token:    cfg.Pushover.Token,
			UserKey:  cfg.Pushover.User,
			Cooldown: cfg.Pushover.Cooldown,
		})
		if err != nil {
			return nil, fmt.Errorf("pushover: %w", err)
		}
		logger.Infof("Pushover notifications enabled")
		out = append(out, n)
	}
	if cfg.ExpoPush {
		logger.Infof("Expo push notifications enabled")
		out = append(out, notify.NewExpoNotifier(push, ""))
	}
	if len(out) == 0 {
		return notify.Nop{}, nil
	}
	return out, nil
}

func newRouter(cfg *config.Config, gw *gateway.Server, agents handlers.AgentSource, tokens *crypto.TokenManager, reg *prometheus.Registry) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.LoggingMiddleware())

	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 || containsWildcard(cfg.AllowedOrigins) {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
		corsCfg.AllowCredentials = true
	}
	router.Use(cors.New(corsCfg))

	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	router.GET("/v1/gateway", gw.HandleWebSocket)

	agentHandler := handlers.NewAgentHandler(agents)
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg.SharedKey, tokens))
	{
		v1.GET("/agents", agentHandler.ListAgents)
		v1.GET("/agents/:id", agentHandler.GetAgent)
	}
	return router
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

// pair prints the connection details a phone needs, as text and as a QR code.
func pair(c *cli.Context) error {
	cfg, err := config.Load(overridesFrom(c))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	host := c.String("host")
	if host == "" {
		host = lanAddress()
	}
	_, port, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return fmt.Errorf("parse addr %q: %w", cfg.Addr, err)
	}
	gatewayURL := fmt.Sprintf("ws://%s/v1/gateway", net.JoinHostPort(host, port))
	q := url.Values{}
	q.Set("url", gatewayURL)
	q.Set("key", cfg.SharedKey)
	payload := "taskdex://pair?" + q.Encode()

	fmt.Printf("Gateway: %s\n", gatewayURL)
	fmt.Printf("Key:     %s\n\n", cfg.SharedKey)

	qr, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		logger.Warnf("Failed to generate QR code: %v", err)
		return nil
	}
	fmt.Println(qr.ToSmallString(false))
	return nil
}

func lanAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "localhost"
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.To4() == nil {
			continue
		}
		if strings.HasPrefix(ipnet.IP.String(), "169.254.") {
			continue
		}
		return ipnet.IP.String()
	}
	return "localhost"
}
