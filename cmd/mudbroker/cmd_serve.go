package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/pedro-hdias/mudbroker/internal/broker"
	"github.com/pedro-hdias/mudbroker/internal/debugapi"
	"github.com/pedro-hdias/mudbroker/internal/envelope"
	"github.com/pedro-hdias/mudbroker/internal/session"
	"github.com/pedro-hdias/mudbroker/internal/sound"
	ws "github.com/pedro-hdias/mudbroker/internal/transport/ws"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the mudbroker daemon",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	baseLog := setupLogging(cfg)

	logRing := debugapi.NewRing(1000)
	log := baseLog
	if cfg.Debug.Enabled {
		log = slogFromRing(baseLog, logRing)
	}

	pidPath, err := writePIDFile(cfg)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	rules, err := sound.LoadFile(cfg.Sound.RulesPath, log)
	if err != nil {
		return fmt.Errorf("load sound rules: %w", err)
	}
	engine := sound.NewEngine(rules, log)

	dialer := session.NewDialer(
		cfg.MUD.Host, cfg.MUD.Port,
		cfg.Limits.ReadBufSize, cfg.Limits.WriteTimeout, cfg.Limits.DialTimeout,
		cfg.Limits.MaxConcurrentDial,
	)

	mgrCfg := session.ManagerConfig{
		MaxSessions:   cfg.Manager.MaxSessions,
		SweepInterval: cfg.Manager.SweepInterval,
		Limits: session.Limits{
			HistoryMaxBytes: cfg.Limits.HistoryMaxBytes,
			HistoryMaxLines: cfg.Limits.HistoryMaxLines,
			CommandQueueMax: cfg.Limits.CommandQueueMax,
			WriteTimeout:    cfg.Limits.WriteTimeout,
			IdleTimeout:     cfg.Limits.IdleTimeout,
			PartialFlushAge: cfg.Limits.PartialFlushAge,
			PartialMaxBytes: cfg.Limits.PartialMaxBytes,
		},
	}
	manager := session.NewManager(mgrCfg, dialer, engine, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go manager.RunSweepLoop(ctx)

	if err := sound.WatchFile(ctx, cfg.Sound.RulesPath, engine, log); err != nil {
		log.Warn("sound rule hot-reload disabled", "error", err)
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", "error", err)
			return
		}
		transport := ws.New(conn)
		// Burst frames per window, with the window sized so the bucket
		// refills at FramesPerSecond.
		window := time.Second
		if fps := cfg.RateLimit.FramesPerSecond; fps > 0 {
			window = time.Duration(float64(cfg.RateLimit.Burst) / fps * float64(time.Second))
		}
		limiter := envelope.NewRateLimiter(cfg.RateLimit.Burst, window)
		broker.NewConnection(transport, limiter, manager, log).Serve(r.Context())
	})

	httpServer := &http.Server{Addr: cfg.Listen, Handler: mux}
	go func() {
		log.Info("mudbroker listening", "addr", cfg.Listen, "mud_host", cfg.MUD.Host, "mud_port", cfg.MUD.Port, "pid_file", pidPath)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	if cfg.Debug.Enabled {
		debugSrv := debugapi.NewServer(manager, logRing, cfg.Debug.Secret)
		debugHTTP := &http.Server{Addr: debugAPIAddr, Handler: debugSrv}
		go func() {
			log.Info("debug API listening", "addr", debugHTTP.Addr)
			if err := debugHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("debug API error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			debugHTTP.Close()
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			log.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				log.Error("failed to get executable path", "error", err)
				continue
			}
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				log.Error("failed to re-exec", "error", err)
				if _, writeErr := writePIDFile(cfg); writeErr != nil {
					log.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		log.Info("shutting down", "signal", sig)
		return nil
	}
}
