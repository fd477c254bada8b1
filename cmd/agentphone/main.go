package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/agentphone/internal/api"
	"github.com/flowpbx/agentphone/internal/api/middleware"
	"github.com/flowpbx/agentphone/internal/backend"
	"github.com/flowpbx/agentphone/internal/call"
	"github.com/flowpbx/agentphone/internal/config"
	"github.com/flowpbx/agentphone/internal/database"
	"github.com/flowpbx/agentphone/internal/dialer"
	"github.com/flowpbx/agentphone/internal/disposition"
	"github.com/flowpbx/agentphone/internal/disposition/pgstore"
	"github.com/flowpbx/agentphone/internal/media"
	"github.com/flowpbx/agentphone/internal/metrics"
	"github.com/flowpbx/agentphone/internal/monitor"
	"github.com/flowpbx/agentphone/internal/recording"
	sipua "github.com/flowpbx/agentphone/internal/sip"
	"github.com/flowpbx/agentphone/internal/stream"
	"github.com/flowpbx/agentphone/internal/tone"
	"github.com/flowpbx/agentphone/internal/transfer"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-pin" {
		os.Exit(hashPIN(os.Args[2:]))
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	startTime := time.Now()
	slog.Info("starting agentphone",
		"username", cfg.Username,
		"http_addr", cfg.HTTPAddr,
		"sip_listen", cfg.SIPListen,
		"data_dir", cfg.DataDir,
	)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Open the local call history and run migrations.
	db, err := database.Open(appCtx, cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	history := database.NewCallHistoryRepository(db)

	crm := backend.NewClient(cfg.BackendURL, cfg.BackendToken, cfg.Username)

	var dispositions disposition.Store = backend.NewDispositionStore(crm)
	if cfg.DispositionDSN != "" {
		store, err := pgstore.New(appCtx, cfg.DispositionDSN)
		if err != nil {
			slog.Error("failed to open disposition store", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		dispositions = store
	}

	// SIP user agent and registration.
	ua, err := sipua.NewUA(sipua.Config{
		ListenAddr: cfg.SIPListen,
		PublicHost: cfg.SIPPublicHost,
		Logger:     logger,
	})
	if err != nil {
		slog.Error("failed to create sip user agent", "error", err)
		os.Exit(1)
	}
	registration := sipua.NewRegistrationManager(crm, ua, sipua.RegistrationOptions{
		Expiry:    cfg.RegisterExpiry,
		Timeout:   cfg.RegisterTimeout,
		Transport: cfg.SIPTransport,
		Logger:    logger,
	})
	ua.SetAccounts(registration)
	ua.Start(appCtx)

	// Call-phase notifications go to the CRM and, if configured, Redis.
	senders := []backend.PhaseSender{crm}
	if cfg.RedisAddr != "" {
		rdb, err := monitor.OpenRedis(appCtx, monitor.RedisConfig{Addr: cfg.RedisAddr})
		if err != nil {
			slog.Warn("live phase monitoring disabled", "error", err)
		} else {
			defer rdb.Close()
			senders = append(senders, monitor.NewPhasePublisher(rdb, cfg.RedisChannel, cfg.Username, registration.Extension))
			slog.Info("live phase monitoring enabled", "redis_addr", cfg.RedisAddr, "channel", cfg.RedisChannel)
		}
	}
	phases := backend.NewPhaseNotifier(cfg.PhaseRate, senders...)

	var chunks media.ChunkSink
	if cfg.AMQPURL != "" {
		pub, err := stream.Dial(cfg.AMQPURL, cfg.AMQPQueue, logger)
		if err != nil {
			slog.Warn("audio chunk streaming disabled", "error", err)
		} else {
			defer pub.Close()
			chunks = pub
		}
	}

	// Local audio devices.
	openMic := func() (media.Microphone, error) { return media.NewSilentMicrophone(), nil }
	if cfg.MicWAV != "" {
		openMic = media.OpenWAVMicrophone(cfg.MicWAV)
	}
	mic := media.NewMicProvider(openMic)
	defer mic.Close()

	var playback media.Playback = &media.DiscardPlayback{}
	if cfg.PlaybackWAV != "" {
		p, err := media.NewWAVPlayback(cfg.PlaybackWAV)
		if err != nil {
			slog.Error("failed to open playback file", "error", err)
			os.Exit(1)
		}
		defer p.Close()
		playback = p
	}

	tones := tone.NewGenerator(func() (tone.Sink, error) { return playback, nil }, tone.WithLogger(logger))
	defer tones.Close()

	newPipeline := func(sessionID string) call.Pipeline {
		started := time.Now()
		return media.NewPipeline(media.PipelineConfig{
			SessionID: sessionID,
			Mic:       mic,
			Playback:  playback,
			NewMixedRecorder: func() (media.FrameRecorder, error) {
				rec, err := media.NewWAVRecorder("mixed", media.RecordingPath(cfg.RecordingsDir, sessionID, "mixed", started), logger)
				if err != nil {
					return nil, err
				}
				return rec, nil
			},
			NewRemoteRecorder: func() (media.FrameRecorder, error) {
				archive, err := media.NewWAVRecorder("remote", media.RecordingPath(cfg.RecordingsDir, sessionID, "remote", started), logger)
				if err != nil {
					return nil, err
				}
				if chunks == nil {
					return archive, nil
				}
				return media.NewChunkRecorder(sessionID, cfg.ChunkInterval, chunks, archive, logger), nil
			},
			Logger: logger,
		})
	}

	controller := call.NewController(call.Config{
		Phone:           ua,
		Registration:    registration,
		Tones:           tones,
		NewPipeline:     newPipeline,
		Uploader:        crm,
		Dispositions:    dispositions,
		Phases:          phases,
		Archive:         history,
		Transfer:        transfer.NewCoordinator(transfer.Options{ReferEnabled: cfg.ReferEnabled, Logger: logger}),
		Username:        cfg.Username,
		DefaultCampaign: cfg.Campaign,
		DefaultRegion:   cfg.DefaultRegion,
		Logger:          logger,
	})
	callCtx, callCancel := context.WithCancel(context.Background())
	defer callCancel()
	callDone := make(chan struct{})
	go func() {
		controller.Run(callCtx)
		close(callDone)
	}()

	recording.StartCleanupTicker(appCtx, history, cfg.RecordingMaxDays, time.Hour)

	autoDialer := dialer.New(controller, dialer.Options{Delay: cfg.AutoDialDelay, Logger: logger})

	if err := registration.Register(appCtx); err != nil {
		slog.Error("failed to start registration", "error", err)
	}

	// Control API.
	pin, err := middleware.NewPINVerifier(cfg.APIPINHash)
	if err != nil {
		slog.Error("invalid api-pin-hash", "error", err)
		os.Exit(1)
	}
	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("invalid jwt-secret", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		metrics.NewCollector(registration, controller, history, autoDialer, startTime),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	handler := api.NewServer(api.Options{
		Calls:        controller,
		Registration: registration,
		History:      history,
		Dialer:       autoDialer,
		PIN:          pin,
		JWTSecret:    secret,
		Username:     cfg.Username,
		CORSOrigins:  middleware.ParseCORSOrigins(cfg.CORSOrigins),
		Metrics:      promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Logger:       logger,
	})
	go handler.Run(appCtx)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
		exitCode = 1
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		exitCode = 1
	}

	// Stop dialing, end any active call and let pending uploads finish.
	autoDialer.Stop()
	callCancel()
	select {
	case <-callDone:
	case <-ctx.Done():
		slog.Warn("call controller did not stop in time")
	}

	registration.Teardown(ctx)
	ua.Close()
	phases.Close()
	appCancel()

	slog.Info("agentphone stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// hashPIN prints the argon2id hash of a control API PIN, read from the
// first argument or stdin, for use as api-pin-hash.
func hashPIN(args []string) int {
	var pin string
	if len(args) > 0 {
		pin = args[0]
	} else {
		fmt.Fprint(os.Stderr, "PIN: ")
		sc := bufio.NewScanner(os.Stdin)
		if sc.Scan() {
			pin = sc.Text()
		}
	}
	pin = strings.TrimSpace(pin)
	if len(pin) < 4 || len(pin) > 20 || strings.Trim(pin, "0123456789") != "" {
		fmt.Fprintln(os.Stderr, "error: pin must be 4 to 20 digits")
		return 1
	}
	hash, err := middleware.HashPIN(pin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Println(hash)
	return 0
}
