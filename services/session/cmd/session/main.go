package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"docintel/internal/servicetoken"
	"docintel/internal/util"
	"docintel/pkg/document"
	"docintel/pkg/events"
	"docintel/pkg/storage"
	pkgstore "docintel/pkg/store"
	"docintel/services/session/internal/analysisclient"
	"docintel/services/session/internal/app"
	"docintel/services/session/internal/config"
	"docintel/services/session/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	analysisTimeout, err := config.ParseDuration("analysisTimeout", cfg.AnalysisTimeout)
	if err != nil {
		log.Fatalf("failed to parse analysis timeout: %v", err)
	}
	sessionTTL, err := config.ParseDuration("sessionTTL", cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}

	clientOpts := analysisclient.Options{
		BaseURL:  cfg.AnalysisBaseURL,
		Timeout:  analysisTimeout,
		Audience: cfg.ServiceTokenAudience,
	}
	if strings.TrimSpace(cfg.ServiceTokenKeyPath) != "" {
		signer, err := servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{
			PrivateKeyPath: cfg.ServiceTokenKeyPath,
			KeyID:          cfg.ServiceTokenKeyID,
			Issuer:         cfg.ServiceTokenIssuer,
		})
		if err != nil {
			log.Fatalf("failed to init service token signer: %v", err)
		}
		clientOpts.Tokens = signer
	}

	mgrCfg := app.ManagerConfig{
		Transport: analysisclient.NewClient(clientOpts),
		IdleTTL:   sessionTTL,
		Rules: document.Rules{
			MaxBytes:          cfg.MaxUploadBytes,
			AllowedExtensions: cfg.AllowedExtensions,
		},
	}
	var closers []func() error

	if strings.TrimSpace(cfg.RedisAddr) != "" {
		snapshots, err := pkgstore.NewRedisSnapshotStore(cfg.RedisAddr, cfg.RedisPassword, "", sessionTTL)
		if err != nil {
			log.Fatalf("failed to init snapshot store: %v", err)
		}
		mgrCfg.Snapshots = snapshots
		closers = append(closers, snapshots.Close)
	} else {
		mgrCfg.Snapshots = pkgstore.NewMemorySnapshotStore(sessionTTL)
	}
	if strings.TrimSpace(cfg.EventStream) != "" {
		pub, err := events.NewRedisStreamPublisher(events.RedisStreamConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.EventStream,
		})
		if err != nil {
			log.Fatalf("failed to init event stream: %v", err)
		}
		mgrCfg.Publishers = append(mgrCfg.Publishers, pub)
		closers = append(closers, pub.Close)
	}
	if strings.TrimSpace(cfg.AMQPURL) != "" {
		pub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatalf("failed to init amqp publisher: %v", err)
		}
		mgrCfg.Publishers = append(mgrCfg.Publishers, pub)
		closers = append(closers, pub.Close)
	}
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		transcripts, err := pkgstore.NewGormTranscriptStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to init transcript store: %v", err)
		}
		mgrCfg.Transcripts = transcripts
	}
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("failed to init object store: %v", err)
		}
		mgrCfg.Objects = objects
	}

	manager, err := app.NewManager(mgrCfg)
	if err != nil {
		log.Fatalf("failed to init session manager: %v", err)
	}
	httpServer, err := server.New(server.Config{
		Manager:                   manager,
		MaxUploadBytes:            cfg.MaxUploadBytes,
		RedisAddr:                 cfg.RedisAddr,
		RedisPassword:             cfg.RedisPassword,
		AnalyzeRateLimitPerMinute: cfg.AnalyzeRateLimitPerMinute,
		TrustedProxyCIDRs:         cfg.TrustedProxyCIDRs,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}
	closers = append(closers, httpServer.Close)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 30 * time.Second,
		// analyze blocks for the whole remote call
		WriteTimeout: analysisTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr, "analysis_api", cfg.AnalysisBaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(evictInterval(sessionTTL))
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				if n := manager.EvictIdle(now.UTC()); n > 0 {
					slog.Info("idle sessions evicted", "count", n, "hosted", manager.Len())
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close dependency failed", "err", err)
		}
	}
	slog.Info("server stopped")
}

func evictInterval(ttl time.Duration) time.Duration {
	return max(min(ttl/4, time.Minute), time.Second)
}
