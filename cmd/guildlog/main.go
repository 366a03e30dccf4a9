package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"guildlog/internal/attachments"
	"guildlog/internal/bot"
	"guildlog/internal/config"
	"guildlog/internal/dispatch"
	"guildlog/internal/eventlog"
	"guildlog/internal/guildconfig"
	"guildlog/internal/heartbeat"
	"guildlog/internal/httpapi"
	"guildlog/internal/notify"
	"guildlog/internal/routing"
	"guildlog/internal/storage"
	"guildlog/internal/voice"
)

func main() {
	startedAt := time.Now()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := config.BuildLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	guilds, err := guildconfig.New(store, logger, guildconfig.Options{
		CacheSize: cfg.Cache.Size,
		CacheTTL:  time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		Defaults: guildconfig.Defaults{
			EmbedColor:     cfg.GuildDefaults.EmbedColor,
			ShowAvatars:    cfg.GuildDefaults.ShowAvatars,
			ShowTimestamps: cfg.GuildDefaults.ShowTimestamps,
		},
	})
	if err != nil {
		logger.Fatal("guild config init failed", zap.Error(err))
	}
	resolver := routing.NewResolver(guilds)

	beats, closeBeats, err := heartbeatStore(cfg, store)
	if err != nil {
		logger.Fatal("heartbeat store init failed", zap.Error(err))
	}
	defer closeBeats()

	tracker := voice.NewTracker(store, logger, voice.Options{
		MaxSession: time.Duration(cfg.Voice.MaxSessionHours) * time.Hour,
		StaleAfter: time.Duration(cfg.Voice.StaleHours) * time.Hour,
	})
	lastKnownGood, _, err := beats.LastKnownGood(ctx)
	if err != nil {
		logger.Warn("last heartbeat unreadable", zap.Error(err))
	}
	if _, err := tracker.Recover(ctx, lastKnownGood, startedAt); err != nil {
		logger.Error("voice session recovery failed", zap.Error(err))
	}

	attachmentOpts := attachments.Options{ArchivePrefix: cfg.Archive.Prefix}
	if cfg.Archive.Enabled {
		archiver, err := attachments.NewS3Archiver(ctx, cfg.Archive)
		if err != nil {
			logger.Fatal("attachment archive init failed", zap.Error(err))
		}
		attachmentOpts.Archiver = archiver
		logger.Info("attachment archive enabled", zap.String("bucket", cfg.Archive.Bucket))
	}
	preserver := attachments.NewService(store, logger, attachmentOpts)
	sink := eventlog.NewLogger(store, logger)

	session, err := bot.NewSession(cfg)
	if err != nil {
		logger.Fatal("discord session init failed", zap.Error(err))
	}
	dispatcher := dispatch.New(dispatch.Deps{
		Config:      guilds,
		Resolver:    resolver,
		Notifier:    notify.New(notify.NewSessionSender(session), guilds, logger),
		Tracker:     tracker,
		Attachments: preserver,
		Sink:        sink,
		Pruner:      guilds,
		Logger:      logger,
	})

	botSvc, err := bot.New(cfg, logger, session, bot.Deps{Dispatcher: dispatcher, Guilds: guilds, Resolver: resolver})
	if err != nil {
		logger.Fatal("bot init failed", zap.Error(err))
	}
	if err := botSvc.Start(); err != nil {
		logger.Fatal("bot start failed", zap.Error(err))
	}
	logger.Info("bot started")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return heartbeat.NewRecorder(beats, time.Duration(cfg.Heartbeat.Seconds)*time.Second, logger).Run(groupCtx)
	})
	group.Go(func() error {
		runRetention(groupCtx, sink, cfg.RetentionDays)
		return nil
	})
	group.Go(func() error {
		runVoiceSweep(groupCtx, botSvc, time.Duration(cfg.Voice.SweepMinutes)*time.Minute)
		return nil
	})

	if cfg.Health.Enabled {
		server := &http.Server{
			Addr:              cfg.Health.Addr,
			Handler:           httpapi.New(guilds, resolver, store, logger).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			logger.Info("health endpoint enabled", zap.String("addr", cfg.Health.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	<-groupCtx.Done()
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	botSvc.Close(shutdownCtx)
	if err := preserver.Wait(shutdownCtx); err != nil {
		logger.Warn("attachment archives still running at shutdown", zap.Error(err))
	}
	if err := group.Wait(); err != nil {
		logger.Error("background task failed", zap.Error(err))
	}
	// Final beat so the next start closes sessions at shutdown time.
	if err := beats.Beat(shutdownCtx, time.Now()); err != nil {
		logger.Warn("final heartbeat failed", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg config.Config) (*storage.Store, error) {
	if cfg.Database.Driver == "postgres" {
		return storage.NewPostgres(ctx, cfg.Database.URL)
	}
	return storage.New(cfg.Database.Path)
}

func heartbeatStore(cfg config.Config, store *storage.Store) (heartbeat.Store, func(), error) {
	if cfg.Redis.Addr == "" {
		return heartbeat.NewSQLStore(store), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	beats, err := heartbeat.NewRedisStore(client, "guildlog")
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return beats, func() { _ = client.Close() }, nil
}

func runRetention(ctx context.Context, sink *eventlog.Logger, retentionDays int) {
	if retentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	sink.Cleanup(ctx, retentionDays)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sink.Cleanup(ctx, retentionDays)
		}
	}
}

func runVoiceSweep(ctx context.Context, botSvc *bot.Bot, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			botSvc.SweepVoice(ctx)
		}
	}
}
