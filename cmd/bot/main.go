package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/digkill/AIImageBot/internal/admin"
	"github.com/digkill/AIImageBot/internal/app"
	"github.com/digkill/AIImageBot/internal/config"
	"github.com/digkill/AIImageBot/internal/events"
	"github.com/digkill/AIImageBot/internal/genai"
	"github.com/digkill/AIImageBot/internal/payment"
	"github.com/digkill/AIImageBot/internal/ratelimit"
	"github.com/digkill/AIImageBot/internal/safety"
	"github.com/digkill/AIImageBot/internal/service"
	"github.com/digkill/AIImageBot/internal/storage"
	"github.com/digkill/AIImageBot/internal/telegram"
	"github.com/digkill/AIImageBot/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	accounts, closeStore, err := app.OpenLedger(ctx, cfg, logr)
	if err != nil {
		log.Fatalf("ledger: %v", err)
	}
	defer closeStore()

	filter, err := safety.New(safety.Options{
		MinLength: cfg.MinPromptLength,
		MaxLength: cfg.MaxPromptLength,
	}, logr)
	if err != nil {
		log.Fatalf("safety filter: %v", err)
	}

	gen, err := newGenerator(cfg, logr)
	if err != nil {
		log.Fatalf("generation backend: %v", err)
	}

	limiter, closeLimiter := newLimiter(cfg, logr)
	defer closeLimiter()

	var results service.ResultStore
	storageCfg := storage.Config{
		Endpoint:      cfg.S3Endpoint,
		Region:        cfg.S3Region,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		PublicBaseURL: cfg.S3PublicBaseURL,
		UsePathStyle:  cfg.S3UsePathStyle,
		Prefix:        cfg.S3Prefix,
	}
	if storageCfg.Enabled() {
		uploader, err := storage.NewUploader(storageCfg)
		if err != nil {
			log.Fatalf("storage uploader: %v", err)
		}
		results = uploader
	} else {
		logr.Info("object storage disabled, backend urls are recorded as-is")
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.AMQPURL != "" {
		amqpPub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPQueue, logr)
		if err != nil {
			log.Fatalf("event publisher: %v", err)
		}
		defer amqpPub.Close()
		publisher = amqpPub
	}

	issuer := payment.NewIssuer(payment.Config{
		PayPalClientID:  cfg.PayPalClientID,
		PayPalSecret:    cfg.PayPalSecret,
		PayPalMode:      cfg.PayPalMode,
		StripeSecretKey: cfg.StripeSecretKey,
		BTCWallet:       cfg.BTCWallet,
		USDTWallet:      cfg.USDTWallet,
	}, accounts, publisher, logr)
	settlement := payment.NewSettlement(accounts, publisher, cfg.SubscriptionDays, logr)

	controller := service.NewAccessController(filter, accounts, gen, limiter, results, logr)

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatalf("telegram bot: %v", err)
	}

	bot := telegram.NewBot(telegram.Options{
		AdminUserID:       cfg.AdminUserID,
		FreeCredits:       cfg.FreeCredits,
		SubscriptionPrice: cfg.SubscriptionPrice,
		SubscriptionDays:  cfg.SubscriptionDays,
	}, botAPI, logr, accounts, controller, issuer)

	adminServer := admin.NewServer(admin.Options{
		Addr:          cfg.AdminListenAddr,
		Username:      cfg.AdminUsername,
		Password:      cfg.AdminPassword,
		WebhookSecret: cfg.WebhookSecret,
	}, logr, accounts, settlement, botAPI)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return adminServer.Run(gctx) })
	g.Go(func() error { return bot.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("service stopped", "err", err)
	}
	logr.Info("shutdown complete")
}

// newGenerator always uses OpenAI for chat and voice. IMAGE_PROVIDER=kie
// moves image generation to kie.ai.
func newGenerator(cfg config.Config, logr *slog.Logger) (genai.Service, error) {
	base, err := genai.NewOpenAI(genai.OpenAIConfig{
		APIKey:     cfg.OpenAIAPIKey,
		BaseURL:    cfg.OpenAIBaseURL,
		ChatModel:  cfg.OpenAIChatModel,
		ImageModel: cfg.OpenAIImageModel,
		Voice:      cfg.OpenAIVoice,
	}, logr)
	if err != nil {
		return nil, err
	}
	if cfg.ImageProvider != "kie" {
		return base, nil
	}
	kie, err := genai.NewKIE(genai.KIEConfig{
		APIKey:  cfg.KIEAPIKey,
		BaseURL: cfg.KIEBaseURL,
		Model:   cfg.KIEModel,
		Timeout: cfg.RequestTimeout,
	}, logr)
	if err != nil {
		return nil, err
	}
	return genai.WithImageBackend(base, kie), nil
}

// newLimiter shares buckets through Redis when REDIS_ADDR is set, so several
// bot replicas enforce one budget per user.
func newLimiter(cfg config.Config, logr *slog.Logger) (ratelimit.Limiter, func()) {
	rlCfg := ratelimit.Config{
		Capacity: cfg.RateLimitCapacity,
		Interval: cfg.RateLimitInterval,
	}
	if cfg.RedisAddr == "" {
		return ratelimit.NewLocal(rlCfg), func() {}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	logr.Info("using redis rate limiter", "addr", cfg.RedisAddr)
	return ratelimit.NewRedis(rlCfg, rdb), func() {
		if err := rdb.Close(); err != nil {
			logr.Warn("close redis", "err", err)
		}
	}
}
