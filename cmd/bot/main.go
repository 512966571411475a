package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/digkill/WellyBot/internal/admin"
	"github.com/digkill/WellyBot/internal/config"
	"github.com/digkill/WellyBot/internal/database"
	"github.com/digkill/WellyBot/internal/delivery"
	"github.com/digkill/WellyBot/internal/kie"
	"github.com/digkill/WellyBot/internal/lock"
	"github.com/digkill/WellyBot/internal/repository"
	"github.com/digkill/WellyBot/internal/service"
	"github.com/digkill/WellyBot/internal/storage"
	"github.com/digkill/WellyBot/internal/telegram"
	"github.com/digkill/WellyBot/internal/yookassa"
	"github.com/digkill/WellyBot/pkg/logger"
)

// lockTTLMargin covers upload and delivery time on top of the poll budget.
const lockTTLMargin = 5 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logr := logger.New(cfg.LogLevel)
	if err := run(cfg, logr); err != nil {
		logr.Fatal().Err(err).Msg("wellybot stopped")
	}
}

func run(cfg config.Config, logr zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg)
	if err != nil {
		return fmt.Errorf("database connect: %w", err)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db, cfg.DatabaseDriver); err != nil {
		return fmt.Errorf("database migrate: %w", err)
	}

	botAPI, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, tgbotapi.APIEndpoint, &http.Client{Timeout: 90 * time.Second})
	if err != nil {
		return fmt.Errorf("telegram bot: %w", err)
	}

	userRepo := repository.NewUserRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	packageRepo := repository.NewPackageRepository(db)
	generationRepo := repository.NewGenerationRepository(db)

	specs, err := config.LoadPackages(cfg.PackagesFile, cfg.PaymentCurrency)
	if err != nil {
		return fmt.Errorf("load packages: %w", err)
	}
	packageService := service.NewPackageService(packageRepo, cfg.PaymentCurrency, specs)
	if err := packageService.EnsureDefaults(ctx); err != nil {
		return fmt.Errorf("ensure default packages: %w", err)
	}

	ledger := service.NewCreditLedger(userRepo)
	userService := service.NewUserService(userRepo, cfg.WelcomeGenerations)
	referralService := service.NewReferralService(userRepo, ledger, cfg.ReferralBonusGenerations)

	gateway := yookassa.NewClient(yookassa.Config{
		ShopID:    cfg.YooKassaShopID,
		SecretKey: cfg.YooKassaSecretKey,
		ReturnURL: cfg.YooKassaReturnURL,
	}, &http.Client{Timeout: 30 * time.Second})
	paymentService := service.NewPaymentService(gateway, paymentRepo, packageService, ledger, cfg.YooKassaPollInterval, logr)

	channel := telegram.NewChannel(botAPI, &http.Client{Timeout: cfg.KIECallTimeout}, telegram.ChannelOptions{}, logr)
	paymentService.SetNotifier(channel)

	locks, closeLocks, err := newLockSet(ctx, cfg, logr)
	if err != nil {
		return err
	}
	defer closeLocks()

	kieClient := kie.NewClient(kie.OptionsFromConfig(cfg), &http.Client{}, logr)
	uploader, err := newUploader(cfg, kieClient)
	if err != nil {
		return err
	}

	adapter := delivery.NewAdapter(channel, &http.Client{}, delivery.Options{
		MaxPhotoBytes: cfg.TelegramPhotoMaxBytes,
		CallTimeout:   cfg.KIECallTimeout,
	}, logr)

	generationService := service.NewGenerationService(service.GenerationDeps{
		Images:    channel,
		Uploader:  uploader,
		Jobs:      kieClient,
		Messenger: channel,
		Delivery:  adapter,
		Locks:     locks,
		Ledger:    ledger,
		Recorder:  generationRepo,
		Logger:    logr,
	})

	bot := telegram.NewBot(cfg, botAPI, channel, telegram.Services{
		Users:      userService,
		Referrals:  referralService,
		Ledger:     ledger,
		Packages:   packageService,
		Payments:   paymentService,
		Generation: generationService,
	}, logr)

	adminServer := admin.NewServer(admin.Config{
		Addr:     cfg.AdminListenAddr,
		Username: cfg.AdminUsername,
		Password: cfg.AdminPassword,
	}, admin.Deps{
		Users:    userService,
		Packages: packageService,
		Payments: paymentService,
		Ledger:   ledger,
		Sender:   channel,
		History:  generationRepo,
	}, logr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bot.Run(gctx) })
	g.Go(func() error { return adminServer.Run(gctx) })
	g.Go(func() error { return paymentService.RunPoller(gctx) })

	err = g.Wait()
	logr.Info().Msg("waiting for in-flight generations")
	generationService.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logr.Info().Msg("wellybot stopped")
	return nil
}

func newLockSet(ctx context.Context, cfg config.Config, logr zerolog.Logger) (lock.Set, func(), error) {
	if cfg.LockBackend != config.BackendRedis {
		return lock.NewMemory(), func() {}, nil
	}
	r, err := lock.NewRedis(ctx, lock.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      cfg.KIEMaxPoll + lockTTLMargin,
	}, logr)
	if err != nil {
		return nil, nil, fmt.Errorf("redis lock: %w", err)
	}
	return r, func() {
		if err := r.Close(); err != nil {
			logr.Warn().Err(err).Msg("close redis lock")
		}
	}, nil
}

func newUploader(cfg config.Config, kieClient *kie.Client) (service.ImageUploader, error) {
	if cfg.UploadBackend != config.BackendS3 {
		return kieClient, nil
	}
	uploader, err := storage.NewUploader(storage.ConfigFrom(cfg))
	if err != nil {
		return nil, fmt.Errorf("storage uploader: %w", err)
	}
	return uploader, nil
}
