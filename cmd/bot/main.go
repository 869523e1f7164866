package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/comment-ai-tgbot-go/internal/chat"
	"github.com/comment-ai-tgbot-go/internal/config"
	"github.com/comment-ai-tgbot-go/internal/dispatch"
	"github.com/comment-ai-tgbot-go/internal/feedback"
	"github.com/comment-ai-tgbot-go/internal/handlers"
	"github.com/comment-ai-tgbot-go/internal/i18n"
	"github.com/comment-ai-tgbot-go/internal/middleware"
	"github.com/comment-ai-tgbot-go/internal/services/ai"
	"github.com/comment-ai-tgbot-go/internal/services/cache"
	"github.com/comment-ai-tgbot-go/internal/session"
	"github.com/comment-ai-tgbot-go/internal/storage"
	"github.com/comment-ai-tgbot-go/pkg/logger"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	// Load .env file if exists
	if err := godotenv.Load(*envFile); err != nil {
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("Starting comment assistant bot...")

	bot, err := tgbotapi.NewBotAPI(cfg.Bot.Token)
	if err != nil {
		log.WithError(err).Fatal("Failed to create bot")
	}

	bot.Debug = cfg.Logging.Level == "debug"
	log.WithField("username", bot.Self.UserName).Info("Bot authorized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handler work runs on its own context so events already queued when
	// shutdown starts can still finish during the drain.
	workCtx, workCancel := context.WithCancel(context.Background())
	defer workCancel()

	storageManager, err := storage.NewManager(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize storage")
	}

	aiService := ai.NewClient(&cfg.Models, cfg.Generation, log)

	cacheService, err := cache.NewService(&cfg.Cache, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize cache")
	}

	rateLimiter := middleware.NewRateLimiter(&cfg.RateLimit, log)

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize i18n")
	}

	metrics := middleware.NewMetrics()

	if cfg.Monitoring.Metrics.Enabled {
		go func() {
			log.WithFields(logrus.Fields{
				"port": cfg.Monitoring.Metrics.Port,
				"path": cfg.Monitoring.Metrics.Path,
			}).Info("Starting metrics server")

			if err := middleware.StartMetricsServer(cfg.Monitoring.Metrics.Port, cfg.Monitoring.Metrics.Path); err != nil {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	storageManager.SetObserver(metrics.RecordStorageOp)

	sessions := session.NewStore(cfg.Session.TTL, log)
	chatManager := chat.NewManager(storageManager, cfg.Chats, cfg.Sweep, log)
	aggregator := feedback.NewAggregator(storageManager, cfg.Feedback, cfg.Sweep, log)
	dispatcher := dispatch.NewDispatcher(ctx, cfg.Dispatch.QueueSize, log)

	commandHandler := handlers.NewCommandHandler(
		bot,
		cfg,
		aiService,
		chatManager,
		aggregator,
		storageManager,
		sessions,
		metrics,
		localizer,
		log,
	)

	messageHandler := handlers.NewMessageHandler(
		bot,
		cfg,
		aiService,
		cacheService,
		chatManager,
		aggregator,
		storageManager,
		sessions,
		rateLimiter,
		metrics,
		localizer,
		log,
	)

	// Setup update channel
	var updates tgbotapi.UpdatesChannel

	if cfg.Bot.Webhook.Enabled {
		webhookURL := fmt.Sprintf("%s/%s", cfg.Bot.Webhook.URL, bot.Token)
		webhook, err := tgbotapi.NewWebhook(webhookURL)
		if err != nil {
			log.WithError(err).Fatal("Failed to create webhook")
		}

		if _, err := bot.Request(webhook); err != nil {
			log.WithError(err).Fatal("Failed to set webhook")
		}

		updates = bot.ListenForWebhook("/" + bot.Token)
		log.WithField("url", webhookURL).Info("Webhook set")
	} else {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = cfg.Bot.UpdateTimeout

		updates = bot.GetUpdatesChan(u)
		log.Info("Using long polling")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Retention sweeps
	chatManager.SetSweepObserver(func(removed int) { metrics.RecordSweepRemovals("chats", removed) })
	aggregator.SetSweepObserver(func(removed int) { metrics.RecordSweepRemovals("feedback", removed) })
	chatManager.StartSweeper(ctx)
	aggregator.StartSweeper(ctx)

	go watchStorageHealth(ctx, storageManager, metrics)

	// Main bot loop. Each update is queued on its sender's serial queue
	// so one user's events never interleave; a full queue gets an
	// immediate busy reply instead of blocking the loop.
	go func() {
		for update := range updates {
			if update.CallbackQuery != nil {
				callback := update.CallbackQuery
				accepted := dispatcher.Submit(callback.From.ID, func() {
					if err := commandHandler.HandleCallbackQuery(workCtx, callback); err != nil {
						log.WithError(err).Error("Failed to handle callback query")
					}
				})
				if !accepted {
					metrics.RecordBusyRejection()
					bot.Request(tgbotapi.NewCallback(callback.ID, localizer.Get(cfg.I18n.DefaultLanguage, i18n.MsgBusy, nil)))
				}
				continue
			}

			if update.Message == nil || update.Message.From == nil {
				continue
			}

			message := update.Message

			chatType := "private"
			if message.Chat.IsGroup() || message.Chat.IsSuperGroup() {
				chatType = "group"
			}
			metrics.RecordMessageReceived(chatType)

			var accepted bool
			if message.IsCommand() {
				metrics.RecordCommandExecuted(message.Command())
				accepted = dispatcher.Submit(message.From.ID, func() {
					if err := commandHandler.HandleCommand(workCtx, message); err != nil {
						log.WithError(err).Error("Failed to handle command")
						metrics.RecordMessageProcessed("error")
					} else {
						metrics.RecordMessageProcessed("success")
					}
				})
			} else {
				accepted = dispatcher.Submit(message.From.ID, func() {
					if err := messageHandler.HandleMessage(workCtx, message); err != nil {
						log.WithError(err).Error("Failed to handle message")
						metrics.RecordMessageProcessed("error")
					} else {
						metrics.RecordMessageProcessed("success")
					}
				})
			}
			if !accepted {
				metrics.RecordBusyRejection()
				msg := tgbotapi.NewMessage(message.Chat.ID, localizer.Get(cfg.I18n.DefaultLanguage, i18n.MsgBusy, nil))
				if _, err := bot.Send(msg); err != nil {
					log.WithError(err).Error("Failed to send busy reply")
				}
			}
		}
	}()

	<-sigChan
	log.Info("Shutdown signal received")

	if cfg.Bot.Webhook.Enabled {
		if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
			log.WithError(err).Error("Failed to delete webhook")
		}
	}

	bot.StopReceivingUpdates()
	cancel()

	// Let in-flight per-user work finish before releasing storage.
	done := make(chan struct{})
	go func() {
		dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn("Timed out waiting for workers to drain")
	}
	workCancel()

	if err := storageManager.Close(); err != nil {
		log.WithError(err).Error("Failed to close storage")
	}

	log.Info("Bot stopped")
}

// watchStorageHealth mirrors the backend's degraded flag into the
// metrics gauge.
func watchStorageHealth(ctx context.Context, store *storage.Manager, metrics *middleware.Metrics) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetStorageDegraded(store.Degraded())
		}
	}
}
