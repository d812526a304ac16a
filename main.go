package main

import (
	"context"
	"fmt"
	"os"

	"fuelq-chat/chat"
	"fuelq-chat/config"
	"fuelq-chat/controller"
	"fuelq-chat/database"
	"fuelq-chat/event"
	"fuelq-chat/router"
	"fuelq-chat/socket"
	"fuelq-chat/utils"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	log := logger.WithField("service", "fuelq-chat")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	var db *gorm.DB
	switch cfg.DBDriver {
	case config.DriverSQLite:
		db, err = database.SQLiteConnect(cfg.SQLiteDSN, log)
	default:
		db, err = database.PostgresConnect(cfg.PostgresDSN(), log)
	}
	if err != nil {
		log.WithError(err).Fatal("database unavailable")
	}

	redisClients, err := database.RedisConnect(context.Background(), cfg.RedisAddr(), cfg.RedisPassword,
		[]int{cfg.RedisTokenDB, cfg.RedisPresenceDB}, log)
	if err != nil {
		log.WithError(err).Fatal("redis unavailable")
	}

	enforcer, err := database.Casbin(db)
	if err != nil {
		log.WithError(err).Fatal("casbin unavailable")
	}

	var bus event.Bus
	switch cfg.EventBus {
	case config.BusRabbitMQ:
		bus, err = event.RabbitMQConnect(cfg.RabbitMQURL(), event.DefaultExchange, log.WithField("component", "bus"))
		if err != nil {
			log.WithError(err).Fatal("rabbitmq unavailable")
		}
	default:
		bus = event.NewLocalBus()
	}

	var presence chat.PresenceStore
	switch cfg.PresenceStore {
	case config.PresenceRedis:
		presence = chat.NewRedisPresence(redisClients[cfg.RedisPresenceDB])
	default:
		presence = chat.NewMemoryPresence()
	}

	tokens := utils.NewTokenManager(cfg.JWTAccessKey, cfg.JWTRefreshKey, cfg.JWTAccessExpire, cfg.JWTRefreshExpire)
	tokenStore := utils.NewRedisTokenStore(redisClients[cfg.RedisTokenDB])

	chatLog := log.WithField("component", "chat")
	registry := chat.NewRegistry(db, bus, chatLog)
	dispatcher := chat.NewDispatcher(chat.NewStore(db), registry, presence, bus, chatLog)
	tracker := chat.NewTracker(presence, registry, bus, log.WithField("component", "presence"))
	typing := chat.NewTyping(registry, presence, bus, cfg.TypingTTL, log.WithField("component", "typing"))
	hub := socket.NewHub(socket.DefaultQueueSize, log.WithField("component", "socket"))
	bus.Subscribe(hub.Deliver)

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		StrictRouting:         true,
		AppName:               "fuelq-chat",
		BodyLimit:             cfg.UploadMaxBytes + 1<<20,
		ErrorHandler:          router.ErrorHandler,
	})
	app.Use(recover.New())
	app.Use(cors.New())

	httpLog := log.WithField("component", "http")
	router.Rest(app, router.Handlers{
		Auth: controller.NewAuth(db, tokens, tokenStore, enforcer, controller.AuthOptions{
			Issuer:     cfg.OtpIssuer,
			BcryptCost: cfg.BcryptCost,
			RefreshTTL: cfg.JWTRefreshExpire,
		}, httpLog),
		User: controller.NewUser(registry, cfg.UploadMaxBytes, httpLog),
		Chat: controller.NewChat(registry, dispatcher, controller.ChatOptions{
			PageSize:  cfg.PageSize,
			MaxUpload: cfg.UploadMaxBytes,
		}, httpLog),
		Admin:    controller.NewAdmin(registry, hub, httpLog),
		JWTKey:   tokens.AccessKey(),
		Enforcer: enforcer,
		Socket: &router.Socket{
			Hub:      hub,
			Tokens:   tokens,
			Tracker:  tracker,
			Registry: registry,
			Typing:   typing,
			Unread:   dispatcher,
			Log:      log.WithField("component", "socket"),
		},
	})

	go func() {
		if err := app.Listen(fmt.Sprintf(":%s", cfg.ServerPort)); err != nil {
			log.WithError(err).Fatal("server stopped")
		}
	}()
	log.WithField("port", cfg.ServerPort).Info("listening")

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			// One operation so the teardown keeps its order.
			"fuelq-chat": func(ctx context.Context) error {
				log.Info("graceful shutdown initiated")
				if err := app.ShutdownWithContext(ctx); err != nil {
					log.WithError(err).Warn("fiber shutdown")
				}
				typing.Close()
				if err := hub.Close(); err != nil {
					log.WithError(err).Warn("socket hub shutdown")
				}
				if err := bus.Close(); err != nil {
					log.WithError(err).Warn("bus shutdown")
				}
				for _, client := range redisClients {
					_ = client.Close()
				}
				if sqlDB, err := db.DB(); err == nil {
					return sqlDB.Close()
				}
				return nil
			},
		},
	)

	code := <-wait
	log.WithField("code", code).Info("exited")
	os.Exit(code)
}
