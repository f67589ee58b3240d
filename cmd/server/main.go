package main

import (
	"context"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"mdm-backend/internal/admin"
	"mdm-backend/internal/auth"
	"mdm-backend/internal/config"
	"mdm-backend/internal/engine"
	"mdm-backend/internal/instrument"
	"mdm-backend/internal/metadata"
	"mdm-backend/internal/store"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (port: %d, driver: %s)", cfg.Server.Port, cfg.Database.Driver)

	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	if err := db.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap system tables: %v", err)
	}
	log.Println("System tables ready")

	reg := metadata.NewRegistry()
	if err := metadata.LoadAll(ctx, db.DB, reg); err != nil {
		log.Printf("WARN: Failed to load metadata: %v", err)
	}

	repo := engine.NewRepository(db)
	eval := engine.NewEvaluator(reg, repo)
	checker := engine.NewChecker(eval, cfg.Engine.EvaluationTimeout())
	audit := engine.NewAuditRecorder(db)
	bus := engine.NewBus()
	bus.Subscribe("*", func(evt engine.Event) {
		log.Printf("event %s table=%s record=%s", evt.Type, evt.Table, evt.RecordID)
	})

	service := engine.NewService(reg, repo, checker, eval, audit, bus,
		cfg.Engine.DefaultPageSize, cfg.Engine.MaxPageSize)

	scheduler := engine.NewScheduler(reg, repo, service, checker, cfg.Engine.ScheduledBatchSize)
	if err := scheduler.Start(cfg.Engine.ScheduledCron); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	defer scheduler.Stop()

	recorder := instrument.NewRecorder(0)

	app := fiber.New(fiber.Config{
		ErrorHandler: engine.FiberErrorHandler,
	})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))
	app.Use(instrument.Middleware(recorder))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	authMW := auth.Authenticate(cfg.JWTSecret)
	adminMW := auth.Authenticate(cfg.JWTSecret, "admin")

	app.Get("/stats", adminMW, func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"data": recorder.Stats()})
	})

	adminHandler := admin.NewHandler(admin.NewService(db, reg), scheduler)
	admin.RegisterRoutes(app.Group("", adminMW), adminHandler)

	app.Use("/api", authMW)
	engine.RegisterRoutes(app, engine.NewHandler(service))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Starting server on %s", addr)
	log.Fatal(app.Listen(addr))
}
