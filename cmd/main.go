package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"metaregistry/internal/config"
	"metaregistry/internal/handler"
	"metaregistry/internal/repository"
	"metaregistry/internal/service"
	"metaregistry/internal/service/s3"
)

func connectWithRetry(dsn string, maxAttempts int, delay time.Duration) (*sqlx.DB, error) {
	var db *sqlx.DB
	var err error
	for i := 0; i < maxAttempts; i++ {
		db, err = sqlx.Connect("postgres", dsn)
		if err == nil {
			return db, nil
		}
		log.Printf("Failed to connect to database (attempt %d/%d): %v", i+1, maxAttempts, err)
		time.Sleep(delay)
	}
	return nil, fmt.Errorf("failed to connect after %d attempts: %w", maxAttempts, err)
}

func runMigrations(cfg *config.Config) error {
	m, err := migrate.New("file://migrations", cfg.Database.GetURL())
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func main() {
	appConfig, err := config.NewConfig(".app.env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := connectWithRetry(appConfig.Database.GetDSN(), 5, time.Second*5)
	if err != nil {
		log.Fatalf("Failed to connect to database after retries: %v", err)
	}
	defer db.Close()

	if err := runMigrations(appConfig); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	envelopeRepo := repository.NewEnvelopeRepository(db)

	var schema *service.SchemaValidator
	if appConfig.Registry.SchemaPath != "" {
		schema, err = service.NewSchemaValidator(appConfig.Registry.SchemaPath)
		if err != nil {
			log.Fatalf("Failed to load resource schema: %v", err)
		}
	}

	envelopeService := service.NewEnvelopeService(
		envelopeRepo,
		schema,
		appConfig.Server.BaseURL,
		appConfig.Registry.ListDeleted,
	)
	envelopeHandler := handler.NewEnvelopeHandler(envelopeService)

	var dumpService *service.DumpService
	if appConfig.Registry.DumpEnabled {
		s3Config, err := s3.NewConfig(".s3.env")
		if err != nil {
			log.Fatalf("Failed to load S3 config: %v", err)
		}
		s3Client, err := s3.NewClient(s3Config)
		if err != nil {
			log.Fatalf("Failed to create S3 client: %v", err)
		}
		dumpService = service.NewDumpService(envelopeRepo, s3Client, appConfig.Registry.DumpKeep)
	}

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/envelopes", func(r chi.Router) {
			r.Post("/", envelopeHandler.Publish)
			r.Get("/", envelopeHandler.List)
			r.Delete("/", envelopeHandler.DeleteByURL)

			r.Route("/{envelopeID}", func(r chi.Router) {
				r.Get("/", envelopeHandler.Retrieve)
				r.Patch("/", envelopeHandler.Update)
				r.Delete("/", envelopeHandler.Delete)
				r.Get("/versions/{versionID}", envelopeHandler.RetrieveVersion)
			})
		})

		if dumpService != nil {
			dumpHandler := handler.NewDumpHandler(dumpService)
			r.Post("/dumps", dumpHandler.Create)
		}
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", appConfig.Server.Port),
		Handler: r,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting HTTP server on port %s", appConfig.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	if dumpService != nil {
		dumpTicker := time.NewTicker(time.Duration(appConfig.Registry.DumpIntervalHours) * time.Hour)
		go func() {
			for {
				select {
				case <-dumpTicker.C:
					key, err := dumpService.Dump(context.Background())
					if err != nil {
						log.Printf("Error during scheduled dump: %v", err)
						continue
					}
					log.Printf("Wrote registry dump %s", key)
				case <-quit:
					dumpTicker.Stop()
					return
				}
			}
		}()
	}

	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server forced to shutdown: %v", err)
	}

	if err := db.Close(); err != nil {
		log.Printf("Error closing database connection: %v", err)
	}

	log.Println("Server exited properly")
}
