package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"geoattend/internal/api"
	"geoattend/internal/attendance"
	"geoattend/internal/auth"
	"geoattend/internal/cloudinary"
	"geoattend/internal/config"
	"geoattend/internal/httpmiddleware"
	"geoattend/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if db == nil {
		return err
	}
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	repo := attendance.NewRepository(db.Client)
	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 15*time.Second)
	if err := repo.Migrate(migrateCtx); err != nil {
		log.Printf("warning: migration failed: %v", err)
	}
	cancelMigrate()

	// Enrollment stays disabled until Cloudinary is configured.
	var images attendance.ReferenceUploader
	if cfg.CloudinaryConfigured() {
		images = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("cloudinary configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("cloudinary not configured, reference enrollment disabled")
	}

	srv := &api.Server{
		Service:  attendance.NewService(repo, images),
		Tokens:   repo,
		Issuer:   auth.NewIssuer(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL),
		Limiter:  httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin),
		Checks:   map[string]api.Checker{"db": db, "redis": redisClient},
		Origins:  cfg.CORSOrigins,
		AdminKey: cfg.AdminKey,
	}

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting api on :%s", cfg.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down api...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}
	log.Println("api exited")
	return nil
}
