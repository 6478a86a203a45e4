package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"geoattend/internal/agent"
	"geoattend/internal/camera"
	"geoattend/internal/cloudinary"
	"geoattend/internal/config"
	"geoattend/internal/face"
	"geoattend/internal/faceclient"
	"geoattend/internal/queue"
	"geoattend/internal/recorder"
	"geoattend/internal/reference"
	"geoattend/internal/remote"
	"geoattend/internal/store"
	"geoattend/internal/verification"
)

// Agent runs on the attendance device and drives verification sessions
// for the local UI shell.
func main() {
	cfg := config.Load()

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	if err := cfg.CheckFaceMode(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.FaceSkip {
		log.Println("WARNING: FACE_SKIP set, every image yields the same mock face")
	}
	if !cfg.CloudinaryConfigured() {
		log.Fatalf("cloudinary must be configured to fetch reference images")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.CachePath), 0o755); err != nil {
		log.Fatalf("cache dir: %v", err)
	}
	cache, err := store.OpenLocalCache(cfg.CachePath)
	if err != nil {
		log.Fatalf("open cache %s: %v", cfg.CachePath, err)
	}
	defer cache.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	api := remote.New(cfg.APIBaseURL, cfg.DeviceID, cfg.RemoteTimeout)
	startCtx, cancelStart := context.WithTimeout(context.Background(), 15*time.Second)
	if err := api.Register(startCtx); err != nil {
		log.Printf("WARNING: device registration failed, will retry on first request: %v", err)
	}
	detector := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	if !cfg.FaceSkip {
		if err := detector.Health(startCtx); err != nil {
			log.Printf("WARNING: face service not available: %v", err)
		} else {
			log.Println("face service connected")
		}
	}
	cancelStart()

	var hedger recorder.Hedger
	if cfg.HedgeMode == "queue" {
		hedger = recorder.QueueHedger{Queue: queue.NewRedisQueue(redisClient.Client, cfg.HedgeQueueKey)}
		log.Printf("hedge writes queued on %s", cfg.HedgeQueueKey)
	}
	rec := recorder.New(api, redisClient.Documents(), redisClient.Profiles(), hedger)

	cdn := cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
	feed := verification.NewLocationFeed()

	var cams verification.CameraProvider
	var frames *verification.FrameCamera
	if cfg.CameraURL != "" {
		cams = camera.NewSnapshot(cfg.CameraURL)
		log.Printf("capturing from %s", cfg.CameraURL)
	} else {
		frames = verification.NewFrameCamera()
		cams = frames
		log.Println("capturing frames pushed by the client")
	}

	orch := verification.New(
		cams,
		feed,
		face.NewExtractor(detector, cfg.PresenceMinFaceSize),
		reference.NewProvider(cdn),
		rec,
	)

	a := &agent.Agent{
		Orchestrator: orch,
		Feed:         feed,
		Frames:       frames,
		Remote:       api,
		Backup:       redisClient.Documents(),
		Identities:   redisClient.Profiles(),
		Cache:        cache,
		DeviceID:     cfg.DeviceID,
		Origins:      cfg.CORSOrigins,
	}

	// No write timeout: the event stream stays open for the whole session.
	srv := &http.Server{
		Addr:        ":" + cfg.AgentPort,
		Handler:     a.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("agent %s listening on :%s", cfg.DeviceID, cfg.AgentPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down agent...")

	if err := a.Close(); err != nil {
		log.Printf("end session: %v", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}
	if err := rec.Close(shutdownCtx); err != nil {
		log.Printf("pending background writes abandoned: %v", err)
	}
	log.Println("agent exited")
}
