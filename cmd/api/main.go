package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"proxattend/internal/analytics"
	"proxattend/internal/attendance"
	"proxattend/internal/cloudinary"
	"proxattend/internal/config"
	"proxattend/internal/directory"
	"proxattend/internal/faceclient"
	"proxattend/internal/handler"
	"proxattend/internal/httpmiddleware"
	"proxattend/internal/identity"
	"proxattend/internal/queue"
	"proxattend/internal/store"
)

func main() {
	cfg := config.Load()
	log := config.NewLogger(cfg.LogLevel)

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, log); err != nil {
		log.Error("http server failed", "err", err)
		os.Exit(1)
	}
}

func runHTTP(cfg config.App, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	health := map[string]handler.HealthCheck{}

	var (
		sessionStore attendance.Store
		dir          attendance.Directory
		devices      handler.Devices
		history      handler.LogHistory
	)
	switch cfg.StoreBackend {
	case "memory":
		log.Warn("using in-memory session store; sessions are lost on restart")
		sessionStore = attendance.NewMemoryStore()
		dir = directory.NewMemory()
		devices = directory.NewMemoryDevices()
	default:
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		sessionStore = attendance.NewRepository(db.Client)
		dir = directory.NewPostgres(db.Client)
		devices = directory.NewPostgresDevices(db.Client)
		history = analytics.NewRepository(db.Client)
		health["db"] = db.Healthy
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		log.Warn("memory queue has no worker; attendance logs are logged and dropped")
		mq := queue.NewInMemory(64)
		if err := drainLogs(ctx, mq, log); err != nil {
			return err
		}
		q = mq
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
		health["redis"] = redisClient.Healthy
	}

	svc, err := attendance.NewService(sessionStore, dir,
		attendance.WithFreshness(cfg.SessionFreshness),
		attendance.WithLogger(log),
	)
	if err != nil {
		return err
	}

	face := faceclient.New(faceclient.Config{BaseURL: cfg.FaceServiceURL, Skip: cfg.FaceSkip})
	var uploader identity.Uploader
	if cfg.CloudinaryConfigured() {
		uploader = cloudinary.New(cloudinary.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryFolder,
		})
		log.Info("cloudinary configured", "cloud", cfg.CloudinaryCloudName)
	} else {
		log.Info("cloudinary not configured; verification requires imageUrl")
	}
	if !cfg.FaceSkip {
		health["face"] = func(ctx context.Context) bool { return face.Health(ctx) == nil }
	}

	h := handler.New(handler.Deps{
		Sessions: svc,
		Devices:  devices,
		Logs:     analytics.NewQueueSink(q),
		History:  history,
		Verifier: identity.NewFaceVerifier(face, uploader),
		Auth: handler.AuthConfig{
			Issuer:     cfg.JWTIssuer,
			SigningKey: cfg.JWTSigningKey,
			AccessTTL:  cfg.AccessTTL,
			RefreshTTL: cfg.RefreshTTL,
		},
		Health: health,
		Logger: log,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(handler.Instrument())
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	limiter := httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	h.Register(r, limiter.GinMiddleware(httpmiddleware.SubjectOrIP))

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", "port", cfg.HTTPPort, "store", cfg.StoreBackend, "queue", cfg.QueueBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced shutdown", "err", err)
	}
	log.Info("server exited")
	return nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:          24 * time.Hour,
	})
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

// drainLogs consumes the in-process queue so publishers never block on a
// buffer nobody reads.
func drainLogs(ctx context.Context, q queue.Queue, log *slog.Logger) error {
	msgs, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	go func() {
		for msg := range msgs {
			entry, err := analytics.Decode(msg)
			if err != nil {
				log.Warn("dropping queue message", "type", msg.Type, "err", err)
				continue
			}
			log.Info("attendance log dropped", "token", entry.Token, "section", entry.Branch+"-"+entry.Section, "marks", len(entry.Attendance))
		}
	}()
	return nil
}
