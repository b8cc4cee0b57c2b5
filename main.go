package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/opsbridge/sshbroker/internal/audit"
	"github.com/opsbridge/sshbroker/internal/config"
	"github.com/opsbridge/sshbroker/internal/handlers"
	"github.com/opsbridge/sshbroker/internal/logging"
	"github.com/opsbridge/sshbroker/internal/profile"
	"github.com/opsbridge/sshbroker/internal/session"
)

func main() {
	config.Load()
	logging.Init()
	defer logging.Close()

	if err := audit.Init(config.Cfg.DatabasePath); err != nil {
		log.Fatalf("Audit database init: %v", err)
	}
	defer audit.Close()

	profiles, err := profile.NewStore(config.Cfg.ProfilesPath, config.Cfg.DefaultCommandTimeout)
	if err != nil {
		log.Fatalf("Profile store init: %v", err)
	}
	handlers.Profiles = profiles
	log.Printf("Loaded %d profiles from %s", profiles.Metadata().TotalProfiles, config.Cfg.ProfilesPath)

	sessions := session.NewManager(session.NewSSHTransport(config.Cfg.ConnectTimeout), session.Options{
		ConnectTimeout:    config.Cfg.ConnectTimeout,
		DefaultTimeout:    config.Cfg.DefaultCommandTimeout,
		KeepaliveInterval: config.Cfg.KeepaliveInterval,
		ProbeTimeout:      config.Cfg.RecoveryProbeTimeout,
	})
	handlers.Sessions = sessions

	// Daily audit retention sweep.
	sched := cron.New()
	retention := time.Duration(config.Cfg.AuditRetentionDays) * 24 * time.Hour
	sched.AddFunc("@daily", func() {
		n, err := audit.PurgeOlderThan(retention)
		if err != nil {
			log.Printf("Audit purge: %v", err)
			return
		}
		if n > 0 {
			log.Printf("Audit purge: removed %d records older than %d days", n, config.Cfg.AuditRetentionDays)
		}
	})
	sched.Start()
	defer sched.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/connections", func(r chi.Router) {
			r.Post("/", handlers.Connect)
			r.Get("/", handlers.ListConnections)
			r.Route("/{handle}", func(r chi.Router) {
				r.Delete("/", handlers.Disconnect)
				r.Post("/execute", handlers.Execute)
				r.Post("/execute-batch", handlers.ExecuteBatch)
				r.Post("/recover", handlers.Recover)
				r.Post("/sudo-test", handlers.SudoTest)
				r.Get("/events", handlers.SessionEvents)
			})
		})

		r.Route("/profiles", func(r chi.Router) {
			r.Get("/", handlers.ListProfiles)
			r.Post("/reload", handlers.ReloadProfiles)
			r.Get("/{name}", handlers.ProfileInfo)
		})

		r.Post("/analyze-command", handlers.AnalyzeCommand)
		r.Get("/audit", handlers.AuditLog)
		r.Get("/server-logs", handlers.GetServerLogs)
		r.Delete("/server-logs", handlers.ClearServerLogs)
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	sessions.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
