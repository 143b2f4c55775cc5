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

	"leafmatch/internal/cache"
	"leafmatch/internal/config"
	"leafmatch/internal/httpapi"
	"leafmatch/internal/match"
	"leafmatch/internal/notify"
	"leafmatch/internal/reservation"
	"leafmatch/internal/service"
	"leafmatch/internal/store"
	"leafmatch/internal/store/memory"
	pgstore "leafmatch/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		} else {
			repo = pg
			closers = append(closers, pg.Close)
			log.Println("repository: postgres")
		}
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	if err := validateQuizBank(ctx, repo); err != nil {
		log.Fatalf("invalid quiz configuration: %v", err)
	}

	cacheStore := cache.MatchCache(cache.NoopMatchCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisMatchCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop cache", err)
		} else {
			cacheStore = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("cache: redis")
		}
	} else {
		log.Println("cache: noop")
	}

	notifier := notify.Notifier(notify.LogNotifier{})
	if cfg.AMQPURL != "" {
		amqpNotifier, err := notify.NewAMQPNotifier(cfg.AMQPURL)
		if err != nil {
			log.Printf("amqp unavailable (%v), using log notifier", err)
		} else {
			notifier = amqpNotifier
			closers = append(closers, amqpNotifier.Close)
			log.Println("notifier: amqp")
		}
	} else {
		log.Println("notifier: log")
	}

	matcher := match.NewEngine(cacheStore, time.Duration(cfg.MatchCacheTTLSeconds)*time.Second)
	decider := reservation.NewDecider()
	svc := service.New(repo, matcher, decider, notifier)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("storefront backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}

// validateQuizBank refuses to serve a question bank that references unknown
// plant keys or negative point awards. A broken bank would silently distort
// every score, so startup is the right time to fail.
func validateQuizBank(ctx context.Context, repo store.Repository) error {
	questions, err := repo.ListQuestions(ctx)
	if err != nil {
		return fmt.Errorf("load questions: %w", err)
	}
	catalog, err := repo.ListPlants(ctx)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	return match.ValidateBank(questions, catalog)
}
