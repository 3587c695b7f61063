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

	"github.com/sirupsen/logrus"

	"github.com/usamaa022/cashier-system-sub000/internal/config"
	"github.com/usamaa022/cashier-system-sub000/internal/httpapi"
	"github.com/usamaa022/cashier-system-sub000/internal/lock"
	"github.com/usamaa022/cashier-system-sub000/internal/service"
	"github.com/usamaa022/cashier-system-sub000/internal/store"
	"github.com/usamaa022/cashier-system-sub000/internal/store/memory"
	pgstore "github.com/usamaa022/cashier-system-sub000/internal/store/postgres"
)

type closer func() error

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel)
	if err := validateSecurityConfig(cfg); err != nil {
		logger.WithError(err).Fatal("invalid security configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, repoClosers, err := openRepository(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
	}
	locker, lockClosers := openLocker(ctx, cfg, logger)
	closers := append(repoClosers, lockClosers...)

	svc := service.New(repo, locker, logger, cfg.DefaultExpensePercentage)
	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo)
	api := httpapi.New(svc, auth, logger, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Address()).Info("cashier backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.WithError(err).Warn("close error")
		}
	}

	logger.Info("server stopped")
}

// openRepository uses postgres when DATABASE_URL is set and the seeded memory
// store otherwise. A configured but unreachable database is an error.
func openRepository(ctx context.Context, cfg config.Config, logger *logrus.Logger) (store.Repository, []closer, error) {
	if cfg.DatabaseURL == "" {
		logger.WithField("repository", "memory").Info("repository selected")
		return memory.NewSeeded(), nil, nil
	}

	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, nil, err
	}
	logger.WithField("repository", "postgres").Info("repository selected")
	return pg, []closer{pg.Close}, nil
}

// openLocker prefers a redis lease so several instances can share one
// database. Without redis, bill locks are process local.
func openLocker(ctx context.Context, cfg config.Config, logger *logrus.Logger) (lock.Locker, []closer) {
	if cfg.RedisAddr == "" {
		logger.WithField("locker", "local").Info("bill locker selected")
		return lock.NewLocal(), nil
	}

	redisLock := lock.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.LockTTL)
	if err := redisLock.Ping(ctx); err != nil {
		_ = redisLock.Close()
		logger.WithError(err).Warn("redis unavailable, using local bill locks")
		return lock.NewLocal(), nil
	}
	logger.WithField("locker", "redis").Info("bill locker selected")
	return redisLock, []closer{redisLock.Close}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

var commonPINs = map[string]bool{
	"123456": true, "654321": true, "121212": true, "112233": true,
	"123123": true, "159753": true, "147258": true, "246810": true,
}

// validatePINStrength rejects common, repeated-digit and straight-run PINs.
func validatePINStrength(pin string) error {
	if commonPINs[pin] {
		return fmt.Errorf("common PIN not allowed")
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return fmt.Errorf("PIN must contain digits only")
		}
	}

	same, up, down := true, true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		same = same && diff == 0
		up = up && diff == 1
		down = down && diff == -1
	}
	switch {
	case same:
		return fmt.Errorf("all-same-digit PIN not allowed")
	case up, down:
		return fmt.Errorf("sequential PIN not allowed")
	}
	return nil
}
