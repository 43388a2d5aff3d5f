package main

import (
	"context"
	"fmt"
	"log"

	"token-auth-service/core"
)

func main() {
	cfg := core.Load()
	ctx := context.Background()

	logCloser, err := core.SetupLogging(cfg, "api.log")
	if err != nil {
		log.Fatalf("failed to setup logging: %v", err)
	}
	defer logCloser.Close()

	db, err := core.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	defer db.Close()

	redisClient, err := core.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	defer redisClient.Close()

	policy := core.DefaultPolicy()
	if cfg.PolicyPath != "" {
		policy, err = core.LoadPolicy(cfg.PolicyPath)
		if err != nil {
			log.Fatalf("failed to load access policy: %v", err)
		}
	}

	userRepo := core.NewPgUserRepository(db)
	authService := core.NewRepositoryAuthService(userRepo)
	codec := core.NewTokenCodec(cfg.JWTSecret, cfg.TokenTTL)
	throttle := core.NewLoginThrottle(redisClient, cfg.LoginRateLimit, cfg.LoginRateWindow)

	if err := core.BootstrapAdmin(ctx, userRepo, cfg); err != nil {
		log.Fatalf("bootstrap admin failed: %v", err)
	}

	router := core.NewRouter(cfg, codec, authService, userRepo, policy, throttle)

	addr := fmt.Sprintf(":%s", cfg.Port)
	log.Printf("starting api server on %s", addr)
	if err := router.Run(addr); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
