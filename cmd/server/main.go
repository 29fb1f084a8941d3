package main

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/zennooo/blue-orca-ai/internal/ai"
	"github.com/zennooo/blue-orca-ai/internal/chat"
	"github.com/zennooo/blue-orca-ai/internal/config"
	"github.com/zennooo/blue-orca-ai/internal/db"
	"github.com/zennooo/blue-orca-ai/internal/email"
	"github.com/zennooo/blue-orca-ai/internal/httpapi"
	"github.com/zennooo/blue-orca-ai/internal/httpapi/handlers"
	"github.com/zennooo/blue-orca-ai/internal/otp"
	"github.com/zennooo/blue-orca-ai/internal/store/rabbitmq"
	"github.com/zennooo/blue-orca-ai/internal/store/redisstore"
)

func providerRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()

	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})

	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(
			cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m,
			cfg.OpenRouterSiteURL, cfg.OpenRouterAppName,
		), nil
	})

	return reg
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()
	if err := rds.Ping(context.Background()); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	sender := email.NewSMTPSender(email.SMTPConfig{
		Host: cfg.SMTPHost,
		Port: cfg.SMTPPort,
		User: cfg.SMTPUser,
		Pass: cfg.SMTPPass,
		From: cfg.SMTPFrom,
	})

	otpSvc := otp.NewService(rds, sender, time.Duration(cfg.OTPTTLSeconds)*time.Second)

	repo := chat.NewRepo(gdb)
	chatSvc := chat.NewService(repo, providerRegistry(cfg), cfg.ChatContextWindowSize)

	// the queue is optional: without it only the async endpoints degrade
	var rabbit *rabbitmq.Publisher
	if cfg.RabbitURL != "" {
		p, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Printf("rabbit unavailable, async turns disabled: %v", err)
		} else {
			rabbit = p
			defer rabbit.Close()
		}
	}

	h := handlers.NewHandler(gdb, cfg, otpSvc, sender, chatSvc, rabbit)
	r := httpapi.NewRouter(cfg, h)

	log.Printf("api listening on %s", cfg.HTTPAddr)
	if err := r.Run(cfg.HTTPAddr); err != nil {
		log.Fatalf("http server: %v", err)
	}
}
