package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v6"

	"github.com/devkekops/dropship/internal/app/config"
	"github.com/devkekops/dropship/internal/app/handlers"
	"github.com/devkekops/dropship/internal/app/server"
)

func main() {
	randBytes := make([]byte, 16)
	_, err := rand.Read(randBytes)
	if err != nil {
		log.Fatal(err)
		return
	}
	secretKey := hex.EncodeToString(randBytes)

	cfg := config.Config{
		RunAddress:        "localhost:8081",
		SecretKey:         secretKey,
		CanonicalCurrency: "USD",
		FeeCacheTTL:       time.Minute,
		PayoutWorkers:     4,
		ClientTimeout:     5,
		LogLevel:          "info",
	}

	if err := env.Parse(&cfg); err != nil {
		log.Fatal(err)
		return
	}

	var operatorID string
	flag.StringVar(&cfg.RunAddress, "a", cfg.RunAddress, "run address")
	flag.StringVar(&cfg.DatabaseURI, "d", cfg.DatabaseURI, "database URI, in-memory storage when empty")
	flag.StringVar(&cfg.RedisURL, "r", cfg.RedisURL, "redis URL for the fee schedule cache")
	flag.StringVar(&cfg.SecretKey, "s", cfg.SecretKey, "secret key for operator tokens")
	flag.StringVar(&cfg.CanonicalCurrency, "c", cfg.CanonicalCurrency, "canonical settlement currency")
	flag.DurationVar(&cfg.PayoutInterval, "p", cfg.PayoutInterval, "automatic payout interval, disabled when zero")
	flag.StringVar(&operatorID, "t", "", "print an operator token for this id and exit")
	flag.Parse()

	if operatorID != "" {
		fmt.Println(handlers.SignOperatorToken(operatorID, cfg.SecretKey))
		return
	}

	if err := server.Serve(&cfg); err != nil {
		log.Fatal(err)
	}
}
