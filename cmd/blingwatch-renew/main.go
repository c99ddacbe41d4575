package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"

	"blingwatch/config"
	"blingwatch/internal/logging"
	"blingwatch/internal/token"
)

// Forces one renewal cycle from the command line. Meant for cron or for an
// operator recovering a stuck deployment; a running server picks the fresh
// token file up automatically.
func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.json", "Path to configuration file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.NewLogger(logging.LoggerConfig{Format: "text", Level: logging.ParseLevel("info")})
	manager := token.NewManager(token.Config{
		ClientID:     cfg.Bling.ClientID,
		ClientSecret: cfg.Bling.ClientSecret,
		TokenURL:     cfg.Bling.TokenURL,
		AuthorizeURL: cfg.Bling.AuthorizeURL,
		RedirectURI:  cfg.Bling.RedirectURI,
		TokenFile:    cfg.Bling.TokenFile,
		EnvFile:      cfg.Bling.EnvFile,
		EnvKey:       "BLING_API_KEY",
	}, nil, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if !manager.Refresh(ctx) {
		st := manager.CurrentStatus()
		log.Fatalf("❌ Renovação falhou (falhas consecutivas: %d)\n\n"+
			"Se o refresh token expirou, gere um novo com blingwatch-authorize.",
			st.ConsecutiveFailures)
	}

	accessToken, ok := manager.GetValidToken(ctx)
	if !ok {
		log.Fatal("❌ Renovação reportou sucesso mas nenhum token válido está disponível")
	}

	st := manager.CurrentStatus()
	fmt.Printf("✅ Token renovado: %s\n", maskToken(accessToken))
	fmt.Printf("   Válido até: %s\n", st.ValidUntil.Format("02/01/2006 15:04:05"))
}

// maskToken keeps just enough of the token to correlate with logs.
func maskToken(tok string) string {
	if len(tok) <= 10 {
		return "**********"
	}
	return tok[:10] + "..."
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	fmt.Printf("Config file not found at %s, trying environment variables...\n", path)
	return config.LoadFromEnv()
}
