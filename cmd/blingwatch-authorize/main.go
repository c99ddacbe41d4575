package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"blingwatch/config"
	"blingwatch/internal/logging"
	"blingwatch/internal/token"
)

// Interactive bootstrap for the OAuth authorization-code flow. Prints the
// authorization URL, waits for the operator to paste the code (or the full
// redirect URL) and exchanges it for the first token.
func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.json", "Path to configuration file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.NewLogger(logging.LoggerConfig{Format: "text", Level: logging.ParseLevel("warn")})
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

	fmt.Println("=== Autorização Bling ===")
	fmt.Println()
	fmt.Println("1. Abra a URL abaixo no navegador e autorize o aplicativo:")
	fmt.Println()
	fmt.Printf("   %s\n", manager.AuthorizationURL("bootstrap"))
	fmt.Println()
	fmt.Println("2. Após autorizar, cole aqui o código (ou a URL completa de redirecionamento):")
	fmt.Print("> ")

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		log.Fatalf("Failed to read authorization code: %v", err)
	}

	code := extractCode(strings.TrimSpace(line))
	if code == "" {
		log.Fatal("❌ Nenhum código de autorização informado")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := manager.CreateFromAuthCode(ctx, code, ""); err != nil {
		log.Fatalf("❌ Falha na troca do código: %v", err)
	}

	st := manager.CurrentStatus()
	fmt.Println()
	fmt.Printf("✅ Token salvo em %s\n", cfg.Bling.TokenFile)
	fmt.Printf("   Válido até: %s\n", st.ValidUntil.Format("02/01/2006 15:04:05"))
}

// extractCode accepts either a bare authorization code or a pasted redirect
// URL carrying it as a query parameter.
func extractCode(input string) string {
	if !strings.Contains(input, "://") {
		return input
	}
	u, err := url.Parse(input)
	if err != nil {
		return ""
	}
	return u.Query().Get("code")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	fmt.Printf("Config file not found at %s, trying environment variables...\n", path)
	return config.LoadFromEnv()
}
