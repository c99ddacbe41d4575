package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"blingwatch/config"
	"blingwatch/internal/agent"
	"blingwatch/internal/api"
	"blingwatch/internal/bling"
	"blingwatch/internal/logging"
	"blingwatch/internal/monitor"
	"blingwatch/internal/storage/sqlite"
	"blingwatch/internal/token"
	"blingwatch/internal/whatsapp"
)

const (
	shutdownTimeout   = 10 * time.Second
	cleanupInterval   = 1 * time.Minute
	defaultConfigPath = "config.json"
)

// groupNotifier relays token failure alerts to the WhatsApp alert group.
type groupNotifier struct {
	sender  *whatsapp.Client
	groupID string
}

func (n *groupNotifier) NotifyTokenFailure(ctx context.Context, failures int, lastErr error, authURL string) error {
	text := fmt.Sprintf("⚠️ *Falha na renovação do token Bling*\n\n"+
		"Tentativas consecutivas: %d\n"+
		"Último erro: %v\n\n"+
		"Reautorize o acesso em:\n%s", failures, lastErr, authURL)
	return n.sender.SendText(ctx, n.groupID, text)
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	// Parse command-line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	useEnv := flag.Bool("env", false, "Load configuration from environment variables")
	logFormat := flag.String("log-format", "json", "Log format (json or text)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	// A local .env is optional; deployments export variables directly.
	_ = godotenv.Load()

	logger := logging.NewLogger(logging.LoggerConfig{
		Format: *logFormat,
		Level:  logging.ParseLevel(*logLevel),
	})

	// Load configuration
	var cfg *config.Config
	var err error
	if *useEnv {
		cfg, err = config.LoadFromEnv()
	} else {
		cfg, err = config.Load(*configPath)
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("Configuration loaded",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"bling_api", cfg.Bling.BaseURL,
		"whatsapp_instance", cfg.WhatsApp.Instance,
		"llm_enabled", cfg.LLM.Enabled(),
	)

	// Initialize database
	db, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	// WhatsApp client doubles as alert sender and token failure notifier.
	waClient := whatsapp.NewClient(cfg.WhatsApp.APIURL, cfg.WhatsApp.APIKey, cfg.WhatsApp.Instance, logger)
	notifier := &groupNotifier{sender: waClient, groupID: cfg.WhatsApp.GroupID}

	// Token lifecycle manager with background renewal.
	tokenManager := token.NewManager(token.Config{
		ClientID:           cfg.Bling.ClientID,
		ClientSecret:       cfg.Bling.ClientSecret,
		TokenURL:           cfg.Bling.TokenURL,
		AuthorizeURL:       cfg.Bling.AuthorizeURL,
		RedirectURI:        cfg.Bling.RedirectURI,
		TokenFile:          cfg.Bling.TokenFile,
		EnvFile:            cfg.Bling.EnvFile,
		EnvKey:             "BLING_API_KEY",
		RecoveryWebhookURL: cfg.Bling.RecoveryWebhookURL,
	}, notifier, logger)

	renewalInterval := time.Duration(cfg.Bling.RenewalIntervalMinutes) * time.Minute
	tokenManager.StartRenewalJob(renewalInterval)
	defer tokenManager.StopRenewalJob()

	blingClient := bling.NewClient(cfg.Bling.BaseURL, tokenManager, logger)

	// Stock monitor for webhook-driven group alerts.
	stockMonitor := monitor.New(db, waClient, cfg.WhatsApp.GroupID, cfg.WhatsApp.GroupName, logger)

	// Conversational stock agent, with an optional LLM fallback for
	// free-form questions.
	var completer agent.Completer
	if cfg.LLM.Enabled() {
		completer = agent.NewLLMClient(cfg.LLM.APIURL, cfg.LLM.APIKey, cfg.LLM.Model)
	}
	inventory := logging.NewInventoryLogger(blingClient, logger)
	stockAgent := agent.New(inventory, db, completer, logger)

	// Periodic cleanup of expired confirmation requests.
	cleanupCtx, cancelCleanup := context.WithCancel(context.Background())
	defer cancelCleanup()
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-cleanupCtx.Done():
				return
			case <-ticker.C:
				stockAgent.CleanupExpired(cleanupCtx)
			}
		}
	}()

	router := api.NewRouter(api.RouterConfig{
		Monitor:      stockMonitor,
		Agent:        stockAgent,
		Sender:       waClient,
		TokenManager: tokenManager,
		APIKey:       cfg.Security.AdminKey,
		Logger:       logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server",
			"host", cfg.Server.Host,
			"port", cfg.Server.Port,
		)
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for interrupt signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("Received signal, starting graceful shutdown", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		logger.Info("Graceful shutdown complete")
	}

	return nil
}
