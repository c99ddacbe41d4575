package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Security SecurityConfig `json:"security"`
	Bling    BlingConfig    `json:"bling"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	LLM      LLMConfig      `json:"llm"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `json:"path"`
}

// SecurityConfig contains security settings
type SecurityConfig struct {
	AdminKey string `json:"admin_key"`
}

// BlingConfig contains Bling API and OAuth settings
type BlingConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	BaseURL      string `json:"base_url"`
	TokenURL     string `json:"token_url"`
	AuthorizeURL string `json:"authorize_url"`
	RedirectURI  string `json:"redirect_uri"`
	TokenFile    string `json:"token_file"`
	EnvFile      string `json:"env_file"`
	// RenewalIntervalMinutes is the background renewal check period.
	RenewalIntervalMinutes int    `json:"renewal_interval_minutes"`
	RecoveryWebhookURL     string `json:"recovery_webhook_url"`
}

// WhatsAppConfig contains Evolution API settings and the alert group
type WhatsAppConfig struct {
	APIURL    string `json:"api_url"`
	APIKey    string `json:"api_key"`
	Instance  string `json:"instance"`
	GroupID   string `json:"group_id"`
	GroupName string `json:"group_name"`
}

// LLMConfig contains the optional free-form assistant backend.
// The agent answers structured commands without it.
type LLMConfig struct {
	APIURL string `json:"api_url"`
	APIKey string `json:"api_key"`
	Model  string `json:"model"`
}

// Enabled reports whether a free-form LLM backend is configured.
func (l LLMConfig) Enabled() bool {
	return l.APIKey != "" && l.APIURL != ""
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: invalid server port", ErrInvalidConfig)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("%w: database path is required", ErrInvalidConfig)
	}

	if c.Security.AdminKey == "" {
		return fmt.Errorf("%w: admin key is required", ErrInvalidConfig)
	}

	if c.Bling.ClientID == "" || c.Bling.ClientSecret == "" {
		return fmt.Errorf("%w: Bling client credentials are required", ErrInvalidConfig)
	}

	if c.WhatsApp.APIURL == "" || c.WhatsApp.APIKey == "" || c.WhatsApp.Instance == "" {
		return fmt.Errorf("%w: WhatsApp API settings are required", ErrInvalidConfig)
	}

	if c.WhatsApp.GroupID == "" {
		return fmt.Errorf("%w: WhatsApp alert group is required", ErrInvalidConfig)
	}

	if c.Bling.BaseURL == "" {
		c.Bling.BaseURL = "https://api.bling.com.br/v3" // default
	}
	if c.Bling.TokenURL == "" {
		c.Bling.TokenURL = "https://www.bling.com.br/Api/v3/oauth/token"
	}
	if c.Bling.AuthorizeURL == "" {
		c.Bling.AuthorizeURL = "https://www.bling.com.br/Api/v3/oauth/authorize"
	}
	if c.Bling.TokenFile == "" {
		c.Bling.TokenFile = "./bling_token.json"
	}
	if c.Bling.RenewalIntervalMinutes <= 0 {
		c.Bling.RenewalIntervalMinutes = 60
	}

	return nil
}

// Load loads configuration from a JSON file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigFileNotFound
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadFromEnv loads configuration from environment variables.
// Bling and WhatsApp credentials keep the variable names the deployment
// already exports; server settings use the BLINGWATCH_ prefix.
func LoadFromEnv() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host: getEnv("BLINGWATCH_HOST", "0.0.0.0"),
			Port: getEnvInt("BLINGWATCH_PORT", 5000),
		},
		Database: DatabaseConfig{
			Path: getEnv("BLINGWATCH_DB_PATH", "./blingwatch.db"),
		},
		Security: SecurityConfig{
			AdminKey: getEnv("BLINGWATCH_ADMIN_KEY", ""),
		},
		Bling: BlingConfig{
			ClientID:               getEnv("BLING_CLIENT_ID", ""),
			ClientSecret:           getEnv("BLING_CLIENT_SECRET", ""),
			BaseURL:                getEnv("BLING_API_URL", "https://api.bling.com.br/v3"),
			TokenURL:               getEnv("BLING_TOKEN_URL", "https://www.bling.com.br/Api/v3/oauth/token"),
			AuthorizeURL:           getEnv("BLING_AUTHORIZE_URL", "https://www.bling.com.br/Api/v3/oauth/authorize"),
			RedirectURI:            getEnv("BLING_REDIRECT_URI", ""),
			TokenFile:              getEnv("BLING_TOKEN_FILE", "./bling_token.json"),
			EnvFile:                getEnv("BLING_ENV_FILE", ""),
			RenewalIntervalMinutes: getEnvInt("BLING_RENEWAL_INTERVAL_MINUTES", 60),
			RecoveryWebhookURL:     getEnv("BLING_RECOVERY_WEBHOOK_URL", ""),
		},
		WhatsApp: WhatsAppConfig{
			APIURL:    getEnv("WHATSAPP_API_URL", ""),
			APIKey:    getEnv("WHATSAPP_API_KEY", ""),
			Instance:  getEnv("WHATSAPP_INSTANCE", ""),
			GroupID:   getEnv("WHATSAPP_GROUP_ID", ""),
			GroupName: getEnv("WHATSAPP_GROUP_NAME", "Alertas de Estoque"),
		},
		LLM: LLMConfig{
			APIURL: getEnv("LLM_API_URL", "https://api.groq.com/openai/v1"),
			APIKey: getEnv("LLM_API_KEY", ""),
			Model:  getEnv("LLM_MODEL", "llama-3.1-8b-instant"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		fmt.Sscanf(value, "%d", &intVal)
		return intVal
	}
	return defaultValue
}
