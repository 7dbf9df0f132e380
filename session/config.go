package session

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the environment-driven settings for the session layer. All
// services take it by value at construction time; there is no package-level
// state.
type Config struct {
	// APIBaseURL is the storefront REST API root, e.g. https://api.vendhub.io.
	APIBaseURL string `env:"STOREFRONT_API_URL" envDefault:"https://api.vendhub.io"`

	// PushURL is the notification endpoint for the persistent push channel.
	PushURL string `env:"STOREFRONT_PUSH_URL" envDefault:"wss://api.vendhub.io/notifications/ws"`

	// HTTPTimeout bounds every outbound HTTP call, including auth calls.
	HTTPTimeout time.Duration `env:"STOREFRONT_HTTP_TIMEOUT" envDefault:"15s"`

	// StoragePath is the directory credentials are persisted under.
	StoragePath string `env:"STOREFRONT_STORAGE_PATH" envDefault:"data"`

	// MaxReconnectAttempts caps consecutive failed push reconnects before the
	// channel goes terminally unavailable.
	MaxReconnectAttempts int `env:"STOREFRONT_PUSH_MAX_RECONNECTS" envDefault:"6"`

	// TradeCompletedDelay is the user-visible pause between a trade reaching
	// full lock and the completion signal firing.
	TradeCompletedDelay time.Duration `env:"STOREFRONT_TRADE_COMPLETED_DELAY" envDefault:"1500ms"`
}

// LoadConfig reads Config from STOREFRONT_* environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}
