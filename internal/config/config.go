package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// NetworkConfig describes one chain the keeper manages. FactoryAddress is the
// escrow factory deployed on that network; it is informational for the keeper,
// which only ever talks to individual escrows.
type NetworkConfig struct {
	Name           string `json:"name"`
	FactoryAddress string `json:"factoryAddress"`
	RPCURL         string `json:"rpcUrl"`
}

// KeeperConfig tunes the check-and-act loop.
type KeeperConfig struct {
	Enabled        bool
	TickInterval   time.Duration
	PacingDelay    time.Duration
	WarnWindow     time.Duration
	ResendCooldown time.Duration
}

type ChainConfig struct {
	PrivateKey string
}

type MailConfig struct {
	SendGridAPIKey string
	FromAddress    string
	FromName       string
}

type ServiceConfig struct {
	HTTPPort      int
	HMACSecret    string
	HMACClockSkew time.Duration
}

// StoreConfig selects and parameterizes the escrow registry backend.
type StoreConfig struct {
	Backend     string // "file", "sqlite" or "postgres"
	FilePath    string
	SQLitePath  string
	PostgresDSN string
}

// AppConfig ties together the network list and derived values.
type AppConfig struct {
	Networks []NetworkConfig
	Keeper   KeeperConfig
	Chain    ChainConfig
	Mail     MailConfig
	Service  ServiceConfig
	Store    StoreConfig
}

const defaultNetworksPath = "networks.json"

// Load aggregates configuration from an optional .env file, the process
// environment, and the networks file. KEEPER_NETWORKS takes precedence over
// the file so deployments can inline the network list.
func Load() (*AppConfig, error) {
	if err := loadDotEnv(); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	networks, err := loadNetworks()
	if err != nil {
		return nil, fmt.Errorf("load networks: %w", err)
	}

	keeperCfg := KeeperConfig{
		Enabled:        envOrBool("KEEPER_ENABLED", true),
		TickInterval:   time.Duration(envOrInt("KEEPER_TICK_INTERVAL_SECONDS", 300)) * time.Second,
		PacingDelay:    time.Duration(envOrInt("KEEPER_PACING_DELAY_MS", 500)) * time.Millisecond,
		WarnWindow:     time.Duration(envOrInt("KEEPER_WARN_WINDOW_HOURS", 7*24)) * time.Hour,
		ResendCooldown: time.Duration(envOrInt("KEEPER_RESEND_COOLDOWN_HOURS", 6*24)) * time.Hour,
	}

	chainCfg := ChainConfig{
		PrivateKey: envOr("CHAIN_PRIVATE_KEY", ""),
	}

	mailCfg := MailConfig{
		SendGridAPIKey: envOr("SENDGRID_API_KEY", ""),
		FromAddress:    envOr("MAIL_FROM_ADDRESS", "keeper@vaultkeeper.io"),
		FromName:       envOr("MAIL_FROM_NAME", "Vaultkeeper"),
	}

	serviceCfg := ServiceConfig{
		HTTPPort:      envOrInt("API_HTTP_PORT", 3000),
		HMACSecret:    envOr("HMAC_SECRET", ""),
		HMACClockSkew: time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
	}

	storeCfg := StoreConfig{
		Backend:     envOr("STORE_BACKEND", "file"),
		FilePath:    envOr("REGISTRY_STORE_PATH", filepath.Join(os.TempDir(), "vaultkeeper-registry.json")),
		SQLitePath:  envOr("SQLITE_PATH", filepath.Join(os.TempDir(), "vaultkeeper.db")),
		PostgresDSN: envOr("POSTGRES_DSN", ""),
	}

	return &AppConfig{
		Networks: networks,
		Keeper:   keeperCfg,
		Chain:    chainCfg,
		Mail:     mailCfg,
		Service:  serviceCfg,
		Store:    storeCfg,
	}, nil
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(".env")
}

func loadNetworks() ([]NetworkConfig, error) {
	if inline := os.Getenv("KEEPER_NETWORKS"); inline != "" {
		var networks []NetworkConfig
		if err := json.Unmarshal([]byte(inline), &networks); err != nil {
			return nil, fmt.Errorf("parse KEEPER_NETWORKS: %w", err)
		}
		return validateNetworks(networks)
	}

	path := envOr("NETWORKS_PATH", defaultNetworksPath)
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var networks []NetworkConfig
	if err := json.Unmarshal(raw, &networks); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return validateNetworks(networks)
}

func validateNetworks(networks []NetworkConfig) ([]NetworkConfig, error) {
	seen := make(map[string]bool, len(networks))
	for _, nc := range networks {
		if nc.Name == "" {
			return nil, errors.New("network entry missing name")
		}
		if nc.RPCURL == "" {
			return nil, fmt.Errorf("network %s missing rpcUrl", nc.Name)
		}
		if seen[nc.Name] {
			return nil, fmt.Errorf("duplicate network %s", nc.Name)
		}
		seen[nc.Name] = true
	}
	return networks, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		switch val {
		case "1", "true", "TRUE", "True", "yes":
			return true
		case "0", "false", "FALSE", "False", "no":
			return false
		}
	}
	return fallback
}
