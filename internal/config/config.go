package config

import (
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the bot. Secrets come from the environment
// (.env supported); trading windows and sizing can additionally be overridden
// by an optional YAML file so the entry policy is configuration, not code.
type Config struct {
	Version string `yaml:"-"`

	// HTTP boundary
	HTTPAddr     string `yaml:"http_addr"`
	SyncSecret   string `yaml:"-"` // shared secret for /fills endpoints; empty = open
	PanicPasskey string `yaml:"-"`

	// Ledger
	LedgerPath  string  `yaml:"ledger_path"`
	InitialCash float64 `yaml:"initial_cash"`

	// Entry policy
	BudgetCap     float64   `yaml:"budget_cap"`
	TargetPct     float64   `yaml:"target_pct"` // e.g. 0.10 = +10%
	StopPct       float64   `yaml:"stop_pct"`   // negative, e.g. -0.05
	SlippageSteps []float64 `yaml:"slippage_steps"`

	// Exchange-local windows (HH:MM strings, exchange timezone)
	EntryWindowStart   string `yaml:"entry_window_start"`
	EntryWindowMinutes int    `yaml:"entry_window_minutes"`
	PrewarmMinutes     int    `yaml:"prewarm_minutes"`
	MandatoryExitTime  string `yaml:"mandatory_exit_time"`
	FailsafeMinutes    int    `yaml:"failsafe_minutes"`

	// Scheduling / coalescing
	TickIntervalSec    int `yaml:"tick_interval_sec"`
	TickMinIntervalSec int `yaml:"tick_min_interval_sec"`
	FillWindowMinutes  int `yaml:"fill_window_minutes"`

	// Advisor burst retries within one orchestrator invocation
	AdvisorMaxAttempts   int `yaml:"advisor_max_attempts"`
	AdvisorRetryDelaySec int `yaml:"advisor_retry_delay_sec"`
	AdvisorCandidates    int `yaml:"advisor_candidates"`

	// Logging
	MaxLogSizeMB  int64 `yaml:"max_log_size_mb"`
	MaxLogBackups int   `yaml:"max_log_backups"`
}

// BotConfigFile is the optional YAML override file.
const BotConfigFile = "bot.yaml"

// Load initializes the configuration.
// It reads .env into the environment, validates the required broker
// credentials, applies YAML overrides if bot.yaml exists and finishes with
// hard defaults so every field is usable.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: No .env file found, using system environment variables")
	}

	requiredSecretVars := []string{
		"APCA_API_KEY_ID",
		"APCA_API_SECRET_KEY",
		"APCA_API_BASE_URL",
	}

	var missing []string
	for _, key := range requiredSecretVars {
		if os.Getenv(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		log.Fatalf("CRITICAL: Missing required environment variables: %v", missing)
	}
	echoMaskedSecrets(requiredSecretVars)

	cfg := &Config{
		HTTPAddr:     getEnv("BOT_HTTP_ADDR", ""),
		SyncSecret:   os.Getenv("BOT_SYNC_SECRET"),
		PanicPasskey: os.Getenv("BOT_PANIC_PASSKEY"),
		LedgerPath:   getEnv("BOT_LEDGER_PATH", ""),
		InitialCash:  getEnvAsFloat64("BOT_INITIAL_CASH", 0),
		BudgetCap:    getEnvAsFloat64("BOT_BUDGET_CAP", 0),
		TargetPct:    getEnvAsFloat64("BOT_TARGET_PCT", 0),
		StopPct:      getEnvAsFloat64("BOT_STOP_PCT", 0),
	}

	if data, err := os.ReadFile(BotConfigFile); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			log.Fatalf("CRITICAL: Invalid %s: %v", BotConfigFile, err)
		}
		log.Printf("Loaded overrides from %s", BotConfigFile)
	}

	setDefaults(cfg)
	return cfg
}

// echoMaskedSecrets prints the .env contents with secret values masked, so the
// startup log shows what configuration was picked up without leaking keys.
func echoMaskedSecrets(secretKeys []string) {
	envMap, err := godotenv.Read()
	if err != nil {
		return
	}
	secrets := make(map[string]bool, len(secretKeys))
	for _, k := range secretKeys {
		secrets[k] = true
	}
	log.Println("--- .env File Variables ---")
	for key, val := range envMap {
		if secrets[key] || strings.Contains(key, "SECRET") || strings.Contains(key, "KEY") || strings.Contains(key, "PASSKEY") {
			masked := "***"
			if len(val) > 4 {
				masked = "***" + val[len(val)-4:]
			}
			log.Printf("%s=%s", key, masked)
		} else {
			log.Printf("%s=%s", key, val)
		}
	}
	log.Println("---------------------------")
}

// setDefaults ensures required values carry sensible defaults.
func setDefaults(cfg *Config) {
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.LedgerPath == "" {
		cfg.LedgerPath = "daytrader.db"
	}
	if cfg.InitialCash <= 0 {
		cfg.InitialCash = 4000
	}
	if cfg.BudgetCap <= 0 {
		cfg.BudgetCap = 4000
	}
	if cfg.TargetPct <= 0 {
		cfg.TargetPct = 0.10
	}
	if cfg.StopPct >= 0 {
		cfg.StopPct = -0.05
	}
	if len(cfg.SlippageSteps) == 0 {
		cfg.SlippageSteps = []float64{0.003, 0.006, 0.010}
	}
	if cfg.EntryWindowStart == "" {
		cfg.EntryWindowStart = "09:35"
	}
	if cfg.EntryWindowMinutes <= 0 {
		cfg.EntryWindowMinutes = 2
	}
	if cfg.PrewarmMinutes <= 0 {
		cfg.PrewarmMinutes = 3
	}
	if cfg.MandatoryExitTime == "" {
		cfg.MandatoryExitTime = "15:55"
	}
	if cfg.FailsafeMinutes <= 0 {
		cfg.FailsafeMinutes = 2
	}
	if cfg.TickIntervalSec <= 0 {
		cfg.TickIntervalSec = 30
	}
	if cfg.TickMinIntervalSec <= 0 {
		cfg.TickMinIntervalSec = 2
	}
	if cfg.FillWindowMinutes <= 0 {
		cfg.FillWindowMinutes = 90
	}
	if cfg.AdvisorMaxAttempts <= 0 {
		cfg.AdvisorMaxAttempts = 3
	}
	if cfg.AdvisorRetryDelaySec <= 0 {
		cfg.AdvisorRetryDelaySec = 2
	}
	if cfg.AdvisorCandidates <= 0 {
		cfg.AdvisorCandidates = 10
	}
	if cfg.MaxLogSizeMB <= 0 {
		cfg.MaxLogSizeMB = 10
	}
	if cfg.MaxLogBackups <= 0 {
		cfg.MaxLogBackups = 3
	}
}
