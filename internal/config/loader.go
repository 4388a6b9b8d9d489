package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies CLOSEBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides maps CLOSEBOT_* environment variables onto Config fields.
// Only variables that are actually set override the file values.
func applyEnvOverrides(cfg *Config) error {
	var err error

	setStr("CLOSEBOT_MODE", &cfg.Mode)
	setStr("CLOSEBOT_LOG_LEVEL", &cfg.LogLevel)

	setStr("CLOSEBOT_TERMINAL_FEED_URL", &cfg.Terminal.FeedURL)
	setStr("CLOSEBOT_TERMINAL_COMMAND_URL", &cfg.Terminal.CommandURL)
	setStr("CLOSEBOT_TERMINAL_TOKEN", &cfg.Terminal.Token)
	err = firstErr(err, setDuration("CLOSEBOT_TERMINAL_HEARTBEAT_INTERVAL", &cfg.Terminal.HeartbeatInterval))
	err = firstErr(err, setDuration("CLOSEBOT_TERMINAL_RECONNECT_DELAY", &cfg.Terminal.ReconnectDelay))
	err = firstErr(err, setDuration("CLOSEBOT_TERMINAL_READ_TIMEOUT", &cfg.Terminal.ReadTimeout))
	err = firstErr(err, setInt("CLOSEBOT_TERMINAL_COMMANDS_PER_SECOND", &cfg.Terminal.CommandsPerSecond))
	err = firstErr(err, setBool("CLOSEBOT_TERMINAL_DRY_RUN", &cfg.Terminal.DryRun))

	setStr("CLOSEBOT_POSTGRES_DSN", &cfg.Postgres.DSN)
	setStr("CLOSEBOT_POSTGRES_HOST", &cfg.Postgres.Host)
	err = firstErr(err, setInt("CLOSEBOT_POSTGRES_PORT", &cfg.Postgres.Port))
	setStr("CLOSEBOT_POSTGRES_DATABASE", &cfg.Postgres.Database)
	setStr("CLOSEBOT_POSTGRES_USER", &cfg.Postgres.User)
	setStr("CLOSEBOT_POSTGRES_PASSWORD", &cfg.Postgres.Password)
	setStr("CLOSEBOT_POSTGRES_SSL_MODE", &cfg.Postgres.SSLMode)
	err = firstErr(err, setBool("CLOSEBOT_POSTGRES_RUN_MIGRATIONS", &cfg.Postgres.RunMigrations))

	setStr("CLOSEBOT_REDIS_ADDR", &cfg.Redis.Addr)
	setStr("CLOSEBOT_REDIS_PASSWORD", &cfg.Redis.Password)
	err = firstErr(err, setInt("CLOSEBOT_REDIS_DB", &cfg.Redis.DB))
	err = firstErr(err, setBool("CLOSEBOT_REDIS_TLS_ENABLED", &cfg.Redis.TLSEnabled))
	err = firstErr(err, setDuration("CLOSEBOT_REDIS_SNAPSHOT_TTL", &cfg.Redis.SnapshotTTL))

	setStr("CLOSEBOT_S3_ENDPOINT", &cfg.S3.Endpoint)
	setStr("CLOSEBOT_S3_REGION", &cfg.S3.Region)
	setStr("CLOSEBOT_S3_BUCKET", &cfg.S3.Bucket)
	setStr("CLOSEBOT_S3_ACCESS_KEY", &cfg.S3.AccessKey)
	setStr("CLOSEBOT_S3_SECRET_KEY", &cfg.S3.SecretKey)

	err = firstErr(err, setFloat64("CLOSEBOT_COST_DEFAULT_RATE", &cfg.Cost.DefaultRate))
	setStr("CLOSEBOT_COST_TRIPLE_SWAP_DAY", &cfg.Cost.TripleSwapDay)

	setStr("CLOSEBOT_CLOSE_POSITION_ID", &cfg.Close.PositionID)
	setStr("CLOSEBOT_CLOSE_PAIR_ID", &cfg.Close.PairID)
	setStringSlice("CLOSEBOT_CLOSE_POSITION_IDS", &cfg.Close.PositionIDs)
	setStr("CLOSEBOT_CLOSE_MODE", &cfg.Close.Mode)
	err = firstErr(err, setFloat64("CLOSEBOT_CLOSE_LIMIT_PRICE", &cfg.Close.LimitPrice))
	err = firstErr(err, setBool("CLOSEBOT_CLOSE_STOP_ON_ERROR", &cfg.Close.StopOnError))

	err = firstErr(err, setInt("CLOSEBOT_RECOVERY_MAX_ATTEMPTS", &cfg.Recovery.MaxAttempts))
	err = firstErr(err, setDuration("CLOSEBOT_RECOVERY_BASE_DELAY", &cfg.Recovery.BaseDelay))
	err = firstErr(err, setDuration("CLOSEBOT_RECOVERY_MAX_DELAY", &cfg.Recovery.MaxDelay))
	err = firstErr(err, setBool("CLOSEBOT_RECOVERY_ENABLE_FALLBACK", &cfg.Recovery.EnableFallback))

	err = firstErr(err, setBool("CLOSEBOT_ARCHIVE_ENABLED", &cfg.Archive.Enabled))
	err = firstErr(err, setInt("CLOSEBOT_ARCHIVE_RETENTION_DAYS", &cfg.Archive.RetentionDays))

	setStr("CLOSEBOT_TELEGRAM_TOKEN", &cfg.Notify.TelegramToken)
	setStr("CLOSEBOT_TELEGRAM_CHAT_ID", &cfg.Notify.TelegramChatID)
	setStr("CLOSEBOT_DISCORD_WEBHOOK_URL", &cfg.Notify.DiscordWebhookURL)
	setStringSlice("CLOSEBOT_NOTIFY_SUBJECTS", &cfg.Notify.Subjects)

	return err
}

func firstErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}

func setStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat64(key string, dst *float64) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func setBool(key string, dst *bool) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(key string, dst *duration) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	dst.Duration = d
	return nil
}

func setStringSlice(key string, dst *[]string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}
