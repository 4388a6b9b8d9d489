package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	redact(&out.Terminal.Token)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy reference-typed fields so later mutation of the copy cannot touch
	// the original.
	if cfg.Cost.Rates != nil {
		out.Cost.Rates = make(map[string]SymbolRates, len(cfg.Cost.Rates))
		for k, v := range cfg.Cost.Rates {
			out.Cost.Rates[k] = v
		}
	}
	if cfg.Notify.Subjects != nil {
		out.Notify.Subjects = append([]string(nil), cfg.Notify.Subjects...)
	}

	return out
}

// redact replaces a non-empty string with the placeholder. Empty values stay
// empty so redacted output still shows which credentials were provided.
func redact(s *string) {
	if *s != "" {
		*s = "***"
	}
}
