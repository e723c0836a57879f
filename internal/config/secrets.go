package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// EVM
	out.EVM = cfg.EVM
	redact(&out.EVM.PrivateKey)
	redact(&out.EVM.KeyPassword)

	// Postgres
	out.Postgres = cfg.Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	out.Redis = cfg.Redis
	redact(&out.Redis.Password)

	// S3
	out.S3 = cfg.S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Venues
	out.Venues = cfg.Venues
	redact(&out.Venues.Generic.ApiKey)
	redact(&out.Venues.Router.ApiKey)

	// Access control
	out.AccessCtl = cfg.AccessCtl
	redact(&out.AccessCtl.ApiKey)

	// Notify
	out.Notify = cfg.Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Server API keys carry bearer tokens.
	if cfg.Server.APIKeys != nil {
		out.Server.APIKeys = make([]APIKey, len(cfg.Server.APIKeys))
		for i, k := range cfg.Server.APIKeys {
			redact(&k.Token)
			out.Server.APIKeys[i] = k
		}
	}

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Notify.Events != nil {
		out.Notify.Events = make([]string, len(cfg.Notify.Events))
		copy(out.Notify.Events, cfg.Notify.Events)
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = make([]string, len(cfg.Server.CORSOrigins))
		copy(out.Server.CORSOrigins, cfg.Server.CORSOrigins)
	}

	// Copy maps so mutations to the redacted copy do not affect the original.
	if cfg.AccessCtl.Grants != nil {
		out.AccessCtl.Grants = make(map[string][]string, len(cfg.AccessCtl.Grants))
		for k, v := range cfg.AccessCtl.Grants {
			roles := make([]string, len(v))
			copy(roles, v)
			out.AccessCtl.Grants[k] = roles
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
