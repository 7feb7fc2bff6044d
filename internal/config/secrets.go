package config

import "slices"

const redacted = "***"

// RedactedConfig returns a copy of cfg that is safe to log: every credential
// is replaced by "***".
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Relay.PrivateKey)
	redact(&out.Relay.KeyPassword)
	redact(&out.Database.DSN)
	redact(&out.Database.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
