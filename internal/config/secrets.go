package config

import "slices"

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Owner.PrivateKey)
	redact(&out.Owner.KeyPassword)

	out.FHE.LocalKMSKeys = make([]string, len(cfg.FHE.LocalKMSKeys))
	for i := range out.FHE.LocalKMSKeys {
		out.FHE.LocalKMSKeys[i] = redacted
	}
	out.FHE.KMSSigners = slices.Clone(cfg.FHE.KMSSigners)
	out.FHE.InputSigners = slices.Clone(cfg.FHE.InputSigners)
	redact(&out.FHE.RelayerAPISecret)

	redact(&out.Oracle.APIKey)

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	redact(&out.Redis.Password)

	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	redact(&out.Server.APIKey)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)

	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)
	out.Notify.Events = slices.Clone(cfg.Notify.Events)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
