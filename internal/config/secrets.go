package config

import "strings"

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Wallet.PrivateKey)
	redact(&out.Wallet.KeyPassword)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// RPC URLs frequently embed provider API keys in the path.
	redactURLPath(&out.Chain.RPCURL)

	// Copy slices and maps so callers cannot mutate the original through the
	// redacted copy.
	out.Assets = append([]AssetConfig(nil), cfg.Assets...)
	out.Pools = append([]PoolConfig(nil), cfg.Pools...)
	out.Kafka.Brokers = append([]string(nil), cfg.Kafka.Brokers...)
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	if cfg.Adapters != nil {
		out.Adapters = make(map[string]string, len(cfg.Adapters))
		for k, v := range cfg.Adapters {
			out.Adapters[k] = v
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

// redactURLPath keeps scheme and host of a URL and replaces everything after
// the host.
func redactURLPath(s *string) {
	v := *s
	hostStart := 0
	if i := strings.Index(v, "://"); i >= 0 {
		hostStart = i + 3
	}
	if j := strings.Index(v[hostStart:], "/"); j >= 0 && hostStart+j+1 < len(v) {
		*s = v[:hostStart+j+1] + redacted
	}
}
