package main

import (
	"net/url"
	"strings"

	"realcast-live/internal/config"
)

// startupSummary describes the selected backends for the startup log line.
// Credentials never appear in it.
type startupSummary struct {
	http        map[string]any
	keys        map[string]any
	revocations map[string]any
	audit       map[string]any
	rateLimit   map[string]any
	events      map[string]any
}

func newStartupSummary(cfg config.Config) startupSummary {
	summary := startupSummary{
		http: map[string]any{
			"addr":          cfg.HTTP.Addr,
			"tls":           cfg.HTTP.TLSCert != "" && cfg.HTTP.TLSKey != "",
			"control_token": cfg.Control.Token != "",
		},
		keys: map[string]any{
			"vault":             cfg.Keys.Vault,
			"rotation_interval": cfg.Keys.RotationInterval.String(),
			"max_key_age":       cfg.Keys.MaxKeyAge.String(),
			"grace_window":      cfg.Keys.GraceWindow.String(),
		},
		revocations: map[string]any{"driver": cfg.Tokens.Revocations},
		audit:       map[string]any{"driver": cfg.Audit.Driver},
		rateLimit: map[string]any{
			"driver":        "memory",
			"per_ip_rps":    cfg.RateLimit.PerIPRPS,
			"connect_limit": cfg.RateLimit.ConnectLimit,
		},
		events: map[string]any{
			"webhooks":     len(cfg.Events.Webhook.AllEndpoints()),
			"kafka":        cfg.Events.Kafka.Enabled(),
			"redis_stream": cfg.Events.RedisStream.Enabled,
		},
	}
	if cfg.Keys.Vault == "redis" {
		summary.keys["vault_prefix"] = cfg.Keys.VaultPrefix
	}
	if cfg.Tokens.Revocations == "postgres" {
		summary.revocations["dsn"] = redactDSN(cfg.Postgres.DSN)
	}
	if cfg.Audit.Driver == "postgres" {
		summary.audit["dsn"] = redactDSN(cfg.Postgres.DSN)
	}
	if cfg.Redis.Enabled() {
		summary.rateLimit["driver"] = "redis"
		summary.rateLimit["addr"] = cfg.Redis.Addr
		if cfg.Redis.MasterName != "" {
			summary.rateLimit["master_name"] = cfg.Redis.MasterName
		}
	}
	if cfg.Events.Kafka.Enabled() {
		summary.events["kafka_topic"] = cfg.Events.Kafka.Topic
	}
	if cfg.Events.RedisStream.Enabled {
		summary.events["redis_stream_key"] = cfg.Events.RedisStream.Stream
	}
	return summary
}

func (s startupSummary) LogArgs() []any {
	return []any{
		"http", s.http,
		"keys", s.keys,
		"revocations", s.revocations,
		"audit", s.audit,
		"rate_limit", s.rateLimit,
		"events", s.events,
	}
}

// redactDSN masks the password of URL-style DSNs and every password= pair
// of keyword-style ones.
func redactDSN(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return ""
	}
	if parsed, err := url.Parse(dsn); err == nil && parsed.Scheme != "" && parsed.User != nil {
		if _, ok := parsed.User.Password(); ok {
			parsed.User = url.UserPassword(parsed.User.Username(), "*****")
		}
		return parsed.String()
	}
	fields := strings.Fields(dsn)
	for i, field := range fields {
		if strings.HasPrefix(strings.ToLower(field), "password=") {
			fields[i] = "password=*****"
		}
	}
	return strings.Join(fields, " ")
}
