package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// GetByPath returns the value at a dot-separated JSON path such as
// "retrieval.k" or "completion.failoverChain.0".
func GetByPath(cfg *Config, path string) (any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var node any
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, err
	}

	for _, key := range strings.Split(path, ".") {
		switch v := node.(type) {
		case map[string]any:
			next, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("no config value at %q", path)
			}
			node = next
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(v) {
				return nil, fmt.Errorf("%q: index %s out of range", path, key)
			}
			node = v[i]
		default:
			return nil, fmt.Errorf("%q: %s is a leaf value", path, key)
		}
	}
	return node, nil
}

// Sanitize returns a copy of cfg that is safe to print: keys and tokens are
// partially masked, secrets replaced, and passwords removed from URLs.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	out.Providers = make(map[string]ProviderConfig, len(cfg.Providers))
	for name, p := range cfg.Providers {
		p.APIKey = maskString(p.APIKey)
		out.Providers[name] = p
	}

	out.Channels.Telegram.Token = maskString(cfg.Channels.Telegram.Token)
	out.Channels.Telegram.WebhookSecret = redact(cfg.Channels.Telegram.WebhookSecret)
	out.Channels.Webhook.Secret = redact(cfg.Channels.Webhook.Secret)
	out.Channels.API.APIKey = maskString(cfg.Channels.API.APIKey)
	out.ChatLog.DatabaseURL = maskURL(cfg.ChatLog.DatabaseURL)
	out.History.RedisURL = maskURL(cfg.History.RedisURL)
	return &out
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// maskString keeps the first and last four characters of long values.
func maskString(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "***"
	default:
		return s[:4] + "****" + s[len(s)-4:]
	}
}

func maskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
