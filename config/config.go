package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"tripvox/relay"
	"tripvox/xunfei"
)

type Config struct {
	HTTPPort int

	JWTSecret        string
	JWTAlgorithm     string
	JWTExpireMinutes int

	Xunfei xunfei.Credentials
	// RTASRURL and LLMURL override the upstream endpoints.
	RTASRURL string
	LLMURL   string

	Relay       relay.Config
	RequireAuth bool

	DatabaseURL string
	RedisURL    string
}

// Configure installs defaults and environment lookup on v. Nested keys map
// to variables with dots replaced by underscores, e.g. XUNFEI_APP_ID.
func Configure(v *viper.Viper) {
	def := relay.DefaultConfig()

	v.SetDefault("http_port", 8000)
	v.SetDefault("jwt_algorithm", "HS256")
	v.SetDefault("jwt_expire_minutes", 30)
	v.SetDefault("xunfei.rtasr_url", xunfei.RTASRURL)
	v.SetDefault("xunfei.llm_url", xunfei.LLMURL)
	v.SetDefault("relay.lang", def.Lang)
	v.SetDefault("relay.ingress_capacity", def.IngressCapacity)
	v.SetDefault("relay.egress_capacity", def.EgressCapacity)
	v.SetDefault("relay.handshake_timeout", def.HandshakeTimeout)
	v.SetDefault("relay.poll_interval", def.PollInterval)
	v.SetDefault("relay.shutdown_timeout", def.ShutdownTimeout)
	v.SetDefault("relay.max_upstream_errors", def.MaxUpstreamErrors)
	v.SetDefault("relay.require_auth", false)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bound so secrets from the environment appear in AllSettings.
	for _, key := range []string{
		"jwt_secret", "database_url", "redis_url",
		"xunfei.app_id", "xunfei.api_key",
		"xunfei.llm_app_id", "xunfei.llm_access_key_id", "xunfei.llm_access_key_secret",
	} {
		v.BindEnv(key)
	}
}

func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		HTTPPort:         v.GetInt("http_port"),
		JWTSecret:        v.GetString("jwt_secret"),
		JWTAlgorithm:     v.GetString("jwt_algorithm"),
		JWTExpireMinutes: v.GetInt("jwt_expire_minutes"),
		Xunfei: xunfei.Credentials{
			AppID:              v.GetString("xunfei.app_id"),
			APIKey:             v.GetString("xunfei.api_key"),
			LLMAppID:           v.GetString("xunfei.llm_app_id"),
			LLMAccessKeyID:     v.GetString("xunfei.llm_access_key_id"),
			LLMAccessKeySecret: v.GetString("xunfei.llm_access_key_secret"),
		},
		RTASRURL: v.GetString("xunfei.rtasr_url"),
		LLMURL:   v.GetString("xunfei.llm_url"),
		Relay: relay.Config{
			Lang:              v.GetString("relay.lang"),
			IngressCapacity:   v.GetInt("relay.ingress_capacity"),
			EgressCapacity:    v.GetInt("relay.egress_capacity"),
			HandshakeTimeout:  v.GetDuration("relay.handshake_timeout"),
			PollInterval:      v.GetDuration("relay.poll_interval"),
			ShutdownTimeout:   v.GetDuration("relay.shutdown_timeout"),
			MaxUpstreamErrors: v.GetInt("relay.max_upstream_errors"),
		},
		RequireAuth: v.GetBool("relay.require_auth"),
		DatabaseURL: v.GetString("database_url"),
		RedisURL:    v.GetString("redis_url"),
	}

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		return nil, fmt.Errorf("invalid http_port %d", cfg.HTTPPort)
	}
	if cfg.Relay.IngressCapacity <= 0 || cfg.Relay.EgressCapacity <= 0 {
		return nil, fmt.Errorf("relay queue capacities must be positive")
	}
	if cfg.Relay.MaxUpstreamErrors < 0 {
		return nil, fmt.Errorf("relay.max_upstream_errors must not be negative")
	}
	for key, d := range map[string]time.Duration{
		"relay.handshake_timeout": cfg.Relay.HandshakeTimeout,
		"relay.poll_interval":     cfg.Relay.PollInterval,
		"relay.shutdown_timeout":  cfg.Relay.ShutdownTimeout,
	} {
		if d <= 0 {
			return nil, fmt.Errorf("%s must be positive", key)
		}
	}

	return cfg, nil
}

// Signer builds the URL signer for the configured credentials.
func (c *Config) Signer() *xunfei.Signer {
	return xunfei.NewSigner(c.Xunfei, xunfei.WithEndpoints(c.RTASRURL, c.LLMURL))
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.JWTExpireMinutes) * time.Minute
}
