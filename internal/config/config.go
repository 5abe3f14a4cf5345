package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Chain    ChainConfig
	Redis    RedisConfig
	Pipeline PipelineConfig
	Server   ServerConfig
}

type ChainConfig struct {
	RPCURL                string `mapstructure:"rpc_url"`
	FactoryAddress        string `mapstructure:"factory_address"`
	ChannelAddress        string `mapstructure:"channel_address"`
	OrchestratorKey       string `mapstructure:"orchestrator_key"`
	ChainID               int64  `mapstructure:"chain_id"`
	ReceiptPollIntervalMs int64  `mapstructure:"receipt_poll_interval_ms"`
	ReceiptPollMax        int    `mapstructure:"receipt_poll_max"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

// StageConfig describes one paid pipeline stage: who gets paid, what share
// of the deposit, and where its generation service lives.
type StageConfig struct {
	Wallet       string `mapstructure:"wallet"`
	SplitPercent int64  `mapstructure:"split_percent"`
	ServiceURL   string `mapstructure:"service_url"`
}

type PipelineConfig struct {
	Script             StageConfig `mapstructure:"script"`
	Image              StageConfig `mapstructure:"image"`
	Video              StageConfig `mapstructure:"video"`
	ChannelTimeoutSec  int64       `mapstructure:"channel_timeout_sec"`
	ProviderTimeoutSec int64       `mapstructure:"provider_timeout_sec"`
	ProviderRetries    int         `mapstructure:"provider_retries"`
	EventPollSec       int64       `mapstructure:"event_poll_sec"`
}

type ServerConfig struct {
	Port    int    `mapstructure:"port"`
	BaseURL string `mapstructure:"base_url"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("pipeline.script.split_percent", 30)
	v.SetDefault("pipeline.image.split_percent", 30)
	v.SetDefault("pipeline.video.split_percent", 40)
	v.SetDefault("pipeline.channel_timeout_sec", 7*24*3600)
	v.SetDefault("pipeline.provider_timeout_sec", 60)
	v.SetDefault("pipeline.provider_retries", 3)
	v.SetDefault("pipeline.event_poll_sec", 4)
	v.SetDefault("chain.receipt_poll_interval_ms", 500)
	v.SetDefault("chain.receipt_poll_max", 240)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"chain.rpc_url":                  "RPC_URL",
		"chain.factory_address":          "MEDIA_FACTORY_ADDRESS",
		"chain.channel_address":          "PAYMENT_CHANNEL_ADDRESS",
		"chain.orchestrator_key":         "ORCHESTRATOR_PRIVATE_KEY",
		"chain.chain_id":                 "CHAIN_ID",
		"chain.receipt_poll_interval_ms": "RECEIPT_POLL_INTERVAL_MS",
		"chain.receipt_poll_max":         "RECEIPT_POLL_MAX",
		"redis.addr":                     "REDIS_ADDR",
		"redis.password":                 "REDIS_PASSWORD",
		"pipeline.script.wallet":         "SCRIPT_AGENT_WALLET",
		"pipeline.image.wallet":          "IMAGE_AGENT_WALLET",
		"pipeline.video.wallet":          "VIDEO_AGENT_WALLET",
		"pipeline.script.split_percent":  "SCRIPT_SPLIT_PERCENT",
		"pipeline.image.split_percent":   "IMAGE_SPLIT_PERCENT",
		"pipeline.video.split_percent":   "VIDEO_SPLIT_PERCENT",
		"pipeline.script.service_url":    "SCRIPT_SERVICE_URL",
		"pipeline.image.service_url":     "IMAGE_SERVICE_URL",
		"pipeline.video.service_url":     "VIDEO_SERVICE_URL",
		"pipeline.channel_timeout_sec":   "CHANNEL_TIMEOUT_SEC",
		"pipeline.provider_timeout_sec":  "PROVIDER_TIMEOUT_SEC",
		"pipeline.provider_retries":      "PROVIDER_RETRIES",
		"pipeline.event_poll_sec":        "EVENT_POLL_SEC",
		"server.port":                    "PORT",
		"server.base_url":                "BASE_URL",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Chain.RPCURL, "RPC_URL"},
		{c.Chain.FactoryAddress, "MEDIA_FACTORY_ADDRESS"},
		{c.Chain.ChannelAddress, "PAYMENT_CHANNEL_ADDRESS"},
		{c.Chain.OrchestratorKey, "ORCHESTRATOR_PRIVATE_KEY"},
		{c.Pipeline.Script.Wallet, "SCRIPT_AGENT_WALLET"},
		{c.Pipeline.Image.Wallet, "IMAGE_AGENT_WALLET"},
		{c.Pipeline.Video.Wallet, "VIDEO_AGENT_WALLET"},
		{c.Pipeline.Script.ServiceURL, "SCRIPT_SERVICE_URL"},
		{c.Pipeline.Image.ServiceURL, "IMAGE_SERVICE_URL"},
		{c.Pipeline.Video.ServiceURL, "VIDEO_SERVICE_URL"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	sum := c.Pipeline.Script.SplitPercent + c.Pipeline.Image.SplitPercent + c.Pipeline.Video.SplitPercent
	if sum != 100 {
		return fmt.Errorf("stage splits must sum to 100, got %d", sum)
	}
	return nil
}

// StageWallet returns the configured wallet for a stage role name, or ""
// when the role is unknown.
func (c *Config) StageWallet(role string) string {
	switch role {
	case "script":
		return c.Pipeline.Script.Wallet
	case "image":
		return c.Pipeline.Image.Wallet
	case "video":
		return c.Pipeline.Video.Wallet
	}
	return ""
}
