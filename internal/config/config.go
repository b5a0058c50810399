package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Logging struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"logging"`
	Server struct {
		Addr                string   `yaml:"addr"`
		Pprof               bool     `yaml:"pprof"`
		ReadTimeoutSeconds  int      `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds int      `yaml:"write_timeout_seconds"`
		IdleTimeoutSeconds  int      `yaml:"idle_timeout_seconds"`
		AdminAllowCIDRs     []string `yaml:"admin_allow_cidrs"`
	} `yaml:"server"`
	Books struct {
		DefaultDepth              int `yaml:"default_depth"`
		ViewLimit                 int `yaml:"view_limit"`
		CheckpointIntervalSeconds int `yaml:"checkpoint_interval_seconds"`
	} `yaml:"books"`
	Feeds   []Feed `yaml:"feeds"`
	Storage struct {
		Dir string `yaml:"dir"`
	} `yaml:"storage"`
	Cache struct {
		Addr       string `yaml:"addr"`
		Password   string `yaml:"password"`
		DB         int    `yaml:"db"`
		TTLSeconds int    `yaml:"ttl_seconds"`
	} `yaml:"cache"`
}

// Feed describes one websocket market-data subscription.
type Feed struct {
	Exchange string   `yaml:"exchange"`
	Enabled  bool     `yaml:"enabled"`
	URL      string   `yaml:"url"`
	RESTURL  string   `yaml:"rest_url"`
	Channel  string   `yaml:"channel"`
	Symbols  []string `yaml:"symbols"`
	Depth    int      `yaml:"depth"`
	// snapshot requests allowed per second when (re)syncing books over REST
	SnapshotRate float64 `yaml:"snapshot_rate"`
}

func defaultConfig() Config {
	var c Config
	c.Logging.Level = "info"
	c.Logging.Pretty = false
	c.Server.Addr = ":9090"
	c.Server.Pprof = false
	c.Server.ReadTimeoutSeconds = 5
	c.Server.WriteTimeoutSeconds = 10
	c.Server.IdleTimeoutSeconds = 60
	c.Server.AdminAllowCIDRs = []string{"127.0.0.0/8", "::1/128"}
	c.Books.DefaultDepth = 1000
	c.Books.ViewLimit = 50
	c.Books.CheckpointIntervalSeconds = 30
	c.Feeds = []Feed{
		{Exchange: "binance", URL: "wss://stream.binance.com:9443/ws", RESTURL: "https://api.binance.com", Channel: "depth@100ms", Symbols: []string{"BTCUSDT", "ETHUSDT"}, Depth: 1000, SnapshotRate: 2},
		{Exchange: "bybit", URL: "wss://stream.bybit.com/v5/public/spot", Channel: "50", Symbols: []string{"BTCUSDT"}, Depth: 50},
		{Exchange: "bitfinex", URL: "wss://api-pub.bitfinex.com/ws/2", Channel: "P0", Symbols: []string{"tBTCUSD"}, Depth: 25},
		{Exchange: "bitmex", URL: "wss://ws.bitmex.com/realtime", Channel: "orderBookL2_25", Symbols: []string{"XBTUSD"}, Depth: 25},
	}
	c.Cache.TTLSeconds = 10
	return c
}

// Load builds the configuration from defaults, the YAML file named by
// DEPTHBOOK_CONFIG and DEPTHBOOK_* environment overrides. When
// DEPTHBOOK_ENV_FILE is set that file is loaded into the environment first.
func Load() Config {
	if path := os.Getenv("DEPTHBOOK_ENV_FILE"); path != "" {
		_ = godotenv.Load(path)
	}
	c := defaultConfig()
	if path := os.Getenv("DEPTHBOOK_CONFIG"); path != "" {
		if b, err := os.ReadFile(path); err == nil {
			_ = yaml.Unmarshal(b, &c)
		}
	}
	if v := os.Getenv("DEPTHBOOK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DEPTHBOOK_LOG_PRETTY"); v == "1" || v == "true" {
		c.Logging.Pretty = true
	}
	if v := os.Getenv("DEPTHBOOK_HTTP_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("DEPTHBOOK_PPROF"); v == "1" || v == "true" {
		c.Server.Pprof = true
	}
	if v := os.Getenv("DEPTHBOOK_ADMIN_ALLOW_CIDRS"); v != "" {
		c.Server.AdminAllowCIDRs = splitCSV(v)
	}
	if v := os.Getenv("DEPTHBOOK_BOOK_DEPTH"); v != "" {
		var n int
		_, _ = fmt.Sscan(v, &n)
		if n > 0 {
			c.Books.DefaultDepth = n
		}
	}
	if v := os.Getenv("DEPTHBOOK_FEEDS"); v != "" {
		enabled := map[string]bool{}
		for _, name := range splitCSV(v) {
			enabled[strings.ToLower(name)] = true
		}
		for i := range c.Feeds {
			c.Feeds[i].Enabled = enabled[c.Feeds[i].Exchange]
		}
	}
	if v := os.Getenv("DEPTHBOOK_STORAGE_DIR"); v != "" {
		c.Storage.Dir = v
	}
	if v := os.Getenv("DEPTHBOOK_REDIS_ADDR"); v != "" {
		c.Cache.Addr = v
	}
	// credentials only from env
	if v := os.Getenv("DEPTHBOOK_REDIS_PASSWORD"); v != "" {
		c.Cache.Password = v
	}
	return c
}

// EnabledFeeds returns the feeds switched on in the configuration.
func (c Config) EnabledFeeds() []Feed {
	var out []Feed
	for _, f := range c.Feeds {
		if f.Enabled {
			out = append(out, f)
		}
	}
	return out
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
