package binance

import (
	"strings"
	"time"
)

// Config 为 USDT 永续 K 线接口的连接参数。
type Config struct {
	RESTBaseURL string
	HTTPTimeout time.Duration

	ProxyEnabled bool
	RESTProxyURL string
}

func (c *Config) withDefaults() Config {
	out := *c
	out.RESTBaseURL = strings.TrimRight(strings.TrimSpace(out.RESTBaseURL), "/")
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://fapi.binance.com"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	out.RESTProxyURL = strings.TrimSpace(out.RESTProxyURL)
	return out
}
