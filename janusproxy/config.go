// Package janusproxy holds the top-level configuration struct the
// cmd/janusproxy entrypoint loads, composing each ambient/domain package's
// own Setup convention exactly the way the teacher's per-service config
// composes internal/{app,otel,redis,etcd}.
package janusproxy

import (
	"time"

	"github.com/spf13/viper"

	"github.com/imtaco/janus-proxy/internal/config"
	"github.com/imtaco/janus-proxy/internal/etcd"
	"github.com/imtaco/janus-proxy/internal/otel"
	"github.com/imtaco/janus-proxy/internal/redis"
)

// Config is the root configuration object for cmd/janusproxy.
type Config struct {
	App   config.App  `mapstructure:"app"`
	Otel  otel.Config  `mapstructure:"otel"`
	Redis redis.Config `mapstructure:"redis"`
	Etcd  etcd.Config  `mapstructure:"etcd"`

	Listen               string        `mapstructure:"listen"`
	HealthAddr           string        `mapstructure:"health_addr"`
	StateProvider        string        `mapstructure:"state_provider"` // "memory" | "remote"
	BackendProvider      string        `mapstructure:"backend_provider"` // "static" | "etcd"
	StaticBackends       []string      `mapstructure:"static_backends"`
	BackendPrefix        string        `mapstructure:"backend_etcd_prefix"`
	BackendFailBackoff   time.Duration `mapstructure:"backend_fail_backoff"`
	GatewayDialTimeout   time.Duration `mapstructure:"gateway_dial_timeout"`
	GatewayRequestTimeout time.Duration `mapstructure:"gateway_request_timeout"`
	KeepaliveInterval    time.Duration `mapstructure:"keepalive_interval"`
}

// Load reads the proxy's configuration from environment variables (and any
// file NewViper is pointed at), registering each component's defaults.
func Load() (*Config, error) {
	return config.Load(&Config{}, func(v *viper.Viper) {
		config.Setup(v, "app")
		otel.Setup(v, "otel")
		redis.Setup(v, "redis")
		etcd.Setup(v, "etcd")

		v.SetDefault("listen", ":8188")
		v.SetDefault("health_addr", ":8189")
		v.SetDefault("state_provider", "memory")
		v.SetDefault("backend_provider", "static")
		v.SetDefault("static_backends", []string{"ws://127.0.0.1:8188"})
		v.SetDefault("backend_etcd_prefix", "/janusproxy/backends/")
		v.SetDefault("backend_fail_backoff", "30s")
		v.SetDefault("gateway_dial_timeout", "5s")
		v.SetDefault("gateway_request_timeout", "5s")
		v.SetDefault("keepalive_interval", "15s")
	})
}
