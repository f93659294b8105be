package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/portroute/internal/address"
	"github.com/danmuck/portroute/internal/logging"
	"github.com/danmuck/portroute/internal/protocol/session"
	"github.com/danmuck/portroute/internal/retry"
	"github.com/danmuck/portroute/internal/router"
	"github.com/rs/zerolog"
)

const (
	DefaultAdminAddr   = "127.0.0.1:7080"
	DefaultRouterAddr  = "127.0.0.1:48898"
	DefaultEndpoint    = "10.10.10.10.1.1:45086"
	DefaultSource      = "10.10.10.10.1.2:32905"
	DefaultConnectWait = 10 * time.Second
)

// Config is the resolved runtime configuration for every routerctl role.
type Config struct {
	Log      LogConfig
	Auth     AuthConfig
	Router   RouterConfig
	Endpoint EndpointConfig
	Client   ClientConfig
}

type LogConfig struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
	Bypass    bool
}

// AuthConfig holds the shared session and admin token. Empty disables auth.
type AuthConfig struct {
	Token string
}

type RouterConfig struct {
	Name          string
	ListenAddr    string
	AdminAddr     string
	Policy        router.Policy
	DeferredDelay time.Duration
	CORSOrigins   []string
	Session       session.Config
}

type EndpointConfig struct {
	RouterAddr     string
	Address        address.Address
	ConnectTimeout time.Duration
	PollInterval   time.Duration
	Session        session.Config
}

type ClientConfig struct {
	RouterAddr     string
	Source         address.Address
	ConnectTimeout time.Duration
	Session        session.Config
}

// routerctl config.toml key mapping.
type fileConfig struct {
	Log struct {
		Level     string `toml:"level"`
		Timestamp bool   `toml:"timestamp"`
		NoColor   bool   `toml:"no_color"`
		Bypass    bool   `toml:"bypass"`
	} `toml:"log"`
	Auth struct {
		Token string `toml:"token"`
	} `toml:"auth"`
	Router struct {
		Name             string   `toml:"name"`
		ListenAddr       string   `toml:"listen_addr"`
		AdminAddr        string   `toml:"admin_addr"`
		Policy           string   `toml:"policy"`
		DeferredDelay    string   `toml:"deferred_delay"`
		CORSOrigins      []string `toml:"cors_origins"`
		HandshakeTimeout string   `toml:"handshake_timeout"`
		WriteTimeout     string   `toml:"write_timeout"`
		RequestTimeout   string   `toml:"request_timeout"`
	} `toml:"router"`
	Endpoint struct {
		RouterAddr        string `toml:"router_addr"`
		Address           string `toml:"address"`
		ConnectTimeout    string `toml:"connect_timeout"`
		PollInterval      string `toml:"poll_interval"`
		UnregisterTimeout string `toml:"unregister_timeout"`
	} `toml:"endpoint"`
	Client struct {
		RouterAddr     string `toml:"router_addr"`
		Source         string `toml:"source"`
		ConnectTimeout string `toml:"connect_timeout"`
		RequestTimeout string `toml:"request_timeout"`
	} `toml:"client"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	logCfg := logging.DefaultConfig(logging.ProfileRuntime)
	return Config{
		Log: LogConfig{
			Level:     logCfg.Level,
			Timestamp: logCfg.Timestamp,
			NoColor:   logCfg.NoColor,
			Bypass:    logCfg.Bypass,
		},
		Router: RouterConfig{
			Name:          "router",
			ListenAddr:    router.DefaultListenAddr,
			AdminAddr:     DefaultAdminAddr,
			Policy:        router.PolicyStrict,
			DeferredDelay: router.DefaultDeferredDelay,
			Session:       session.DefaultConfig(),
		},
		Endpoint: EndpointConfig{
			RouterAddr:     DefaultRouterAddr,
			Address:        address.MustParse(DefaultEndpoint),
			ConnectTimeout: DefaultConnectWait,
			PollInterval:   retry.ConnectInterval,
			Session:        session.DefaultConfig(),
		},
		Client: ClientConfig{
			RouterAddr:     DefaultRouterAddr,
			Source:         address.MustParse(DefaultSource),
			ConnectTimeout: DefaultConnectWait,
			Session:        session.DefaultConfig(),
		},
	}
}

// Load overlays the keys present in the TOML file at path onto Default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	o := overlay{meta: meta}

	if meta.IsDefined("log", "level") {
		lvl, ok := logging.ParseLevel(raw.Log.Level)
		if !ok {
			return Config{}, fmt.Errorf("load config: invalid log.level %q", raw.Log.Level)
		}
		cfg.Log.Level = lvl
	}
	o.boolean(&cfg.Log.Timestamp, raw.Log.Timestamp, "log", "timestamp")
	o.boolean(&cfg.Log.NoColor, raw.Log.NoColor, "log", "no_color")
	o.boolean(&cfg.Log.Bypass, raw.Log.Bypass, "log", "bypass")

	o.str(&cfg.Auth.Token, raw.Auth.Token, "auth", "token")
	cfg.Router.Session.Token = cfg.Auth.Token
	cfg.Endpoint.Session.Token = cfg.Auth.Token
	cfg.Client.Session.Token = cfg.Auth.Token

	o.str(&cfg.Router.Name, raw.Router.Name, "router", "name")
	o.str(&cfg.Router.ListenAddr, raw.Router.ListenAddr, "router", "listen_addr")
	o.str(&cfg.Router.AdminAddr, raw.Router.AdminAddr, "router", "admin_addr")
	if meta.IsDefined("router", "policy") {
		p, err := router.ParsePolicy(raw.Router.Policy)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		cfg.Router.Policy = p
	}
	if meta.IsDefined("router", "cors_origins") {
		cfg.Router.CORSOrigins = raw.Router.CORSOrigins
	}
	o.dur(&cfg.Router.DeferredDelay, raw.Router.DeferredDelay, "router", "deferred_delay")
	o.dur(&cfg.Router.Session.HandshakeTimeout, raw.Router.HandshakeTimeout, "router", "handshake_timeout")
	o.dur(&cfg.Router.Session.WriteTimeout, raw.Router.WriteTimeout, "router", "write_timeout")
	o.dur(&cfg.Router.Session.RequestTimeout, raw.Router.RequestTimeout, "router", "request_timeout")

	o.str(&cfg.Endpoint.RouterAddr, raw.Endpoint.RouterAddr, "endpoint", "router_addr")
	o.addr(&cfg.Endpoint.Address, raw.Endpoint.Address, "endpoint", "address")
	o.dur(&cfg.Endpoint.ConnectTimeout, raw.Endpoint.ConnectTimeout, "endpoint", "connect_timeout")
	o.dur(&cfg.Endpoint.PollInterval, raw.Endpoint.PollInterval, "endpoint", "poll_interval")
	o.dur(&cfg.Endpoint.Session.UnregisterTimeout, raw.Endpoint.UnregisterTimeout, "endpoint", "unregister_timeout")

	o.str(&cfg.Client.RouterAddr, raw.Client.RouterAddr, "client", "router_addr")
	o.addr(&cfg.Client.Source, raw.Client.Source, "client", "source")
	o.dur(&cfg.Client.ConnectTimeout, raw.Client.ConnectTimeout, "client", "connect_timeout")
	o.dur(&cfg.Client.Session.RequestTimeout, raw.Client.RequestTimeout, "client", "request_timeout")

	if o.err != nil {
		return Config{}, o.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations no role can run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Router.ListenAddr) == "" {
		return fmt.Errorf("config: router.listen_addr is required")
	}
	if c.Router.Policy == router.PolicyDeferred && c.Router.DeferredDelay <= 0 {
		return fmt.Errorf("config: router.deferred_delay must be positive for the deferred policy")
	}
	if strings.TrimSpace(c.Endpoint.RouterAddr) == "" {
		return fmt.Errorf("config: endpoint.router_addr is required")
	}
	if strings.TrimSpace(c.Client.RouterAddr) == "" {
		return fmt.Errorf("config: client.router_addr is required")
	}
	if c.Endpoint.PollInterval <= 0 {
		return fmt.Errorf("config: endpoint.poll_interval must be positive")
	}
	return nil
}

// Logging converts the log section for logging.Apply.
func (c LogConfig) Logging() logging.Config {
	return logging.Config{
		Level:     c.Level,
		Timestamp: c.Timestamp,
		NoColor:   c.NoColor,
		Bypass:    c.Bypass,
	}
}

type overlay struct {
	meta toml.MetaData
	err  error
}

func (o *overlay) str(dst *string, v string, key ...string) {
	if o.meta.IsDefined(key...) {
		*dst = strings.TrimSpace(v)
	}
}

func (o *overlay) boolean(dst *bool, v bool, key ...string) {
	if o.meta.IsDefined(key...) {
		*dst = v
	}
}

func (o *overlay) dur(dst *time.Duration, v string, key ...string) {
	if o.err != nil || !o.meta.IsDefined(key...) {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		o.err = fmt.Errorf("load config: %s: %w", strings.Join(key, "."), err)
		return
	}
	*dst = d
}

func (o *overlay) addr(dst *address.Address, v string, key ...string) {
	if o.err != nil || !o.meta.IsDefined(key...) {
		return
	}
	a, err := address.Parse(v)
	if err != nil {
		o.err = fmt.Errorf("load config: %s: %w", strings.Join(key, "."), err)
		return
	}
	*dst = a
}
