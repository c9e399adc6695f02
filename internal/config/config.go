package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/udactl/internal/plugins"
	"github.com/danmuck/udactl/internal/plugins/wasm"
	"github.com/danmuck/udactl/internal/protocol"
	"github.com/danmuck/udactl/internal/protocol/session"
)

// Environment overrides, applied after the file.
const (
	EnvPluginDir        = "UDA_PLUGIN_DIR"
	EnvPluginFailOnLoad = "UDA_PLUGIN_FAIL_ON_LOAD"
	EnvServerAddr       = "UDACTL_SERVER_ADDR"
	EnvAdminToken       = "UDA_ADMIN_TOKEN"
)

var ErrInvalidConfig = errors.New("config: invalid")

// PluginConfig covers plugin discovery and loading.
type PluginConfig struct {
	Dir                 string
	FailOnLoad          bool
	EntrySymbol         string
	MaxInterfaceVersion uint32
	MemoryLimitPages    uint32
	// Builtins lists the built-in plugins to declare; FSRoot roots the fs
	// plugin.
	Builtins []string
	FSRoot   string
	Modules  []plugins.ModuleSpec
}

type ServerConfig struct {
	Listen    string
	AdminAddr string
	// AdminToken, when set, is required as a bearer token on the admin
	// listings.
	AdminToken      string
	DOI             string
	ProtocolVersion uint32
	BuildDate       string
	Session         session.Config
	Limits          protocol.Limits
	Plugins         PluginConfig
}

type ClientConfig struct {
	Addr            string
	Name            string
	ProtocolVersion uint32
	// Retries is the number of extra dial attempts after the first.
	Retries int
	Session session.Config
	Limits  protocol.Limits
	Cache   CacheConfig
}

// CacheConfig controls the client result cache. Only results the server
// marks cacheable are kept. Dir, when set, also keeps them on disk.
type CacheConfig struct {
	Enabled    bool
	Dir        string
	TTL        time.Duration
	MaxEntries int
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:          "127.0.0.1:56565",
		AdminAddr:       "127.0.0.1:56566",
		ProtocolVersion: protocol.CurrentVersion,
		Session:         session.DefaultConfig(),
		Limits:          protocol.DefaultLimits(),
		Plugins: PluginConfig{
			Dir:                 "plugins",
			FailOnLoad:          true,
			EntrySymbol:         wasm.DefaultEntrySymbol,
			MaxInterfaceVersion: plugins.InterfaceVersion,
			Builtins:            []string{"kv", "fs"},
			FSRoot:              ".",
		},
	}
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Addr:            "127.0.0.1:56565",
		Name:            "udaclient",
		ProtocolVersion: protocol.CurrentVersion,
		Retries:         3,
		Session:         session.DefaultConfig(),
		Limits:          protocol.DefaultLimits(),
		Cache: CacheConfig{
			TTL:        24 * time.Hour,
			MaxEntries: 256,
		},
	}
}

type fileStream struct {
	ReadBlockSize  int    `toml:"read_block_size"`
	WriteBlockSize int    `toml:"write_block_size"`
	Timeout        string `toml:"timeout"`
}

type fileTLS struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type fileBackoff struct {
	Initial    string  `toml:"initial"`
	Multiplier float64 `toml:"multiplier"`
	Max        string  `toml:"max"`
	Jitter     bool    `toml:"jitter"`
}

type fileLimits struct {
	MaxPayloadBytes uint32 `toml:"max_payload_bytes"`
	MaxElements     int    `toml:"max_elements"`
	MaxStringBytes  int    `toml:"max_string_bytes"`
	MaxDepth        int    `toml:"max_depth"`
	MaxTailRecords  int    `toml:"max_tail_records"`
}

type fileCache struct {
	Enabled    bool   `toml:"enabled"`
	Dir        string `toml:"dir"`
	TTL        string `toml:"ttl"`
	MaxEntries int    `toml:"max_entries"`
}

type fileModule struct {
	Name            string `toml:"name"`
	Source          string `toml:"source"`
	File            string `toml:"file"`
	DefaultMethod   string `toml:"default_method"`
	Description     string `toml:"description"`
	Example         string `toml:"example"`
	Private         bool   `toml:"private"`
	CachePermission uint8  `toml:"cache_permission"`
}

type filePlugins struct {
	Dir                 string       `toml:"dir"`
	FailOnLoad          bool         `toml:"fail_on_load"`
	EntrySymbol         string       `toml:"entry_symbol"`
	MaxInterfaceVersion uint32       `toml:"max_interface_version"`
	MemoryLimitPages    uint32       `toml:"memory_limit_pages"`
	Builtins            []string     `toml:"builtins"`
	FSRoot              string       `toml:"fs_root"`
	Modules             []fileModule `toml:"module"`
}

type fileConfig struct {
	Server struct {
		Listen          string `toml:"listen"`
		Admin           string `toml:"admin"`
		AdminToken      string `toml:"admin_token"`
		DOI             string `toml:"doi"`
		ProtocolVersion uint32 `toml:"protocol_version"`
		BuildDate       string `toml:"build_date"`
	} `toml:"server"`
	Client struct {
		Addr            string `toml:"addr"`
		Name            string `toml:"name"`
		ProtocolVersion uint32 `toml:"protocol_version"`
		Retries         int    `toml:"retries"`
	} `toml:"client"`
	Session struct {
		SecurityMode     string      `toml:"security_mode"`
		ConnectTimeout   string      `toml:"connect_timeout"`
		HandshakeTimeout string      `toml:"handshake_timeout"`
		Backoff          fileBackoff `toml:"backoff"`
	} `toml:"session"`
	Stream  fileStream  `toml:"stream"`
	TLS     fileTLS     `toml:"tls"`
	Limits  fileLimits  `toml:"limits"`
	Plugins filePlugins `toml:"plugins"`
	Cache   fileCache   `toml:"cache"`
}

// LoadServerConfig reads path over DefaultServerConfig, then applies the
// environment. An empty path uses defaults and environment only.
func LoadServerConfig(path string) (ServerConfig, error) {
	return loadServerConfig(path, os.Getenv)
}

func loadServerConfig(path string, getenv func(string) string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	raw, meta, err := decode(path)
	if err != nil {
		return cfg, fmt.Errorf("load server config: %w", err)
	}
	if meta.IsDefined("server", "listen") {
		cfg.Listen = strings.TrimSpace(raw.Server.Listen)
	}
	if meta.IsDefined("server", "admin") {
		cfg.AdminAddr = strings.TrimSpace(raw.Server.Admin)
	}
	if meta.IsDefined("server", "admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.Server.AdminToken)
	}
	if meta.IsDefined("server", "doi") {
		cfg.DOI = strings.TrimSpace(raw.Server.DOI)
	}
	if meta.IsDefined("server", "protocol_version") {
		cfg.ProtocolVersion = raw.Server.ProtocolVersion
	}
	if meta.IsDefined("server", "build_date") {
		cfg.BuildDate = strings.TrimSpace(raw.Server.BuildDate)
	}
	if cfg.Session, err = applySession(cfg.Session, raw, meta); err != nil {
		return cfg, fmt.Errorf("load server config: %w", err)
	}
	cfg.Limits = applyLimits(cfg.Limits, raw.Limits, meta)
	cfg.Plugins = applyPlugins(cfg.Plugins, raw.Plugins, meta)

	if v := strings.TrimSpace(getenv(EnvServerAddr)); v != "" {
		cfg.Listen = v
	}
	if v := strings.TrimSpace(getenv(EnvAdminToken)); v != "" {
		cfg.AdminToken = v
	}
	if v := strings.TrimSpace(getenv(EnvPluginDir)); v != "" {
		cfg.Plugins.Dir = v
	}
	if v := strings.TrimSpace(getenv(EnvPluginFailOnLoad)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("load server config: %w: %s=%q", ErrInvalidConfig, EnvPluginFailOnLoad, v)
		}
		cfg.Plugins.FailOnLoad = b
	}

	if err := ValidateServerConfig(cfg); err != nil {
		return cfg, fmt.Errorf("load server config: %w", err)
	}
	return cfg, nil
}

// LoadClientConfig reads path over DefaultClientConfig. UDACTL_SERVER_ADDR
// overrides the dial address.
func LoadClientConfig(path string) (ClientConfig, error) {
	return loadClientConfig(path, os.Getenv)
}

func loadClientConfig(path string, getenv func(string) string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	raw, meta, err := decode(path)
	if err != nil {
		return cfg, fmt.Errorf("load client config: %w", err)
	}
	if meta.IsDefined("client", "addr") {
		cfg.Addr = strings.TrimSpace(raw.Client.Addr)
	}
	if meta.IsDefined("client", "name") {
		cfg.Name = strings.TrimSpace(raw.Client.Name)
	}
	if meta.IsDefined("client", "protocol_version") {
		cfg.ProtocolVersion = raw.Client.ProtocolVersion
	}
	if meta.IsDefined("client", "retries") {
		cfg.Retries = raw.Client.Retries
	}
	if cfg.Session, err = applySession(cfg.Session, raw, meta); err != nil {
		return cfg, fmt.Errorf("load client config: %w", err)
	}
	cfg.Limits = applyLimits(cfg.Limits, raw.Limits, meta)
	if meta.IsDefined("cache", "enabled") {
		cfg.Cache.Enabled = raw.Cache.Enabled
	}
	if meta.IsDefined("cache", "dir") {
		cfg.Cache.Dir = strings.TrimSpace(raw.Cache.Dir)
	}
	if meta.IsDefined("cache", "max_entries") {
		cfg.Cache.MaxEntries = raw.Cache.MaxEntries
	}
	if cfg.Cache.TTL, err = duration(meta, raw.Cache.TTL, cfg.Cache.TTL, "cache", "ttl"); err != nil {
		return cfg, fmt.Errorf("load client config: %w", err)
	}
	if v := strings.TrimSpace(getenv(EnvServerAddr)); v != "" {
		cfg.Addr = v
	}
	if err := ValidateClientConfig(cfg); err != nil {
		return cfg, fmt.Errorf("load client config: %w", err)
	}
	return cfg, nil
}

func decode(path string) (fileConfig, toml.MetaData, error) {
	var raw fileConfig
	if strings.TrimSpace(path) == "" {
		return raw, toml.MetaData{}, nil
	}
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return raw, meta, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return raw, meta, fmt.Errorf("%w: unknown key %q", ErrInvalidConfig, undecoded[0].String())
	}
	return raw, meta, nil
}

func applySession(cfg session.Config, raw fileConfig, meta toml.MetaData) (session.Config, error) {
	var err error
	if meta.IsDefined("session", "security_mode") {
		cfg.SecurityMode = session.SecurityMode(raw.Session.SecurityMode)
	}
	if cfg.ConnectTimeout, err = duration(meta, raw.Session.ConnectTimeout, cfg.ConnectTimeout, "session", "connect_timeout"); err != nil {
		return cfg, err
	}
	if cfg.HandshakeTimeout, err = duration(meta, raw.Session.HandshakeTimeout, cfg.HandshakeTimeout, "session", "handshake_timeout"); err != nil {
		return cfg, err
	}
	b := raw.Session.Backoff
	if cfg.Backoff.InitialDelay, err = duration(meta, b.Initial, cfg.Backoff.InitialDelay, "session", "backoff", "initial"); err != nil {
		return cfg, err
	}
	if cfg.Backoff.MaxDelay, err = duration(meta, b.Max, cfg.Backoff.MaxDelay, "session", "backoff", "max"); err != nil {
		return cfg, err
	}
	if meta.IsDefined("session", "backoff", "multiplier") {
		cfg.Backoff.Multiplier = b.Multiplier
	}
	if meta.IsDefined("session", "backoff", "jitter") {
		cfg.Backoff.Jitter = b.Jitter
	}

	if meta.IsDefined("stream", "read_block_size") {
		cfg.Stream.ReadBlockSize = raw.Stream.ReadBlockSize
	}
	if meta.IsDefined("stream", "write_block_size") {
		cfg.Stream.WriteBlockSize = raw.Stream.WriteBlockSize
	}
	if cfg.Stream.Timeout, err = duration(meta, raw.Stream.Timeout, cfg.Stream.Timeout, "stream", "timeout"); err != nil {
		return cfg, err
	}

	if meta.IsDefined("tls") {
		cfg.TLS = session.TLSConfig{
			Enabled:            raw.TLS.Enabled,
			Mutual:             raw.TLS.Mutual,
			CertFile:           strings.TrimSpace(raw.TLS.CertFile),
			KeyFile:            strings.TrimSpace(raw.TLS.KeyFile),
			CAFile:             strings.TrimSpace(raw.TLS.CAFile),
			ServerName:         strings.TrimSpace(raw.TLS.ServerName),
			InsecureSkipVerify: raw.TLS.InsecureSkipVerify,
		}
	}
	return cfg.WithDefaults(), nil
}

func duration(meta toml.MetaData, raw string, def time.Duration, key ...string) (time.Duration, error) {
	if !meta.IsDefined(key...) {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return def, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, strings.Join(key, "."), err)
	}
	return d, nil
}

func applyLimits(l protocol.Limits, raw fileLimits, meta toml.MetaData) protocol.Limits {
	if meta.IsDefined("limits", "max_payload_bytes") {
		l.MaxPayloadBytes = raw.MaxPayloadBytes
	}
	if meta.IsDefined("limits", "max_elements") {
		l.MaxElements = raw.MaxElements
	}
	if meta.IsDefined("limits", "max_string_bytes") {
		l.MaxStringBytes = raw.MaxStringBytes
	}
	if meta.IsDefined("limits", "max_depth") {
		l.MaxDepth = raw.MaxDepth
	}
	if meta.IsDefined("limits", "max_tail_records") {
		l.MaxTailRecords = raw.MaxTailRecords
	}
	return l
}

func applyPlugins(p PluginConfig, raw filePlugins, meta toml.MetaData) PluginConfig {
	if meta.IsDefined("plugins", "dir") {
		p.Dir = strings.TrimSpace(raw.Dir)
	}
	if meta.IsDefined("plugins", "fail_on_load") {
		p.FailOnLoad = raw.FailOnLoad
	}
	if meta.IsDefined("plugins", "entry_symbol") {
		p.EntrySymbol = strings.TrimSpace(raw.EntrySymbol)
	}
	if meta.IsDefined("plugins", "max_interface_version") {
		p.MaxInterfaceVersion = raw.MaxInterfaceVersion
	}
	if meta.IsDefined("plugins", "memory_limit_pages") {
		p.MemoryLimitPages = raw.MemoryLimitPages
	}
	if meta.IsDefined("plugins", "builtins") {
		p.Builtins = p.Builtins[:0:0]
		for _, name := range raw.Builtins {
			p.Builtins = append(p.Builtins, strings.ToLower(strings.TrimSpace(name)))
		}
	}
	if meta.IsDefined("plugins", "fs_root") {
		p.FSRoot = strings.TrimSpace(raw.FSRoot)
	}
	for _, m := range raw.Modules {
		source := strings.ToLower(strings.TrimSpace(m.Source))
		if source == "" {
			source = plugins.SourceWasm
		}
		p.Modules = append(p.Modules, plugins.ModuleSpec{
			Name:            strings.ToLower(strings.TrimSpace(m.Name)),
			Source:          source,
			File:            strings.TrimSpace(m.File),
			DefaultMethod:   strings.TrimSpace(m.DefaultMethod),
			Description:     m.Description,
			Example:         m.Example,
			Private:         m.Private,
			CachePermission: m.CachePermission,
		})
	}
	return p
}

func ValidateServerConfig(cfg ServerConfig) error {
	if strings.TrimSpace(cfg.Listen) == "" {
		return fmt.Errorf("%w: server listen address missing", ErrInvalidConfig)
	}
	if !protocol.SupportedVersion(cfg.ProtocolVersion) {
		return fmt.Errorf("%w: protocol version %d outside [%d,%d]", ErrInvalidConfig,
			cfg.ProtocolVersion, protocol.MinVersion, protocol.CurrentVersion)
	}
	if err := cfg.Session.Stream.Validate(); err != nil {
		return err
	}
	if err := cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	if cfg.Plugins.MaxInterfaceVersion == 0 {
		return fmt.Errorf("%w: plugin interface ceiling must be positive", ErrInvalidConfig)
	}
	seen := make(map[string]struct{})
	for _, name := range cfg.Plugins.Builtins {
		if err := plugins.ValidateName(name); err != nil {
			return fmt.Errorf("builtin %q: %w", name, err)
		}
		seen[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
	}
	for i, spec := range cfg.Plugins.Modules {
		if err := plugins.ValidateSpec(spec); err != nil {
			return fmt.Errorf("plugins.module[%d]: %w", i, err)
		}
		key := strings.ToLower(spec.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("plugins.module[%d]: %w: %s", i, plugins.ErrPluginExists, spec.Name)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func ValidateClientConfig(cfg ClientConfig) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("%w: client addr missing", ErrInvalidConfig)
	}
	if !protocol.SupportedVersion(cfg.ProtocolVersion) {
		return fmt.Errorf("%w: protocol version %d outside [%d,%d]", ErrInvalidConfig,
			cfg.ProtocolVersion, protocol.MinVersion, protocol.CurrentVersion)
	}
	if cfg.Retries < 0 {
		return fmt.Errorf("%w: negative retries", ErrInvalidConfig)
	}
	if cfg.Cache.Enabled && (cfg.Cache.TTL <= 0 || cfg.Cache.MaxEntries <= 0) {
		return fmt.Errorf("%w: cache needs a positive ttl and max_entries", ErrInvalidConfig)
	}
	if err := cfg.Session.Stream.Validate(); err != nil {
		return err
	}
	return cfg.Session.ValidateClientTransport()
}

// Registry converts the plugin section into registry settings.
func (p PluginConfig) Registry() plugins.Config {
	return plugins.Config{
		FailOnLoad:          p.FailOnLoad,
		MaxInterfaceVersion: p.MaxInterfaceVersion,
		Modules:             append([]plugins.ModuleSpec(nil), p.Modules...),
	}
}

// Wasm converts the plugin section into loader settings.
func (p PluginConfig) Wasm() wasm.Config {
	return wasm.Config{
		Dir:                 p.Dir,
		EntrySymbol:         p.EntrySymbol,
		MaxInterfaceVersion: p.MaxInterfaceVersion,
		MemoryLimitPages:    p.MemoryLimitPages,
	}
}
