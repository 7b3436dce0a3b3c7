package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Server struct {
	HTTPAddr         string `mapstructure:"http_addr"`
	AdminToken       string `mapstructure:"admin_token"`
	AutocertDomain   string `mapstructure:"autocert_domain"`
	AutocertEmail    string `mapstructure:"autocert_email"`
	AutocertCacheDir string `mapstructure:"autocert_cache_dir"`
	Debug            bool   `mapstructure:"debug"`
}

type Database struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type Redis struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type Network struct {
	// Prefix is the client subnet. ServerAddress is the gateway address the
	// server itself holds inside (or outside) that subnet.
	Prefix        string `mapstructure:"prefix"`
	ServerAddress string `mapstructure:"server_address"`
}

type WireGuard struct {
	ServerPublicKey     string   `mapstructure:"server_public_key"`
	Endpoint            string   `mapstructure:"endpoint"`
	DNS                 []string `mapstructure:"dns"`
	AllowedIPs          []string `mapstructure:"allowed_ips"`
	PersistentKeepalive int      `mapstructure:"persistent_keepalive"`
}

type Enrollment struct {
	CodeTTL        time.Duration `mapstructure:"code_ttl"`
	DeepLinkScheme string        `mapstructure:"deep_link_scheme"`
	DeepLinkHost   string        `mapstructure:"deep_link_host"`
	RateLimit      int           `mapstructure:"rate_limit"`
	RateWindow     time.Duration `mapstructure:"rate_window"`
}

type Secrets struct {
	// KeySealSecret is the base64 encoded 32 byte key wrapping private keys
	// at rest. Without it the server refuses to issue keypairs.
	KeySealSecret        string `mapstructure:"key_seal_secret"`
	CredentialSigningKey string `mapstructure:"credential_signing_key"`
	CredentialHashSalt   string `mapstructure:"credential_hash_salt"`
}

type Presence struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type Logging struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Journal struct {
	Path string `mapstructure:"path"`
}

type Config struct {
	Server     Server     `mapstructure:"server"`
	Database   Database   `mapstructure:"database"`
	Redis      Redis      `mapstructure:"redis"`
	Network    Network    `mapstructure:"network"`
	WireGuard  WireGuard  `mapstructure:"wireguard"`
	Enrollment Enrollment `mapstructure:"enrollment"`
	Secrets    Secrets    `mapstructure:"secrets"`
	Presence   Presence   `mapstructure:"presence"`
	Logging    Logging    `mapstructure:"logging"`
	Journal    Journal    `mapstructure:"journal"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./fleetwire.db")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("network.prefix", "100.70.0.0/24")
	v.SetDefault("wireguard.allowed_ips", []string{"0.0.0.0/0"})
	v.SetDefault("wireguard.persistent_keepalive", 25)
	v.SetDefault("enrollment.code_ttl", 15*time.Minute)
	v.SetDefault("enrollment.deep_link_scheme", "fleetwire")
	v.SetDefault("enrollment.deep_link_host", "enroll")
	v.SetDefault("enrollment.rate_limit", 5)
	v.SetDefault("enrollment.rate_window", time.Minute)
	v.SetDefault("presence.ttl", 90*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("journal.path", "./fleetwire-events.db")
}

// Keys with no default are invisible to AutomaticEnv during Unmarshal and
// need an explicit binding to be settable from the environment.
var envOnlyKeys = []string{
	"server.admin_token",
	"server.autocert_domain",
	"server.autocert_email",
	"server.autocert_cache_dir",
	"server.debug",
	"redis.password",
	"redis.db",
	"network.server_address",
	"wireguard.server_public_key",
	"wireguard.endpoint",
	"wireguard.dns",
	"secrets.key_seal_secret",
	"secrets.credential_signing_key",
	"secrets.credential_hash_salt",
}

// Load reads the config file at path (optional, yaml) with FLEETWIRE_*
// environment overrides on top of defaults, e.g. FLEETWIRE_SERVER_HTTP_ADDR
// for server.http_addr.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("FLEETWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envOnlyKeys {
		_ = v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := netip.ParsePrefix(c.Network.Prefix); err != nil {
		return fmt.Errorf("network.prefix: %w", err)
	}
	if c.Network.ServerAddress != "" {
		if _, err := netip.ParseAddr(c.Network.ServerAddress); err != nil {
			return fmt.Errorf("network.server_address: %w", err)
		}
	}
	if c.Enrollment.CodeTTL <= 0 {
		return errors.New("enrollment.code_ttl must be positive")
	}
	if c.Enrollment.RateLimit <= 0 || c.Enrollment.RateWindow <= 0 {
		return errors.New("enrollment rate limit and window must be positive")
	}
	if c.Secrets.KeySealSecret == "" {
		return errors.New("secrets.key_seal_secret is required")
	}
	if _, err := c.KeySealSecret(); err != nil {
		return err
	}
	if c.Secrets.CredentialSigningKey == "" {
		return errors.New("secrets.credential_signing_key is required")
	}
	if c.Secrets.CredentialHashSalt == "" {
		return errors.New("secrets.credential_hash_salt is required")
	}
	if c.Server.AdminToken == "" {
		return errors.New("server.admin_token is required")
	}
	return nil
}

func (c *Config) NetworkPrefix() (netip.Prefix, error) {
	return netip.ParsePrefix(c.Network.Prefix)
}

// ReservedAddresses returns addresses the allocator must never hand out
// beyond the structural network/broadcast reservations.
func (c *Config) ReservedAddresses() []netip.Addr {
	if c.Network.ServerAddress == "" {
		return nil
	}
	addr, err := netip.ParseAddr(c.Network.ServerAddress)
	if err != nil {
		return nil
	}
	return []netip.Addr{addr}
}

func (c *Config) KeySealSecret() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(c.Secrets.KeySealSecret)
	if err != nil {
		return nil, fmt.Errorf("secrets.key_seal_secret: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("secrets.key_seal_secret: need 32 bytes, got %d", len(b))
	}
	return b, nil
}
