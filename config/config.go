package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete bot configuration
type Config struct {
	IRC      IRCConfig      `yaml:"irc"`
	Control  ControlConfig  `yaml:"control"`
	Captcha  CaptchaConfig  `yaml:"captcha"`
	GeoIP    GeoIPConfig    `yaml:"geoip"`
	DNSBL    DNSBLConfig    `yaml:"dnsbl"`
	Channels []ChannelEntry `yaml:"channels"`
	Watch    WatchConfig    `yaml:"watch"`
	Admin    AdminConfig    `yaml:"admin"`
	Logging  LoggingConfig  `yaml:"logging"`
	Ticks    TickConfig     `yaml:"ticks"`
}

// IRCConfig contains connection and identity settings
type IRCConfig struct {
	Servers     []string `yaml:"servers"` // host:port, tried in order
	Nickname    string   `yaml:"nickname"`
	RealName    string   `yaml:"realname"`
	BindAddress string   `yaml:"bind_address"`
	UseTLS      bool     `yaml:"tls"`
	IPv6        bool     `yaml:"ipv6"`
}

// ControlConfig gates who may issue runtime commands
type ControlConfig struct {
	Channel   string   `yaml:"channel"`    // control channel; joins there are never moderated
	UserMasks []string `yaml:"user_masks"` // regexps matched against nick!ident@host
	AllowMsg  bool     `yaml:"allow_privmsg"`
}

// CaptchaConfig contains challenge settings
type CaptchaConfig struct {
	URL              string `yaml:"url"` // base URL of the verification site
	DBPath           string `yaml:"db_path"`
	StalenessMinutes int    `yaml:"staleness_minutes"`
	BusyTimeoutMS    int    `yaml:"busy_timeout_ms"`
}

// GeoIPConfig contains country lookup settings
type GeoIPConfig struct {
	ZoneDir         string   `yaml:"zone_dir"` // one <cc>.zone file per country
	SnapshotPath    string   `yaml:"snapshot_path"`
	BannedCountries []string `yaml:"banned_countries"`
	SnapshotOnLoad  bool     `yaml:"snapshot_on_load"`
}

// DNSBLConfig contains reputation-list resolver settings
type DNSBLConfig struct {
	Zones   []string `yaml:"zones"` // e.g. dnsbl.dronebl.org
	Workers int      `yaml:"workers"`
}

// ChannelEntry seeds the per-channel policy table at startup
type ChannelEntry struct {
	Name      string `yaml:"name"`
	Challenge string `yaml:"challenge"` // off, soft, secure
	GeoBan    bool   `yaml:"geoban"`
	DNSBL     bool   `yaml:"dnsbl"`
	AutoVoice bool   `yaml:"autovoice"`
}

// WatchConfig lists nicks guarded by the impersonation watch
type WatchConfig struct {
	ProtectedNicks []string `yaml:"protected_nicks"`
	MaxDistance    int      `yaml:"max_distance"`
}

// AdminConfig contains the optional admin/debug HTTP listener
type AdminConfig struct {
	HTTPPort    int    `yaml:"http_port"`
	BindAddress string `yaml:"bind_address"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
	ForceStdout   bool   `yaml:"force_stdout"`
}

// TickConfig bounds the periodic reconciliation cadences (seconds)
type TickConfig struct {
	DrainSeconds    int `yaml:"drain_seconds"`
	ArchiveSeconds  int `yaml:"archive_seconds"`
	ReapSeconds     int `yaml:"reap_seconds"`
	KeepNickSeconds int `yaml:"keepnick_seconds"`
}

// Load loads configuration from a YAML file and applies defaults
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.ApplyDefaults()

	if len(cfg.IRC.Servers) == 0 {
		return nil, fmt.Errorf("config: at least one irc server is required")
	}
	if strings.TrimSpace(cfg.IRC.Nickname) == "" {
		return nil, fmt.Errorf("config: irc nickname is required")
	}
	return &cfg, nil
}

// ApplyDefaults normalizes zero values to the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.IRC.RealName == "" {
		c.IRC.RealName = "KABAS Bot"
	}
	if c.Captcha.StalenessMinutes <= 0 {
		c.Captcha.StalenessMinutes = 60
	}
	if c.Captcha.BusyTimeoutMS <= 0 {
		c.Captcha.BusyTimeoutMS = 5000
	}
	if c.Captcha.DBPath == "" {
		c.Captcha.DBPath = "data/captcha.db"
	}
	if c.GeoIP.ZoneDir == "" {
		c.GeoIP.ZoneDir = "data/geoip"
	}
	if c.DNSBL.Workers <= 0 {
		c.DNSBL.Workers = 5
	}
	if c.Watch.MaxDistance <= 0 {
		c.Watch.MaxDistance = 1
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = 7
	}
	if c.Ticks.DrainSeconds <= 0 {
		c.Ticks.DrainSeconds = 2
	}
	if c.Ticks.ArchiveSeconds <= 0 {
		c.Ticks.ArchiveSeconds = 2
	}
	if c.Ticks.ReapSeconds <= 0 {
		c.Ticks.ReapSeconds = 300
	}
	if c.Ticks.KeepNickSeconds <= 0 {
		c.Ticks.KeepNickSeconds = 10
	}
}

// Print displays the configuration
func (c *Config) Print() {
	fmt.Printf("IRC: %s as %s (tls=%v)\n", strings.Join(c.IRC.Servers, ", "), c.IRC.Nickname, c.IRC.UseTLS)
	if c.Control.Channel != "" {
		fmt.Printf("Control channel: %s (%d user masks)\n", c.Control.Channel, len(c.Control.UserMasks))
	}
	fmt.Printf("Captcha: db=%s staleness=%dm\n", c.Captcha.DBPath, c.Captcha.StalenessMinutes)
	fmt.Printf("GeoIP: zones=%s banned=[%s]\n", c.GeoIP.ZoneDir, strings.Join(c.GeoIP.BannedCountries, ", "))
	if len(c.DNSBL.Zones) > 0 {
		fmt.Printf("DNSBL: %s (workers=%d)\n", strings.Join(c.DNSBL.Zones, ", "), c.DNSBL.Workers)
	}
	for _, ch := range c.Channels {
		fmt.Printf("Channel %s: challenge=%s geoban=%v dnsbl=%v autovoice=%v\n",
			ch.Name, ch.Challenge, ch.GeoBan, ch.DNSBL, ch.AutoVoice)
	}
	if c.Admin.HTTPPort > 0 {
		fmt.Printf("Admin HTTP: %s:%d\n", c.Admin.BindAddress, c.Admin.HTTPPort)
	}
}
