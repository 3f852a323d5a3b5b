package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for the rcschat service.
// Precedence: CLI flags > env vars > config file > defaults.
type Config struct {
	ConfigFile   string
	DataDir      string
	HTTPPort     int
	SIPPort      int
	SIPTransport string // "udp", "tcp" or "tls"
	LocalIP      string // address advertised in SDP and Contact (auto-detected if empty)
	Domain       string // IMS home domain
	Username     string // user part of the public identity
	DisplayName  string
	AuthUsername string // private identity for digest auth (defaults to username@domain)
	Password     string
	ProxyHost    string // outbound proxy (P-CSCF); empty sends straight to the domain
	ProxyPort    int
	MSRPPortMin  int
	MSRPPortMax  int
	MSRPSetup    string // local a=setup role offered: "active" or "passive"
	TLSCert      string // certificate used for secure MSRP fingerprints
	TLSKey       string
	LogLevel     string
	LogFormat    string        // log output format: "text" or "json"
	SIPTrace     string        // raw SIP message tracing: "off", "headers" or "full"
	SessionTTL   time.Duration // how long a sent session keeps its MSRP endpoint
	APISecret    string        // hex-encoded 32-byte secret for control API bearer tokens
	IssueToken   bool          // print a signed operator token and exit

	// Feature flag defaults, used until overridden in the settings store.
	CPM        bool // OMA CPM (extended messaging profile)
	OP01       bool // carrier compatibility mode
	SecureMSRP bool // MSRP over TLS
}

// defaults
const (
	defaultDataDir      = "./data"
	defaultHTTPPort     = 8080
	defaultSIPPort      = 5060
	defaultSIPTransport = "udp"
	defaultProxyPort    = 5060
	defaultMSRPPortMin  = 20000
	defaultMSRPPortMax  = 20999
	defaultMSRPSetup    = "active"
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
	defaultSIPTrace     = "off"
	defaultSessionTTL   = 10 * time.Minute
)

// envPrefix is the prefix for all rcschat environment variables.
const envPrefix = "RCSCHAT_"

// Load parses configuration from CLI flags, environment variables and an
// optional YAML config file.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("rcschat", flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigFile, "config", "", "path to a YAML config file")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP control API listen port")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "local SIP listen port")
	fs.StringVar(&cfg.SIPTransport, "sip-transport", defaultSIPTransport, "SIP transport (udp, tcp, tls)")
	fs.StringVar(&cfg.LocalIP, "local-ip", "", "local IP address advertised in SDP (auto-detected if empty)")
	fs.StringVar(&cfg.Domain, "domain", "", "IMS home domain")
	fs.StringVar(&cfg.Username, "username", "", "user part of the public identity")
	fs.StringVar(&cfg.DisplayName, "display-name", "", "display name sent in the From header")
	fs.StringVar(&cfg.AuthUsername, "auth-username", "", "private identity for digest authentication")
	fs.StringVar(&cfg.Password, "password", "", "digest authentication password")
	fs.StringVar(&cfg.ProxyHost, "proxy-host", "", "outbound proxy host")
	fs.IntVar(&cfg.ProxyPort, "proxy-port", defaultProxyPort, "outbound proxy port")
	fs.IntVar(&cfg.MSRPPortMin, "msrp-port-min", defaultMSRPPortMin, "minimum TCP port for MSRP sessions")
	fs.IntVar(&cfg.MSRPPortMax, "msrp-port-max", defaultMSRPPortMax, "maximum TCP port for MSRP sessions")
	fs.StringVar(&cfg.MSRPSetup, "msrp-setup", defaultMSRPSetup, "offered MSRP setup role (active, passive)")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.SIPTrace, "sip-trace", defaultSIPTrace, "raw SIP message tracing at debug level (off, headers, full)")
	fs.DurationVar(&cfg.SessionTTL, "session-ttl", defaultSessionTTL, "how long a sent session holds its MSRP endpoint")
	fs.StringVar(&cfg.APISecret, "api-secret", "", "hex-encoded 32-byte secret for control API bearer tokens (auto-generated if empty)")
	fs.BoolVar(&cfg.IssueToken, "issue-token", false, "print a signed operator token for the control API and exit")
	fs.BoolVar(&cfg.CPM, "cpm", false, "enable the OMA CPM messaging profile by default")
	fs.BoolVar(&cfg.OP01, "op01", false, "enable carrier compatibility mode by default")
	fs.BoolVar(&cfg.SecureMSRP, "secure-msrp", false, "offer MSRP over TLS by default")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	set := explicitFlags(fs)

	if cfg.ConfigFile == "" {
		cfg.ConfigFile = os.Getenv(envPrefix + "CONFIG")
	}
	if cfg.ConfigFile != "" {
		if err := applyFileOverrides(set, cfg, cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	// Env vars override the file but never an explicit CLI flag.
	applyEnvOverrides(set, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// explicitFlags returns the set of flag names given on the command line.
func explicitFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}

// fileConfig mirrors Config for YAML decoding. Pointer fields distinguish
// "absent" from zero values.
type fileConfig struct {
	DataDir      *string `yaml:"data_dir"`
	HTTPPort     *int    `yaml:"http_port"`
	SIPPort      *int    `yaml:"sip_port"`
	SIPTransport *string `yaml:"sip_transport"`
	LocalIP      *string `yaml:"local_ip"`
	Domain       *string `yaml:"domain"`
	Username     *string `yaml:"username"`
	DisplayName  *string `yaml:"display_name"`
	AuthUsername *string `yaml:"auth_username"`
	Password     *string `yaml:"password"`
	ProxyHost    *string `yaml:"proxy_host"`
	ProxyPort    *int    `yaml:"proxy_port"`
	MSRPPortMin  *int    `yaml:"msrp_port_min"`
	MSRPPortMax  *int    `yaml:"msrp_port_max"`
	MSRPSetup    *string `yaml:"msrp_setup"`
	TLSCert      *string `yaml:"tls_cert"`
	TLSKey       *string `yaml:"tls_key"`
	LogLevel     *string `yaml:"log_level"`
	LogFormat    *string `yaml:"log_format"`
	SIPTrace     *string `yaml:"sip_trace"`
	SessionTTL   *string `yaml:"session_ttl"`
	APISecret    *string `yaml:"api_secret"`
	CPM          *bool   `yaml:"cpm"`
	OP01         *bool   `yaml:"op01"`
	SecureMSRP   *bool   `yaml:"secure_msrp"`
}

// applyFileOverrides reads the YAML file at path and applies every value
// whose flag was not given on the command line.
func applyFileOverrides(set map[string]bool, cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	setString := func(flagName string, dst *string, v *string) {
		if v != nil && !set[flagName] {
			*dst = *v
		}
	}
	setInt := func(flagName string, dst *int, v *int) {
		if v != nil && !set[flagName] {
			*dst = *v
		}
	}
	setBool := func(flagName string, dst *bool, v *bool) {
		if v != nil && !set[flagName] {
			*dst = *v
		}
	}

	setString("data-dir", &cfg.DataDir, fc.DataDir)
	setInt("http-port", &cfg.HTTPPort, fc.HTTPPort)
	setInt("sip-port", &cfg.SIPPort, fc.SIPPort)
	setString("sip-transport", &cfg.SIPTransport, fc.SIPTransport)
	setString("local-ip", &cfg.LocalIP, fc.LocalIP)
	setString("domain", &cfg.Domain, fc.Domain)
	setString("username", &cfg.Username, fc.Username)
	setString("display-name", &cfg.DisplayName, fc.DisplayName)
	setString("auth-username", &cfg.AuthUsername, fc.AuthUsername)
	setString("password", &cfg.Password, fc.Password)
	setString("proxy-host", &cfg.ProxyHost, fc.ProxyHost)
	setInt("proxy-port", &cfg.ProxyPort, fc.ProxyPort)
	setInt("msrp-port-min", &cfg.MSRPPortMin, fc.MSRPPortMin)
	setInt("msrp-port-max", &cfg.MSRPPortMax, fc.MSRPPortMax)
	setString("msrp-setup", &cfg.MSRPSetup, fc.MSRPSetup)
	setString("tls-cert", &cfg.TLSCert, fc.TLSCert)
	setString("tls-key", &cfg.TLSKey, fc.TLSKey)
	setString("log-level", &cfg.LogLevel, fc.LogLevel)
	setString("log-format", &cfg.LogFormat, fc.LogFormat)
	setString("sip-trace", &cfg.SIPTrace, fc.SIPTrace)
	setString("api-secret", &cfg.APISecret, fc.APISecret)
	if fc.SessionTTL != nil && !set["session-ttl"] {
		d, err := time.ParseDuration(*fc.SessionTTL)
		if err != nil {
			return fmt.Errorf("parsing session_ttl in %s: %w", path, err)
		}
		cfg.SessionTTL = d
	}
	setBool("cpm", &cfg.CPM, fc.CPM)
	setBool("op01", &cfg.OP01, fc.OP01)
	setBool("secure-msrp", &cfg.SecureMSRP, fc.SecureMSRP)

	return nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line.
func applyEnvOverrides(set map[string]bool, cfg *Config) {
	envMap := map[string]string{
		"data-dir":      envPrefix + "DATA_DIR",
		"http-port":     envPrefix + "HTTP_PORT",
		"sip-port":      envPrefix + "SIP_PORT",
		"sip-transport": envPrefix + "SIP_TRANSPORT",
		"local-ip":      envPrefix + "LOCAL_IP",
		"domain":        envPrefix + "DOMAIN",
		"username":      envPrefix + "USERNAME",
		"display-name":  envPrefix + "DISPLAY_NAME",
		"auth-username": envPrefix + "AUTH_USERNAME",
		"password":      envPrefix + "PASSWORD",
		"proxy-host":    envPrefix + "PROXY_HOST",
		"proxy-port":    envPrefix + "PROXY_PORT",
		"msrp-port-min": envPrefix + "MSRP_PORT_MIN",
		"msrp-port-max": envPrefix + "MSRP_PORT_MAX",
		"msrp-setup":    envPrefix + "MSRP_SETUP",
		"tls-cert":      envPrefix + "TLS_CERT",
		"tls-key":       envPrefix + "TLS_KEY",
		"log-level":     envPrefix + "LOG_LEVEL",
		"log-format":    envPrefix + "LOG_FORMAT",
		"sip-trace":     envPrefix + "SIP_TRACE",
		"session-ttl":   envPrefix + "SESSION_TTL",
		"api-secret":    envPrefix + "API_SECRET",
		"cpm":           envPrefix + "CPM",
		"op01":          envPrefix + "OP01",
		"secure-msrp":   envPrefix + "SECURE_MSRP",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "sip-transport":
			cfg.SIPTransport = val
		case "local-ip":
			cfg.LocalIP = val
		case "domain":
			cfg.Domain = val
		case "username":
			cfg.Username = val
		case "display-name":
			cfg.DisplayName = val
		case "auth-username":
			cfg.AuthUsername = val
		case "password":
			cfg.Password = val
		case "proxy-host":
			cfg.ProxyHost = val
		case "proxy-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ProxyPort = v
			}
		case "msrp-port-min":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MSRPPortMin = v
			}
		case "msrp-port-max":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MSRPPortMax = v
			}
		case "msrp-setup":
			cfg.MSRPSetup = val
		case "tls-cert":
			cfg.TLSCert = val
		case "tls-key":
			cfg.TLSKey = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "sip-trace":
			cfg.SIPTrace = val
		case "session-ttl":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.SessionTTL = v
			}
		case "api-secret":
			cfg.APISecret = val
		case "cpm":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.CPM = v
			}
		case "op01":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.OP01 = v
			}
		case "secure-msrp":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.SecureMSRP = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.ProxyPort < 1 || c.ProxyPort > 65535 {
		return fmt.Errorf("proxy-port must be between 1 and 65535, got %d", c.ProxyPort)
	}
	if c.MSRPPortMin < 1024 || c.MSRPPortMin > 65535 {
		return fmt.Errorf("msrp-port-min must be between 1024 and 65535, got %d", c.MSRPPortMin)
	}
	if c.MSRPPortMax < c.MSRPPortMin || c.MSRPPortMax > 65535 {
		return fmt.Errorf("msrp-port-max must be between msrp-port-min and 65535, got %d", c.MSRPPortMax)
	}

	transports := map[string]bool{"udp": true, "tcp": true, "tls": true}
	if !transports[strings.ToLower(c.SIPTransport)] {
		return fmt.Errorf("sip-transport must be one of udp, tcp, tls; got %q", c.SIPTransport)
	}
	c.SIPTransport = strings.ToLower(c.SIPTransport)

	setups := map[string]bool{"active": true, "passive": true}
	if !setups[strings.ToLower(c.MSRPSetup)] {
		return fmt.Errorf("msrp-setup must be one of active, passive; got %q", c.MSRPSetup)
	}
	c.MSRPSetup = strings.ToLower(c.MSRPSetup)

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	traceLevels := map[string]bool{"off": true, "headers": true, "full": true}
	if !traceLevels[strings.ToLower(c.SIPTrace)] {
		return fmt.Errorf("sip-trace must be one of off, headers, full; got %q", c.SIPTrace)
	}
	c.SIPTrace = strings.ToLower(c.SIPTrace)

	if c.SessionTTL <= 0 {
		return fmt.Errorf("session-ttl must be positive, got %s", c.SessionTTL)
	}

	// TLS cert and key must both be set or both be empty.
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}

	if c.LocalIP != "" && net.ParseIP(c.LocalIP) == nil {
		return fmt.Errorf("local-ip must be an IP address, got %q", c.LocalIP)
	}

	return nil
}

// PrivateIdentity returns the digest username: the configured auth
// username, or username@domain.
func (c *Config) PrivateIdentity() string {
	if c.AuthUsername != "" {
		return c.AuthUsername
	}
	if c.Domain == "" {
		return c.Username
	}
	return c.Username + "@" + c.Domain
}

// APISecretBytes returns the decoded 32-byte control API signing secret.
// If no secret is configured, it generates a random key and stores the
// hex-encoded value back in the config for the process lifetime.
func (c *Config) APISecretBytes() ([]byte, error) {
	if c.APISecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating api secret: %w", err)
		}
		c.APISecret = hex.EncodeToString(key)
		return key, nil
	}
	key, err := hex.DecodeString(c.APISecret)
	if err != nil {
		return nil, fmt.Errorf("decoding api secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("api secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SIPHost returns the hostname to use for the SIP User-Agent.
func (c *Config) SIPHost() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return hostname
}

// MediaIP returns the IP address to use in SDP and Contact headers.
// If LocalIP is configured, it is returned directly. Otherwise the
// function attempts to detect the machine's primary non-loopback IPv4 address.
// Falls back to "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.LocalIP != "" {
		return c.LocalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
