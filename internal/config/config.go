package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "WIREMOCK_PROXY_"

// Storage media for writable keystores.
const (
	StorageFile   = "file"
	StorageBolt   = "bolt"
	StorageMemory = "memory"
)

const (
	DefaultCAAlias  = "wiremock-ca"
	defaultPassword = "password"
	minPassword     = 6
)

type BasicAuth struct {
	Enabled  bool   `yaml:"enabled"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type Security struct {
	BasicAuth BasicAuth `yaml:"basic_auth"`
}

type Limits struct {
	MaxConns     int           `yaml:"max_conns"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
}

// Store locates a keystore.
type Store struct {
	Path     string `yaml:"path"`
	Password string `yaml:"password"`
	Type     string `yaml:"type"`    // jks | pkcs12
	Storage  string `yaml:"storage"` // file | bolt | memory
	ReadOnly bool   `yaml:"read_only"`
	Alias    string `yaml:"alias"`
}

// CA configures the authority leaf certificates are issued from.
type CA struct {
	Keystore     Store         `yaml:"keystore"`
	Alias        string        `yaml:"alias"`
	KeyType      string        `yaml:"key_type"` // rsa | ecdsa
	KeyBits      int           `yaml:"key_bits"`
	Validity     time.Duration `yaml:"validity"`
	LeafValidity time.Duration `yaml:"leaf_validity"`
	Organization string        `yaml:"organization"`
	CommonName   string        `yaml:"common_name"`
}

type HTTPS struct {
	Listen         string `yaml:"listen"`
	Keystore       Store  `yaml:"keystore"`
	NeedClientAuth bool   `yaml:"need_client_auth"`
	Truststore     Store  `yaml:"truststore"`
}

type Upstream struct {
	Truststore Store `yaml:"truststore"`
}

type MITM struct {
	Listen string `yaml:"listen"`
}

type Logging struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

type DNS struct {
	Mode string `yaml:"mode"` // terasu | system | auto
}

type Config struct {
	Listen          string   `yaml:"listen"`
	Mode            string   `yaml:"mode"`
	InterceptList   []string `yaml:"intercept_list"`
	BrowserProxying bool     `yaml:"browser_proxying"`
	MITM            MITM     `yaml:"mitm"`
	CA              CA       `yaml:"ca"`
	HTTPS           HTTPS    `yaml:"https"`
	Upstream        Upstream `yaml:"upstream"`
	Security        Security `yaml:"security"`
	Limits          Limits   `yaml:"limits"`
	Logging         Logging  `yaml:"logging"`
	Metrics         Metrics  `yaml:"metrics"`
	DNS             DNS      `yaml:"dns"`
}

// DefaultCAKeystorePath is ~/.wiremock/ca-keystore.jks, or a relative path
// when the home directory is unknown.
func DefaultCAKeystorePath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".wiremock", "ca-keystore.jks")
	}
	return filepath.Join(home, ".wiremock", "ca-keystore.jks")
}

func defaultConfig() *Config {
	return &Config{
		Listen:          "0.0.0.0:8080",
		Mode:            "all",
		BrowserProxying: true,
		MITM:            MITM{Listen: "127.0.0.1:0"},
		CA: CA{
			Keystore: Store{Path: DefaultCAKeystorePath(), Password: defaultPassword, Type: "jks", Storage: StorageFile},
			Alias:    DefaultCAAlias,
			KeyType:  "rsa",
			Validity: 10 * 365 * 24 * time.Hour,
			// browsers reject leaves valid for longer than 398 days
			LeafValidity: 397 * 24 * time.Hour,
		},
		HTTPS: HTTPS{Keystore: Store{Password: defaultPassword, Type: "jks"}},
		Limits: Limits{
			MaxConns:     4096,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			DialTimeout:  10 * time.Second,
		},
		Logging: Logging{Level: "info"},
		DNS:     DNS{Mode: "auto"},
	}
}

// Load loads config from yaml file; empty path loads defaults only.
// WIREMOCK_PROXY_* environment variables override both.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (cfg *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("LISTEN", &cfg.Listen)
	str("MODE", &cfg.Mode)
	if v, ok := lookup(envPrefix + "INTERCEPT_LIST"); ok && v != "" {
		var list []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				list = append(list, p)
			}
		}
		if len(list) > 0 {
			cfg.InterceptList = list
		}
	}
	boolean("BROWSER_PROXYING", &cfg.BrowserProxying)
	str("MITM_LISTEN", &cfg.MITM.Listen)

	str("CA_KEYSTORE_PATH", &cfg.CA.Keystore.Path)
	str("CA_KEYSTORE_PASSWORD", &cfg.CA.Keystore.Password)
	str("CA_KEYSTORE_TYPE", &cfg.CA.Keystore.Type)
	str("CA_KEYSTORE_STORAGE", &cfg.CA.Keystore.Storage)
	str("CA_ALIAS", &cfg.CA.Alias)
	str("CA_KEY_TYPE", &cfg.CA.KeyType)
	integer("CA_KEY_BITS", &cfg.CA.KeyBits)
	duration("CA_VALIDITY", &cfg.CA.Validity)
	duration("CA_LEAF_VALIDITY", &cfg.CA.LeafValidity)

	str("HTTPS_LISTEN", &cfg.HTTPS.Listen)
	str("HTTPS_KEYSTORE_PATH", &cfg.HTTPS.Keystore.Path)
	str("HTTPS_KEYSTORE_PASSWORD", &cfg.HTTPS.Keystore.Password)
	str("HTTPS_KEYSTORE_TYPE", &cfg.HTTPS.Keystore.Type)
	str("HTTPS_KEYSTORE_ALIAS", &cfg.HTTPS.Keystore.Alias)
	boolean("HTTPS_NEED_CLIENT_AUTH", &cfg.HTTPS.NeedClientAuth)
	str("HTTPS_TRUSTSTORE_PATH", &cfg.HTTPS.Truststore.Path)
	str("HTTPS_TRUSTSTORE_PASSWORD", &cfg.HTTPS.Truststore.Password)
	str("UPSTREAM_TRUSTSTORE_PATH", &cfg.Upstream.Truststore.Path)
	str("UPSTREAM_TRUSTSTORE_PASSWORD", &cfg.Upstream.Truststore.Password)

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FILE", &cfg.Logging.File)
	str("METRICS_ADDR", &cfg.Metrics.Addr)
	str("DNS_MODE", &cfg.DNS.Mode)
	integer("LIMITS_MAX_CONNS", &cfg.Limits.MaxConns)
	duration("LIMITS_READ_TIMEOUT", &cfg.Limits.ReadTimeout)
	duration("LIMITS_WRITE_TIMEOUT", &cfg.Limits.WriteTimeout)
	duration("LIMITS_DIAL_TIMEOUT", &cfg.Limits.DialTimeout)

	boolean("BASIC_AUTH_ENABLED", &cfg.Security.BasicAuth.Enabled)
	str("BASIC_AUTH_USERNAME", &cfg.Security.BasicAuth.Username)
	str("BASIC_AUTH_PASSWORD", &cfg.Security.BasicAuth.Password)
	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (cfg *Config) Validate() error {
	var errs []error
	switch cfg.Mode {
	case "all", "list":
	default:
		errs = append(errs, fmt.Errorf("mode: unknown %q", cfg.Mode))
	}
	switch strings.ToLower(cfg.CA.KeyType) {
	case "", "rsa", "ecdsa":
	default:
		errs = append(errs, fmt.Errorf("ca.key_type: unknown %q", cfg.CA.KeyType))
	}
	if cfg.CA.Alias == "" {
		errs = append(errs, errors.New("ca.alias: must not be empty"))
	}
	errs = append(errs, cfg.CA.Keystore.validate("ca.keystore", true))
	if cfg.HTTPS.Keystore.Path != "" {
		errs = append(errs, cfg.HTTPS.Keystore.validate("https.keystore", false))
	}
	if cfg.HTTPS.Truststore.Path != "" {
		errs = append(errs, cfg.HTTPS.Truststore.validate("https.truststore", false))
	}
	if cfg.HTTPS.NeedClientAuth && cfg.HTTPS.Truststore.Path == "" {
		errs = append(errs, errors.New("https.need_client_auth: requires https.truststore.path"))
	}
	if cfg.Upstream.Truststore.Path != "" {
		errs = append(errs, cfg.Upstream.Truststore.validate("upstream.truststore", false))
	}
	switch cfg.DNS.Mode {
	case "", "auto", "terasu", "system":
	default:
		errs = append(errs, fmt.Errorf("dns.mode: unknown %q", cfg.DNS.Mode))
	}
	if cfg.Limits.MaxConns < 0 {
		errs = append(errs, errors.New("limits.max_conns: must not be negative"))
	}
	return errors.Join(errs...)
}

func (s Store) validate(name string, writable bool) error {
	var errs []error
	switch strings.ToLower(s.Type) {
	case "", "jks":
		if len(s.Password) < minPassword && writable && s.Storage != StorageMemory {
			errs = append(errs, fmt.Errorf("%s.password: must be at least %d characters", name, minPassword))
		}
	case "pkcs12", "p12", "pfx":
		if writable && s.Storage != StorageMemory {
			errs = append(errs, fmt.Errorf("%s.type: pkcs12 keystores are read-only", name))
		}
	default:
		errs = append(errs, fmt.Errorf("%s.type: unknown %q", name, s.Type))
	}
	switch s.Storage {
	case "", StorageFile, StorageMemory:
	case StorageBolt:
		if !writable {
			errs = append(errs, fmt.Errorf("%s.storage: bolt is only supported for the CA keystore", name))
		}
	default:
		errs = append(errs, fmt.Errorf("%s.storage: unknown %q", name, s.Storage))
	}
	if writable && s.Storage != StorageMemory && s.Path == "" {
		errs = append(errs, fmt.Errorf("%s.path: must not be empty", name))
	}
	return errors.Join(errs...)
}
