package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AlexKimmel/docgate/internal/ratelimit"
)

type Server struct {
	Addr               string `yaml:"addr"`
	ReadTimeoutMS      int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS     int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS      int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes       int64  `yaml:"max_body_bytes"`
	UploadMaxBodyBytes int64  `yaml:"upload_max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type PolicyConfig struct {
	Endpoint    string `yaml:"endpoint"`
	MaxRequests int    `yaml:"max_requests"`
	WindowMS    int64  `yaml:"window_ms"`
}

type Limits struct {
	// "open" (default) or "closed"; applied when the counter store fails
	FailurePolicy  string `yaml:"failure_policy"`
	StoreTimeoutMS int    `yaml:"store_timeout_ms"`
	// read X-Forwarded-For / X-Real-IP when identifying anonymous callers
	TrustProxy bool `yaml:"trust_proxy"`
	// seeded into the policy store at startup
	Policies []PolicyConfig `yaml:"policies"`
}

type APIKey struct {
	ID       string            `yaml:"id"`
	Secret   string            `yaml:"secret"`
	Metadata map[string]string `yaml:"metadata"` // "department" binds the key to a department
}

type Auth struct {
	Header         string   `yaml:"header"`
	AllowAnonymous bool     `yaml:"allow_anonymous"`
	Keys           []APIKey `yaml:"keys"`
}

type Admin struct {
	Header string   `yaml:"header"`
	Keys   []string `yaml:"keys"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type Database struct {
	URL               string `yaml:"url"`
	MaxOpenConns      int    `yaml:"max_open_conns"`
	MaxIdleConns      int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMS int    `yaml:"conn_max_lifetime_ms"`
}

// Department seeds the in-memory quota store when no database is configured.
type Department struct {
	ID             string `yaml:"id"`
	AllocatedBytes int64  `yaml:"allocated_bytes"`
}

type Routes struct {
	ID    string `yaml:"id"` // endpoint name, e.g. "files:upload"
	Match struct {
		PathPrefix string   `yaml:"path_prefix"`
		Methods    []string `yaml:"methods"`
	} `yaml:"match"`

	Upstream struct {
		URL       string `yaml:"url"`
		TimeoutMS int    `yaml:"timeout_ms"`
	} `yaml:"upstream"`

	Upload bool `yaml:"upload"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Auth          Auth          `yaml:"auth"`
	Admin         Admin         `yaml:"admin"`
	Limits        Limits        `yaml:"limits"`
	Redis         Redis         `yaml:"redis"`
	Database      Database      `yaml:"database"`
	Departments   []Department  `yaml:"departments"`
	Routes        []Routes      `yaml:"routes"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
} // default 10MB

func (s Server) UploadMaxBody() int64 {
	if s.UploadMaxBodyBytes == 0 {
		return 1 << 30
	}
	return s.UploadMaxBodyBytes
} // default 1GB

func (l Limits) StoreTimeout() time.Duration {
	return time.Duration(l.StoreTimeoutMS) * time.Millisecond
}

func (d Database) ConnMaxLifetime() time.Duration {
	return time.Duration(d.ConnMaxLifetimeMS) * time.Millisecond
}

// Load reads the YAML file at path, applies defaults, then overrides from
// the environment (a .env file in the working directory is loaded first if
// present). Invalid values are reported, not corrected.
func Load(path string) (*Root, error) {
	_ = godotenv.Load()

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	applyDefaults(&cfg)
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Root) {
	for i := range cfg.Routes {
		if cfg.Routes[i].Upstream.TimeoutMS <= 0 {
			cfg.Routes[i].Upstream.TimeoutMS = 3000
		}
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}
	if cfg.Admin.Header == "" {
		cfg.Admin.Header = "X-Admin-Key"
	}
	if cfg.Limits.FailurePolicy == "" {
		cfg.Limits.FailurePolicy = "open"
	}
	if cfg.Limits.StoreTimeoutMS == 0 {
		cfg.Limits.StoreTimeoutMS = int(ratelimit.DefaultStoreTimeout / time.Millisecond)
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "docgate:"
	}
}

// Environment overrides, mostly for secrets kept out of the YAML file.
func applyEnv(cfg *Root) error {
	if v := os.Getenv("DOCGATE_LISTEN_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DOCGATE_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("DOCGATE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("DOCGATE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("DOCGATE_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DOCGATE_REDIS_DB: %w", err)
		}
		cfg.Redis.DB = db
	}
	if v := os.Getenv("DOCGATE_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("DOCGATE_ADMIN_KEYS"); v != "" {
		cfg.Admin.Keys = nil
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				cfg.Admin.Keys = append(cfg.Admin.Keys, k)
			}
		}
	}
	return nil
}

func (cfg *Root) Validate() error {
	var errs []error
	if _, err := ratelimit.ParseFailurePolicy(cfg.Limits.FailurePolicy); err != nil {
		errs = append(errs, err)
	}
	if cfg.Limits.StoreTimeoutMS < 0 {
		errs = append(errs, errors.New("limits.store_timeout_ms must be >= 0"))
	}
	for _, p := range cfg.Limits.Policies {
		pol := ratelimit.Policy{Endpoint: p.Endpoint, MaxRequests: p.MaxRequests, WindowMS: p.WindowMS}
		if err := pol.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("limits.policies[%s]: %w", p.Endpoint, err))
		}
	}
	for _, d := range cfg.Departments {
		if d.ID == "" || d.AllocatedBytes < 0 {
			errs = append(errs, fmt.Errorf("departments: invalid entry %q (allocated_bytes=%d)", d.ID, d.AllocatedBytes))
		}
	}
	seen := map[string]bool{}
	for i, rt := range cfg.Routes {
		if rt.ID == "" {
			errs = append(errs, fmt.Errorf("routes[%d]: id is required", i))
		} else if seen[rt.ID] {
			errs = append(errs, fmt.Errorf("routes[%d]: duplicate id %q", i, rt.ID))
		}
		seen[rt.ID] = true
		if u, err := url.Parse(rt.Upstream.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("routes[%s]: invalid upstream url %q", rt.ID, rt.Upstream.URL))
		}
	}
	return errors.Join(errs...)
}
