package suppliers

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModeWebhook Mode = "webhook"
	ModeAPIPoll Mode = "api-poll"
)

// DefaultRateLimit applies when a supplier has no rate_limit entry.
var DefaultRateLimit = RateLimit{Requests: 30, Per: time.Minute}

type TenantConfig struct {
	WebhookURL string `yaml:"webhook_url" json:"webhook_url,omitempty" validate:"omitempty,url"`
	APIKey     string `yaml:"api_key" json:"-"`
}

type OAuthConfig struct {
	ClientID     string   `yaml:"client_id" validate:"required"`
	ClientSecret string   `yaml:"client_secret" validate:"required"`
	TokenURL     string   `yaml:"token_url" validate:"required,url"`
	Scopes       []string `yaml:"scopes"`
}

type SupplierConfig struct {
	// Adapter selects the factory; defaults to the supplier name.
	Adapter          string                  `yaml:"adapter"`
	Mode             Mode                    `yaml:"mode" validate:"required,oneof=webhook api-poll"`
	RateLimit        string                  `yaml:"rate_limit"`
	SubscriptionName string                  `yaml:"subscription_name"`
	AllowedIPs       []string                `yaml:"allowed_ips"`
	SkipIPCheck      bool                    `yaml:"skip_ip_check"`
	BaseURL          string                  `yaml:"base_url" validate:"omitempty,url"`
	APIKey           string                  `yaml:"api_key"`
	OAuth            *OAuthConfig            `yaml:"oauth"`
	Resources        []string                `yaml:"resources"`
	PageSize         int                     `yaml:"page_size" validate:"gte=0"`
	Tenants          map[string]TenantConfig `yaml:"tenants" validate:"dive"`
}

type Config struct {
	Suppliers map[string]SupplierConfig `yaml:"suppliers" validate:"required,dive"`
}

// LoadConfigFile reads the suppliers YAML file, expanding ${VAR} references
// from the environment before parsing.
func LoadConfigFile(path string) (Config, error) {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("read suppliers config: %w", err)
	}
	return ParseConfig(content)
}

func ParseConfig(content []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(content))), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse suppliers config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	normalized := make(map[string]SupplierConfig, len(c.Suppliers))
	for name, sc := range c.Suppliers {
		name = normalizeName(name)
		if sc.Mode == "api" {
			sc.Mode = ModeAPIPoll
		}
		if sc.Adapter == "" {
			sc.Adapter = name
		}
		sc.Adapter = normalizeName(sc.Adapter)
		ips := sc.AllowedIPs[:0]
		for _, ip := range sc.AllowedIPs {
			if ip = strings.TrimSpace(ip); ip != "" {
				ips = append(ips, ip)
			}
		}
		sc.AllowedIPs = ips
		tenants := make(map[string]TenantConfig, len(sc.Tenants))
		for tenant, tc := range sc.Tenants {
			tenants[normalizeName(tenant)] = tc
		}
		sc.Tenants = tenants
		normalized[name] = sc
	}
	c.Suppliers = normalized
}

func (c Config) Validate() error {
	if len(c.Suppliers) == 0 {
		return errors.New("no suppliers configured")
	}
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid suppliers config: %w", err)
	}
	for name, sc := range c.Suppliers {
		if _, err := ParseRateLimit(sc.RateLimit); err != nil {
			return fmt.Errorf("supplier %s: %w", name, err)
		}
		if sc.Mode == ModeAPIPoll && sc.BaseURL == "" {
			return fmt.Errorf("supplier %s: base_url is required for api-poll mode", name)
		}
	}
	return nil
}

// Names returns supplier names in a stable order.
func (c Config) Names() []string {
	names := make([]string, 0, len(c.Suppliers))
	for name := range c.Suppliers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TenantNames returns the configured tenants of sc in a stable order.
func (sc SupplierConfig) TenantNames() []string {
	names := make([]string, 0, len(sc.Tenants))
	for name := range sc.Tenants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (sc SupplierConfig) Limit() RateLimit {
	limit, err := ParseRateLimit(sc.RateLimit)
	if err != nil {
		return DefaultRateLimit
	}
	return limit
}

type RateLimit struct {
	Requests int
	Per      time.Duration
}

// ParseRateLimit accepts "<requests>,<minutes>" (e.g. "30,1").
func ParseRateLimit(value string) (RateLimit, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultRateLimit, nil
	}
	parts := strings.Split(value, ",")
	requests, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || requests <= 0 {
		return RateLimit{}, fmt.Errorf("invalid rate_limit %q", value)
	}
	minutes := 1
	if len(parts) > 1 {
		minutes, err = strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || minutes <= 0 {
			return RateLimit{}, fmt.Errorf("invalid rate_limit %q", value)
		}
	}
	if len(parts) > 2 {
		return RateLimit{}, fmt.Errorf("invalid rate_limit %q", value)
	}
	return RateLimit{Requests: requests, Per: time.Duration(minutes) * time.Minute}, nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
