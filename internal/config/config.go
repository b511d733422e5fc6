// Package config содержит логику чтения конфигурации сервиса bountyfunding.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/bountyfunding/bountyfunding/internal/model"
)

// Config содержит параметры конфигурации сервиса. После старта не изменяется.
type Config struct {
	RunAddress      string        `env:"RUN_ADDRESS" yaml:"run_address"`
	DatabaseURI     string        `env:"DATABASE_URI" yaml:"database_uri"`
	TrackerURL      string        `env:"TRACKER_URL" yaml:"tracker_url"`
	DeleteAllow     bool          `env:"DELETE_ALLOW" yaml:"delete_allow"`
	PaymentGateways []string      `env:"PAYMENT_GATEWAYS" envSeparator:"," yaml:"payment_gateways"`
	NotifyInterval  time.Duration `env:"NOTIFY_INTERVAL" yaml:"notify_interval"`
	NotifyTimeout   time.Duration `env:"NOTIFY_TIMEOUT" yaml:"notify_timeout"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" yaml:"request_timeout"`
	APIToken        string        `env:"API_TOKEN" yaml:"api_token"`
	OTelEndpoint    string        `env:"OTEL_ENDPOINT" yaml:"otel_endpoint"`
	Debug           bool          `env:"DEBUG" yaml:"debug"`

	PayPal PayPalConfig `envPrefix:"PAYPAL_" yaml:"paypal"`
}

// PayPalConfig содержит параметры доступа к PayPal REST API.
type PayPalConfig struct {
	Mode         string        `env:"MODE" yaml:"mode"`
	ClientID     string        `env:"CLIENT_ID" yaml:"client_id"`
	ClientSecret string        `env:"CLIENT_SECRET" yaml:"client_secret"`
	Timeout      time.Duration `env:"TIMEOUT" yaml:"timeout"`
}

// Configured сообщает, заданы ли учётные данные PayPal.
func (p PayPalConfig) Configured() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

// Default возвращает конфигурацию по умолчанию.
func Default() Config {
	return Config{
		RunAddress:      "localhost:8080",
		DatabaseURI:     "sqlite://",
		PaymentGateways: gatewayNames(model.Gateways()),
		NotifyInterval:  5 * time.Second,
		NotifyTimeout:   time.Second,
		RequestTimeout:  30 * time.Second,
		PayPal: PayPalConfig{
			Mode:    "sandbox",
			Timeout: 10 * time.Second,
		},
	}
}

func gatewayNames(gateways []model.Gateway) []string {
	res := make([]string, 0, len(gateways))
	for _, g := range gateways {
		res = append(res, g.String())
	}
	return res
}

// BindFlags регистрирует флаги командной строки, записывающие значения в cfg.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringP("config", "c", "", "path to YAML config file")
	fs.StringVarP(&cfg.RunAddress, "address", "a", cfg.RunAddress, "address and port for HTTP server")
	fs.StringVarP(&cfg.DatabaseURI, "database", "d", cfg.DatabaseURI, "database URI (postgres://..., sqlite:// or sqlite:///path)")
	fs.StringVarP(&cfg.TrackerURL, "tracker", "t", cfg.TrackerURL, "issue tracker base URL")
	fs.BoolVar(&cfg.DeleteAllow, "delete-allow", cfg.DeleteAllow, "allow API delete operations")
	fs.StringSliceVar(&cfg.PaymentGateways, "payment-gateways", cfg.PaymentGateways, "accepted payment gateways")
	fs.DurationVar(&cfg.NotifyInterval, "notify-interval", cfg.NotifyInterval, "interval between tracker notifications")
	fs.DurationVar(&cfg.NotifyTimeout, "notify-timeout", cfg.NotifyTimeout, "timeout of one tracker notification")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "timeout of one API request including database work")
	fs.StringVar(&cfg.APIToken, "api-token", cfg.APIToken, "token required from API clients")
	fs.StringVar(&cfg.OTelEndpoint, "otel-endpoint", cfg.OTelEndpoint, "OTLP HTTP endpoint for traces")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "development logging")
	fs.StringVar(&cfg.PayPal.Mode, "paypal-mode", cfg.PayPal.Mode, "PayPal mode: sandbox or live")
	fs.StringVar(&cfg.PayPal.ClientID, "paypal-client-id", cfg.PayPal.ClientID, "PayPal client id")
	fs.StringVar(&cfg.PayPal.ClientSecret, "paypal-client-secret", cfg.PayPal.ClientSecret, "PayPal client secret")
	fs.DurationVar(&cfg.PayPal.Timeout, "paypal-timeout", cfg.PayPal.Timeout, "timeout of one PayPal request")
}

// Load дополняет cfg значениями из файла конфигурации и переменных окружения.
// Приоритет: файл < флаги < окружение. Флаги должны быть уже разобраны.
func Load(fs *pflag.FlagSet, cfg *Config) error {
	path, err := fs.GetString("config")
	if err != nil {
		return fmt.Errorf("config flag: %w", err)
	}

	if path != "" {
		if err := loadFile(fs, cfg, path); err != nil {
			return err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	return cfg.Validate()
}

type changedFlag struct {
	flag  *pflag.Flag
	value string
	slice []string
}

func loadFile(fs *pflag.FlagSet, cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	// Явно заданные флаги важнее файла: запоминаем их и применяем повторно.
	var changed []changedFlag
	fs.Visit(func(f *pflag.Flag) {
		c := changedFlag{flag: f, value: f.Value.String()}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			c.slice = sv.GetSlice()
		}
		changed = append(changed, c)
	})

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("decode config file: %w", err)
	}

	for _, c := range changed {
		if sv, ok := c.flag.Value.(pflag.SliceValue); ok {
			if err := sv.Replace(c.slice); err != nil {
				return fmt.Errorf("reapply flag %s: %w", c.flag.Name, err)
			}
			continue
		}
		if err := c.flag.Value.Set(c.value); err != nil {
			return fmt.Errorf("reapply flag %s: %w", c.flag.Name, err)
		}
	}

	return nil
}

// Validate проверяет согласованность конфигурации.
func (c *Config) Validate() error {
	if c.RunAddress == "" {
		c.RunAddress = "localhost:8080"
	}

	var errs []error

	if _, err := c.Gateways(); err != nil {
		errs = append(errs, err)
	}
	if c.NotifyInterval <= 0 {
		errs = append(errs, fmt.Errorf("notify interval must be positive, got %s", c.NotifyInterval))
	}
	if c.NotifyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("notify timeout must be positive, got %s", c.NotifyTimeout))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout))
	}
	if c.PayPal.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("paypal timeout must be positive, got %s", c.PayPal.Timeout))
	}
	switch c.PayPal.Mode {
	case "sandbox", "live":
	default:
		errs = append(errs, fmt.Errorf("unknown paypal mode %q", c.PayPal.Mode))
	}

	return errors.Join(errs...)
}

// Gateways возвращает набор разрешённых платёжных шлюзов.
func (c *Config) Gateways() ([]model.Gateway, error) {
	res := make([]model.Gateway, 0, len(c.PaymentGateways))
	for _, name := range c.PaymentGateways {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		g, err := model.ParseGateway(name)
		if err != nil {
			return nil, fmt.Errorf("payment gateways: %w", err)
		}
		res = append(res, g)
	}
	return res, nil
}
