package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/certmate/certmate/acmeclient"
	"github.com/certmate/certmate/models"
)

var GlobalConfig Config

// Config represents config.
type Config struct {
	Common   Common   `yaml:"common"`
	Defaults Defaults `yaml:"defaults"`
	HTTP     HTTP     `yaml:"http"`
	Watch    Watch    `yaml:"watch"`
}

// Common represents common config.
type Common struct {
	DBPath          string `yaml:"db_path"`
	RenewBeforeDays int    `yaml:"renew_before_days"`
}

// Defaults are applied to orders that do not set these fields themselves.
type Defaults struct {
	CA          string   `yaml:"ca"`
	Env         string   `yaml:"env"`
	Email       string   `yaml:"email"`
	DNSCred     string   `yaml:"dns_cred"`
	Nameservers []string `yaml:"nameservers"`
}

// HTTP represents outbound http config.
type HTTP struct {
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	RetryMax       int      `yaml:"retry_max"`
	ProxyURL       string   `yaml:"proxy_url"`
	ProxyAllowed   []string `yaml:"proxy_allowed_domains"`
}

// Watch represents daemon mode config.
type Watch struct {
	PipelinePath         string `yaml:"pipeline_path"`
	CheckIntervalMinutes int    `yaml:"check_interval_minutes"`
	ListenAddress        string `yaml:"listen_address"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain Config
	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}

	if c.Common.DBPath == "" {
		c.Common.DBPath = "certmate.db"
	}
	if c.Common.RenewBeforeDays == 0 {
		c.Common.RenewBeforeDays = 30
	}

	if c.Defaults.CA == "" {
		c.Defaults.CA = "letsencrypt"
	}
	ca, err := acmeclient.ResolveCA(c.Defaults.CA)
	if err != nil {
		return fmt.Errorf("invalid config, 'defaults.ca': %w", err)
	}
	c.Defaults.CA = ca

	if c.Defaults.Env == "" {
		c.Defaults.Env = models.EnvProduction
	}
	if c.Defaults.Env != models.EnvStaging && c.Defaults.Env != models.EnvProduction {
		return fmt.Errorf("invalid config, 'defaults.env' must be one of %s | %s", models.EnvStaging, models.EnvProduction)
	}
	if _, err := acmeclient.DirectoryURL(c.Defaults.CA, c.Defaults.Env); err != nil {
		return fmt.Errorf("invalid config: %w, supported authorities: %v", err, acmeclient.SupportedCAs())
	}

	if c.HTTP.ProxyURL != "" && len(c.HTTP.ProxyAllowed) == 0 {
		return fmt.Errorf("invalid config, 'http.proxy_url' is set but 'http.proxy_allowed_domains' is empty")
	}

	if c.Watch.CheckIntervalMinutes == 0 {
		c.Watch.CheckIntervalMinutes = 60
	}

	return nil
}

// Load reads the config file, expanding ${VAR} references from the
// environment and an optional .env file next to the process.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, err
	}
	GlobalConfig = cfg
	return &cfg, nil
}
