package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

// Config groups the service configuration. Values come from environment
// variables (CAREBID_*) with an optional config file for local development.
type Config struct {
	App    AppConfig
	DB     DBConfig
	Auth   AuthConfig
	HTTP   HTTPConfig
	Redis  RedisConfig
	Market MarketConfig
}

// AppConfig holds general application settings.
type AppConfig struct {
	Env  string // development, staging, production
	Name string
}

// DBConfig holds PostgreSQL connection settings. When DatabaseURL is set it
// is used verbatim; otherwise a DSN is built from the discrete fields.
type DBConfig struct {
	DatabaseURL string
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
}

// ConnectionString returns the DSN to use.
func (c DBConfig) ConnectionString() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return c.DSN()
}

// DSN builds a PostgreSQL connection string, URL-encoding credentials.
func (c DBConfig) DSN() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.DBName,
		RawQuery: fmt.Sprintf("sslmode=%s", c.SSLMode),
	}
	return u.String()
}

// AuthConfig holds the bearer-token settings shared with the identity provider.
type AuthConfig struct {
	Secret string
}

// HTTPConfig holds listener and rate-limit settings.
type HTTPConfig struct {
	Host          string
	Port          int
	RateBurst     int
	RatePerSecond int
	MaxBodyBytes  int64
}

// Addr returns the listen address (host:port).
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MarketConfig holds marketplace policy settings.
type MarketConfig struct {
	// QuotationFee is the default credit fee deducted per submitted
	// quotation when the orchestrator does not specify one.
	QuotationFee int64
}

// RedisConfig holds the optional unread-counter cache settings. An empty
// Addr disables the cache entirely.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Load reads configuration from the environment and an optional
// carebid.env file in the working directory. Environment wins.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("carebid")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	_ = v.ReadInConfig() // file is optional

	v.SetEnvPrefix("CAREBID")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{
		App: AppConfig{
			Env:  v.GetString("app_env"),
			Name: v.GetString("app_name"),
		},
		DB: DBConfig{
			DatabaseURL: v.GetString("pg_dsn"),
			Host:        v.GetString("db_host"),
			Port:        v.GetInt("db_port"),
			User:        v.GetString("db_user"),
			Password:    v.GetString("db_password"),
			DBName:      v.GetString("db_name"),
			SSLMode:     v.GetString("db_sslmode"),
		},
		Auth: AuthConfig{
			Secret: v.GetString("auth_secret"),
		},
		HTTP: HTTPConfig{
			Host:          v.GetString("http_host"),
			Port:          v.GetInt("http_port"),
			RateBurst:     v.GetInt("http_rate_burst"),
			RatePerSecond: v.GetInt("http_rate_per_second"),
			MaxBodyBytes:  v.GetInt64("http_max_body_bytes"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis_addr"),
			Password: v.GetString("redis_password"),
			DB:       v.GetInt("redis_db"),
		},
		Market: MarketConfig{
			QuotationFee: v.GetInt64("market_quotation_fee"),
		},
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_env", "development")
	v.SetDefault("app_name", "carebid-api")
	v.SetDefault("db_host", "localhost")
	v.SetDefault("db_port", 5432)
	v.SetDefault("db_user", "postgres")
	v.SetDefault("db_password", "")
	v.SetDefault("db_name", "carebid")
	v.SetDefault("db_sslmode", "disable")
	v.SetDefault("http_host", "0.0.0.0")
	v.SetDefault("http_port", 8080)
	v.SetDefault("http_rate_burst", 50)
	v.SetDefault("http_rate_per_second", 25)
	v.SetDefault("http_max_body_bytes", 1<<20)
	v.SetDefault("redis_db", 0)
	v.SetDefault("market_quotation_fee", 1)
}
