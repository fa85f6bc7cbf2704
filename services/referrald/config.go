package referrald

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"cgdao/native/referral"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for referrald.
type Config struct {
	ListenAddress string             `yaml:"listen" toml:"listen"`
	Environment   string             `yaml:"environment" toml:"environment"`
	PauseOnStart  bool               `yaml:"pause" toml:"pause"`
	Database      DatabaseConfig     `yaml:"database" toml:"database"`
	Redis         RedisConfig        `yaml:"redis" toml:"redis"`
	Chain         ChainConfig        `yaml:"chain" toml:"chain"`
	Schedule      ScheduleConfig     `yaml:"schedule" toml:"schedule"`
	Treasury      TreasuryConfig     `yaml:"treasury" toml:"treasury"`
	Distribution  DistributionConfig `yaml:"distribution" toml:"distribution"`
	Tracking      TrackingConfig     `yaml:"tracking" toml:"tracking"`
	Ops           OpsConfig          `yaml:"ops" toml:"ops"`
	HTTP          HTTPConfig         `yaml:"http" toml:"http"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
	DSNEnv string `yaml:"dsn_env" toml:"dsn_env"`
}

// RedisConfig points at the cache used for treasury snapshots and reservations.
// An empty URL keeps both in process memory.
type RedisConfig struct {
	URL    string `yaml:"url" toml:"url"`
	Prefix string `yaml:"prefix" toml:"prefix"`
}

// ChainConfig configures the distributor hot wallet.
type ChainConfig struct {
	RPCURL        string   `yaml:"rpc_url" toml:"rpc_url"`
	ChainID       int64    `yaml:"chain_id" toml:"chain_id"`
	Token         string   `yaml:"token" toml:"token"`
	Key           string   `yaml:"distributor_key" toml:"distributor_key"`
	KeyEnv        string   `yaml:"distributor_key_env" toml:"distributor_key_env"`
	KeyFile       string   `yaml:"distributor_key_file" toml:"distributor_key_file"`
	Confirmations uint64   `yaml:"confirmations" toml:"confirmations"`
	PollInterval  Duration `yaml:"poll_interval" toml:"poll_interval"`
	GasLimit      uint64   `yaml:"gas_limit" toml:"gas_limit"`
}

// ScheduleConfig mirrors referral.Schedule with decimal string amounts.
type ScheduleConfig struct {
	NewUserBonus string        `yaml:"new_user_bonus" toml:"new_user_bonus"`
	Levels       []LevelConfig `yaml:"levels" toml:"levels"`
	MaxPerSignup string        `yaml:"max_per_signup" toml:"max_per_signup"`
}

// LevelConfig sets either a fixed amount or a rate of the new-user bonus.
type LevelConfig struct {
	Amount      string `yaml:"amount" toml:"amount"`
	BasisPoints uint32 `yaml:"basis_points" toml:"basis_points"`
}

// TreasuryConfig bounds the signup bonus pool.
type TreasuryConfig struct {
	PoolCap        string   `yaml:"pool_cap" toml:"pool_cap"`
	BalanceTTL     Duration `yaml:"balance_ttl" toml:"balance_ttl"`
	ReservationTTL Duration `yaml:"reservation_ttl" toml:"reservation_ttl"`
}

// DistributionConfig bounds each transfer leg.
type DistributionConfig struct {
	TransferTimeout Duration `yaml:"transfer_timeout" toml:"transfer_timeout"`
	ClaimTTL        Duration `yaml:"claim_ttl" toml:"claim_ttl"`
}

// TrackingConfig configures click capture and attribution.
type TrackingConfig struct {
	CodePrefix   string   `yaml:"code_prefix" toml:"code_prefix"`
	CookieWindow Duration `yaml:"cookie_window" toml:"cookie_window"`
	CookieDomain string   `yaml:"cookie_domain" toml:"cookie_domain"`
	CookieSecure bool     `yaml:"cookie_secure" toml:"cookie_secure"`
	IPSalt       string   `yaml:"ip_salt" toml:"ip_salt"`
	IPSaltEnv    string   `yaml:"ip_salt_env" toml:"ip_salt_env"`
}

// OpsConfig secures the operator endpoints with HS256 bearer tokens.
type OpsConfig struct {
	JWTSecret     string `yaml:"jwt_secret" toml:"jwt_secret"`
	JWTSecretEnv  string `yaml:"jwt_secret_env" toml:"jwt_secret_env"`
	JWTSecretFile string `yaml:"jwt_secret_file" toml:"jwt_secret_file"`
	Issuer        string `yaml:"issuer" toml:"issuer"`
	Audience      string `yaml:"audience" toml:"audience"`
	Scope         string `yaml:"scope" toml:"scope"`
}

// HTTPConfig tunes the public listener.
type HTTPConfig struct {
	AllowedOrigins []string             `yaml:"allowed_origins" toml:"allowed_origins"`
	LogRequests    bool                 `yaml:"log_requests" toml:"log_requests"`
	RateLimits     map[string]RateLimit `yaml:"rate_limits" toml:"rate_limits"`
}

// RateLimit is a per-client token bucket for one route group.
type RateLimit struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// LoadConfig reads configuration from the supplied path. Files ending in
// .toml are decoded as TOML, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	contents, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(contents), &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.normalise(); err != nil {
		return cfg, err
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "referrald:"
	}
	if cfg.Chain.Confirmations == 0 {
		cfg.Chain.Confirmations = 1
	}
	if cfg.Chain.PollInterval.Duration == 0 {
		cfg.Chain.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Treasury.BalanceTTL.Duration == 0 {
		cfg.Treasury.BalanceTTL.Duration = 30 * time.Second
	}
	if cfg.Distribution.TransferTimeout.Duration == 0 {
		cfg.Distribution.TransferTimeout.Duration = 90 * time.Second
	}
	if cfg.Distribution.ClaimTTL.Duration == 0 {
		cfg.Distribution.ClaimTTL.Duration = 10 * time.Minute
	}
	if cfg.Treasury.ReservationTTL.Duration == 0 {
		cfg.Treasury.ReservationTTL.Duration = cfg.Distribution.ClaimTTL.Duration
	}
	if cfg.Tracking.CodePrefix == "" {
		cfg.Tracking.CodePrefix = referral.DefaultCodePrefix
	}
	if cfg.Tracking.CookieWindow.Duration == 0 {
		cfg.Tracking.CookieWindow.Duration = 30 * 24 * time.Hour
	}
	if cfg.Ops.Scope == "" {
		cfg.Ops.Scope = "referrals:ops"
	}
	if cfg.HTTP.RateLimits == nil {
		cfg.HTTP.RateLimits = map[string]RateLimit{
			"bonus": {RequestsPerMinute: 30, Burst: 5},
			"track": {RequestsPerMinute: 120, Burst: 20},
			"codes": {RequestsPerMinute: 60, Burst: 10},
		}
	}
}

func (c *Config) normalise() error {
	var err error
	c.Database.DSN, err = resolveSecret("database dsn", c.Database.DSN, c.Database.DSNEnv, "")
	if err != nil {
		return err
	}
	c.Chain.Key, err = resolveSecret("distributor key", c.Chain.Key, c.Chain.KeyEnv, c.Chain.KeyFile)
	if err != nil {
		return err
	}
	c.Tracking.IPSalt, err = resolveSecret("ip salt", c.Tracking.IPSalt, c.Tracking.IPSaltEnv, "")
	if err != nil {
		return err
	}
	c.Ops.JWTSecret, err = resolveSecret("ops jwt secret", c.Ops.JWTSecret, c.Ops.JWTSecretEnv, c.Ops.JWTSecretFile)
	if err != nil {
		return err
	}
	c.Chain.Token = strings.ToLower(strings.TrimSpace(c.Chain.Token))
	c.Tracking.CodePrefix = strings.ToUpper(strings.TrimSpace(c.Tracking.CodePrefix))
	return nil
}

// resolveSecret prefers an inline value, then an environment variable, then a file.
func resolveSecret(name, value, env, file string) (string, error) {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed, nil
	}
	if env = strings.TrimSpace(env); env != "" {
		trimmed := strings.TrimSpace(os.Getenv(env))
		if trimmed == "" {
			return "", fmt.Errorf("%s: environment variable %s is empty", name, env)
		}
		return trimmed, nil
	}
	if file = strings.TrimSpace(file); file != "" {
		contents, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("%s: read %s: %w", name, file, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}

func validateConfig(cfg Config) error {
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	if cfg.Chain.RPCURL == "" {
		return fmt.Errorf("chain rpc_url must be configured")
	}
	if cfg.Chain.ChainID <= 0 {
		return fmt.Errorf("chain chain_id must be configured")
	}
	if _, err := referral.NormalizeAddress(cfg.Chain.Token); err != nil {
		return fmt.Errorf("chain token: %w", err)
	}
	if cfg.Chain.Key == "" {
		return fmt.Errorf("distributor key must be configured")
	}
	if cfg.Tracking.IPSalt == "" {
		return fmt.Errorf("tracking ip_salt must be configured")
	}
	if cfg.Ops.JWTSecret == "" {
		return fmt.Errorf("ops jwt_secret must be configured")
	}
	if _, err := cfg.Schedule.Build(); err != nil {
		return err
	}
	if _, err := cfg.Treasury.Cap(); err != nil {
		return err
	}
	if cfg.Distribution.TransferTimeout.Duration >= cfg.Distribution.ClaimTTL.Duration {
		return fmt.Errorf("distribution claim_ttl must exceed transfer_timeout")
	}
	return nil
}

// Build converts the schedule into its validated domain form.
func (s ScheduleConfig) Build() (referral.Schedule, error) {
	if len(s.Levels) != referral.MaxLevels {
		return referral.Schedule{}, fmt.Errorf("%w: expected %d levels, got %d", referral.ErrInvalidSchedule, referral.MaxLevels, len(s.Levels))
	}
	bonus, err := parseDecimal(s.NewUserBonus)
	if err != nil {
		return referral.Schedule{}, fmt.Errorf("%w: new_user_bonus: %v", referral.ErrInvalidSchedule, err)
	}
	maxPer, err := parseDecimal(s.MaxPerSignup)
	if err != nil {
		return referral.Schedule{}, fmt.Errorf("%w: max_per_signup: %v", referral.ErrInvalidSchedule, err)
	}
	schedule := referral.Schedule{NewUserBonus: bonus, MaxPerSignup: maxPer}
	for i, level := range s.Levels {
		amount, err := parseDecimal(level.Amount)
		if err != nil {
			return referral.Schedule{}, fmt.Errorf("%w: level %d: %v", referral.ErrInvalidSchedule, i+1, err)
		}
		schedule.Levels[i] = referral.LevelReward{Amount: amount, BasisPoints: level.BasisPoints}
	}
	if err := schedule.Validate(); err != nil {
		return referral.Schedule{}, err
	}
	return schedule, nil
}

// Cap returns the configured pool cap, or nil when the pool is unbounded.
func (t TreasuryConfig) Cap() (*big.Int, error) {
	if strings.TrimSpace(t.PoolCap) == "" {
		return nil, nil
	}
	amount, err := parseDecimal(t.PoolCap)
	if err != nil {
		return nil, fmt.Errorf("treasury pool_cap: %w", err)
	}
	return amount, nil
}

func parseDecimal(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	return value, nil
}
