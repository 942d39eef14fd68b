package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the sync service.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App   AppConfig
	DB    DBConfig
	Redis RedisConfig
	Auth  AuthConfig
	Sync  SyncConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// Assignment modes.
const (
	AssignmentModeFixed      = "fixed"
	AssignmentModeRoundRobin = "round_robin"
)

// Reassignment policies applied when an existing lead is updated.
const (
	ReassignFirstWins  = "first_wins"
	ReassignLatestWins = "latest_wins"
)

// Recording attachment transports.
const (
	RecordingAttachUpload = "upload"
	RecordingAttachLink   = "link"
)

// SyncConfig controls the call-to-lead pipeline.
type SyncConfig struct {
	AssignmentMode    string
	ExtensionOwnerMap map[string]string

	MaxAttempts      int
	RetryBackoffBase time.Duration

	ReassignmentPolicy  string
	RecordingRetryDelay time.Duration
	RecordingAttachMode string
	MaxRecordingChecks  int

	Workers int
	LockTTL time.Duration

	// Zero interval disables the corresponding schedule.
	FetchInterval   time.Duration
	ProcessInterval time.Duration
	ResyncInterval  time.Duration

	ProviderTimeout time.Duration
	CRMTimeout      time.Duration

	// Optional endpoint overrides, mainly for sandboxes and tests.
	ProviderBaseURL string
	CRMAPIBaseURL   string
	CRMAccountsURL  string

	// SecretsKey enables the encrypted credential store when set.
	// Must be exactly 32 bytes (AES-256).
	SecretsKey string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Sync.AssignmentMode = strings.TrimSpace(os.Getenv("ASSIGNMENT_MODE"))
	{
		m, err := parseOwnerMap(os.Getenv("EXTENSION_OWNER_MAP"))
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Sync.ExtensionOwnerMap = m
	}
	c.Sync.MaxAttempts = optInt("MAX_ATTEMPTS", &parseErrs)
	c.Sync.RetryBackoffBase = mustDuration("RETRY_BACKOFF_BASE")
	c.Sync.ReassignmentPolicy = strings.TrimSpace(os.Getenv("REASSIGNMENT_POLICY"))
	c.Sync.RecordingRetryDelay = mustDuration("RECORDING_RETRY_DELAY")
	c.Sync.RecordingAttachMode = strings.TrimSpace(os.Getenv("RECORDING_ATTACH_MODE"))
	c.Sync.MaxRecordingChecks = optInt("MAX_RECORDING_CHECKS", &parseErrs)
	c.Sync.Workers = optInt("SYNC_WORKERS", &parseErrs)
	c.Sync.LockTTL = mustDuration("SYNC_LOCK_TTL")
	c.Sync.FetchInterval = mustDuration("FETCH_INTERVAL")
	c.Sync.ProcessInterval = mustDuration("PROCESS_INTERVAL")
	c.Sync.ResyncInterval = mustDuration("RESYNC_INTERVAL")
	c.Sync.ProviderTimeout = mustDuration("PROVIDER_TIMEOUT")
	c.Sync.CRMTimeout = mustDuration("CRM_TIMEOUT")
	c.Sync.ProviderBaseURL = strings.TrimSpace(os.Getenv("PROVIDER_BASE_URL"))
	c.Sync.CRMAPIBaseURL = strings.TrimSpace(os.Getenv("CRM_API_BASE_URL"))
	c.Sync.CRMAccountsURL = strings.TrimSpace(os.Getenv("CRM_ACCOUNTS_URL"))
	c.Sync.SecretsKey = os.Getenv("SECRETS_KEY")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}

	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Sync.AssignmentMode == "" {
		c.Sync.AssignmentMode = AssignmentModeRoundRobin
	}
	switch c.Sync.AssignmentMode {
	case AssignmentModeFixed:
		if len(c.Sync.ExtensionOwnerMap) == 0 {
			errs = append(errs, errors.New("EXTENSION_OWNER_MAP is required when ASSIGNMENT_MODE=fixed"))
		}
	case AssignmentModeRoundRobin:
		// owner map ignored in this mode
	default:
		errs = append(errs, fmt.Errorf("ASSIGNMENT_MODE must be fixed or round_robin, got %q", c.Sync.AssignmentMode))
	}

	if c.Sync.ReassignmentPolicy == "" {
		c.Sync.ReassignmentPolicy = ReassignFirstWins
	}
	if c.Sync.ReassignmentPolicy != ReassignFirstWins && c.Sync.ReassignmentPolicy != ReassignLatestWins {
		errs = append(errs, fmt.Errorf("REASSIGNMENT_POLICY must be first_wins or latest_wins, got %q", c.Sync.ReassignmentPolicy))
	}

	if c.Sync.RecordingAttachMode == "" {
		c.Sync.RecordingAttachMode = RecordingAttachUpload
	}
	if c.Sync.RecordingAttachMode != RecordingAttachUpload && c.Sync.RecordingAttachMode != RecordingAttachLink {
		errs = append(errs, fmt.Errorf("RECORDING_ATTACH_MODE must be upload or link, got %q", c.Sync.RecordingAttachMode))
	}

	if c.Sync.MaxAttempts <= 0 {
		c.Sync.MaxAttempts = 5
	}
	if c.Sync.RetryBackoffBase <= 0 {
		c.Sync.RetryBackoffBase = time.Minute
	}
	if c.Sync.RecordingRetryDelay <= 0 {
		c.Sync.RecordingRetryDelay = 10 * time.Minute
	}
	if c.Sync.MaxRecordingChecks <= 0 {
		c.Sync.MaxRecordingChecks = 6
	}
	if c.Sync.Workers <= 0 {
		c.Sync.Workers = 4
	}
	if c.Sync.LockTTL <= 0 {
		c.Sync.LockTTL = 2 * time.Minute
	}
	if c.Sync.ProviderTimeout <= 0 {
		c.Sync.ProviderTimeout = 30 * time.Second
	}
	if c.Sync.CRMTimeout <= 0 {
		c.Sync.CRMTimeout = 30 * time.Second
	}
	if c.Sync.SecretsKey != "" && len(c.Sync.SecretsKey) != 32 {
		errs = append(errs, fmt.Errorf("SECRETS_KEY must be exactly 32 bytes, got %d", len(c.Sync.SecretsKey)))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// parseOwnerMap parses "101=crm-1,102=crm-2" into a map.
func parseOwnerMap(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("EXTENSION_OWNER_MAP entry %q must be extension=owner", pair)
		}
		out[k] = v
	}
	return out, nil
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

// optInt parses an optional integer env var; empty means zero (defaulted later).
func optInt(key string, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be an integer, got %q", key, v))
		return 0
	}
	return n
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
