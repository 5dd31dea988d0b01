package app

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Backend names accepted by the *_BACKEND settings.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendNATS     = "nats"
)

// Config contains all runtime configuration. Values come from defaults, then the
// optional YAML file, then WAMUX_* environment variables.
type Config struct {
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`

	// InstanceID is the lock owner identity. Empty means hostname-uuid.
	InstanceID string `yaml:"instance_id"`

	AuthBackend string `yaml:"auth_backend"`
	LockBackend string `yaml:"lock_backend"`
	QRBackend   string `yaml:"qr_backend"`

	DatabaseURL   string `yaml:"database_url"`
	DBSchema      string `yaml:"db_schema"`
	DBMaxConns    int32  `yaml:"db_max_conns"`
	DBMinConns    int32  `yaml:"db_min_conns"`
	DBAutoMigrate bool   `yaml:"db_auto_migrate"`

	SQLitePath string `yaml:"sqlite_path"`

	NATSURL        string `yaml:"nats_url"`
	NATSAuthBucket string `yaml:"nats_auth_bucket"`
	NATSLockBucket string `yaml:"nats_lock_bucket"`
	NATSQRBucket   string `yaml:"nats_qr_bucket"`

	LockTTL time.Duration `yaml:"lock_ttl"`
	QRTTL   time.Duration `yaml:"qr_ttl"`

	ReconnectInitial  time.Duration `yaml:"reconnect_initial"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectJitter   float64       `yaml:"reconnect_jitter"`

	ResumeOnStart  bool          `yaml:"resume_on_start"`
	ResumeInterval time.Duration `yaml:"resume_interval"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`

	BridgeURL   string `yaml:"bridge_url"`
	BridgeToken string `yaml:"bridge_token"`

	SendRateEvents int           `yaml:"send_rate_events"`
	SendRateWindow time.Duration `yaml:"send_rate_window"`

	OpTimeout time.Duration `yaml:"op_timeout"`

	// If true, /readyz returns 503 unless the database is configured and reachable.
	ReadinessRequireDB bool `yaml:"readiness_require_db"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:  "0.0.0.0:8080",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      35 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
		RequestTimeout:    30 * time.Second,

		AuthBackend: BackendMemory,
		LockBackend: BackendMemory,
		QRBackend:   BackendMemory,

		DBSchema:   "wamux",
		DBMaxConns: 10,

		SQLitePath: "wamux.db",

		NATSAuthBucket: "wamux-auth",
		NATSLockBucket: "wamux-locks",
		NATSQRBucket:   "wamux-qr",

		LockTTL: 60 * time.Second,
		QRTTL:   60 * time.Second,

		ReconnectInitial:  time.Second,
		ReconnectMax:      time.Minute,
		ReconnectAttempts: 8,
		ReconnectJitter:   0.2,

		ResumeOnStart:  true,
		ResumeInterval: time.Minute,
		SweepInterval:  30 * time.Second,

		SendRateEvents: 20,
		SendRateWindow: time.Minute,

		OpTimeout: 10 * time.Second,
	}
}

// LoadConfig loads .env files, then the YAML file at path (if any), then the
// environment. Environment variables always win.
func LoadConfig(path string, envFiles ...string) (Config, error) {
	if err := loadDotenv(envFiles...); err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()
	if path == "" {
		path = EnvString("WAMUX_CONFIG_FILE", "")
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// loadDotenv loads the given files, or ".env" when none are given. Missing files
// are ignored; values already in the environment are kept.
func loadDotenv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = EnvString("WAMUX_HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = EnvString("WAMUX_LOG_LEVEL", c.LogLevel)
	c.LogFormat = EnvString("WAMUX_LOG_FORMAT", c.LogFormat)

	c.ReadHeaderTimeout = EnvDuration("WAMUX_HTTP_READ_HEADER_TIMEOUT", c.ReadHeaderTimeout)
	c.ReadTimeout = EnvDuration("WAMUX_HTTP_READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = EnvDuration("WAMUX_HTTP_WRITE_TIMEOUT", c.WriteTimeout)
	c.IdleTimeout = EnvDuration("WAMUX_HTTP_IDLE_TIMEOUT", c.IdleTimeout)
	c.MaxHeaderBytes = EnvInt("WAMUX_HTTP_MAX_HEADER_BYTES", c.MaxHeaderBytes)
	c.RequestTimeout = EnvDuration("WAMUX_HTTP_REQUEST_TIMEOUT", c.RequestTimeout)

	c.InstanceID = EnvString("WAMUX_INSTANCE_ID", c.InstanceID)

	c.AuthBackend = strings.ToLower(EnvString("WAMUX_AUTH_BACKEND", c.AuthBackend))
	c.LockBackend = strings.ToLower(EnvString("WAMUX_LOCK_BACKEND", c.LockBackend))
	c.QRBackend = strings.ToLower(EnvString("WAMUX_QR_BACKEND", c.QRBackend))

	c.DatabaseURL = EnvString("WAMUX_DATABASE_URL", c.DatabaseURL)
	c.DBSchema = EnvString("WAMUX_DB_SCHEMA", c.DBSchema)
	c.DBMaxConns = EnvInt32("WAMUX_DB_MAX_CONNS", c.DBMaxConns)
	c.DBMinConns = EnvInt32("WAMUX_DB_MIN_CONNS", c.DBMinConns)
	c.DBAutoMigrate = EnvBool("WAMUX_DB_AUTO_MIGRATE", c.DBAutoMigrate)

	c.SQLitePath = EnvString("WAMUX_SQLITE_PATH", c.SQLitePath)

	c.NATSURL = EnvString("WAMUX_NATS_URL", c.NATSURL)
	c.NATSAuthBucket = EnvString("WAMUX_NATS_AUTH_BUCKET", c.NATSAuthBucket)
	c.NATSLockBucket = EnvString("WAMUX_NATS_LOCK_BUCKET", c.NATSLockBucket)
	c.NATSQRBucket = EnvString("WAMUX_NATS_QR_BUCKET", c.NATSQRBucket)

	c.LockTTL = EnvDuration("WAMUX_LOCK_TTL", c.LockTTL)
	c.QRTTL = EnvDuration("WAMUX_QR_TTL", c.QRTTL)

	c.ReconnectInitial = EnvDuration("WAMUX_RECONNECT_INITIAL", c.ReconnectInitial)
	c.ReconnectMax = EnvDuration("WAMUX_RECONNECT_MAX", c.ReconnectMax)
	c.ReconnectAttempts = EnvInt("WAMUX_RECONNECT_ATTEMPTS", c.ReconnectAttempts)
	c.ReconnectJitter = EnvFloat("WAMUX_RECONNECT_JITTER", c.ReconnectJitter)

	c.ResumeOnStart = EnvBool("WAMUX_RESUME_ON_START", c.ResumeOnStart)
	c.ResumeInterval = EnvDuration("WAMUX_RESUME_INTERVAL", c.ResumeInterval)
	c.SweepInterval = EnvDuration("WAMUX_SWEEP_INTERVAL", c.SweepInterval)

	c.BridgeURL = EnvString("WAMUX_BRIDGE_URL", c.BridgeURL)
	c.BridgeToken = EnvString("WAMUX_BRIDGE_TOKEN", c.BridgeToken)

	c.SendRateEvents = EnvInt("WAMUX_SEND_RATE_EVENTS", c.SendRateEvents)
	c.SendRateWindow = EnvDuration("WAMUX_SEND_RATE_WINDOW", c.SendRateWindow)

	c.OpTimeout = EnvDuration("WAMUX_OP_TIMEOUT", c.OpTimeout)

	c.ReadinessRequireDB = EnvBool("WAMUX_READINESS_REQUIRE_DB", c.ReadinessRequireDB)
}

// usesPostgres reports whether any backend needs the database pool.
func (c Config) usesPostgres() bool {
	return c.AuthBackend == BackendPostgres || c.LockBackend == BackendPostgres
}

// usesNATS reports whether any backend needs a JetStream connection.
func (c Config) usesNATS() bool {
	return c.AuthBackend == BackendNATS || c.LockBackend == BackendNATS || c.QRBackend == BackendNATS
}

// Validate fails fast on settings that would only surface at the first session.
// A shared lock backend is required for a fleet; memory locks are single-process.
func (c Config) Validate() error {
	var errs []error

	if !oneOf(c.AuthBackend, BackendMemory, BackendSQLite, BackendPostgres, BackendNATS) {
		errs = append(errs, fmt.Errorf("config: unknown auth backend %q", c.AuthBackend))
	}
	if !oneOf(c.LockBackend, BackendMemory, BackendPostgres, BackendNATS) {
		errs = append(errs, fmt.Errorf("config: unknown lock backend %q", c.LockBackend))
	}
	if !oneOf(c.QRBackend, BackendMemory, BackendNATS) {
		errs = append(errs, fmt.Errorf("config: unknown qr backend %q", c.QRBackend))
	}
	if c.usesPostgres() && c.DatabaseURL == "" {
		errs = append(errs, errors.New("config: WAMUX_DATABASE_URL is required for the postgres backend"))
	}
	if c.usesNATS() && c.NATSURL == "" {
		errs = append(errs, errors.New("config: WAMUX_NATS_URL is required for the nats backend"))
	}
	if c.AuthBackend == BackendSQLite && strings.TrimSpace(c.SQLitePath) == "" {
		errs = append(errs, errors.New("config: WAMUX_SQLITE_PATH is required for the sqlite backend"))
	}
	if c.ReconnectJitter < 0 || c.ReconnectJitter > 1 {
		errs = append(errs, fmt.Errorf("config: reconnect jitter %v outside [0,1]", c.ReconnectJitter))
	}
	if c.ReconnectInitial > c.ReconnectMax {
		errs = append(errs, errors.New("config: reconnect initial delay exceeds max"))
	}
	if c.LockTTL < 2*time.Second {
		errs = append(errs, fmt.Errorf("config: lock ttl %s too short", c.LockTTL))
	}
	if c.ReadinessRequireDB && c.DatabaseURL == "" {
		errs = append(errs, errors.New("config: readiness requires a database but WAMUX_DATABASE_URL is empty"))
	}
	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	return slices.Contains(allowed, v)
}
