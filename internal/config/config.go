package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"

	PolicyPermitAuthenticated = "permit-authenticated"
	PolicyDeny                = "deny"
)

// Config is the process configuration, loaded from the environment.
type Config struct {
	Service  ServiceConfig
	Server   ServerConfig
	GRPC     GRPCConfig
	Database DatabaseConfig
	NATS     NATSConfig
	ABAC     ABACConfig
	Auth     AuthConfig
	Workflow WorkflowConfig
	Storage  string
	LogLevel string
}

type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
}

type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
}

type GRPCConfig struct {
	Port       int
	Reflection bool
}

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnTime time.Duration
	MaxIdleTime time.Duration
	HealthCheck time.Duration
}

type NATSConfig struct {
	URL                string
	NotificationPrefix string
	RuleChangeSubject  string
}

type ABACConfig struct {
	RefreshInterval time.Duration
	DefaultPolicy   string
	// Endpoints seeds the reference list of protected endpoints in addition
	// to the routes discovered on the HTTP router.
	Endpoints []string
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
	Audience  string
	// AdminRole guards step and rule administration on top of ABAC.
	AdminRole string
}

type WorkflowConfig struct {
	// EntityModules maps an entity type to its workflow module.
	EntityModules map[string]string
	// EntityTables maps an entity type to the Postgres table holding it.
	EntityTables map[string]string
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	var errs []error
	d := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	i := func(key string, def int) int {
		v, err := envInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := &Config{
		Service: ServiceConfig{
			Name:        getEnv("SERVICE_NAME", "be-plt-workflow"),
			Version:     getEnv("SERVICE_VERSION", "dev"),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Server: ServerConfig{
			Port:            i("HTTP_PORT", 8086),
			ReadTimeout:     d("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    d("HTTP_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     d("HTTP_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: d("SHUTDOWN_TIMEOUT", 10*time.Second),
			RequestTimeout:  d("HTTP_REQUEST_TIMEOUT", 30*time.Second),
		},
		GRPC: GRPCConfig{
			Port:       i("GRPC_PORT", 9086),
			Reflection: envBool("GRPC_REFLECTION", true),
		},
		Database: DatabaseConfig{
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        i("DB_PORT", 5432),
			User:        getEnv("DB_USER", "postgres"),
			Password:    getEnv("DB_PASSWORD", ""),
			Database:    getEnv("DB_NAME", "workflow"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			MaxConns:    int32(i("DB_MAX_CONNS", 10)),
			MinConns:    int32(i("DB_MIN_CONNS", 1)),
			MaxConnTime: d("DB_MAX_CONN_LIFETIME", time.Hour),
			MaxIdleTime: d("DB_MAX_CONN_IDLE_TIME", 30*time.Minute),
			HealthCheck: d("DB_HEALTH_CHECK_PERIOD", time.Minute),
		},
		NATS: NATSConfig{
			URL:                getEnv("NATS_URL", ""),
			NotificationPrefix: getEnv("NATS_NOTIFICATION_PREFIX", "notifications.workflow"),
			RuleChangeSubject:  getEnv("NATS_RULE_CHANGE_SUBJECT", "workflow.abac.rules.changed"),
		},
		ABAC: ABACConfig{
			RefreshInterval: d("ABAC_REFRESH_INTERVAL", 30*time.Second),
			DefaultPolicy:   getEnv("ABAC_DEFAULT_POLICY", PolicyPermitAuthenticated),
			Endpoints:       envList("ABAC_ENDPOINTS"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			Issuer:    getEnv("JWT_ISSUER", ""),
			Audience:  getEnv("JWT_AUDIENCE", ""),
			AdminRole: getEnv("ADMIN_ROLE", "ADMIN"),
		},
		Workflow: WorkflowConfig{
			EntityModules: envMap("WORKFLOW_ENTITY_MODULES", map[string]string{
				"IDEE_PROJET": "MATURATION",
				"PIP_ANNUEL":  "PIP",
				"PROJET":      "SUIVI",
			}),
			EntityTables: envMap("WORKFLOW_ENTITY_TABLES", map[string]string{
				"IDEE_PROJET": "idee_projet",
				"PIP_ANNUEL":  "pip_annuel",
				"PROJET":      "projet",
			}),
		},
		Storage:  getEnv("STORAGE", StorageMemory),
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return errors.New("service name cannot be empty")
	}
	if c.Server.Port <= 0 || c.GRPC.Port <= 0 {
		return errors.New("http and grpc ports must be positive")
	}
	switch c.Storage {
	case StorageMemory, StoragePostgres:
	default:
		return fmt.Errorf("unsupported storage %q", c.Storage)
	}
	switch c.ABAC.DefaultPolicy {
	case PolicyPermitAuthenticated, PolicyDeny:
	default:
		return fmt.Errorf("unsupported abac default policy %q", c.ABAC.DefaultPolicy)
	}
	if c.ABAC.RefreshInterval <= 0 {
		return errors.New("abac refresh interval must be positive")
	}
	if len(c.Workflow.EntityModules) == 0 {
		return errors.New("at least one entity type must be mapped to a module")
	}
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func envInt(key string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, raw)
	}
	return v, nil
}

// envDuration accepts Go duration strings ("30s") or bare seconds ("30").
func envDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	return v, nil
}

func envBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func envList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// envMap parses "K1=V1,K2=V2". An unset variable yields the fallback.
func envMap(key string, fallback map[string]string) map[string]string {
	items := envList(key)
	if len(items) == 0 {
		return fallback
	}
	out := make(map[string]string, len(items))
	for _, item := range items {
		k, v, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
