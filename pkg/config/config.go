package config

import (
	"fmt"
	"time"

	"skillswap-backend/pkg/constants"
	"skillswap-backend/pkg/env"
)

// Config holds all configuration for the signaling service
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cassandra CassandraConfig
	JWT       JWTConfig
	Log       LogConfig
	Push      PushConfig
	Signaling SignalingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Environment    string // development, staging, production
	ServiceName    string
	AllowedOrigins []string
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host                string
	Port                int
	Password            string
	DB                  int
	PoolSize            int
	Timeout             time.Duration
	HealthCheckInterval time.Duration
}

// CassandraConfig holds Cassandra configuration
type CassandraConfig struct {
	Hosts    []string
	Keyspace string
	Username string
	Password string
	Timeout  time.Duration
}

// JWTConfig holds JWT configuration. Tokens are issued by the external auth
// service; this service only verifies them.
type JWTConfig struct {
	Secret string
	Issuer string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// PushConfig selects the missed-call push provider
type PushConfig struct {
	Provider          string // mock, firebase, apns
	FirebaseProjectID string
	FirebaseCredPath  string
	APNsKeyPath       string
	APNsKeyID         string
	APNsTeamID        string
	APNsTopic         string
	APNsProduction    bool
}

// SignalingConfig holds call and session timing
type SignalingConfig struct {
	RingTimeout             time.Duration
	MinCallInterval         time.Duration
	DisconnectGrace         time.Duration
	MaxConnections          int
	DurableWriteAttempts    int
	DurableWriteDelay       time.Duration
	DurableWriteMaxDelay    time.Duration
	TerminatedCallRetention time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           env.GetInt("PORT", 8080),
			Environment:    env.GetString("ENV", "development"),
			ServiceName:    env.GetString("SERVICE_NAME", "signaling-service"),
			AllowedOrigins: env.GetStringSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "skillswap"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:                env.GetString("REDIS_HOST", "localhost"),
			Port:                env.GetInt("REDIS_PORT", 6379),
			Password:            env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:                  env.GetInt("REDIS_DB", 0),
			PoolSize:            env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:             env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
			HealthCheckInterval: env.GetDuration("REDIS_HEALTH_CHECK_INTERVAL", 10*time.Second),
		},
		Cassandra: CassandraConfig{
			Hosts:    env.GetStringSlice("CASSANDRA_HOSTS", []string{"localhost"}),
			Keyspace: env.GetString("CASSANDRA_KEYSPACE", "skillswap"),
			Username: env.GetString("CASSANDRA_USER", ""),
			Password: env.GetStringFromFile("CASSANDRA_PASSWORD", ""),
			Timeout:  env.GetDuration("CASSANDRA_TIMEOUT", 600*time.Millisecond),
		},
		JWT: JWTConfig{
			Secret: env.GetStringFromFile("JWT_SECRET", ""),
			Issuer: env.GetString("JWT_ISSUER", "skillswap"),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/signaling.log"),
		},
		Push: PushConfig{
			Provider:          env.GetString("PUSH_PROVIDER", "mock"),
			FirebaseProjectID: env.GetString("FIREBASE_PROJECT_ID", ""),
			FirebaseCredPath:  env.GetString("FIREBASE_CREDENTIALS_PATH", ""),
			APNsKeyPath:       env.GetString("APNS_KEY_PATH", ""),
			APNsKeyID:         env.GetString("APNS_KEY_ID", ""),
			APNsTeamID:        env.GetString("APNS_TEAM_ID", ""),
			APNsTopic:         env.GetString("APNS_TOPIC", ""),
			APNsProduction:    env.GetBool("APNS_PRODUCTION", false),
		},
		Signaling: SignalingConfig{
			RingTimeout:             env.GetDuration("CALL_RING_TIMEOUT", constants.RingTimeout),
			MinCallInterval:         env.GetDuration("CALL_MIN_INTERVAL", constants.MinCallInterval),
			DisconnectGrace:         env.GetDuration("SESSION_DISCONNECT_GRACE", constants.DisconnectGrace),
			MaxConnections:          env.GetInt("WS_MAX_CONNECTIONS", 1000),
			DurableWriteAttempts:    env.GetInt("DURABLE_WRITE_ATTEMPTS", constants.DurableWriteAttempts),
			DurableWriteDelay:       env.GetDuration("DURABLE_WRITE_DELAY", constants.DurableWriteInitialDelay),
			DurableWriteMaxDelay:    env.GetDuration("DURABLE_WRITE_MAX_DELAY", constants.DurableWriteMaxDelay),
			TerminatedCallRetention: env.GetDuration("CALL_TOMBSTONE_RETENTION", constants.TerminatedCallRetention),
		},
	}

	// Validate critical configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}

	s := c.Signaling
	if s.RingTimeout <= 0 {
		return fmt.Errorf("CALL_RING_TIMEOUT must be positive, got %s", s.RingTimeout)
	}
	if s.MinCallInterval < 0 {
		return fmt.Errorf("CALL_MIN_INTERVAL must not be negative, got %s", s.MinCallInterval)
	}
	if s.DisconnectGrace <= 0 {
		return fmt.Errorf("SESSION_DISCONNECT_GRACE must be positive, got %s", s.DisconnectGrace)
	}
	if s.MaxConnections <= 0 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be positive, got %d", s.MaxConnections)
	}
	if s.DurableWriteAttempts < 1 {
		return fmt.Errorf("DURABLE_WRITE_ATTEMPTS must be at least 1, got %d", s.DurableWriteAttempts)
	}

	switch c.Push.Provider {
	case "mock", "firebase", "apns":
	default:
		return fmt.Errorf("unknown PUSH_PROVIDER %q", c.Push.Provider)
	}

	return nil
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}
