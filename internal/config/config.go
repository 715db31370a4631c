package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Config holds all configuration for the proclist server and agent.
type Config struct {
	Port      int
	APIKey    string
	JWTSecret string // signs flow read tokens; empty disables them

	// Storage
	DatabaseURL string // PostgreSQL result archive; empty disables archiving
	DataDir     string // Local data directory for the flow SQLite database

	// NATS result stream; empty disables publishing
	NATSURL string

	// Redis for agent discovery and notifications; empty uses StaticAgentAddr
	RedisURL string

	// Development: a single agent reachable without Redis
	StaticAgentAddr string
	StaticAgentID   string

	// Agent identity (agent mode)
	Region             string
	AgentID            string
	AgentGRPCAddr      string // listen address: host:port, unix:/path or vsock:port
	AgentAdvertiseAddr string // address the server dials; defaults to AgentGRPCAddr

	MetricsAddr string // e.g. ":9091"; empty disables the standalone metrics server

	RPCTimeout    time.Duration
	ChildTimeout  time.Duration
	MaxFetchBytes int64

	// S3-compatible object storage for fetched binaries; empty bucket disables uploads
	S3Endpoint        string
	S3Bucket          string
	S3Region          string // defaults to Region if not set
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3ForcePathStyle  bool // true for R2/MinIO

	// AWS Secrets Manager: if set, secrets are fetched at startup using IAM credentials.
	// The secret should be a JSON object with keys matching env var names (e.g. PROCLIST_API_KEY).
	// Env vars take precedence over secret values (for local overrides).
	SecretsARN string
}

// Load reads configuration from environment variables with sensible defaults.
// If PROCLIST_SECRETS_ARN is set, secrets are fetched from AWS Secrets Manager
// first, then environment variables are applied on top (env vars take precedence).
func Load() (*Config, error) {
	if arn := os.Getenv("PROCLIST_SECRETS_ARN"); arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", arn, err)
		}
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "agent-local-1"
	}

	cfg := &Config{
		Port:      8080,
		APIKey:    os.Getenv("PROCLIST_API_KEY"),
		JWTSecret: os.Getenv("PROCLIST_JWT_SECRET"),

		DatabaseURL: envOrDefault("PROCLIST_DATABASE_URL", os.Getenv("DATABASE_URL")),
		DataDir:     envOrDefault("PROCLIST_DATA_DIR", "/data/proclist"),
		NATSURL:     os.Getenv("PROCLIST_NATS_URL"),
		RedisURL:    os.Getenv("PROCLIST_REDIS_URL"),

		StaticAgentAddr: os.Getenv("PROCLIST_AGENT_ADDR"),
		StaticAgentID:   envOrDefault("PROCLIST_STATIC_AGENT_ID", "local"),

		Region:             envOrDefault("PROCLIST_REGION", "local"),
		AgentID:            envOrDefault("PROCLIST_AGENT_ID", hostname),
		AgentGRPCAddr:      envOrDefault("PROCLIST_AGENT_GRPC_ADDR", ":9090"),
		AgentAdvertiseAddr: os.Getenv("PROCLIST_AGENT_ADVERTISE_ADDR"),

		MetricsAddr: os.Getenv("PROCLIST_METRICS_ADDR"),

		RPCTimeout:    envOrDefaultDuration("PROCLIST_RPC_TIMEOUT", 60*time.Second),
		ChildTimeout:  envOrDefaultDuration("PROCLIST_CHILD_TIMEOUT", 10*time.Minute),
		MaxFetchBytes: int64(envOrDefaultInt("PROCLIST_MAX_FETCH_BYTES", 64*1024*1024)),

		S3Endpoint:        os.Getenv("PROCLIST_S3_ENDPOINT"),
		S3Bucket:          os.Getenv("PROCLIST_S3_BUCKET"),
		S3Region:          os.Getenv("PROCLIST_S3_REGION"),
		S3AccessKeyID:     os.Getenv("PROCLIST_S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("PROCLIST_S3_SECRET_ACCESS_KEY"),
		S3ForcePathStyle:  os.Getenv("PROCLIST_S3_FORCE_PATH_STYLE") == "true",

		SecretsARN: os.Getenv("PROCLIST_SECRETS_ARN"),
	}

	// Default S3 region to the deployment region for same-region storage
	if cfg.S3Region == "" {
		cfg.S3Region = cfg.Region
	}
	if cfg.AgentAdvertiseAddr == "" {
		cfg.AgentAdvertiseAddr = cfg.AgentGRPCAddr
	}

	if portStr := os.Getenv("PROCLIST_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid PROCLIST_PORT %q: %w", portStr, err)
		}
		cfg.Port = port
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// loadSecretsManager fetches a JSON secret from AWS Secrets Manager and sets
// any values as environment variables (only if not already set, so explicit
// env vars always win). Uses the default AWS credential chain (IAM instance
// profile on EC2, or ~/.aws/credentials locally).
func loadSecretsManager(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Extract region from ARN: arn:aws:secretsmanager:REGION:ACCOUNT:secret:NAME
	var opts []func(*awsconfig.LoadOptions) error
	if parts := strings.Split(arn, ":"); len(parts) >= 4 && parts[3] != "" {
		opts = append(opts, awsconfig.WithRegion(parts[3]))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return fmt.Errorf("GetSecretValue: %w", err)
	}

	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", arn)
	}

	applied, total, err := applySecrets(*result.SecretString)
	if err != nil {
		return err
	}
	log.Printf("config: loaded %d secrets from Secrets Manager (%d keys in secret, env overrides take precedence)", applied, total)
	return nil
}

// applySecrets sets each key of a JSON object secret that is not already
// present in the environment.
func applySecrets(secretJSON string) (applied, total int, err error) {
	var secrets map[string]string
	if err := json.Unmarshal([]byte(secretJSON), &secrets); err != nil {
		return 0, 0, fmt.Errorf("parse secret JSON: %w", err)
	}
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}
	return applied, len(secrets), nil
}
