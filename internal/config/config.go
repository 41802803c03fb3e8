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

// Config holds all configuration for the nightshift core process.
type Config struct {
	Port     int
	LogLevel string

	// Firecracker
	FirecrackerBin string // path to the firecracker binary (default: "firecracker")
	KernelPath     string // path to vmlinux kernel
	BaseImage      string // path to the base rootfs image every overlay is built from
	ImagesDir      string // not read when building overlays: they are written under ScratchRoot/<vmID>
	ScratchRoot    string // scratch root for per-VM staging (workspace, package, mounts)

	// Pool
	DefaultPoolCap    int // effective_cap fallback for agents with no max_concurrent_vms
	IdleEvictSeconds  int // idle-eviction timeout before a warm entry is destroyed
	HealthTimeoutSecs int // default per-agent health-check timeout (overridable)

	// Network
	NetCIDRBase string // loaded but not read by netalloc, which always carves /30 subnets from 172.16.0.0/16

	// AWS Secrets Manager: if set, secrets are fetched at startup using IAM
	// credentials. The secret should be a JSON object with keys matching env
	// var names (e.g. NIGHTSHIFT_JWT_SECRET). Env vars take precedence over
	// secret values (for local overrides).
	SecretsARN string
}

// Load reads configuration from environment variables with sensible
// defaults. If NIGHTSHIFT_SECRETS_ARN is set, secrets are fetched from AWS
// Secrets Manager first, then environment variables are applied on top (env
// vars take precedence).
func Load() (*Config, error) {
	if arn := os.Getenv("NIGHTSHIFT_SECRETS_ARN"); arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", arn, err)
		}
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: envOrDefault("NIGHTSHIFT_LOG_LEVEL", "info"),

		FirecrackerBin: envOrDefault("NIGHTSHIFT_FIRECRACKER_BIN", "firecracker"),
		KernelPath:     envOrDefault("NIGHTSHIFT_KERNEL_PATH", "/var/lib/nightshift/vmlinux"),
		BaseImage:      envOrDefault("NIGHTSHIFT_BASE_IMAGE", "/var/lib/nightshift/images/base.ext4"),
		ImagesDir:      envOrDefault("NIGHTSHIFT_IMAGES_DIR", "/var/lib/nightshift/overlays"),
		ScratchRoot:    envOrDefault("NIGHTSHIFT_SCRATCH_ROOT", "/var/lib/nightshift/scratch"),

		DefaultPoolCap:    envOrDefaultInt("NIGHTSHIFT_DEFAULT_POOL_CAP", 4),
		IdleEvictSeconds:  envOrDefaultInt("NIGHTSHIFT_IDLE_EVICT_SECONDS", 300),
		HealthTimeoutSecs: envOrDefaultInt("NIGHTSHIFT_HEALTH_TIMEOUT_SECONDS", 60),

		NetCIDRBase: envOrDefault("NIGHTSHIFT_NET_CIDR_BASE", "172.16.0.0"),

		SecretsARN: os.Getenv("NIGHTSHIFT_SECRETS_ARN"),
	}

	if portStr := os.Getenv("NIGHTSHIFT_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid NIGHTSHIFT_PORT %q: %w", portStr, err)
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

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return fmt.Errorf("parse secret JSON: %w", err)
	}

	applied := 0
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}

	log.Printf("config: loaded %d secrets from Secrets Manager (%d keys in secret, env overrides take precedence)", applied, len(secrets))
	return nil
}
