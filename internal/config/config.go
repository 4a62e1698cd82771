// Package config loads process configuration from the environment, with
// an optional YAML overlay, and validates it before anything starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds configuration shared by the web and app tiers.
type Config struct {
	Region string `yaml:"region" validate:"required"`

	RequestQueueURL string `yaml:"request_queue_url" validate:"required,url"`
	ReplyQueueURL   string `yaml:"reply_queue_url" validate:"required,url"`
	InputBucket     string `yaml:"input_bucket" validate:"required"`
	OutputBucket    string `yaml:"output_bucket" validate:"required"`

	// Fleet
	PoolPrefix string `yaml:"pool_prefix" validate:"required"`
	// ImageID is required by the web tier's scaler; the app tier never
	// launches instances, so it is checked at startup rather than here.
	ImageID      string `yaml:"image_id"`
	InstanceType string `yaml:"instance_type" validate:"required"`

	// Sizing policy
	LowWatermark int `yaml:"low_watermark" validate:"min=1"`
	Batch        int `yaml:"batch" validate:"min=1"`
	MaxPool      int `yaml:"max_pool" validate:"min=1"`

	// Cadence
	MonitorInterval  time.Duration `yaml:"monitor_interval" validate:"min=1s"`
	ZeroRecheckDelay time.Duration `yaml:"zero_recheck_delay" validate:"min=1s"`
	WorkerPollWait   time.Duration `yaml:"worker_poll_wait" validate:"min=1s,max=20s"`

	// Gateway
	GatewayPort    int           `yaml:"gateway_port" validate:"min=1,max=65535"`
	OpsPort        int           `yaml:"ops_port" validate:"min=1,max=65535"`
	ResultTimeout  time.Duration `yaml:"result_timeout" validate:"min=1s"`
	BodyLimit      string        `yaml:"body_limit" validate:"required"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps" validate:"gt=0"`
	RateLimitBurst int           `yaml:"rate_limit_burst" validate:"min=1"`

	// Worker
	ClassifierCommand string `yaml:"classifier_command"`
	LogLevel          string `yaml:"log_level"`
}

// Load builds the configuration: defaults, then an optional YAML file
// named by ELASTICTIER_CONFIG, then environment variable overrides, then
// validation.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("ELASTICTIER_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	cfg.loadEnv()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Region:            "us-east-1",
		PoolPrefix:        "app-tier-instance",
		InstanceType:      "t2.micro",
		LowWatermark:      10,
		Batch:             4,
		MaxPool:           20,
		MonitorInterval:   20 * time.Second,
		ZeroRecheckDelay:  4 * time.Second,
		WorkerPollWait:    20 * time.Second,
		GatewayPort:       8000,
		OpsPort:           9090,
		ResultTimeout:     120 * time.Second,
		BodyLimit:         "10M",
		RateLimitRPS:      100,
		RateLimitBurst:    200,
		ClassifierCommand: "",
		LogLevel:          "info",
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) loadEnv() {
	setString(&c.Region, "AWS_REGION")
	setString(&c.RequestQueueURL, "REQUEST_QUEUE_URL")
	setString(&c.ReplyQueueURL, "REPLY_QUEUE_URL")
	setString(&c.InputBucket, "INPUT_BUCKET")
	setString(&c.OutputBucket, "OUTPUT_BUCKET")
	setString(&c.PoolPrefix, "POOL_PREFIX")
	setString(&c.ImageID, "POOL_IMAGE_ID")
	setString(&c.InstanceType, "POOL_INSTANCE_TYPE")
	setInt(&c.LowWatermark, "POOL_LOW_WATERMARK")
	setInt(&c.Batch, "POOL_BATCH")
	setInt(&c.MaxPool, "POOL_MAX")
	setDuration(&c.MonitorInterval, "MONITOR_INTERVAL")
	setDuration(&c.ZeroRecheckDelay, "ZERO_RECHECK_DELAY")
	setDuration(&c.WorkerPollWait, "WORKER_POLL_WAIT")
	setInt(&c.GatewayPort, "GATEWAY_PORT")
	setInt(&c.OpsPort, "OPS_PORT")
	setDuration(&c.ResultTimeout, "RESULT_TIMEOUT")
	setString(&c.BodyLimit, "BODY_LIMIT")
	setFloat(&c.RateLimitRPS, "RATE_LIMIT_RPS")
	setInt(&c.RateLimitBurst, "RATE_LIMIT_BURST")
	setString(&c.ClassifierCommand, "CLASSIFIER_COMMAND")
	setString(&c.LogLevel, "LOG_LEVEL")
}

// OpsAddr returns the listen address for the metrics/health server.
func (c *Config) OpsAddr() string {
	return fmt.Sprintf(":%d", c.OpsPort)
}

// Redacted returns a view of the configuration safe for startup logging.
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"region":          c.Region,
		"requestQueueURL": c.RequestQueueURL,
		"replyQueueURL":   c.ReplyQueueURL,
		"inputBucket":     c.InputBucket,
		"outputBucket":    c.OutputBucket,
		"poolPrefix":      c.PoolPrefix,
		"imageID":         c.ImageID,
		"instanceType":    c.InstanceType,
		"lowWatermark":    c.LowWatermark,
		"batch":           c.Batch,
		"maxPool":         c.MaxPool,
		"monitorInterval": c.MonitorInterval.String(),
		"gatewayPort":     c.GatewayPort,
		"opsPort":         c.OpsPort,
		"resultTimeout":   c.ResultTimeout.String(),
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if iv, err := strconv.Atoi(v); err == nil {
			*dst = iv
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if fv, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = fv
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
