/**
 * @description
 * This package handles the configuration management for the disbursement-service.
 * It uses the Viper library to read configuration from environment variables and an
 * optional .env file, then parses the structured values (routing rule lists, status
 * sets, backend lists) that the rest of the service consumes.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/transfa/disbursement-service/internal/domain"
	"github.com/transfa/disbursement-service/internal/routing"
)

const (
	LedgerDriverPostgres = "postgres"
	LedgerDriverMemory   = "memory"
)

// Config holds all the configuration variables for the disbursement-service.
type Config struct {
	ServerPort   string `mapstructure:"SERVER_PORT"`
	DatabaseURL  string `mapstructure:"DATABASE_URL"`
	LedgerDriver string `mapstructure:"LEDGER_DRIVER"`
	RedisURL     string `mapstructure:"REDIS_URL"`

	ReferenceIndexEnabled bool   `mapstructure:"REFERENCE_INDEX_ENABLED"`
	ReferenceIndexPrefix  string `mapstructure:"REFERENCE_INDEX_PREFIX"`

	RabbitMQURL        string `mapstructure:"RABBITMQ_URL"`
	IntakeExchange     string `mapstructure:"INTAKE_EXCHANGE"`
	IntakeQueue        string `mapstructure:"INTAKE_QUEUE"`
	IntakeWorkers      int    `mapstructure:"INTAKE_WORKERS"`
	IntakeQueueSize    int    `mapstructure:"INTAKE_QUEUE_SIZE"`
	IntakeMaxBatchSize int    `mapstructure:"INTAKE_MAX_BATCH_SIZE"`

	APIJWTSecret       string `mapstructure:"API_JWT_SECRET"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	IDTranslateEnabled bool   `mapstructure:"ID_TRANSLATE_ENABLED"`
	IDMapperURL        string `mapstructure:"ID_MAPPER_URL"`

	BackendMappingJSON string `mapstructure:"BACKEND_MAPPING"`
	PayerMappingJSON   string `mapstructure:"PAYER_MAPPING"`

	ReconcileBackendsRaw         string `mapstructure:"RECONCILE_BACKENDS"`
	ReconcileIntervalSeconds     int    `mapstructure:"RECONCILE_INTERVAL_SECONDS"`
	ReconcileStartupDelaySeconds int    `mapstructure:"RECONCILE_STARTUP_DELAY_SECONDS"`
	ReconcileRetryStatusesRaw    string `mapstructure:"RECONCILE_RETRY_STATUSES"`
	ReconcileBatchLimit          int    `mapstructure:"RECONCILE_BATCH_LIMIT"`
	RailTimeoutSeconds           int    `mapstructure:"RAIL_TIMEOUT_SECONDS"`
	RailTranslateIDToFA          bool   `mapstructure:"RAIL_TRANSLATE_ID_TO_FA"`

	MpesaAuthURL       string `mapstructure:"MPESA_AUTH_URL"`
	MpesaPaymentURL    string `mapstructure:"MPESA_PAYMENT_URL"`
	MpesaAgentEmail    string `mapstructure:"MPESA_AGENT_EMAIL"`
	MpesaAgentPassword string `mapstructure:"MPESA_AGENT_PASSWORD"`
	MpesaCustomerType  string `mapstructure:"MPESA_CUSTOMER_TYPE"`

	MojaloopTransfersURL     string `mapstructure:"MOJALOOP_TRANSFERS_URL"`
	MojaloopPayerIDType      string `mapstructure:"MOJALOOP_PAYER_ID_TYPE"`
	MojaloopPayerIDValue     string `mapstructure:"MOJALOOP_PAYER_ID_VALUE"`
	MojaloopPayerDisplayName string `mapstructure:"MOJALOOP_PAYER_DISPLAY_NAME"`
	MojaloopPayeeIDType      string `mapstructure:"MOJALOOP_PAYEE_ID_TYPE"`
	MojaloopTransferNote     string `mapstructure:"MOJALOOP_TRANSFER_NOTE"`

	// Parsed from the raw values above.
	BackendRules      []domain.RoutingRule   `mapstructure:"-"`
	PayerRules        []domain.RoutingRule   `mapstructure:"-"`
	ReconcileBackends []string               `mapstructure:"-"`
	RetryStatuses     []domain.PaymentStatus `mapstructure:"-"`
	AllowedOrigins    []string               `mapstructure:"-"`
}

var envKeys = []string{
	"SERVER_PORT",
	"DATABASE_URL",
	"LEDGER_DRIVER",
	"REDIS_URL",
	"REFERENCE_INDEX_ENABLED",
	"REFERENCE_INDEX_PREFIX",
	"RABBITMQ_URL",
	"INTAKE_EXCHANGE",
	"INTAKE_QUEUE",
	"INTAKE_WORKERS",
	"INTAKE_QUEUE_SIZE",
	"INTAKE_MAX_BATCH_SIZE",
	"API_JWT_SECRET",
	"CORS_ALLOWED_ORIGINS",
	"ID_TRANSLATE_ENABLED",
	"ID_MAPPER_URL",
	"BACKEND_MAPPING",
	"PAYER_MAPPING",
	"RECONCILE_BACKENDS",
	"RECONCILE_INTERVAL_SECONDS",
	"RECONCILE_STARTUP_DELAY_SECONDS",
	"RECONCILE_RETRY_STATUSES",
	"RECONCILE_BATCH_LIMIT",
	"RAIL_TIMEOUT_SECONDS",
	"RAIL_TRANSLATE_ID_TO_FA",
	"MPESA_AUTH_URL",
	"MPESA_PAYMENT_URL",
	"MPESA_AGENT_EMAIL",
	"MPESA_AGENT_PASSWORD",
	"MPESA_CUSTOMER_TYPE",
	"MOJALOOP_TRANSFERS_URL",
	"MOJALOOP_PAYER_ID_TYPE",
	"MOJALOOP_PAYER_ID_VALUE",
	"MOJALOOP_PAYER_DISPLAY_NAME",
	"MOJALOOP_PAYEE_ID_TYPE",
	"MOJALOOP_TRANSFER_NOTE",
}

// LoadConfig reads configuration from environment variables and an optional .env
// file in path. Invalid routing rules, statuses, or intervals fail the load.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LEDGER_DRIVER", LedgerDriverPostgres)
	viper.SetDefault("REFERENCE_INDEX_PREFIX", "disbursement:ref")
	viper.SetDefault("INTAKE_EXCHANGE", "disbursement_events")
	viper.SetDefault("INTAKE_QUEUE", "disbursement_service.intake")
	viper.SetDefault("INTAKE_WORKERS", 4)
	viper.SetDefault("INTAKE_QUEUE_SIZE", 256)
	viper.SetDefault("INTAKE_MAX_BATCH_SIZE", 1000)
	viper.SetDefault("BACKEND_MAPPING", "[]")
	viper.SetDefault("PAYER_MAPPING", "[]")
	viper.SetDefault("RECONCILE_INTERVAL_SECONDS", 10)
	viper.SetDefault("RECONCILE_STARTUP_DELAY_SECONDS", 0)
	viper.SetDefault("RECONCILE_RETRY_STATUSES", "received,rejected")
	viper.SetDefault("RECONCILE_BATCH_LIMIT", 0)
	viper.SetDefault("RAIL_TIMEOUT_SECONDS", 10)
	viper.SetDefault("MPESA_CUSTOMER_TYPE", "subscriber")
	viper.SetDefault("MOJALOOP_PAYER_ID_TYPE", "ACCOUNT_ID")
	viper.SetDefault("MOJALOOP_PAYEE_ID_TYPE", "ACCOUNT_ID")
	viper.SetDefault("MOJALOOP_PAYER_DISPLAY_NAME", "Government Treasury Bank")
	viper.SetDefault("MOJALOOP_TRANSFER_NOTE", "benefit transfer")

	for _, key := range envKeys {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("PORT")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	err = config.normalize()
	return
}

func (c *Config) normalize() error {
	c.LedgerDriver = strings.ToLower(strings.TrimSpace(c.LedgerDriver))
	switch c.LedgerDriver {
	case LedgerDriverPostgres, LedgerDriverMemory:
	default:
		return fmt.Errorf("LEDGER_DRIVER must be %q or %q, got %q", LedgerDriverPostgres, LedgerDriverMemory, c.LedgerDriver)
	}
	if c.LedgerDriver == LedgerDriverPostgres && strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required when LEDGER_DRIVER=%s", LedgerDriverPostgres)
	}

	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)
	c.ReferenceIndexPrefix = strings.TrimSpace(c.ReferenceIndexPrefix)
	if c.ReferenceIndexPrefix == "" {
		c.ReferenceIndexPrefix = "disbursement:ref"
	}

	var err error
	if c.BackendRules, err = parseRules("BACKEND_MAPPING", c.BackendMappingJSON); err != nil {
		return err
	}
	if c.PayerRules, err = parseRules("PAYER_MAPPING", c.PayerMappingJSON); err != nil {
		return err
	}
	table, err := routing.NewTable(c.BackendRules, c.PayerRules)
	if err != nil {
		return err
	}

	c.ReconcileBackends = splitList(c.ReconcileBackendsRaw)
	if len(c.ReconcileBackends) == 0 {
		c.ReconcileBackends = table.Backends()
	}

	c.RetryStatuses = nil
	for _, raw := range splitList(c.ReconcileRetryStatusesRaw) {
		status, err := domain.ParsePaymentStatus(raw)
		if err != nil {
			return fmt.Errorf("RECONCILE_RETRY_STATUSES: %w", err)
		}
		c.RetryStatuses = append(c.RetryStatuses, status)
	}
	if len(c.RetryStatuses) == 0 {
		return fmt.Errorf("RECONCILE_RETRY_STATUSES must name at least one status")
	}

	if c.ReconcileIntervalSeconds <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL_SECONDS must be positive, got %d", c.ReconcileIntervalSeconds)
	}
	if c.ReconcileStartupDelaySeconds < 0 {
		return fmt.Errorf("RECONCILE_STARTUP_DELAY_SECONDS must not be negative, got %d", c.ReconcileStartupDelaySeconds)
	}
	if c.RailTimeoutSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive rail timeout; using default\" value=%d", c.RailTimeoutSeconds)
		c.RailTimeoutSeconds = 10
	}
	if c.ReconcileBatchLimit < 0 {
		c.ReconcileBatchLimit = 0
	}
	if c.IntakeWorkers <= 0 {
		c.IntakeWorkers = 4
	}
	if c.IntakeQueueSize <= 0 {
		c.IntakeQueueSize = 256
	}
	if c.IntakeMaxBatchSize <= 0 {
		c.IntakeMaxBatchSize = 1000
	}

	if c.IDTranslateEnabled || c.RailTranslateIDToFA {
		if strings.TrimSpace(c.IDMapperURL) == "" {
			return fmt.Errorf("ID_MAPPER_URL is required when ID translation is enabled")
		}
	}

	c.AllowedOrigins = splitList(c.CORSAllowedOrigins)
	return nil
}

// ReconcileInterval is the pause between sweeps of one backend.
func (c Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

func (c Config) ReconcileStartupDelay() time.Duration {
	return time.Duration(c.ReconcileStartupDelaySeconds) * time.Second
}

func (c Config) RailTimeout() time.Duration {
	return time.Duration(c.RailTimeoutSeconds) * time.Second
}

func parseRules(key, raw string) ([]domain.RoutingRule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var rules []domain.RoutingRule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		return nil, fmt.Errorf("%s: invalid rule list: %w", key, err)
	}
	return rules, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
