// Package config loads service configuration from environment variables and
// an optional JSON config file. Environment variables take precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FieldNames maps submission attributes to the external table's column names.
// An empty name means the attribute is omitted from the synced payload.
type FieldNames struct {
	Name         string `json:"name" mapstructure:"name"`
	Phone        string `json:"phone" mapstructure:"phone"`
	Title        string `json:"title" mapstructure:"title"`
	Company      string `json:"company" mapstructure:"company"`
	IDNumber     string `json:"id-number" mapstructure:"id-number"`
	IdentityRole string `json:"identity-role" mapstructure:"identity-role"`
	IDType       string `json:"id-type" mapstructure:"id-type"`
	BusinessType string `json:"business-type" mapstructure:"business-type"`
	Department   string `json:"department" mapstructure:"department"`
	ProofURLs    string `json:"proof-urls" mapstructure:"proof-urls"`
	SubmittedAt  string `json:"submitted-at" mapstructure:"submitted-at"`
	SyncStatus   string `json:"sync-status" mapstructure:"sync-status"`
}

type Config struct {
	ListenAddr  string `mapstructure:"listen-addr"`
	LogLevel    string `mapstructure:"log-level"`
	PostgresDSN string `mapstructure:"postgres-dsn"`
	RedisAddr   string `mapstructure:"redis-addr"`
	RedisDB     int    `mapstructure:"redis-db"`

	// 32-byte key, hex encoded, for field-level encryption of PII columns.
	EncryptionKey string `mapstructure:"encryption-key"`

	BitableBaseURL   string        `mapstructure:"bitable-base-url"`
	BitableAppID     string        `mapstructure:"bitable-app-id"`
	BitableAppSecret string        `mapstructure:"bitable-app-secret"`
	BitableAppToken  string        `mapstructure:"bitable-app-token"`
	BitableTableID   string        `mapstructure:"bitable-table-id"`
	RequestTimeout   time.Duration `mapstructure:"request-timeout"`

	SyncWorkers               int           `mapstructure:"sync-workers"`
	SyncAttempts              int           `mapstructure:"sync-attempts"`
	SyncBackoffBase           time.Duration `mapstructure:"sync-backoff-base"`
	SyncBackoffMax            time.Duration `mapstructure:"sync-backoff-max"`
	HighWatermark             int           `mapstructure:"high-watermark"`
	CriticalWatermark         int           `mapstructure:"critical-watermark"`
	PressureCacheWindow       time.Duration `mapstructure:"pressure-cache-window"`
	EnqueueDelayHigh          time.Duration `mapstructure:"enqueue-delay-high"`
	EnqueueDelayCritical      time.Duration `mapstructure:"enqueue-delay-critical"`
	BackoffMultiplierHigh     float64       `mapstructure:"backoff-multiplier-high"`
	BackoffMultiplierCritical float64       `mapstructure:"backoff-multiplier-critical"`

	FieldNames FieldNames `mapstructure:"field-names"`

	// Optional JSON file watched at runtime for field-name overrides.
	FieldOverridesFile string `mapstructure:"field-overrides-file"`
}

var requiredFields = []string{
	"postgres-dsn",
	"redis-addr",
	"encryption-key",
	"bitable-app-id",
	"bitable-app-secret",
	"bitable-app-token",
	"bitable-table-id",
}

// Load reads configuration from FORMSYNC_* environment variables and, when
// present, the config file at path (JSON). Missing required fields fail fast.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FORMSYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	setDefaults(v)

	for _, field := range requiredFields {
		_ = v.BindEnv(field)
	}

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("could not read config: %w", err)
		}
	}

	for _, field := range requiredFields {
		if !v.IsSet(field) || strings.TrimSpace(v.GetString(field)) == "" {
			return nil, fmt.Errorf("missing required config field: %s", field)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("could not unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen-addr", ":8080")
	v.SetDefault("log-level", "INFO")
	v.SetDefault("redis-db", 0)
	v.SetDefault("bitable-base-url", "https://open.feishu.cn")
	v.SetDefault("request-timeout", 15*time.Second)
	v.SetDefault("sync-workers", 4)
	v.SetDefault("sync-attempts", 5)
	v.SetDefault("sync-backoff-base", 2*time.Second)
	v.SetDefault("sync-backoff-max", 2*time.Minute)
	v.SetDefault("high-watermark", 100)
	v.SetDefault("critical-watermark", 500)
	v.SetDefault("pressure-cache-window", 500*time.Millisecond)
	v.SetDefault("enqueue-delay-high", 50*time.Millisecond)
	v.SetDefault("enqueue-delay-critical", 200*time.Millisecond)
	v.SetDefault("backoff-multiplier-high", 1.5)
	v.SetDefault("backoff-multiplier-critical", 2.5)
	// Defaulted to empty so the env binding exists; AutomaticEnv only
	// surfaces keys viper already knows about.
	v.SetDefault("field-overrides-file", "")

	v.SetDefault("field-names.name", "姓名")
	v.SetDefault("field-names.phone", "手机号")
	v.SetDefault("field-names.title", "职位")
	v.SetDefault("field-names.company", "公司名称")
	v.SetDefault("field-names.id-number", "证件号码")
	v.SetDefault("field-names.identity-role", "观众类型")
	v.SetDefault("field-names.id-type", "证件类型")
	v.SetDefault("field-names.business-type", "企业类型")
	v.SetDefault("field-names.department", "所在部门")
	v.SetDefault("field-names.proof-urls", "证明材料")
	v.SetDefault("field-names.submitted-at", "提交时间")
	v.SetDefault("field-names.sync-status", "同步状态")
}
