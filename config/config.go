package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

var Cfg Config

type Config struct {
	// 服务配置
	ServerPort     string `env:"SERVER_PORT" envDefault:"8888"`
	ServerHost     string `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	Environment    string `env:"ENVIRONMENT" envDefault:"development"` // development, staging, production
	ServiceName    string `env:"SERVICE_NAME" envDefault:"wxpay-gateway"`
	ServiceVersion string `env:"SERVICE_VERSION" envDefault:"dev"`

	// 微信支付商户配置
	WxPayAppID            string `env:"WXPAY_APP_ID"`
	WxPayMchID            string `env:"WXPAY_MCH_ID"`
	WxPayMchSerialNo      string `env:"WXPAY_MCH_SERIAL_NO"`
	WxPayPrivateKeyPath   string `env:"WXPAY_PRIVATE_KEY_PATH"`
	WxPayAPIv3Key         string `env:"WXPAY_API_V3_KEY"` // 32 字节，AES-256-GCM 解密通知
	WxPayNotifyURL        string `env:"WXPAY_NOTIFY_URL"`
	WxPayRefundNotifyURL  string `env:"WXPAY_REFUND_NOTIFY_URL"`
	WxPayPlatformCertPath string `env:"WXPAY_PLATFORM_CERT_PATH"` // 可选，静态平台证书
	WxPayAPIBaseURL       string `env:"WXPAY_API_BASE_URL" envDefault:"https://api.mch.weixin.qq.com"`

	// 平台证书缓存
	CertFetchTimeout    time.Duration `env:"WXPAY_CERT_FETCH_TIMEOUT" envDefault:"3s"`
	CertRefreshInterval time.Duration `env:"WXPAY_CERT_REFRESH_INTERVAL" envDefault:"12h"`
	CertRetention       time.Duration `env:"WXPAY_CERT_RETENTION" envDefault:"1h"`

	// 通知重放窗口
	NotifyReplayWindow time.Duration `env:"NOTIFY_REPLAY_WINDOW" envDefault:"5m"`

	// 业务后端
	BusinessAPIBaseURL    string        `env:"BUSINESS_API_BASE_URL"`
	BusinessAPIUpdatePath string        `env:"BUSINESS_API_PAYMENT_UPDATE_PATH" envDefault:"/api/v1/orders/callback"`
	BusinessAPIToken      string        `env:"BUSINESS_API_PAYMENT_TOKEN"`
	BusinessAPITimeout    time.Duration `env:"BUSINESS_API_TIMEOUT" envDefault:"5s"`

	// 转发记录
	DispatchStore       string        `env:"DISPATCH_STORE" envDefault:"postgres"` // postgres, memory
	DispatchRetention   time.Duration `env:"DISPATCH_RETENTION" envDefault:"48h"`
	DispatchMaxAttempts int           `env:"DISPATCH_MAX_ATTEMPTS" envDefault:"12"`
	DispatchRetryBase   time.Duration `env:"DISPATCH_RETRY_BASE" envDefault:"15s"`
	DispatchRetryMax    time.Duration `env:"DISPATCH_RETRY_MAX" envDefault:"1h"`
	DispatchLockTTL     time.Duration `env:"DISPATCH_LOCK_TTL" envDefault:"30s"`
	DispatchLockWait    time.Duration `env:"DISPATCH_LOCK_WAIT" envDefault:"3s"`

	// 定时补偿
	DispatchScanInterval  time.Duration `env:"DISPATCH_SCAN_INTERVAL" envDefault:"1m"`
	DispatchScanBatch     int           `env:"DISPATCH_SCAN_BATCH" envDefault:"100"`
	DispatchPurgeInterval time.Duration `env:"DISPATCH_PURGE_INTERVAL" envDefault:"1h"`

	// PostgreSQL 配置
	PostgreSQLHost     string   `env:"POSTGRESQL_HOST" envDefault:"localhost"`
	PostgreSQLPort     string   `env:"POSTGRESQL_PORT" envDefault:"5432"`
	PostgreSQLUser     string   `env:"POSTGRESQL_USER" envDefault:"postgres"`
	PostgreSQLPassword string   `env:"POSTGRESQL_PASSWORD" envDefault:"postgres"`
	PostgreSQLDatabase string   `env:"POSTGRESQL_DATABASE" envDefault:"wxpay_gateway"`
	PostgreSQLSchema   string   `env:"POSTGRESQL_SCHEMA" envDefault:"public"`
	PostgreSQLSSLMode  string   `env:"POSTGRESQL_SSLMODE" envDefault:"disable"`
	PostgreSQLMaxIdle  int      `env:"POSTGRESQL_MAX_IDLE" envDefault:"10"`
	PostgreSQLMaxOpen  int      `env:"POSTGRESQL_MAX_OPEN" envDefault:"50"`
	PostgreSQLReplicas []string `env:"POSTGRESQL_REPLICAS" envSeparator:","` // 只读副本 DSN

	// Redis 配置
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"wxgw"`

	// RabbitMQ 配置
	RabbitMQAddr     string `env:"RABBITMQ_ADDR" envDefault:"localhost"`
	RabbitMQPort     string `env:"RABBITMQ_PORT" envDefault:"5672"`
	RabbitMQUsername string `env:"RABBITMQ_USERNAME" envDefault:"guest"`
	RabbitMQPassword string `env:"RABBITMQ_PASSWORD" envDefault:"guest"`
	RabbitMQVhost    string `env:"RABBITMQ_VHOST" envDefault:"/"`

	// JWT 配置，内部调用方访问 /pay 接口
	JWTSecret        string `env:"JWT_SECRET"`
	JWTExpireMinutes int    `env:"JWT_EXPIRE_MINUTES" envDefault:"43200"`

	// Snowflake ID 生成器配置
	SnowflakeMachineID  int64 `env:"SNOWFLAKE_MACHINE_ID" envDefault:"1"`
	SnowflakeDataCenter int64 `env:"SNOWFLAKE_DATACENTER_ID" envDefault:"1"`

	// 日志配置
	LoggerLevel      string `env:"LOGGER_LEVEL" envDefault:"INFO"`
	LoggerFormat     string `env:"LOGGER_FORMAT" envDefault:"text"` // json, text
	LoggerOutputPath string `env:"LOGGER_OUTPUT_PATH" envDefault:"stdout"`

	// 链路追踪配置
	OTelEnabled     bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint    string  `env:"OTEL_ENDPOINT" envDefault:"localhost:4317"`
	OTelSampleRatio float64 `env:"OTEL_SAMPLE_RATIO" envDefault:"0.1"`

	// 速率限制配置，只作用于 /pay
	RateLimitEnabled     bool `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	RateLimitWindow      int  `env:"RATE_LIMIT_WINDOW" envDefault:"60"`
	RateLimitMaxRequests int  `env:"RATE_LIMIT_MAX_REQUESTS" envDefault:"600"`
}

// Load 读取 .env 与环境变量，启动阶段调用一次，之后只读
func Load() error {
	if err := godotenv.Load(); err != nil {
		log.Printf("WARN: Cannot load .env file: %v, using environment variables", err)
	}

	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	Cfg = cfg
	return nil
}

// MustLoad 加载失败直接退出
func MustLoad() {
	if err := Load(); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
}

func (c *Config) Validate() error {
	if c.WxPayAPIv3Key == "" {
		return fmt.Errorf("WXPAY_API_V3_KEY is required (32 bytes for AES-256-GCM)")
	}

	if len(c.WxPayAPIv3Key) != 32 {
		return fmt.Errorf("WXPAY_API_V3_KEY must be exactly 32 bytes")
	}

	if c.BusinessAPIBaseURL == "" {
		return fmt.Errorf("BUSINESS_API_BASE_URL is required")
	}

	if c.BusinessAPIToken == "" {
		return fmt.Errorf("BUSINESS_API_PAYMENT_TOKEN is required")
	}

	if c.NotifyReplayWindow <= 0 {
		return fmt.Errorf("NOTIFY_REPLAY_WINDOW must be positive")
	}

	if c.DispatchRetention < 24*time.Hour {
		return fmt.Errorf("DISPATCH_RETENTION must cover the 24h platform redelivery window")
	}

	if c.DispatchLockTTL <= c.BusinessAPITimeout {
		return fmt.Errorf("DISPATCH_LOCK_TTL must exceed BUSINESS_API_TIMEOUT")
	}

	switch c.DispatchStore {
	case "postgres", "memory":
	default:
		return fmt.Errorf("DISPATCH_STORE must be postgres or memory, got %q", c.DispatchStore)
	}

	if c.WxPayMchID == "" || c.WxPayMchSerialNo == "" || c.WxPayPrivateKeyPath == "" {
		log.Printf("WARN: merchant credentials incomplete, certificate download and /pay will not work")
	}

	if c.JWTSecret == "" {
		log.Printf("WARN: JWT_SECRET is not set, /pay routes will be disabled")
	}

	return nil
}

func (c *Config) GetDSN() string {
	return "host=" + c.PostgreSQLHost +
		" port=" + c.PostgreSQLPort +
		" user=" + c.PostgreSQLUser +
		" password=" + c.PostgreSQLPassword +
		" dbname=" + c.PostgreSQLDatabase +
		" sslmode=" + c.PostgreSQLSSLMode +
		" search_path=" + c.PostgreSQLSchema
}

func (c *Config) GetRabbitMQURL() string {
	return "amqp://" + c.RabbitMQUsername + ":" + c.RabbitMQPassword + "@" + c.RabbitMQAddr + ":" + c.RabbitMQPort + c.RabbitMQVhost
}

// BusinessUpdateURL 业务后端支付/退款更新地址
func (c *Config) BusinessUpdateURL() string {
	return strings.TrimRight(c.BusinessAPIBaseURL, "/") + c.BusinessAPIUpdatePath
}

func (c *Config) MerchantConfigured() bool {
	return c.WxPayMchID != "" && c.WxPayMchSerialNo != "" && c.WxPayPrivateKeyPath != ""
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// DurableDispatch postgres 模式：转发记录落库，重试走 RabbitMQ，锁走 Redis
func (c *Config) DurableDispatch() bool {
	return c.DispatchStore == "postgres"
}
