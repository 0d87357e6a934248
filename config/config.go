package config

import (
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

var Cfg Config

type Config struct {
	// 服务配置
	ServerPort  string `env:"SERVER_PORT" envDefault:"8888"`
	ServerHost  string `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	WorkerPort  string `env:"WORKER_PORT" envDefault:"8889"`        // 独立协调器进程端口
	Environment string `env:"ENVIRONMENT" envDefault:"development"` // development, staging, production
	ServiceName string `env:"SERVICE_NAME" envDefault:"campussos"`
	DeviceID    string `env:"DEVICE_ID" envDefault:"campussos-device"`

	// 后端提交配置
	BackendMode      string        `env:"BACKEND_MODE" envDefault:"http"` // http, postgres
	BackendURL       string        `env:"BACKEND_URL" envDefault:"http://localhost:9000"`
	BackendToken     string        `env:"BACKEND_TOKEN"`
	BackendTimeout   time.Duration `env:"BACKEND_TIMEOUT" envDefault:"10s"`
	BackendHealthURL string        `env:"BACKEND_HEALTH_URL"` // 为空时使用 BackendURL + /health

	// 熔断配置
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES" envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`

	// PostgreSQL 配置（仅 BACKEND_MODE=postgres 时使用）
	PostgreSQLHost     string `env:"POSTGRESQL_HOST" envDefault:"localhost"`
	PostgreSQLPort     string `env:"POSTGRESQL_PORT" envDefault:"5432"`
	PostgreSQLUser     string `env:"POSTGRESQL_USER" envDefault:"postgres"`
	PostgreSQLPassword string `env:"POSTGRESQL_PASSWORD" envDefault:"postgres"`
	PostgreSQLDatabase string `env:"POSTGRESQL_DATABASE" envDefault:"campussos"`
	PostgreSQLSchema   string `env:"POSTGRESQL_SCHEMA" envDefault:"public"`
	PostgreSQLSSLMode  string `env:"POSTGRESQL_SSLMODE" envDefault:"disable"`
	PostgreSQLMaxIdle  int    `env:"POSTGRESQL_MAX_IDLE" envDefault:"5"`
	PostgreSQLMaxOpen  int    `env:"POSTGRESQL_MAX_OPEN" envDefault:"20"`

	// 本地持久化配置
	StoreBackend    string `env:"STORE_BACKEND" envDefault:"bolt"` // bolt, redis
	StorePath       string `env:"STORE_PATH" envDefault:"data/campussos.db"`
	WorkerStorePath string `env:"WORKER_STORE_PATH" envDefault:"data/campussos-worker.db"` // 独立协调器进程的缓存文件

	// Redis 配置（STORE_BACKEND=redis 时使用）
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"csos"`

	// RabbitMQ 配置（SYNC_CHANNEL=amqp 时使用）
	RabbitMQAddr     string `env:"RABBITMQ_ADDR" envDefault:"localhost"`
	RabbitMQPort     string `env:"RABBITMQ_PORT" envDefault:"5672"`
	RabbitMQUsername string `env:"RABBITMQ_USERNAME" envDefault:"guest"`
	RabbitMQPassword string `env:"RABBITMQ_PASSWORD" envDefault:"guest"`
	RabbitMQVhost    string `env:"RABBITMQ_VHOST" envDefault:"/"`
	SyncExchange     string `env:"SYNC_EXCHANGE" envDefault:"campussos.sync"`

	// 后台同步配置
	SyncChannel      string        `env:"SYNC_CHANNEL" envDefault:"local"` // local, amqp
	SyncSchedule     string        `env:"SYNC_SCHEDULE" envDefault:"@every 1m"`
	SyncChannelSize  int           `env:"SYNC_CHANNEL_SIZE" envDefault:"16"`
	CacheVersion     string        `env:"CACHE_VERSION" envDefault:"v1"`
	StaticOrigin     string        `env:"STATIC_ORIGIN" envDefault:"http://localhost:3000"`
	StaticManifest   string        `env:"STATIC_MANIFEST" envDefault:"/,/index.html,/manifest.json,/offline.html"`
	FetchMaxAttempts int           `env:"FETCH_MAX_ATTEMPTS" envDefault:"3"`
	FetchBaseBackoff time.Duration `env:"FETCH_BASE_BACKOFF" envDefault:"1s"`

	// 队列刷新限流
	FlushRate string `env:"FLUSH_RATE" envDefault:"12-M"` // ulule/limiter 格式

	// 连通性探测
	ProbeInterval time.Duration `env:"PROBE_INTERVAL" envDefault:"15s"`
	ProbeTimeout  time.Duration `env:"PROBE_TIMEOUT" envDefault:"3s"`

	// 定位配置
	LocationSource    string  `env:"LOCATION_SOURCE" envDefault:"fixed"` // fixed, geoip, none
	FixedLatitude     float64 `env:"FIXED_LATITUDE" envDefault:"0"`
	FixedLongitude    float64 `env:"FIXED_LONGITUDE" envDefault:"0"`
	FixedAccuracy     float64 `env:"FIXED_ACCURACY" envDefault:"25"`
	GeoIPDatabasePath string  `env:"GEOIP_DB_PATH" envDefault:"GeoLite2-City.mmdb"`
	GeoIPAddress      string  `env:"GEOIP_ADDRESS"`

	// 近场中继配置
	RelayEnabled       bool          `env:"RELAY_ENABLED" envDefault:"true"`
	RelayListenAddr    string        `env:"RELAY_LISTEN_ADDR" envDefault:":47474"`
	RelayBroadcastAddr string        `env:"RELAY_BROADCAST_ADDR" envDefault:"255.255.255.255:47474"`
	RelaySeenTTL       time.Duration `env:"RELAY_SEEN_TTL" envDefault:"30m"`
	RelayBufferSize    int           `env:"RELAY_BUFFER_SIZE" envDefault:"64"`

	// Snowflake ID 生成器配置
	SnowflakeMachineID  int64 `env:"SNOWFLAKE_MACHINE_ID" envDefault:"1"`
	SnowflakeDataCenter int64 `env:"SNOWFLAKE_DATACENTER_ID" envDefault:"1"`

	// 日志配置
	LoggerLevel      string `env:"LOGGER_LEVEL" envDefault:"INFO"`
	LoggerFormat     string `env:"LOGGER_FORMAT" envDefault:"text"` // json, text
	LoggerOutputPath string `env:"LOGGER_OUTPUT_PATH" envDefault:"stdout"`

	// 链路追踪配置
	TracingEnabled     bool    `env:"TRACING_ENABLED" envDefault:"false"`
	OTLPEndpoint       string  `env:"OTLP_ENDPOINT" envDefault:"localhost:4317"`
	TracingSampleRatio float64 `env:"TRACING_SAMPLE_RATIO" envDefault:"0.1"`
	ServiceVersion     string  `env:"SERVICE_VERSION" envDefault:"dev"`
}

func init() {

	if err := godotenv.Load(); err != nil {

		log.Printf("WARN: Cannot load .env file: %v, using environment variables", err)
	}

	Cfg = Config{}
	if err := env.Parse(&Cfg); err != nil {
		log.Fatalf("Failed to parse environment variables: %v", err)
	}

	validateConfig()
}

func validateConfig() {
	if Cfg.BackendMode == "http" && Cfg.BackendToken == "" {
		log.Printf("WARN: BACKEND_TOKEN is not set, backend submissions may be rejected as unauthorized")
	}

	if Cfg.BackendMode != "http" && Cfg.BackendMode != "postgres" {
		log.Printf("WARN: BACKEND_MODE %q is unknown, falling back to http", Cfg.BackendMode)
		Cfg.BackendMode = "http"
	}

	if Cfg.LocationSource == "fixed" && Cfg.FixedLatitude == 0 && Cfg.FixedLongitude == 0 {
		log.Printf("WARN: FIXED_LATITUDE/FIXED_LONGITUDE are not set, fixed location source will report 0,0")
	}

	if Cfg.LocationSource == "geoip" && Cfg.GeoIPAddress == "" {
		log.Printf("WARN: GEOIP_ADDRESS is not set, geoip location source will not work")
	}

	if Cfg.FetchMaxAttempts < 1 {
		Cfg.FetchMaxAttempts = 1
	}
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

// GetHealthURL 返回连通性探测地址
func (c *Config) GetHealthURL() string {
	if c.BackendHealthURL != "" {
		return c.BackendHealthURL
	}
	return strings.TrimRight(c.BackendURL, "/") + "/health"
}

// GetStaticManifest 返回静态资源清单
func (c *Config) GetStaticManifest() []string {
	var paths []string
	for _, p := range strings.Split(c.StaticManifest, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
