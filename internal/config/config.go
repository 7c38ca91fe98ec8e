package config

import (
	"os"
	"strconv"
	"time"

	common "pulsenet-engine/internal/common/config"
)

// Config 情节检测与社区关联引擎配置
type Config struct {
	Database common.DatabaseConfig
	Redis    common.RedisConfig
	MQTT     common.MQTTConfig

	HTTP struct {
		Addr string // 监听地址，如 ":8080"
	}

	// Engine 检测引擎配置
	Engine struct {
		// 样本窗口配置
		Window struct {
			Duration    time.Duration // 每设备滑动窗口长度，默认 5 分钟
			MinDuration time.Duration // 窗口覆盖不足此时长时永不判为异常，默认 60 秒
		}

		// 持续升高规则配置（参考语义，任何打分器实现都须保持）
		Scorer struct {
			BaselineBPM       float64       // 心率基线，默认 72
			ThresholdRatio    float64       // 相对基线的触发倍率，默认 1.25
			SustainedDuration time.Duration // 连续超阈的最短时长，默认 60 秒
		}

		InterventionTimeout time.Duration // 干预超时，默认 5 分钟
		CheckInWindow       time.Duration // 复测确认窗口，默认 10 分钟

		// 每设备串行通道
		Lanes struct {
			Count     int // 通道数，默认 16
			QueueSize int // 每通道队列长度，默认 256
		}
	}

	// Broadcast 实时广播配置
	Broadcast struct {
		BacklogSize int           // 每接收人积压事件上限，默认 20（丢弃最旧）
		AlertTTL    time.Duration // 事件新鲜度 TTL，过期丢弃不补投，默认 2 分钟
		QueueSize   int           // 内部事件队列长度，默认 1024
	}

	// Community 社区聚合配置
	Community struct {
		TemporalWindow    time.Duration // 活跃情节统计滑动窗口，默认 15 分钟
		CorrelationWindow time.Duration // 关联簇检出时间窗口，默认 3 分钟
		ClusterThreshold  int           // 关联簇最小设备数，默认 3
		UncorrelatedHigh  int           // 非关联情节判 high 的数量阈值，默认 5
		DeviceTTL         time.Duration // 设备失联淘汰 TTL，默认 10 分钟
	}

	// Cache Redis 缓存键配置
	Cache CacheConfig

	// Intervention 干预内容提供方配置
	Intervention struct {
		ProviderURL string        // 为空时不调用外部提供方
		Timeout     time.Duration // 请求超时，默认 5 秒
	}

	// Ingest MQTT 接入配置
	Ingest struct {
		Topic string // 订阅主题，默认 "wearable/+/vitals"
	}

	Log struct {
		Level  string
		Format string
	}
}

// CacheConfig Redis 缓存键配置
type CacheConfig struct {
	RealtimeKeyPrefix string        // 实时数据键前缀，如 "pulsenet:device:"
	RealtimeSuffix    string        // 实时数据键后缀，如 ":realtime"
	AlertSuffix       string        // 报警数据键后缀，如 ":alerts"
	RealtimeTTL       time.Duration // 实时数据 TTL，默认 60 秒
	EventStream       string        // 生命周期事件流名称
}

// Load 加载配置（环境变量覆盖默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	// 数据库
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = 5432
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "pulsenet")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.LoadFromEnv("DB")

	// Redis
	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0

	// MQTT
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "pulsenet-engine")
	cfg.MQTT.QoS = 1
	cfg.MQTT.LoadFromEnv("MQTT")

	// HTTP
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	// 检测引擎
	cfg.Engine.Window.Duration = getEnvSeconds("WINDOW_DURATION_SEC", 300)
	cfg.Engine.Window.MinDuration = getEnvSeconds("WINDOW_MIN_DURATION_SEC", 60)
	cfg.Engine.Scorer.BaselineBPM = getEnvFloat("SCORER_BASELINE_BPM", 72)
	cfg.Engine.Scorer.ThresholdRatio = getEnvFloat("SCORER_THRESHOLD_RATIO", 1.25)
	cfg.Engine.Scorer.SustainedDuration = getEnvSeconds("SCORER_SUSTAINED_SEC", 60)
	cfg.Engine.InterventionTimeout = getEnvSeconds("INTERVENTION_TIMEOUT_SEC", 300)
	cfg.Engine.CheckInWindow = getEnvSeconds("CHECKIN_WINDOW_SEC", 600)
	cfg.Engine.Lanes.Count = getEnvInt("LANE_COUNT", 16)
	cfg.Engine.Lanes.QueueSize = getEnvInt("LANE_QUEUE_SIZE", 256)

	// 广播
	cfg.Broadcast.BacklogSize = getEnvInt("BROADCAST_BACKLOG_SIZE", 20)
	cfg.Broadcast.AlertTTL = getEnvSeconds("BROADCAST_ALERT_TTL_SEC", 120)
	cfg.Broadcast.QueueSize = getEnvInt("BROADCAST_QUEUE_SIZE", 1024)

	// 社区聚合
	cfg.Community.TemporalWindow = getEnvSeconds("COMMUNITY_TEMPORAL_WINDOW_SEC", 900)
	cfg.Community.CorrelationWindow = getEnvSeconds("COMMUNITY_CORRELATION_WINDOW_SEC", 180)
	cfg.Community.ClusterThreshold = getEnvInt("COMMUNITY_CLUSTER_THRESHOLD", 3)
	cfg.Community.UncorrelatedHigh = getEnvInt("COMMUNITY_UNCORRELATED_HIGH", 5)
	cfg.Community.DeviceTTL = getEnvSeconds("COMMUNITY_DEVICE_TTL_SEC", 600)

	// 缓存
	cfg.Cache.RealtimeKeyPrefix = getEnv("CACHE_REALTIME_PREFIX", "pulsenet:device:")
	cfg.Cache.RealtimeSuffix = ":realtime"
	cfg.Cache.AlertSuffix = ":alerts"
	cfg.Cache.RealtimeTTL = getEnvSeconds("CACHE_REALTIME_TTL_SEC", 60)
	cfg.Cache.EventStream = getEnv("CACHE_EVENT_STREAM", "pulsenet:episode:events")

	// 干预内容提供方
	cfg.Intervention.ProviderURL = getEnv("INTERVENTION_PROVIDER_URL", "")
	cfg.Intervention.Timeout = getEnvSeconds("INTERVENTION_REQUEST_TIMEOUT_SEC", 5)

	// MQTT 接入
	cfg.Ingest.Topic = getEnv("INGEST_MQTT_TOPIC", "wearable/+/vitals")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvSeconds 环境变量以秒为单位，内部统一为 time.Duration
func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}
