package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"smart-obd/core/internal/domain"
)

// PollItem is one entry of the parsed poll schedule.
type PollItem struct {
	PID      domain.PID
	Interval time.Duration
}

// Thresholds are failure-probability cutoffs for one subsystem.
type Thresholds struct {
	Warning  float64
	Critical float64
}

type Config struct {
	// HTTP (metrics + ack endpoint)
	HTTPPort string

	// Adapter link
	TransportKind     string // serial | bluetooth | wifi | sim
	AdapterEndpoint   string
	VehicleID         string
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration

	// Reconnect policy
	ReconnectMaxRetries int
	BackoffBase         time.Duration
	BackoffCap          time.Duration

	// Polling
	PollSchedule   []PollItem
	DTCInterval    time.Duration
	ReaderQueue    int
	EnqueueTimeout time.Duration

	// Aggregation
	WindowDuration time.Duration
	AggTick        time.Duration

	// Prediction / alerting
	BaseConfidence     float64
	MinConfidence      float64
	DTCTTL             time.Duration
	DebounceCooldown   time.Duration
	SeverityThresholds map[domain.Subsystem]Thresholds

	// TimescaleDB
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBMaxConns int32

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Pipeline channels
	AggChannelSize   int
	StoreChannelSize int
	StateChannelSize int
	MaintChannelSize int

	// Batch writer tuning
	DBBatchSize       int
	DBFlushIntervalMS int

	// Auth
	AuthCacheTTLSeconds int
	ValidAPIKeys        []string
}

// Load reads the environment. Call Validate before using the result;
// schedule and threshold parse failures surface here, never as silent
// defaults.
func Load() (*Config, error) {
	schedule, err := parseSchedule(getEnv("POLL_SCHEDULE", "0C=1s,0D=1s,05=5s,0F=5s,04=2s,11=2s,10=2s,2F=30s,0A=10s,5C=10s,42=10s,1F=30s,31=60s"))
	if err != nil {
		return nil, fmt.Errorf("POLL_SCHEDULE: %w", err)
	}
	thresholds, err := parseThresholds(getEnv("SEVERITY_THRESHOLDS", "engine=0.5:0.8,cooling=0.5:0.8,fuel=0.5:0.8,electrical=0.5:0.8"))
	if err != nil {
		return nil, fmt.Errorf("SEVERITY_THRESHOLDS: %w", err)
	}

	return &Config{
		HTTPPort: getEnv("HTTP_PORT", "8002"),

		TransportKind:     getEnv("TRANSPORT_KIND", "serial"),
		AdapterEndpoint:   getEnv("ADAPTER_ENDPOINT", "/dev/ttyUSB0"),
		VehicleID:         getEnv("VEHICLE_ID", "vehicle-001"),
		ConnectTimeout:    getEnvDuration("CONNECT_TIMEOUT", 5*time.Second),
		ReadTimeout:       getEnvDuration("READ_TIMEOUT", 2*time.Second),
		RequestTimeout:    getEnvDuration("REQUEST_TIMEOUT", 5*time.Second),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 10*time.Second),

		ReconnectMaxRetries: getEnvInt("RECONNECT_MAX_RETRIES", 8),
		BackoffBase:         getEnvDuration("BACKOFF_BASE", 500*time.Millisecond),
		BackoffCap:          getEnvDuration("BACKOFF_CAP", 30*time.Second),

		PollSchedule:   schedule,
		DTCInterval:    getEnvDuration("DTC_INTERVAL", 60*time.Second),
		ReaderQueue:    getEnvInt("READER_QUEUE_SIZE", 1024),
		EnqueueTimeout: getEnvDuration("ENQUEUE_TIMEOUT", 250*time.Millisecond),

		WindowDuration: getEnvDuration("WINDOW_DURATION", 5*time.Minute),
		AggTick:        getEnvDuration("AGG_TICK_INTERVAL", 15*time.Second),

		BaseConfidence:     getEnvFloat("BASE_CONFIDENCE", 0.95),
		MinConfidence:      getEnvFloat("MIN_CONFIDENCE", 0.3),
		DTCTTL:             getEnvDuration("DTC_TTL", 3*time.Minute),
		DebounceCooldown:   getEnvDuration("DEBOUNCE_COOLDOWN", 15*time.Minute),
		SeverityThresholds: thresholds,

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "obd_user"),
		DBPassword: getEnv("DB_PASSWORD", "obd_password"),
		DBName:     getEnv("DB_NAME", "smart_obd"),
		DBMaxConns: int32(getEnvInt("DB_MAX_CONNS", 10)),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		AggChannelSize:   getEnvInt("AGG_CHANNEL_SIZE", 4096),
		StoreChannelSize: getEnvInt("STORE_CHANNEL_SIZE", 8192),
		StateChannelSize: getEnvInt("STATE_CHANNEL_SIZE", 1024),
		MaintChannelSize: getEnvInt("MAINT_CHANNEL_SIZE", 256),

		DBBatchSize:       getEnvInt("DB_BATCH_SIZE", 200),
		DBFlushIntervalMS: getEnvInt("DB_FLUSH_INTERVAL_MS", 500),

		AuthCacheTTLSeconds: getEnvInt("AUTH_CACHE_TTL_SECONDS", 300),
		ValidAPIKeys:        strings.Split(getEnv("VALID_API_KEYS", ""), ","),
	}, nil
}

// Validate rejects configurations the pipeline cannot run on. Called at
// startup before any connection attempt.
func (c *Config) Validate() error {
	if len(c.PollSchedule) == 0 {
		return fmt.Errorf("poll schedule is empty")
	}
	for _, item := range c.PollSchedule {
		if _, ok := domain.PIDTable[item.PID]; !ok {
			return fmt.Errorf("poll schedule references unknown PID %02X", byte(item.PID))
		}
		if item.Interval <= 0 {
			return fmt.Errorf("poll interval for PID %02X must be positive", byte(item.PID))
		}
	}
	if c.ReconnectMaxRetries < 1 {
		return fmt.Errorf("reconnect_max_retries must be at least 1")
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("backoff base %v and cap %v are inconsistent", c.BackoffBase, c.BackoffCap)
	}
	if c.AggTick <= 0 || c.WindowDuration < c.AggTick {
		return fmt.Errorf("window duration %v must cover at least one tick %v", c.WindowDuration, c.AggTick)
	}
	if c.BaseConfidence <= 0 || c.BaseConfidence > 1 {
		return fmt.Errorf("base confidence %v out of (0,1]", c.BaseConfidence)
	}
	if c.DebounceCooldown <= 0 {
		return fmt.Errorf("debounce cooldown must be positive")
	}
	for sub, th := range c.SeverityThresholds {
		if th.Warning <= 0 || th.Critical > 1 || th.Warning >= th.Critical {
			return fmt.Errorf("thresholds for %s must satisfy 0 < warning < critical <= 1", sub)
		}
	}
	return nil
}

// parseSchedule reads "0C=1s,05=5s" into poll items.
func parseSchedule(s string) ([]PollItem, error) {
	var items []PollItem
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("bad entry %q", part)
		}
		n, err := strconv.ParseUint(strings.TrimSpace(kv[0]), 16, 8)
		if err != nil {
			return nil, fmt.Errorf("bad PID in %q: %w", part, err)
		}
		d, err := time.ParseDuration(strings.TrimSpace(kv[1]))
		if err != nil {
			return nil, fmt.Errorf("bad interval in %q: %w", part, err)
		}
		items = append(items, PollItem{PID: domain.PID(n), Interval: d})
	}
	return items, nil
}

// parseThresholds reads "cooling=0.5:0.8,...".
func parseThresholds(s string) (map[domain.Subsystem]Thresholds, error) {
	out := make(map[domain.Subsystem]Thresholds)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("bad entry %q", part)
		}
		bounds := strings.SplitN(kv[1], ":", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("bad bounds in %q", part)
		}
		warn, err := strconv.ParseFloat(strings.TrimSpace(bounds[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("bad warning bound in %q: %w", part, err)
		}
		crit, err := strconv.ParseFloat(strings.TrimSpace(bounds[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("bad critical bound in %q: %w", part, err)
		}
		out[domain.Subsystem(strings.TrimSpace(kv[0]))] = Thresholds{Warning: warn, Critical: crit}
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
