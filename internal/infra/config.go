package infra

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv         string
	LogLevel       string
	Port           string
	DatabaseURL    string
	StoreDriver    string
	RedisURL       string
	JWTSecret      string
	StoragePath    string
	StorageBaseURL string
	MigrationsPath string

	// DBMaxConns sizes the pgx pool shared by request handlers and the poller.
	DBMaxConns        int32
	DBMinConns        int32
	DBMaxConnLifetime time.Duration

	PollInterval       time.Duration
	PollCallTimeout    time.Duration
	PollConcurrency    int
	PollMaxIdleCycles  int
	LeaseTTL           time.Duration
	MaterializeTimeout time.Duration
	MaxBatch           int
	CreditCosts        map[string]int64
	PlanCredits        map[string]int64
	GrantDedupWindow   time.Duration
	KindProviders      map[string]string
	// RunPoller embeds the status poller in the API process.
	RunPoller bool
	WorkerID  string

	QwenAPIKey  string
	QwenBaseURL string
	QwenModel   string
	FalAPIKey   string
	FalBaseURL  string
	FalModel    string

	PaymentsAPIKey        string
	PaymentsBaseURL       string
	PaymentsWebhookSecret string

	HTTPReadTimeout    time.Duration
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration
	RateLimitPerMin    int
	CORSAllowedOrigins []string

	// ArtifactSourceAllowlist restricts which hosts the materializer downloads from.
	// Empty means any host.
	ArtifactSourceAllowlist []string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:         getEnv("APP_ENV", "development"),
		LogLevel:       strings.ToLower(os.Getenv("LOG_LEVEL")),
		Port:           port,
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		StoreDriver:    strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
		RedisURL:       os.Getenv("REDIS_URL"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		StoragePath:    getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL: getEnv("STORAGE_BASE_URL", "http://localhost:"+port+"/static"),
		MigrationsPath: getEnv("MIGRATIONS_PATH", "./migrations"),

		DBMaxConns:        int32(getEnvInt("DB_MAX_CONNS", 0)),
		DBMinConns:        int32(getEnvInt("DB_MIN_CONNS", 1)),
		DBMaxConnLifetime: time.Minute * time.Duration(getEnvInt("DB_MAX_CONN_LIFETIME_MINUTES", 60)),

		PollInterval:       time.Millisecond * time.Duration(getEnvInt("POLL_INTERVAL_MS", 2000)),
		PollCallTimeout:    time.Millisecond * time.Duration(getEnvInt("POLL_CALL_TIMEOUT_MS", 5000)),
		PollConcurrency:    getEnvInt("POLL_CONCURRENCY", 8),
		PollMaxIdleCycles:  getEnvInt("POLL_MAX_IDLE_CYCLES", 900),
		LeaseTTL:           time.Second * time.Duration(getEnvInt("LEASE_TTL_SECONDS", 30)),
		MaterializeTimeout: time.Second * time.Duration(getEnvInt("MATERIALIZE_TIMEOUT_SECONDS", 600)),
		MaxBatch:           getEnvInt("MAX_BATCH", 10),
		GrantDedupWindow:   time.Second * time.Duration(getEnvInt("GRANT_DEDUP_WINDOW_SECONDS", 300)),
		RunPoller:          getEnvBool("API_RUN_POLLER", true),
		WorkerID:           os.Getenv("WORKER_ID"),

		QwenAPIKey:  os.Getenv("QWEN_API_KEY"),
		QwenBaseURL: getEnv("QWEN_BASE_URL", "https://dashscope-intl.aliyuncs.com/api/v1"),
		QwenModel:   getEnv("QWEN_MODEL", "wanx2.1-t2i-turbo"),
		FalAPIKey:   os.Getenv("FAL_API_KEY"),
		FalBaseURL:  getEnv("FAL_BASE_URL", "https://queue.fal.run"),
		FalModel:    getEnv("FAL_MODEL", "fal-ai/kling-video/v1.6/standard/text-to-video"),

		PaymentsAPIKey:        os.Getenv("PAYMENTS_API_KEY"),
		PaymentsBaseURL:       getEnv("PAYMENTS_BASE_URL", "https://api.stripe.com/v1"),
		PaymentsWebhookSecret: os.Getenv("PAYMENTS_WEBHOOK_SECRET"),

		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
	}

	var err error
	if cfg.CreditCosts, err = parseIntMap(getEnv("CREDIT_COSTS", "image=2,video=10")); err != nil {
		return nil, fmt.Errorf("CREDIT_COSTS: %w", err)
	}
	if cfg.PlanCredits, err = parseIntMap(getEnv("PLAN_CREDITS", "basic=100,pro=500")); err != nil {
		return nil, fmt.Errorf("PLAN_CREDITS: %w", err)
	}
	if cfg.KindProviders, err = parseStringMap(getEnv("KIND_PROVIDERS", "image=qwen,video=falqueue")); err != nil {
		return nil, fmt.Errorf("KIND_PROVIDERS: %w", err)
	}
	cfg.ArtifactSourceAllowlist = buildAllowlist(os.Getenv("ARTIFACT_SOURCE_HOST_ALLOWLIST"))

	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required")
		}
	case StoreDriverMemory:
	default:
		return nil, fmt.Errorf("STORE_DRIVER %q is not supported", cfg.StoreDriver)
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.PollConcurrency < 1 {
		cfg.PollConcurrency = 1
	}
	if cfg.MaxBatch < 1 {
		cfg.MaxBatch = 1
	}
	if cfg.DBMaxConns <= 0 {
		// One connection per concurrent reconcile plus headroom for requests.
		cfg.DBMaxConns = int32(cfg.PollConcurrency) + 10
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.LeaseTTL <= cfg.PollCallTimeout {
		return nil, fmt.Errorf("LEASE_TTL_SECONDS (%s) must exceed POLL_CALL_TIMEOUT_MS (%s)", cfg.LeaseTTL, cfg.PollCallTimeout)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
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

// parseStringMap reads "k1=v1,k2=v2".
func parseStringMap(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitList(raw) {
		k, v, ok := strings.Cut(pair, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("malformed entry %q", pair)
		}
		out[strings.ToLower(k)] = v
	}
	return out, nil
}

func parseIntMap(raw string) (map[string]int64, error) {
	pairs, err := parseStringMap(raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(pairs))
	for k, v := range pairs {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("entry %q must be a non-negative integer", k)
		}
		out[k] = n
	}
	return out, nil
}

func buildAllowlist(raw string) []string {
	seen := make(map[string]struct{})
	for _, entry := range splitList(raw) {
		host := entry
		if u, err := url.Parse(entry); err == nil && u.Host != "" {
			host = u.Hostname()
		}
		seen[strings.ToLower(host)] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for host := range seen {
		out = append(out, host)
	}
	sort.Strings(out)
	return out
}
