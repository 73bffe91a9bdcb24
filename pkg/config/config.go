package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Databases DatabasesConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	Milvus    MilvusConfig
	LLM       LLMConfig
	Router    RouterConfig
	Agent     AgentConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	Environment    string
	AllowedOrigins []string
}

// DatabasesConfig maps each logical database to its SQL gateway service.
type DatabasesConfig struct {
	URLs       map[string]string
	Secret     string
	TimeoutSec int
	MaxRows    int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type MilvusConfig struct {
	Enabled        bool
	Endpoint       string
	CollectionName string
	VectorDim      int
}

type LLMConfig struct {
	APIKey         string
	Model          string
	EmbeddingModel string
	Temperature    float32
	MaxTokens      int
}

type RouterConfig struct {
	Enabled bool
}

type AgentConfig struct {
	MaxTurns   int
	TimeoutSec int
}

type CacheConfig struct {
	QueryTTL           time.Duration
	QueryMaxEntries    int
	SemanticTTL        time.Duration
	SemanticThreshold  float64
	SemanticMaxEntries int
	EmbeddingTTL       time.Duration
}

type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	Burst             int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/neo-agent")

	viper.SetEnvPrefix("NEO")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 200)
	viper.SetDefault("server.bodyLimit", 1048576)
	viper.SetDefault("server.environment", "production")
	viper.SetDefault("server.allowedOrigins", []string{})

	viper.SetDefault("databases.urls", map[string]string{
		"researchers": "https://kdttalentscout.up.railway.app",
		"patents":     "https://patentwarrior.up.railway.app",
		"grants":      "https://grants-tracker-production.up.railway.app",
		"policies":    "https://policywatch.up.railway.app",
		"portfolio":   "https://web-production-a9d068.up.railway.app",
		"market_data": "https://clinicaltrialsdata.up.railway.app",
		"sec":         "https://secsentinel.up.railway.app",
	})
	viper.SetDefault("databases.secret", "")
	viper.SetDefault("databases.timeoutSec", 90)
	viper.SetDefault("databases.maxRows", 500)

	viper.SetDefault("sqlite.path", "./data/neo.db")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("milvus.enabled", false)
	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.collectionName", "neo_answer_cache")
	viper.SetDefault("milvus.vectorDim", 1536)

	viper.SetDefault("llm.model", "gpt-4o")
	viper.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.maxTokens", 4096)

	viper.SetDefault("router.enabled", true)

	viper.SetDefault("agent.maxTurns", 25)
	viper.SetDefault("agent.timeoutSec", 180)

	viper.SetDefault("cache.queryTTL", 5*time.Minute)
	viper.SetDefault("cache.queryMaxEntries", 100)
	viper.SetDefault("cache.semanticTTL", time.Hour)
	viper.SetDefault("cache.semanticThreshold", 0.80)
	viper.SetDefault("cache.semanticMaxEntries", 500)
	viper.SetDefault("cache.embeddingTTL", 24*time.Hour)

	viper.SetDefault("ratelimit.enabled", true)
	viper.SetDefault("ratelimit.requestsPerMinute", 60)
	viper.SetDefault("ratelimit.burst", 20)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
