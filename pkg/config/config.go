package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Milvus      MilvusConfig
	SQLite      SQLiteConfig
	Redis       RedisConfig
	LLM         LLMConfig
	Embedding   EmbeddingConfig
	Search      SearchConfig
	Computation ComputationConfig
	Knowledge   KnowledgeConfig
	Guardrails  GuardrailsConfig
	Routing     RoutingConfig
	Tuner       TunerConfig
	Status      StatusConfig
	Logging     LoggingConfig
}

type ServerConfig struct {
	Environment    string
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	AllowedOrigins string
	RateLimit      int
}

// MilvusConfig selects the knowledge-base index. An empty endpoint keeps the
// index in memory.
type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type SQLiteConfig struct {
	Path string
}

// RedisConfig enables the embedding and web search caches when Host is set.
type RedisConfig struct {
	Host       string
	Port       int
	Password   string
	DB         int
	TTLMinutes int
}

type LLMConfig struct {
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
}

// EmbeddingConfig picks the embedder: "openai" or "hashing".
type EmbeddingConfig struct {
	Provider string
	Model    string
	Dim      int
}

type SearchConfig struct {
	Enabled        bool
	Provider       string
	APIKey         string
	MaxResults     int
	TimeoutSec     int
	IncludeDomains []string
}

// ComputationConfig selects the computation service: "local" runs the
// built-in math tools, "mcp" spawns an MCP tool server over stdio.
type ComputationConfig struct {
	Mode       string
	Command    string
	Args       []string
	TimeoutSec int
}

type KnowledgeConfig struct {
	DatasetPath string
	TopK        int
	TimeoutSec  int
}

type GuardrailsConfig struct {
	MaxInputLength       int
	TimeSensitiveTopics  []string
	MaxGenerationAttempt int
}

type RoutingConfig struct {
	KnowledgeThreshold float64
	HighSimilarity     float64
	WebSearchThreshold float64
	ConceptualStrategy string
}

type TunerConfig struct {
	Enabled      bool
	IntervalSec  int
	EveryRecords int
	RatingFloor  float64
	MinSamples   int
	Step         float64
}

type StatusConfig struct {
	RefreshSec int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom reads the given config file instead of searching the default
// locations when path is set.
func LoadFrom(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/math-agent")
	}

	viper.SetEnvPrefix("MATH_AGENT")
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
	viper.SetDefault("server.environment", "production")
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8000)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 60)
	viper.SetDefault("server.bodyLimit", 1048576)
	viper.SetDefault("server.allowedOrigins", "http://localhost:3000,http://127.0.0.1:3000")
	viper.SetDefault("server.rateLimit", 60)

	viper.SetDefault("milvus.endpoint", "")
	viper.SetDefault("milvus.collectionName", "math_problems")
	viper.SetDefault("milvus.vectorDim", 1536)

	viper.SetDefault("sqlite.path", "./data/mathagent.db")

	viper.SetDefault("redis.host", "")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.ttlMinutes", 60)

	viper.SetDefault("llm.baseURL", "https://api.openai.com/v1")
	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.temperature", 0.1)
	viper.SetDefault("llm.maxTokens", 2000)
	viper.SetDefault("llm.timeoutSec", 30)

	viper.SetDefault("embedding.provider", "hashing")
	viper.SetDefault("embedding.model", "text-embedding-3-small")
	viper.SetDefault("embedding.dim", 256)

	viper.SetDefault("search.enabled", true)
	viper.SetDefault("search.provider", "duckduckgo")
	viper.SetDefault("search.maxResults", 5)
	viper.SetDefault("search.timeoutSec", 8)
	viper.SetDefault("search.includeDomains", []string{"mathway.com", "wolframalpha.com", "khanacademy.org", "symbolab.com"})

	viper.SetDefault("computation.mode", "local")
	viper.SetDefault("computation.command", "mathtools-mcp")
	viper.SetDefault("computation.timeoutSec", 10)

	viper.SetDefault("knowledge.datasetPath", "./data/knowledge_base.json")
	viper.SetDefault("knowledge.topK", 3)
	viper.SetDefault("knowledge.timeoutSec", 5)

	viper.SetDefault("guardrails.maxInputLength", 1000)
	viper.SetDefault("guardrails.timeSensitiveTopics", []string{"records", "current-events"})
	viper.SetDefault("guardrails.maxGenerationAttempt", 2)

	viper.SetDefault("routing.knowledgeThreshold", 0.35)
	viper.SetDefault("routing.highSimilarity", 0.8)
	viper.SetDefault("routing.webSearchThreshold", 0.7)
	viper.SetDefault("routing.conceptualStrategy", "reasoning_only")

	viper.SetDefault("tuner.enabled", true)
	viper.SetDefault("tuner.intervalSec", 600)
	viper.SetDefault("tuner.everyRecords", 20)
	viper.SetDefault("tuner.ratingFloor", 3.0)
	viper.SetDefault("tuner.minSamples", 5)
	viper.SetDefault("tuner.step", 0.05)

	viper.SetDefault("status.refreshSec", 15)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
