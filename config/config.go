package config

import (
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/redis/go-redis/v9"

	"github.com/instill-ai/x/temporal"
)

// Config - Global variable to export
var Config AppConfig

// AppConfig defines
type AppConfig struct {
	Server        ServerConfig          `koanf:"server"`
	Database      DatabaseConfig        `koanf:"database"`
	Temporal      temporal.ClientConfig `koanf:"temporal"`
	Cache         CacheConfig           `koanf:"cache"`
	OTELCollector OTELCollectorConfig   `koanf:"otelcollector"`
	Blob          BlobConfig            `koanf:"blob"`
	Minio         MinioConfig           `koanf:"minio"`
	GCS           GCSConfig             `koanf:"gcs"`
	Milvus        MilvusConfig          `koanf:"milvus"`
	Embedding     EmbeddingConfig       `koanf:"embedding"`
	Pipeline      PipelineConfig        `koanf:"pipeline"`
	Worker        WorkerConfig          `koanf:"worker"`
	Broadcast     BroadcastConfig       `koanf:"broadcast"`
}

// ServerConfig defines HTTP server configurations
type ServerConfig struct {
	PublicPort  int `koanf:"publicport" validate:"required"`
	PrivatePort int `koanf:"privateport" validate:"required"`
	HTTPS       struct {
		Cert string `koanf:"cert"`
		Key  string `koanf:"key"`
	}
	Debug       bool `koanf:"debug"`
	MaxDataSize int  `koanf:"maxdatasize"`
	// NotifyURL is the address at which workers reach the notification
	// channel. It is bundled with every dispatched job.
	NotifyURL string `koanf:"notifyurl" validate:"required,url"`
}

// DatabaseConfig related to database
type DatabaseConfig struct {
	// Driver selects the gorm dialector: postgres (default) or sqlite.
	Driver   string `koanf:"driver" validate:"omitempty,oneof=postgres sqlite"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Name     string `koanf:"name"`
	TimeZone string `koanf:"timezone"`
	Pool     struct {
		IdleConnections int           `koanf:"idleconnections"`
		MaxConnections  int           `koanf:"maxconnections"`
		ConnLifeTime    time.Duration `koanf:"connlifetime"`
	}
}

// OTELCollectorConfig related to OTEL collector
type OTELCollectorConfig struct {
	Enable bool   `koanf:"enable"`
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
}

// CacheConfig related to Redis
type CacheConfig struct {
	Redis struct {
		RedisOptions redis.Options `koanf:"redisoptions"`
	}
}

// BlobConfig selects the object storage backend.
type BlobConfig struct {
	Provider string `koanf:"provider" validate:"omitempty,oneof=minio gcs"`
	// Bucket holds uploaded source files and their derived artifacts.
	Bucket string `koanf:"bucket" validate:"required"`
}

// MinioConfig is the MinIO configuration.
type MinioConfig struct {
	Host     string `koanf:"host"`
	Port     string `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Secure   bool   `koanf:"secure"`
}

// GCSConfig defines the configuration for Google Cloud Storage as an object
// storage backend.
type GCSConfig struct {
	ProjectID string `koanf:"projectid"`
	SAKey     string `koanf:"sakey"` // JSON string of service account key
}

// MilvusConfig is the milvus configuration.
type MilvusConfig struct {
	Host string `koanf:"host"`
	Port string `koanf:"port"`
}

// EmbeddingConfig selects the embedding provider used for indexing and
// search.
type EmbeddingConfig struct {
	Provider       string `koanf:"provider" validate:"omitempty,oneof=openai gemini local"`
	Model          string `koanf:"model"`
	Dimensionality uint32 `koanf:"dimensionality"`
	OpenAI         struct {
		APIKey string `koanf:"apikey"`
	} `koanf:"openai"`
	Gemini struct {
		APIKey string `koanf:"apikey"`
	} `koanf:"gemini"`
	// Local points at an OpenAI-compatible embedding server.
	Local struct {
		BaseURL string `koanf:"baseurl"`
	} `koanf:"local"`
}

// PipelineConfig holds the document processing parameters.
type PipelineConfig struct {
	ParseAfterUpload bool `koanf:"parseafterupload"`
	ChunkSize        int  `koanf:"chunksize" validate:"gte=0"`
	ChunkOverlap     int  `koanf:"chunkoverlap" validate:"gte=0"`
	ParseConcurrency int  `koanf:"parseconcurrency" validate:"gte=0"`
}

// WorkerConfig holds the Temporal worker limits.
type WorkerConfig struct {
	MaxConcurrentActivities int           `koanf:"maxconcurrentactivities" validate:"gte=0"`
	TaskTimeLimit           time.Duration `koanf:"tasktimelimit"`
}

// BroadcastConfig controls the websocket fan-out.
type BroadcastConfig struct {
	// RedisRelay forwards accepted notifications through Redis so that
	// observers connected to any API replica receive them.
	RedisRelay   bool `koanf:"redisrelay"`
	ClientBuffer int  `koanf:"clientbuffer" validate:"gte=0"`
}

// Init - Assign global config to decoded config struct
func Init(filePath string) error {
	k := koanf.New(".")
	parser := yaml.Parser()

	if err := k.Load(confmap.Provider(map[string]any{
		"database.driver":                "postgres",
		"blob.provider":                  "minio",
		"embedding.provider":             "openai",
		"embedding.dimensionality":       1536,
		"pipeline.chunksize":             800,
		"pipeline.chunkoverlap":          200,
		"pipeline.parseconcurrency":      4,
		"worker.maxconcurrentactivities": 10,
		"worker.tasktimelimit":           "1h",
		"broadcast.clientbuffer":         64,
	}, "."), nil); err != nil {
		log.Fatal(err.Error())
	}

	if err := k.Load(file.Provider(filePath), parser); err != nil {
		log.Fatal(err.Error())
	}

	if err := k.Load(env.ProviderWithValue("CFG_", ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CFG_")), "_", ".")
		if strings.Contains(v, ",") {
			return key, strings.Split(strings.TrimSpace(v), ",")
		}
		return key, v
	}), nil); err != nil {
		return err
	}

	if err := k.Unmarshal("", &Config); err != nil {
		return err
	}

	return ValidateConfig(&Config)
}

// ValidateConfig is for custom validation rules for the configuration
func ValidateConfig(cfg *AppConfig) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	return nil
}

var defaultConfigPath = "config/config.yaml"

// ParseConfigFlag allows clients to specify the relative path to the file from
// which the configuration will be loaded.
func ParseConfigFlag() string {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("file", defaultConfigPath, "configuration file")
	_ = fs.Parse(os.Args[1:])

	return *configPath
}
