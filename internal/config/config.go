package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	Templates TemplatesConfig `mapstructure:"templates"`
	Storage   StorageConfig   `mapstructure:"storage"`
	S3        S3Config        `mapstructure:"s3"`
	GDrive    GDriveConfig    `mapstructure:"gdrive"`
	Stage     StageConfig     `mapstructure:"stage"`
	Queue     QueueConfig     `mapstructure:"queue"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
}

type EngineConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	ReadyInterval  time.Duration `mapstructure:"ready_interval"`
	RetryMax       int           `mapstructure:"retry_max"`
	RetryWaitMin   time.Duration `mapstructure:"retry_wait_min"`
	RetryWaitMax   time.Duration `mapstructure:"retry_wait_max"`
	OutputDir      string        `mapstructure:"output_dir"`
	InputDir       string        `mapstructure:"input_dir"`
}

type TemplatesConfig struct {
	Dir string `mapstructure:"dir"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type StorageConfig struct {
	// Provider is one of "", "none", "s3", "localfs", "gdrive".
	Provider  string `mapstructure:"provider"`
	LocalRoot string `mapstructure:"local_root"`
}

type S3Config struct {
	Region      string `mapstructure:"region"`
	AccessKey   string `mapstructure:"access_key"`
	SecretKey   string `mapstructure:"secret_key"`
	BucketName  string `mapstructure:"bucket_name"`
	EndpointURL string `mapstructure:"endpoint_url"`
	InputDir    string `mapstructure:"input_dir"`
	OutputDir   string `mapstructure:"output_dir"`
}

type GDriveConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RefreshToken string `mapstructure:"refresh_token"`
	FolderID     string `mapstructure:"folder_id"`
}

type StageConfig struct {
	Outputs bool   `mapstructure:"outputs"`
	Prefix  string `mapstructure:"prefix"`
	// URLTTL is the lifetime of signed URLs for staged objects. Zero
	// disables signing.
	URLTTL time.Duration `mapstructure:"url_ttl"`
}

type QueueConfig struct {
	RedisAddr  string        `mapstructure:"redis_addr"`
	Name       string        `mapstructure:"name"`
	ResultTTL  time.Duration `mapstructure:"result_ttl"`
	JobTimeout time.Duration `mapstructure:"job_timeout"`
}

type HTTPConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level       string        `mapstructure:"level"`
	Format      string        `mapstructure:"format"`
	Source      bool          `mapstructure:"source"`
	ServiceName string        `mapstructure:"service_name"`
	MaxLen      int           `mapstructure:"max_len"`
	APIEndpoint string        `mapstructure:"api_endpoint"`
	APIToken    string        `mapstructure:"api_token"`
	APITimeout  time.Duration `mapstructure:"api_timeout"`
}

// envAliases maps config keys to the flat environment names the worker
// image has always used. They win over the generic KEY_SUBKEY form.
var envAliases = map[string]string{
	"engine.base_url":        "ENGINE_BASE_URL",
	"engine.request_timeout": "ENGINE_REQUEST_TIMEOUT",
	"engine.poll_interval":   "ENGINE_POLL_INTERVAL",
	"engine.ready_interval":  "ENGINE_READY_INTERVAL",
	"engine.retry_max":       "ENGINE_RETRY_MAX",
	"engine.retry_wait_min":  "ENGINE_RETRY_WAIT_MIN",
	"engine.retry_wait_max":  "ENGINE_RETRY_WAIT_MAX",
	"engine.output_dir":      "ENGINE_OUTPUT_DIR",
	"engine.input_dir":       "ENGINE_INPUT_DIR",
	"templates.dir":          "TEMPLATES_DIR",
	"database.url":           "DATABASE_URL",
	"storage.provider":       "STORAGE_PROVIDER",
	"storage.local_root":     "STORAGE_LOCAL_ROOT",
	"s3.region":              "S3_REGION",
	"s3.access_key":          "S3_ACCESS_KEY",
	"s3.secret_key":          "S3_SECRET_KEY",
	"s3.bucket_name":         "S3_BUCKET_NAME",
	"s3.endpoint_url":        "S3_ENDPOINT_URL",
	"s3.input_dir":           "S3_INPUT_DIR",
	"s3.output_dir":          "S3_OUTPUT_DIR",
	"gdrive.client_id":       "GDRIVE_CLIENT_ID",
	"gdrive.client_secret":   "GDRIVE_CLIENT_SECRET",
	"gdrive.refresh_token":   "GDRIVE_REFRESH_TOKEN",
	"gdrive.folder_id":       "GDRIVE_FOLDER_ID",
	"stage.outputs":          "STAGE_OUTPUTS",
	"stage.prefix":           "STAGE_PREFIX",
	"stage.url_ttl":          "STAGE_URL_TTL",
	"queue.redis_addr":       "REDIS_ADDR",
	"queue.name":             "JOB_QUEUE_NAME",
	"queue.result_ttl":       "RESULT_TTL",
	"queue.job_timeout":      "JOB_TIMEOUT",
	"http.port":              "HTTP_PORT",
	"log.level":              "LOG_LEVEL",
	"log.format":             "LOG_FORMAT",
	"log.source":             "LOG_SOURCE",
	"log.service_name":       "SERVICE_NAME",
	"log.max_len":            "LOG_MAX_LEN",
	"log.api_endpoint":       "LOG_API_ENDPOINT",
	"log.api_token":          "LOG_API_TOKEN",
	"log.api_timeout":        "LOG_API_TIMEOUT",
}

// hostEnv lists the worker metadata variables forwarded with remote logs.
var hostEnv = []string{
	"RUNPOD_ENDPOINT_ID",
	"RUNPOD_CPU_COUNT",
	"RUNPOD_POD_ID",
	"RUNPOD_GPU_SIZE",
	"RUNPOD_MEM_GB",
	"RUNPOD_GPU_COUNT",
	"RUNPOD_VOLUME_ID",
	"RUNPOD_POD_HOSTNAME",
	"RUNPOD_DEBUG_LEVEL",
	"RUNPOD_DC_ID",
	"RUNPOD_GPU_NAME",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.base_url", "http://127.0.0.1:3000")
	v.SetDefault("engine.request_timeout", 600*time.Second)
	v.SetDefault("engine.poll_interval", 100*time.Millisecond)
	v.SetDefault("engine.ready_interval", 100*time.Millisecond)
	v.SetDefault("engine.retry_max", 10)
	v.SetDefault("engine.retry_wait_min", 100*time.Millisecond)
	v.SetDefault("engine.retry_wait_max", 5*time.Second)
	v.SetDefault("engine.output_dir", "/comfyui/output")
	v.SetDefault("engine.input_dir", "/comfyui/input")
	v.SetDefault("templates.dir", "/workflows")
	v.SetDefault("database.url", "")
	v.SetDefault("storage.provider", "")
	v.SetDefault("storage.local_root", "/data")
	v.SetDefault("s3.region", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.bucket_name", "")
	v.SetDefault("s3.endpoint_url", "")
	v.SetDefault("s3.input_dir", "tmp/input")
	v.SetDefault("s3.output_dir", "tmp/output")
	v.SetDefault("gdrive.client_id", "")
	v.SetDefault("gdrive.client_secret", "")
	v.SetDefault("gdrive.refresh_token", "")
	v.SetDefault("gdrive.folder_id", "")
	v.SetDefault("stage.outputs", false)
	v.SetDefault("stage.prefix", "ComfyUI")
	v.SetDefault("stage.url_ttl", time.Hour)
	v.SetDefault("queue.redis_addr", "")
	v.SetDefault("queue.name", "comfy:jobs")
	v.SetDefault("queue.result_ttl", time.Hour)
	v.SetDefault("queue.job_timeout", time.Duration(0))
	v.SetDefault("http.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.source", false)
	v.SetDefault("log.service_name", "comfyworker")
	v.SetDefault("log.max_len", 1000)
	v.SetDefault("log.api_endpoint", "")
	v.SetDefault("log.api_token", "")
	v.SetDefault("log.api_timeout", 5*time.Second)
}

// Load resolves configuration from defaults, an optional YAML file and the
// environment, in increasing priority. A .env file in the working
// directory is loaded first when present.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, env := range envAliases {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("error binding %s: %w", env, err)
		}
	}

	if configPath == "" {
		configPath = os.Getenv("CONFIG_FILE")
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Storage.Provider = strings.ToLower(strings.TrimSpace(cfg.Storage.Provider))
	return &cfg, nil
}

// HostMetadata returns the worker metadata present in the environment,
// keyed by the lower-cased variable name.
func HostMetadata() map[string]string {
	out := make(map[string]string)
	for _, k := range hostEnv {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			out[strings.ToLower(k)] = v
		}
	}
	return out
}

// StorageEnabled reports whether an object store backend is configured.
func (c *Config) StorageEnabled() bool {
	return c.Storage.Provider != "" && c.Storage.Provider != "none"
}
