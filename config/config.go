package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	OSS      OSSConfig      `mapstructure:"oss"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Render   RenderConfig   `mapstructure:"render"`
	Paths    PathsConfig    `mapstructure:"paths"`
	Media    MediaConfig    `mapstructure:"media"`
	Watcher  WatcherConfig  `mapstructure:"watcher"`
	FFmpeg   FFmpegConfig   `mapstructure:"ffmpeg"`
	Log      LogConfig      `mapstructure:"log"`
	CORS     CORSConfig     `mapstructure:"cors"`
	Upload   UploadConfig   `mapstructure:"upload"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // mysql 或 sqlite
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

type OSSConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	BucketName      string `mapstructure:"bucket_name"`
	CDNDomain       string `mapstructure:"cdn_domain"`
}

// LanesConfig 三条优先级队列的名字
type LanesConfig struct {
	High   string `mapstructure:"high"`
	Medium string `mapstructure:"medium"`
	Low    string `mapstructure:"low"`
}

type QueueConfig struct {
	Lanes             LanesConfig   `mapstructure:"lanes"`
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	WorkersPerLane    int           `mapstructure:"workers_per_lane"`
	PopTimeout        time.Duration `mapstructure:"pop_timeout"`
	Tries             int           `mapstructure:"tries"`
	Backoff           time.Duration `mapstructure:"backoff"`
	RetryUntil        time.Duration `mapstructure:"retry_until"`
	UniqueFor         time.Duration `mapstructure:"unique_for"`
	RequeueDelay      time.Duration `mapstructure:"requeue_delay"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
}

type RenderConfig struct {
	ProcessorPath        string        `mapstructure:"processor_path"`
	DeforumProcessorPath string        `mapstructure:"deforum_processor_path"`
	DeforumAPIURL        string        `mapstructure:"deforum_api_url"`
	DeforumSettingsFile  string        `mapstructure:"deforum_settings_file"`
	PromptSuffix         string        `mapstructure:"prompt_suffix"`
	NegativePromptSuffix string        `mapstructure:"negative_prompt_suffix"`
	Timeout              time.Duration `mapstructure:"timeout"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	CancelCheckInterval  time.Duration `mapstructure:"cancel_check_interval"`
	OutputWait           time.Duration `mapstructure:"output_wait"`
	ProgressThreshold    float64       `mapstructure:"progress_threshold"`
	MaxDimension         int           `mapstructure:"max_dimension"`
	SquareSize           int           `mapstructure:"square_size"`
}

type PathsConfig struct {
	Videos        string `mapstructure:"videos"`    // 原始上传
	Processed     string `mapstructure:"processed"` // 完成的视频
	Preview       string `mapstructure:"preview"`   // 预览图
	PublicURL     string `mapstructure:"public_url"`
	PreviewPublic string `mapstructure:"preview_public"`
}

type MediaConfig struct {
	PreviewKeep  int `mapstructure:"preview_keep"`
	OriginalKeep int `mapstructure:"original_keep"`
	FinishedKeep int `mapstructure:"finished_keep"` // 0 表示不限
}

type WatcherConfig struct {
	Paths      []string      `mapstructure:"paths"`
	Interval   time.Duration `mapstructure:"interval"`
	Extensions []string      `mapstructure:"extensions"`
}

type FFmpegConfig struct {
	FFmpegPath  string        `mapstructure:"ffmpeg_path"`
	FFprobePath string        `mapstructure:"ffprobe_path"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

type UploadConfig struct {
	MaxSize           int64         `mapstructure:"max_size"` // 字节
	AllowedExtensions []string      `mapstructure:"allowed_extensions"`
	InitFrameTTL      time.Duration `mapstructure:"init_frame_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.port", 3306)

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("jwt.expire_hours", 168)

	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Origin", "Content-Type", "Authorization"})

	v.SetDefault("queue.lanes.high", "high")
	v.SetDefault("queue.lanes.medium", "medium")
	v.SetDefault("queue.lanes.low", "low")
	v.SetDefault("queue.max_concurrent_jobs", 1)
	v.SetDefault("queue.workers_per_lane", 1)
	v.SetDefault("queue.pop_timeout", 5*time.Second)
	v.SetDefault("queue.tries", 200)
	v.SetDefault("queue.backoff", 30*time.Second)
	v.SetDefault("queue.retry_until", 24*time.Hour)
	v.SetDefault("queue.unique_for", time.Hour)
	v.SetDefault("queue.requeue_delay", 10*time.Second)
	v.SetDefault("queue.stale_after", 15*time.Minute)
	v.SetDefault("queue.lock_ttl", 30*time.Minute)

	v.SetDefault("render.timeout", 2*time.Hour)
	v.SetDefault("render.poll_interval", 5*time.Second)
	v.SetDefault("render.cancel_check_interval", 5*time.Second)
	v.SetDefault("render.output_wait", 5*time.Minute)
	v.SetDefault("render.progress_threshold", 1.0)
	v.SetDefault("render.max_dimension", 960)
	v.SetDefault("render.square_size", 500)
	v.SetDefault("render.deforum_api_url", "http://127.0.0.1:7860")

	v.SetDefault("paths.videos", "storage/videos")
	v.SetDefault("paths.processed", "storage/processed")
	v.SetDefault("paths.preview", "storage/preview")
	v.SetDefault("paths.public_url", "http://localhost:8080/storage")

	v.SetDefault("media.preview_keep", 20)
	v.SetDefault("media.original_keep", 3)
	v.SetDefault("media.finished_keep", 0)

	v.SetDefault("watcher.interval", 5*time.Second)
	v.SetDefault("watcher.extensions", []string{".mp4", ".webm", ".mov", ".avi"})

	v.SetDefault("ffmpeg.ffmpeg_path", "ffmpeg")
	v.SetDefault("ffmpeg.ffprobe_path", "ffprobe")
	v.SetDefault("ffmpeg.timeout", 30*time.Second)

	v.SetDefault("log.level", "info")

	v.SetDefault("upload.max_size", int64(500<<20))
	v.SetDefault("upload.allowed_extensions", []string{".mp4", ".webm", ".mov", ".avi", ".png", ".jpg", ".jpeg", ".gif"})
	v.SetDefault("upload.init_frame_ttl", 24*time.Hour)
}

func Load(configPath string) (*Config, error) {
	// .env 只补充尚未设置的环境变量
	_ = godotenv.Load(".env")

	// 优先尝试读取 config.local.yaml（包含真实密钥，不提交到git）
	dir := filepath.Dir(configPath)
	localConfigPath := filepath.Join(dir, "config.local.yaml")
	if _, err := os.Stat(localConfigPath); err == nil {
		configPath = localConfigPath
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// 环境变量覆盖
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default 仅包含默认值的配置，测试和无配置文件的场景使用
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// LaneNames 返回 high/medium/low，空值回落到默认名
func (q QueueConfig) LaneNames() (high, medium, low string) {
	high, medium, low = q.Lanes.High, q.Lanes.Medium, q.Lanes.Low
	if high == "" {
		high = "high"
	}
	if medium == "" {
		medium = "medium"
	}
	if low == "" {
		low = "low"
	}
	return
}
