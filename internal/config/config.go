// backend-go/internal/config/config.go
package config

import (
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Remote backend kinds.
const (
	BackendDropbox = "dropbox"
	BackendS3      = "s3"
	BackendDrive   = "drive"
	BackendMemory  = "memory"
	BackendNone    = "none"
)

// Lock backend kinds.
const (
	LockFile  = "file"
	LockRedis = "redis"
)

type Config struct {
	Server   ServerConfig
	App      AppConfig
	Log      LogConfig
	Remote   RemoteConfig
	Dropbox  DropboxConfig
	S3       S3Config
	Drive    DriveConfig
	Sync     SyncConfig
	Lock     LockConfig
	Database DatabaseConfig
}

type ServerConfig struct {
	Port           string
	Mode           string
	ReadTimeout    int
	WriteTimeout   int
	AllowedOrigins []string
}

type AppConfig struct {
	DataDir    string
	StatusFile string
	LockFile   string
	EnvFile    string
}

type LogConfig struct {
	Level  string
	File   string
	Pretty bool
}

type RemoteConfig struct {
	Backend      string
	BackupFolder string
	// Primary makes the remote the source of truth for ingestion.
	Primary bool
}

type DropboxConfig struct {
	AppKey       string
	AppSecret    string
	AccessToken  string
	RefreshToken string
	TokenURL     string
}

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

type DriveConfig struct {
	CredentialsJSON string
	CredentialsFile string
	RootFolderID    string
}

type SyncConfig struct {
	AutoBackup       bool
	ScheduleInterval time.Duration
	Verify           bool
	MaxRetries       int
	ResyncAfter      time.Duration
	StaleLockAge     time.Duration
	HeartbeatEvery   time.Duration
	DefaultDirection string
}

type LockConfig struct {
	Backend       string
	Key           string
	TTL           time.Duration
	RedisURL      string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
}

type DatabaseConfig struct {
	URL string
}

// Capabilities is what the configuration enables, resolved once at startup.
type Capabilities struct {
	Remote        bool
	RemotePrimary bool
	AutoBackup    bool
	Scheduler     bool
	DistLock      bool
	RunArchive    bool
}

var (
	once     sync.Once
	instance *Config
)

// Load reads .env and the environment once and returns the process configuration.
func Load() *Config {
	once.Do(func() {
		// Load .env file if it exists
		_ = godotenv.Load()

		instance = FromViper(viper.GetViper())
		ensureDir(instance.App.DataDir)
	})

	return instance
}

// Defaults registers every default on v.
func Defaults(v *viper.Viper) {
	v.SetDefault("SERVER_PORT", "5000")
	v.SetDefault("SERVER_MODE", "release")
	v.SetDefault("SERVER_READ_TIMEOUT", 30)
	v.SetDefault("SERVER_WRITE_TIMEOUT", 60)
	v.SetDefault("SERVER_ALLOWED_ORIGINS", []string{"*"})

	v.SetDefault("APP_DATA_DIR", "./data")
	v.SetDefault("APP_STATUS_FILE", "sync_status.json")
	v.SetDefault("APP_LOCK_FILE", ".sync_in_progress")
	v.SetDefault("APP_ENV_FILE", ".env")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("LOG_PRETTY", true)

	v.SetDefault("REMOTE_BACKEND", BackendDropbox)
	v.SetDefault("REMOTE_BACKUP_FOLDER", "/WebhookBackup")
	v.SetDefault("REMOTE_PRIMARY", true)

	v.SetDefault("DROPBOX_APP_KEY", "")
	v.SetDefault("DROPBOX_APP_SECRET", "")
	v.SetDefault("DROPBOX_ACCESS_TOKEN", "")
	v.SetDefault("DROPBOX_REFRESH_TOKEN", "")
	v.SetDefault("DROPBOX_TOKEN_URL", "https://api.dropboxapi.com/oauth2/token")

	v.SetDefault("S3_ENDPOINT", "")
	v.SetDefault("S3_ACCESS_KEY", "")
	v.SetDefault("S3_SECRET_KEY", "")
	v.SetDefault("S3_BUCKET", "")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("S3_USE_SSL", true)

	v.SetDefault("DRIVE_CREDENTIALS_JSON", "")
	v.SetDefault("DRIVE_CREDENTIALS_FILE", "")
	v.SetDefault("DRIVE_ROOT_FOLDER_ID", "root")

	v.SetDefault("ENABLE_AUTO_BACKUP", false)
	v.SetDefault("SYNC_SCHEDULE_INTERVAL", "0s")
	v.SetDefault("SYNC_VERIFY", true)
	v.SetDefault("SYNC_MAX_RETRIES", 3)
	v.SetDefault("SYNC_RESYNC_AFTER", "24h")
	v.SetDefault("SYNC_STALE_LOCK_AGE", "1h")
	v.SetDefault("SYNC_HEARTBEAT_INTERVAL", "1m")
	v.SetDefault("SYNC_DEFAULT_DIRECTION", "both")

	v.SetDefault("LOCK_BACKEND", LockFile)
	v.SetDefault("LOCK_KEY", "webhook-vault:sync-lock")
	v.SetDefault("LOCK_TTL", "1h")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("REDIS_HOST", "127.0.0.1")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("DATABASE_URL", "")
}

// FromViper builds a Config from v after registering defaults and env binding.
func FromViper(v *viper.Viper) *Config {
	Defaults(v)
	v.AutomaticEnv()

	return &Config{
		Server: ServerConfig{
			Port:           v.GetString("SERVER_PORT"),
			Mode:           v.GetString("SERVER_MODE"),
			ReadTimeout:    v.GetInt("SERVER_READ_TIMEOUT"),
			WriteTimeout:   v.GetInt("SERVER_WRITE_TIMEOUT"),
			AllowedOrigins: v.GetStringSlice("SERVER_ALLOWED_ORIGINS"),
		},
		App: AppConfig{
			DataDir:    v.GetString("APP_DATA_DIR"),
			StatusFile: v.GetString("APP_STATUS_FILE"),
			LockFile:   v.GetString("APP_LOCK_FILE"),
			EnvFile:    v.GetString("APP_ENV_FILE"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			File:   v.GetString("LOG_FILE"),
			Pretty: v.GetBool("LOG_PRETTY"),
		},
		Remote: RemoteConfig{
			Backend:      strings.ToLower(v.GetString("REMOTE_BACKEND")),
			BackupFolder: v.GetString("REMOTE_BACKUP_FOLDER"),
			Primary:      v.GetBool("REMOTE_PRIMARY"),
		},
		Dropbox: DropboxConfig{
			AppKey:       v.GetString("DROPBOX_APP_KEY"),
			AppSecret:    v.GetString("DROPBOX_APP_SECRET"),
			AccessToken:  v.GetString("DROPBOX_ACCESS_TOKEN"),
			RefreshToken: v.GetString("DROPBOX_REFRESH_TOKEN"),
			TokenURL:     v.GetString("DROPBOX_TOKEN_URL"),
		},
		S3: S3Config{
			Endpoint:  v.GetString("S3_ENDPOINT"),
			AccessKey: v.GetString("S3_ACCESS_KEY"),
			SecretKey: v.GetString("S3_SECRET_KEY"),
			Bucket:    v.GetString("S3_BUCKET"),
			Region:    v.GetString("S3_REGION"),
			UseSSL:    v.GetBool("S3_USE_SSL"),
		},
		Drive: DriveConfig{
			CredentialsJSON: v.GetString("DRIVE_CREDENTIALS_JSON"),
			CredentialsFile: v.GetString("DRIVE_CREDENTIALS_FILE"),
			RootFolderID:    v.GetString("DRIVE_ROOT_FOLDER_ID"),
		},
		Sync: SyncConfig{
			AutoBackup:       v.GetBool("ENABLE_AUTO_BACKUP"),
			ScheduleInterval: v.GetDuration("SYNC_SCHEDULE_INTERVAL"),
			Verify:           v.GetBool("SYNC_VERIFY"),
			MaxRetries:       v.GetInt("SYNC_MAX_RETRIES"),
			ResyncAfter:      v.GetDuration("SYNC_RESYNC_AFTER"),
			StaleLockAge:     v.GetDuration("SYNC_STALE_LOCK_AGE"),
			HeartbeatEvery:   v.GetDuration("SYNC_HEARTBEAT_INTERVAL"),
			DefaultDirection: v.GetString("SYNC_DEFAULT_DIRECTION"),
		},
		Lock: LockConfig{
			Backend:       strings.ToLower(v.GetString("LOCK_BACKEND")),
			Key:           v.GetString("LOCK_KEY"),
			TTL:           v.GetDuration("LOCK_TTL"),
			RedisURL:      v.GetString("REDIS_URL"),
			RedisHost:     v.GetString("REDIS_HOST"),
			RedisPort:     v.GetString("REDIS_PORT"),
			RedisPassword: v.GetString("REDIS_PASSWORD"),
			RedisDB:       v.GetInt("REDIS_DB"),
		},
		Database: DatabaseConfig{
			URL: v.GetString("DATABASE_URL"),
		},
	}
}

// Capabilities resolves which optional components are active.
func (c *Config) Capabilities() Capabilities {
	remote := c.Remote.Backend != "" && c.Remote.Backend != BackendNone
	return Capabilities{
		Remote:        remote,
		RemotePrimary: remote && c.Remote.Primary,
		AutoBackup:    remote && c.Sync.AutoBackup,
		Scheduler:     remote && c.Sync.ScheduleInterval > 0,
		DistLock:      c.Lock.Backend == LockRedis,
		RunArchive:    c.Database.URL != "",
	}
}

func ensureDir(dir string) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("Failed to create directory %s: %v", dir, err)
		}
	}
}
