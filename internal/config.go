package internal

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	StoreMemory = "memory"
	StoreBadger = "badger"
	StoreSQLite = "sqlite"
)

type Config struct {
	Host     string `env:"HOST,default=0.0.0.0"`
	HTTPPort int    `env:"HTTP_PORT,default=8080" validate:"gt=0,lt=65536"`
	GRPCPort int    `env:"GRPC_PORT,default=8081" validate:"gte=0,lt=65536"`
	// DebugPort serves the badger inspector when LOG_LEVEL is DEBUG.
	DebugPort int    `env:"DEBUG_PORT,default=8082" validate:"gt=0,lt=65536"`
	LogLevel  string `env:"LOG_LEVEL,required=true"`

	StoreDriver    string `env:"STORE_DRIVER,default=badger" validate:"oneof=memory badger sqlite"`
	BadgerFilepath string `env:"BADGER_FILEPATH,default=./data/badger" validate:"required_if=StoreDriver badger"`
	SQLiteDSN      string `env:"SQLITE_DSN,default=file:chat.db" validate:"required_if=StoreDriver sqlite"`

	JWTSecret       string `env:"JWT_SECRET,required=true" validate:"min=16"`
	OperatorKeyHash string `env:"OPERATOR_KEY_HASH"`

	EditWindow           time.Duration `env:"EDIT_WINDOW,default=15m" validate:"gt=0"`
	TypingTimeout        time.Duration `env:"TYPING_TIMEOUT,default=5s" validate:"gt=0"`
	KeepAliveTimeout     time.Duration `env:"KEEP_ALIVE_TIMEOUT,default=60s" validate:"gtfield=PingInterval"`
	PingInterval         time.Duration `env:"PING_INTERVAL,default=25s" validate:"gt=0"`
	WriteTimeout         time.Duration `env:"WRITE_TIMEOUT,default=10s" validate:"gt=0"`
	RequestTimeout       time.Duration `env:"REQUEST_TIMEOUT,default=10s" validate:"gt=0"`
	PushTimeout          time.Duration `env:"PUSH_TIMEOUT,default=2s" validate:"gt=0"`
	ConnectionBufferSize int           `env:"CONNECTION_BUFFER_SIZE,default=256" validate:"gt=0"`
	MaxMessageSize       int64         `env:"MAX_MESSAGE_SIZE,default=65536" validate:"gt=0"`
	MaxContentLength     int           `env:"MAX_CONTENT_LENGTH,default=4000" validate:"gt=0"`
	HistoryPageSize      int           `env:"HISTORY_PAGE_SIZE,default=50" validate:"gt=0,ltefield=HistoryMaxPageSize"`
	HistoryMaxPageSize   int           `env:"HISTORY_MAX_PAGE_SIZE,default=200"`
	MaxGroupParticipants int           `env:"MAX_GROUP_PARTICIPANTS,default=100" validate:"gte=2"`

	RedisAddr              string `env:"REDIS_ADDR"`
	NotificationTopic      string `env:"NOTIFICATION_TOPIC,default=chat.notifications" validate:"required"`
	NotificationGroup      string `env:"NOTIFICATION_GROUP,default=market-chat"`
	NotificationBufferSize int64  `env:"NOTIFICATION_BUFFER_SIZE,default=1024"`

	AttachmentDir     string `env:"ATTACHMENT_DIR,default=./data/attachments"`
	AttachmentBaseURL string `env:"ATTACHMENT_BASE_URL,default=http://localhost:8080/files" validate:"url"`
	ListingServiceURL string `env:"LISTING_SERVICE_URL"`
	ListingsFile      string `env:"LISTINGS_FILE"`

	RestartInterval time.Duration `env:"RESTART_INTERVAL,default=1s" validate:"gt=0"`
	MetricInterval  time.Duration `env:"METRIC_INTERVAL,default=10s" validate:"gt=0"`
}

// LoadConfig reads an optional .env file, then the environment.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return Config{}, err
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
