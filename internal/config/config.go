// Package config 负责加载和管理应用程序的配置。
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// 全局配置变量，存储从配置文件和环境变量加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Log           LogConfig           `mapstructure:"log"`
	Bot           BotConfig           `mapstructure:"bot"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Dialogue      DialogueConfig      `mapstructure:"dialogue"`
	Store         StoreConfig         `mapstructure:"store"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Archive       ArchiveConfig       `mapstructure:"archive"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Admin         AdminConfig         `mapstructure:"admin"`
}

// ServerConfig 存储 HTTP 服务器（管理接口、webhook、metrics）相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// BotConfig 存储 Telegram 机器人相关的配置。
type BotConfig struct {
	Token         string      `mapstructure:"token"`
	Mode          string      `mapstructure:"mode"` // polling 或 webhook
	ServerURL     string      `mapstructure:"server_url"`
	WebhookURL    string      `mapstructure:"webhook_url"`
	WebhookPath   string      `mapstructure:"webhook_path"`
	WebhookSecret string      `mapstructure:"webhook_secret"`
	AllowedUsers  []string    `mapstructure:"allowed_users"`
	Messages      BotMessages `mapstructure:"messages"`
}

// BotMessages 是机器人回复给用户的固定文案。
type BotMessages struct {
	Greeting           string `mapstructure:"greeting"`
	Denied             string `mapstructure:"denied"`
	ResetDone          string `mapstructure:"reset_done"`
	ServiceUnavailable string `mapstructure:"service_unavailable"`
	EmptyQuestion      string `mapstructure:"empty_question"`
}

// LLMConfig 存储补全接口相关的配置。
type LLMConfig struct {
	APIKey         string              `mapstructure:"api_key"`
	BaseURL        string              `mapstructure:"base_url"`
	Model          string              `mapstructure:"model"`
	Mode           string              `mapstructure:"mode"` // completions 或 chat
	TimeoutSeconds int                 `mapstructure:"timeout_seconds"`
	Generation     LLMGenerationConfig `mapstructure:"generation"`
}

// LLMGenerationConfig 配置生成相关参数。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// DialogueConfig 存储对话记录的截断策略。
type DialogueConfig struct {
	MaxChars int `mapstructure:"max_chars"`
}

// StoreConfig 存储对话记录所在的文档存储配置。
type StoreConfig struct {
	Driver     string `mapstructure:"driver"` // mongo、redis、mysql 或 sqlite
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
	DSN        string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ArchiveConfig 存储对话归档库的配置。
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"`
	DSN     string `mapstructure:"dsn"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint            string `mapstructure:"endpoint"`
	AccessKeyID         string `mapstructure:"access_key_id"`
	SecretAccessKey     string `mapstructure:"secret_access_key"`
	UseSSL              bool   `mapstructure:"use_ssl"`
	BucketName          string `mapstructure:"bucket_name"`
	ExportExpiryMinutes int    `mapstructure:"export_expiry_minutes"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
	RefreshTokenExpireDays int    `mapstructure:"refresh_token_expire_days"`
}

// AdminConfig 存储管理接口的登录凭据，密码以 bcrypt 哈希保存。
type AdminConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
}

// legacyEnv 是早期部署使用的环境变量名，继续兼容。
var legacyEnv = map[string]string{
	"llm.api_key":                "OPEN_AI_API_KEY",
	"bot.token":                  "TELEGRAM_BOT_TOKEN",
	"llm.generation.temperature": "TEMPERATURE",
	"store.uri":                  "MONGO_LINK",
	"store.database":             "MONGO_DB",
	"bot.allowed_users":          "ALLOWED_USERS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "./logs")

	v.SetDefault("bot.token", "")
	v.SetDefault("bot.mode", "polling")
	v.SetDefault("bot.server_url", "")
	v.SetDefault("bot.webhook_url", "")
	v.SetDefault("bot.webhook_path", "/telegram/webhook")
	v.SetDefault("bot.webhook_secret", "")
	v.SetDefault("bot.allowed_users", []string{})
	v.SetDefault("bot.messages.greeting", "Здравствуйте! Я ваш персональный помощник Morpho 🦋, как я могу помочь вам?")
	v.SetDefault("bot.messages.denied", "У вас нет доступа к Morpho")
	v.SetDefault("bot.messages.reset_done", "История очищена!")
	v.SetDefault("bot.messages.service_unavailable", "Сервер перегружен 🥵. Попробуйте через несколько минут")
	v.SetDefault("bot.messages.empty_question", "Напишите вопрос после команды: /ask <текст>")

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-3.5-turbo-instruct")
	v.SetDefault("llm.mode", "completions")
	v.SetDefault("llm.timeout_seconds", 60)
	v.SetDefault("llm.generation.temperature", 0.5)
	v.SetDefault("llm.generation.max_tokens", 1024)

	v.SetDefault("dialogue.max_chars", 1000)

	v.SetDefault("store.driver", "mongo")
	v.SetDefault("store.uri", "mongodb://localhost:27017")
	v.SetDefault("store.database", "morpho")
	v.SetDefault("store.collection", "morpho")
	v.SetDefault("store.dsn", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.driver", "mysql")
	v.SetDefault("archive.dsn", "")

	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "morpho-turns")
	v.SetDefault("kafka.group_id", "morpho-archive")

	v.SetDefault("elasticsearch.addresses", "")
	v.SetDefault("elasticsearch.username", "")
	v.SetDefault("elasticsearch.password", "")
	v.SetDefault("elasticsearch.index_name", "morpho_turns")

	v.SetDefault("minio.endpoint", "")
	v.SetDefault("minio.access_key_id", "")
	v.SetDefault("minio.secret_access_key", "")
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("minio.bucket_name", "morpho-exports")
	v.SetDefault("minio.export_expiry_minutes", 60)

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.access_token_expire_hours", 12)
	v.SetDefault("jwt.refresh_token_expire_days", 7)

	v.SetDefault("admin.username", "")
	v.SetDefault("admin.password_hash", "")
}

// Load 依次读取 .env、配置文件与环境变量，返回合并后的配置。
// configPath 为空或文件不存在时只使用默认值与环境变量。
func Load(configPath string) (Config, error) {
	// .env 只补充尚未设置的环境变量，文件不存在时忽略
	_ = gotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MORPHO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "MORPHO_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return Config{}, fmt.Errorf("绑定环境变量 %s 失败: %w", env, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("读取配置文件失败: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	cfg.Bot.AllowedUsers = normalizeAllowedUsers(cfg.Bot.AllowedUsers)
	return cfg, nil
}

// Init 初始化全局配置 Conf，失败时直接 panic。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}

// Validate 检查运行机器人所必需的配置项。
func (c Config) Validate() error {
	if c.Bot.Token == "" {
		return errors.New("缺少 Telegram 机器人 token (TELEGRAM_BOT_TOKEN)")
	}
	if c.LLM.APIKey == "" {
		return errors.New("缺少补全接口密钥 (OPEN_AI_API_KEY)")
	}
	if c.Bot.Mode != "polling" && c.Bot.Mode != "webhook" {
		return fmt.Errorf("未知的 bot.mode: %q", c.Bot.Mode)
	}
	if c.Bot.Mode == "webhook" && c.Bot.WebhookURL == "" {
		return errors.New("webhook 模式需要配置 bot.webhook_url")
	}
	if c.Dialogue.MaxChars <= 0 {
		return fmt.Errorf("dialogue.max_chars 必须为正数，当前为 %d", c.Dialogue.MaxChars)
	}
	return nil
}

// normalizeAllowedUsers 把 "alice, bob" 或 "[alice bob]" 这类写法拆成独立条目。
func normalizeAllowedUsers(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		fields := strings.FieldsFunc(item, func(r rune) bool {
			switch r {
			case ',', ';', ' ', '\t', '\n', '[', ']', '"', '\'':
				return true
			}
			return false
		})
		out = append(out, fields...)
	}
	return out
}
