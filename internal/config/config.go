package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/theandrunique/messenger-api-client-sub000/internal/logger"
	"gopkg.in/yaml.v3"
)

// loadEnv читает .env только вне production (в контейнере/prod конфиг только из env).
func loadEnv() {
	if os.Getenv("APP_ENV") == "production" {
		return
	}
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		path := dir + "/.env"
		f, err := os.Open(path)
		if err == nil {
			loadEnvFrom(f)
			f.Close()
			return
		}
		parent := strings.TrimSuffix(dir, "/")
		if idx := strings.LastIndex(parent, "/"); idx <= 0 {
			return
		} else {
			dir = parent[:idx]
			if dir == "" {
				dir = "/"
			}
		}
	}
}

func loadEnvFrom(f *os.File) {
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		if len(val) >= 2 && (val[0] == '"' && val[len(val)-1] == '"' || val[0] == '\'' && val[len(val)-1] == '\'') {
			val = val[1 : len(val)-1]
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// Config содержит настройки клиента.
// Приоритет: переменные окружения > YAML-файл > значения по умолчанию.
type Config struct {
	// API
	APIBaseURL  string        `yaml:"api_base_url"`
	GatewayURL  string        `yaml:"gateway_url"`
	HTTPTimeout time.Duration `yaml:"-"`

	// Локальное состояние сессии (токены, id пользователя)
	TokenPath string `yaml:"token_path"`

	// Сообщения
	MessagePageSize int           `yaml:"message_page_size"`
	AckDebounce     time.Duration `yaml:"-"`

	// Вложения
	MaxUploadSize int64 `yaml:"-"`
	MaxAttachments int  `yaml:"max_attachments"`

	// WebSocket
	WSWriteTimeout   int `yaml:"ws_write_timeout"`
	WSPongTimeout    int `yaml:"ws_pong_timeout"`
	WSMaxMessageSize int `yaml:"ws_max_message_size"`

	// Логирование
	LogLevel string `yaml:"log_level"`
}

// yamlConfig — промежуточная структура для парсинга YAML (длительности в секундах/мс).
type yamlConfig struct {
	APIBaseURL       string `yaml:"api_base_url"`
	GatewayURL       string `yaml:"gateway_url"`
	HTTPTimeout      int    `yaml:"http_timeout"`
	TokenPath        string `yaml:"token_path"`
	MessagePageSize  int    `yaml:"message_page_size"`
	AckDebounceMS    int    `yaml:"ack_debounce_ms"`
	MaxUploadSizeMB  int    `yaml:"max_upload_size_mb"`
	MaxAttachments   int    `yaml:"max_attachments"`
	WSWriteTimeout   int    `yaml:"ws_write_timeout"`
	WSPongTimeout    int    `yaml:"ws_pong_timeout"`
	WSMaxMessageSize int    `yaml:"ws_max_message_size"`
	LogLevel         string `yaml:"log_level"`
}

// Load загружает конфигурацию.
// Сначала подгружаются переменные из .env (если есть), затем YAML и env (env имеет приоритет).
func Load() *Config {
	loadEnv()
	// Значения по умолчанию
	yc := yamlConfig{
		APIBaseURL:       "http://localhost:8080/api",
		GatewayURL:       "ws://localhost:8080/gateway",
		HTTPTimeout:      15,
		TokenPath:        defaultTokenPath(),
		MessagePageSize:  50,
		AckDebounceMS:    300,
		MaxUploadSizeMB:  20,
		MaxAttachments:   10,
		WSWriteTimeout:   10,
		WSPongTimeout:    60,
		WSMaxMessageSize: 1 << 20,
		LogLevel:         "info",
	}

	// Загрузка конфигурации: CONFIG_PATH → config/client.yaml
	paths := []string{os.Getenv("CONFIG_PATH"), "config/client.yaml"}
	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &yc); err != nil {
			logger.Errorf("config: ошибка парсинга %s: %v (используются значения по умолчанию)", path, err)
		} else {
			logger.Infof("config: загружен %s", path)
		}
		break
	}

	cfg := &Config{
		APIBaseURL:       strings.TrimSuffix(envStr("API_BASE_URL", yc.APIBaseURL), "/"),
		GatewayURL:       envStr("GATEWAY_URL", yc.GatewayURL),
		HTTPTimeout:      time.Duration(envInt("HTTP_TIMEOUT", yc.HTTPTimeout)) * time.Second,
		TokenPath:        envStr("TOKEN_PATH", yc.TokenPath),
		MessagePageSize:  envInt("MESSAGE_PAGE_SIZE", yc.MessagePageSize),
		AckDebounce:      time.Duration(envInt("ACK_DEBOUNCE_MS", yc.AckDebounceMS)) * time.Millisecond,
		MaxUploadSize:    int64(envInt("MAX_UPLOAD_SIZE_MB", yc.MaxUploadSizeMB)) << 20,
		MaxAttachments:   envInt("MAX_ATTACHMENTS", yc.MaxAttachments),
		WSWriteTimeout:   envInt("WS_WRITE_TIMEOUT", yc.WSWriteTimeout),
		WSPongTimeout:    envInt("WS_PONG_TIMEOUT", yc.WSPongTimeout),
		WSMaxMessageSize: envInt("WS_MAX_MESSAGE_SIZE", yc.WSMaxMessageSize),
		LogLevel:         envStr("LOG_LEVEL", yc.LogLevel),
	}
	if cfg.MessagePageSize <= 0 {
		cfg.MessagePageSize = 50
	}
	if cfg.AckDebounce <= 0 {
		cfg.AckDebounce = 300 * time.Millisecond
	}
	return cfg
}

func defaultTokenPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".messenger/session.json"
	}
	return home + "/.messenger/session.json"
}

// envStr возвращает значение переменной окружения или fallback.
func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt возвращает числовое значение переменной окружения или fallback.
func envInt(key string, fallback int) int {
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
