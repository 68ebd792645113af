package config

import (
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	LLM      LLMConfig      `yaml:"llm"`
	Data     DataConfig     `yaml:"data"`
	Planner  PlannerConfig  `yaml:"planner"`
	Share    ShareConfig    `yaml:"share"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release
}

type DatabaseConfig struct {
	Type string `yaml:"type"` // sqlite, mysql
	DSN  string `yaml:"dsn"`
}

// LLMConfig 三条传输通道共用的模型配置
// APIURL 对应 sk- 前缀，ESecretURL 对应 esecret_ 前缀，其余密钥走 AltAPIURL
type LLMConfig struct {
	APIURL     string        `yaml:"api_url"`
	AltAPIURL  string        `yaml:"alt_api_url"`
	ESecretURL string        `yaml:"esecret_url"`
	APIKey     string        `yaml:"api_key"` // 构建期默认密钥，用户输入优先
	Model      string        `yaml:"model"`
	MaxTokens  int           `yaml:"max_tokens"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type DataConfig struct {
	Dir string `yaml:"dir"`
}

type PlannerConfig struct {
	Workers    int           `yaml:"workers"`
	RunTimeout time.Duration `yaml:"run_timeout"`
}

type ShareConfig struct {
	IntentURL  string   `yaml:"intent_url"`
	ProductURL string   `yaml:"product_url"`
	Hashtags   []string `yaml:"hashtags"`
}

var (
	cfg  *Config
	once sync.Once
)

func GetConfig() *Config {
	once.Do(func() {
		cfg = loadConfig()
	})
	return cfg
}

// Default 返回未叠加配置文件与环境变量的默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
			Mode: "debug",
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			DSN:  "./data/app.db",
		},
		LLM: LLMConfig{
			APIURL:     "https://api.openai.com/v1",
			AltAPIURL:  "https://openrouter.ai/api/v1",
			ESecretURL: "https://api.esecret.ai/v1",
			Model:      "gpt-4o",
			MaxTokens:  4096,
			Timeout:    5 * time.Minute,
			MaxRetries: 3,
			RetryDelay: time.Second,
		},
		Data: DataConfig{
			Dir: "./data",
		},
		Planner: PlannerConfig{
			Workers:    2,
			RunTimeout: 30 * time.Minute,
		},
		Share: ShareConfig{
			IntentURL:  "https://twitter.com/intent/tweet",
			ProductURL: "https://fitnessgpt.app",
			Hashtags:   []string{"FitnessGPT", "AI", "Fitness"},
		},
	}
}

func loadConfig() *Config {
	config := Default()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err == nil {
		yaml.Unmarshal(data, config)
	}

	applyEnv(config)
	return config
}

// applyEnv 环境变量优先级高于配置文件
func applyEnv(config *Config) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		config.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		config.LLM.APIURL = baseURL
	}
	if altURL := os.Getenv("ALT_BASE_URL"); altURL != "" {
		config.LLM.AltAPIURL = altURL
	}
	if esURL := os.Getenv("ESECRET_BASE_URL"); esURL != "" {
		config.LLM.ESecretURL = esURL
	}
	if model := os.Getenv("OPENAI_MODEL_NAME"); model != "" {
		config.LLM.Model = model
	}

	// 数据库环境变量
	if dbType := os.Getenv("DB_TYPE"); dbType != "" {
		config.Database.Type = dbType
	}
	if dbDSN := os.Getenv("DB_DSN"); dbDSN != "" {
		config.Database.DSN = dbDSN
	}

	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		config.Data.Dir = dataDir
	}
	if workers := os.Getenv("PLAN_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil && n > 0 {
			config.Planner.Workers = n
		}
	}
	if shareURL := os.Getenv("SHARE_URL"); shareURL != "" {
		config.Share.ProductURL = shareURL
	}
	if port := os.Getenv("PORT"); port != "" {
		config.Server.Port = port
	}
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
