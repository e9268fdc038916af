package profile

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start the main server.
type Profile struct {
	// Unified LLM configuration (OpenAI-compatible protocol).
	LLMProvider string // Provider identifier: zai, deepseek, openai, siliconflow, dashscope, openrouter, ollama
	LLMAPIKey   string
	LLMBaseURL  string // Optional, has default per provider
	LLMModel    string
	LLMTimeout  int // LLM request timeout in seconds (default: 120)

	// RAG knowledge-base service.
	RAGBaseURL string
	RAGAPIKey  string
	RAGEnabled bool

	// Orchestration budgets.
	WorkerBudget     int // Global concurrent turn budget W (default: 32)
	SessionQueueCap  int // Per-session waiting queue depth Q (default: 4)
	TurnDeadlineSec  int // Per-turn deadline D in seconds (default: 60)
	TaskQueueCap     int // Async task submission queue bound (default: 256)
	TaskWorkers      int // Async task worker pool size (default: 8)
	DispatchTimeout  int // Function dispatch total timeout in seconds (default: 30)
	DispatchRetries  int // Function dispatch max attempts (default: 3)
	AsyncEnabled     bool
	RatePerUserQPS   float64 // Per-user request rate (default: 5)
	RatePerUserBurst int     // Per-user burst (default: 10)

	// Classification thresholds. Per-intent thresholds live in config;
	// these are the global floors and gaps.
	GlobalFloor   float64 // τ₀: below this, hand to fallback (default: 0.4)
	TransferFloor float64 // τ_transfer (default: 0.6)
	AmbiguityGap  float64 // δ (default: 0.1)
	TransferGap   float64 // δ_transfer (default: 0.15)

	Mode        string
	Addr        string
	DSN         string
	Driver      string
	Version     string
	InstanceURL string
	APIToken    string // Static bearer token for the turn API
	Port        int
}

// Provider default configurations for LLM.
// Used when LLM_BASE_URL is not explicitly set.
var llmProviderDefaults = map[string]struct {
	BaseURL string
	Model   string
}{
	"zai": {
		BaseURL: "https://open.bigmodel.cn/api/paas/v4",
		Model:   "glm-4.7",
	},
	"deepseek": {
		BaseURL: "https://api.deepseek.com",
		Model:   "deepseek-chat",
	},
	"openai": {
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-5.2",
	},
	"siliconflow": {
		BaseURL: "https://api.siliconflow.cn/v1",
		Model:   "Qwen/Qwen2.5-72B-Instruct",
	},
	"dashscope": {
		BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1",
		Model:   "qwen-max-latest",
	},
	"openrouter": {
		BaseURL: "https://openrouter.ai/api/v1",
		Model:   "deepseek/deepseek-chat",
	},
	"ollama": {
		BaseURL: "http://localhost:11434",
		Model:   "llama3.1",
	},
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsLLMEnabled returns true if an LLM API key is configured.
// Without it the classifier and extractor run lexical/rule-only.
func (p *Profile) IsLLMEnabled() bool {
	return p.LLMAPIKey != ""
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvOrDefaultFloat returns environment variable value as float64 or default value.
func getEnvOrDefaultFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.LLMProvider = getEnvOrDefault("DIALOGD_LLM_PROVIDER", "zai")
	p.LLMAPIKey = getEnvOrDefault("DIALOGD_LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("DIALOGD_LLM_BASE_URL", "")
	p.LLMModel = getEnvOrDefault("DIALOGD_LLM_MODEL", "")
	p.LLMTimeout = getEnvOrDefaultInt("DIALOGD_LLM_TIMEOUT_SECONDS", 120)

	if p.LLMProvider != "" {
		if _, ok := llmProviderDefaults[p.LLMProvider]; !ok {
			slog.Warn("Unknown LLM provider, using default: zai", "provider", p.LLMProvider)
			p.LLMProvider = "zai"
		}
	}
	if p.LLMBaseURL == "" || p.LLMModel == "" {
		if defaults, ok := llmProviderDefaults[p.LLMProvider]; ok {
			if p.LLMBaseURL == "" {
				p.LLMBaseURL = defaults.BaseURL
			}
			if p.LLMModel == "" {
				p.LLMModel = defaults.Model
			}
		}
	}

	p.RAGBaseURL = getEnvOrDefault("DIALOGD_RAG_BASE_URL", "")
	p.RAGAPIKey = getEnvOrDefault("DIALOGD_RAG_API_KEY", "")
	p.RAGEnabled = getEnvOrDefault("DIALOGD_RAG_ENABLED", "true") == "true" && p.RAGBaseURL != ""

	p.WorkerBudget = getEnvOrDefaultInt("DIALOGD_WORKER_BUDGET", 32)
	p.SessionQueueCap = getEnvOrDefaultInt("DIALOGD_SESSION_QUEUE_CAP", 4)
	p.TurnDeadlineSec = getEnvOrDefaultInt("DIALOGD_TURN_DEADLINE_SECONDS", 60)
	p.TaskQueueCap = getEnvOrDefaultInt("DIALOGD_TASK_QUEUE_CAP", 256)
	p.TaskWorkers = getEnvOrDefaultInt("DIALOGD_TASK_WORKERS", 8)
	p.DispatchTimeout = getEnvOrDefaultInt("DIALOGD_DISPATCH_TIMEOUT_SECONDS", 30)
	p.DispatchRetries = getEnvOrDefaultInt("DIALOGD_DISPATCH_RETRIES", 3)
	p.AsyncEnabled = getEnvOrDefault("DIALOGD_ASYNC_ENABLED", "true") == "true"
	p.RatePerUserQPS = getEnvOrDefaultFloat("DIALOGD_RATE_PER_USER_QPS", 5)
	p.RatePerUserBurst = getEnvOrDefaultInt("DIALOGD_RATE_PER_USER_BURST", 10)

	p.GlobalFloor = getEnvOrDefaultFloat("DIALOGD_GLOBAL_FLOOR", 0.4)
	p.TransferFloor = getEnvOrDefaultFloat("DIALOGD_TRANSFER_FLOOR", 0.6)
	p.AmbiguityGap = getEnvOrDefaultFloat("DIALOGD_AMBIGUITY_GAP", 0.1)
	p.TransferGap = getEnvOrDefaultFloat("DIALOGD_TRANSFER_GAP", 0.15)

	p.APIToken = getEnvOrDefault("DIALOGD_API_TOKEN", "")
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Driver != "postgres" {
		return errors.Errorf("unsupported database driver %q, only postgres is supported", p.Driver)
	}
	if p.DSN == "" {
		return errors.New("database DSN is required")
	}
	if !strings.HasPrefix(p.DSN, "postgres://") && !strings.HasPrefix(p.DSN, "postgresql://") && !strings.Contains(p.DSN, "=") {
		return errors.Errorf("invalid postgres DSN %q", p.DSN)
	}

	if p.WorkerBudget <= 0 {
		p.WorkerBudget = 32
	}
	if p.SessionQueueCap <= 0 {
		p.SessionQueueCap = 4
	}
	if p.TurnDeadlineSec <= 0 {
		p.TurnDeadlineSec = 60
	}
	if p.GlobalFloor < 0 || p.GlobalFloor > 1 {
		return errors.Errorf("global floor must be within [0,1], got %v", p.GlobalFloor)
	}

	return nil
}
