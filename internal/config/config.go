package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sitewright/internal/domain"
)

const FileName = "sitewright.yml"

// Config models sitewright.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Workspace struct {
		Dir string `yaml:"dir"`
	} `yaml:"workspace"`
	Provider struct {
		BaseURL   string        `yaml:"base_url"`
		APIKeyEnv string        `yaml:"api_key_env"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"provider"`
	Agent struct {
		MaxSteps          int    `yaml:"max_steps"`
		DefaultModel      string `yaml:"default_model"`
		ReasoningModel    string `yaml:"reasoning_model"`
		EnablePostprocess bool   `yaml:"enable_postprocess"`
	} `yaml:"agent"`
	SystemMap SystemMap `yaml:"system_map"`
	Webhooks  []Webhook `yaml:"webhooks"`
}

// SystemMap feeds the rules snippet appended to every agent system prompt.
// Dir optionally points at a folder of JSON maps served by the API.
type SystemMap struct {
	Dir        string   `yaml:"dir"`
	CoreRules  []string `yaml:"core_rules"`
	Principles []string `yaml:"principles"`
}

type Webhook struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

const (
	MinSteps     = 1
	MaxSteps     = 25
	DefaultSteps = 10
	snippetLimit = 12
)

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Agent.MaxSteps != 0 && (c.Agent.MaxSteps < MinSteps || c.Agent.MaxSteps > MaxSteps) {
		return fmt.Errorf("config.agent.max_steps must be between %d and %d", MinSteps, MaxSteps)
	}
	if c.Provider.Timeout < 0 {
		return fmt.Errorf("config.provider.timeout must not be negative")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		for _, ev := range hook.Events {
			switch domain.RunStatus(ev) {
			case domain.RunComplete, domain.RunInterrupted, domain.RunFailed:
			default:
				return fmt.Errorf("config.webhooks[%d] has unknown event %q", i, ev)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sw config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default() when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// ClampSteps applies the run step bounds; zero selects the default.
func ClampSteps(n int) int {
	switch {
	case n == 0:
		return DefaultSteps
	case n < MinSteps:
		return MinSteps
	case n > MaxSteps:
		return MaxSteps
	}
	return n
}

// Snippet renders the system map rules block appended to agent prompts. It
// is empty when no rules are configured.
func (m SystemMap) Snippet() string {
	rules := append([]string{}, m.CoreRules...)
	for _, p := range m.Principles {
		rules = append(rules, "PERMISSION: "+p)
	}
	if len(rules) > snippetLimit {
		rules = rules[:snippetLimit]
	}
	if len(rules) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("SYSTEM_MAP_SNIPPET:\n")
	for _, r := range rules {
		b.WriteString("- ")
		b.WriteString(r)
		b.WriteString("\n")
	}
	return b.String()
}

// SystemMapFiles are the JSON documents exposed by the system maps endpoint.
var SystemMapFiles = []string{
	"system_map.json",
	"agents_registry.json",
	"capabilities.json",
	"permissions.json",
	"ui_map.json",
	"health_checks.json",
}

// LoadSystemMaps reads every known map from m.Dir. Missing or invalid files
// are reported inline rather than failing the whole listing.
func (m SystemMap) LoadSystemMaps() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(SystemMapFiles))
	for _, name := range SystemMapFiles {
		key := strings.TrimSuffix(name, ".json")
		out[key] = m.loadMap(name)
	}
	return out
}

func (m SystemMap) loadMap(name string) json.RawMessage {
	problem := func(code, detail string) json.RawMessage {
		data, _ := json.Marshal(map[string]any{"ok": false, "error": code, "file": name, "detail": detail})
		return data
	}
	if m.Dir == "" {
		return problem("system_map_missing", "system_map.dir is not configured")
	}
	data, err := os.ReadFile(filepath.Join(m.Dir, name))
	if err != nil {
		return problem("system_map_missing", err.Error())
	}
	if !json.Valid(data) {
		return problem("system_map_invalid", "invalid json")
	}
	return data
}

// MergeFromDir fills CoreRules and Principles from agents_registry.json and
// permissions.json in Dir when the YAML did not set them.
func (m *SystemMap) MergeFromDir() {
	if m.Dir == "" {
		return
	}
	if len(m.CoreRules) == 0 {
		var doc struct {
			CoreRules []string `json:"core_rules"`
		}
		if readJSON(filepath.Join(m.Dir, "agents_registry.json"), &doc) == nil {
			m.CoreRules = doc.CoreRules
		}
	}
	if len(m.Principles) == 0 {
		var doc struct {
			Principles []string `json:"principles"`
		}
		if readJSON(filepath.Join(m.Dir, "permissions.json"), &doc) == nil {
			m.Principles = doc.Principles
		}
	}
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

const defaultTemplate = `server:
  addr: ":8080"
  base_path: ""
  jwt_secret: ""

workspace:
  dir: ""

provider:
  base_url: "https://api.mistral.ai"
  api_key_env: MISTRAL_API_KEY
  timeout: 120s

agent:
  max_steps: 10
  default_model: mistral-large-latest
  reasoning_model: ""
  enable_postprocess: true

system_map:
  dir: ""
  core_rules:
    - Write generated UI only under preview/ unless self_modify is granted.
    - Read a file before patching it.
    - Prefer small patches over full rewrites of existing files.
  principles:
    - file_write gates every workspace mutation.
    - self_modify is required for writes outside preview/.

webhooks: []
`
