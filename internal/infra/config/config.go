package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"agentrun/internal/domain"
)

// Config is the top-level runtime configuration.
type Config struct {
	Runtime    RuntimeConfig                `yaml:"runtime"`
	Models     []domain.ModelConfig         `yaml:"models"`
	Connectors []domain.ToolConnectorConfig `yaml:"connectors"`
	Agents     []AgentConfig                `yaml:"agents"`
	History    HistoryConfig                `yaml:"history"`
	Logger     LoggerConfig                 `yaml:"logger"`
	Tracer     TracerConfig                 `yaml:"tracer"`
	Includes   []string                     `yaml:"includes,omitempty"`

	// dir is the directory of the loaded file; relative schema files resolve against it.
	dir string
}

// RuntimeConfig bounds agent runs and model calls.
type RuntimeConfig struct {
	MaxTurns           int                  `yaml:"max_turns"`
	MaxRepairAttempts  int                  `yaml:"max_repair_attempts"`
	RunTimeout         time.Duration        `yaml:"run_timeout"`
	MaxParallelTools   int                  `yaml:"max_parallel_tools"`
	MaxHistoryMessages int                  `yaml:"max_history_messages"`
	ModelCallTimeout   time.Duration        `yaml:"model_call_timeout"`
	Retry              RetryConfig          `yaml:"retry"`
	CircuitBreaker     CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig controls model call retries.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxQuotaWait time.Duration `yaml:"max_quota_wait"`
}

// CircuitBreakerConfig holds circuit breaker settings for model providers.
type CircuitBreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// AgentConfig is an agent definition as written in YAML. The output schema
// is given inline (as YAML or a JSON string) or as a file path.
type AgentConfig struct {
	domain.AgentDefinition `yaml:",inline"`

	Schema     any    `yaml:"output_schema,omitempty"`
	SchemaFile string `yaml:"output_schema_file,omitempty"`
}

// HistoryConfig selects where conversation history is kept.
type HistoryConfig struct {
	Backend string `yaml:"backend"` // "memory" or "sqlite"
	Path    string `yaml:"path"`    // sqlite database file
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// defaultDataDir returns the persistent data directory under $HOME/.agentrun/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".agentrun", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			MaxTurns:           12,
			MaxRepairAttempts:  2,
			RunTimeout:         5 * time.Minute,
			MaxParallelTools:   8,
			MaxHistoryMessages: 50,
			ModelCallTimeout:   120 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:  3,
				BaseDelay:    500 * time.Millisecond,
				MaxDelay:     10 * time.Second,
				MaxQuotaWait: time.Minute,
			},
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
			},
		},
		History: HistoryConfig{
			Backend: "memory",
			Path:    filepath.Join(defaultDataDir(), "history.db"),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.dir = filepath.Dir(absPath)

	if len(cfg.Includes) > 0 {
		// Definitions come from includes first, then from the main file.
		cfg.takeLists()
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, cfg.dir, visited, 0); err != nil {
			return nil, err
		}
		included := cfg.takeLists()

		// Second pass: re-unmarshal main config so it takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		main := cfg.takeLists()
		cfg.appendLists(included)
		cfg.appendLists(main)
		cfg.Includes = nil
	}

	return finish(cfg)
}

// Parse builds a Config from YAML bytes without includes or file permissions
// checks. Relative schema files resolve against dir.
func Parse(data []byte, dir string) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Includes) > 0 {
		return nil, fmt.Errorf("parse config: includes require Load")
	}
	cfg.dir = dir
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)
	expandPlaceholders(cfg)

	if passphrase := os.Getenv("AGENTRUN_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// definitionLists are the list sections that includes append to rather than replace.
type definitionLists struct {
	models     []domain.ModelConfig
	connectors []domain.ToolConnectorConfig
	agents     []AgentConfig
}

func (c *Config) takeLists() definitionLists {
	l := definitionLists{models: c.Models, connectors: c.Connectors, agents: c.Agents}
	c.Models, c.Connectors, c.Agents = nil, nil, nil
	return l
}

func (c *Config) appendLists(l definitionLists) {
	c.Models = append(c.Models, l.models...)
	c.Connectors = append(c.Connectors, l.connectors...)
	c.Agents = append(c.Agents, l.agents...)
}

// Definition converts the YAML agent into a domain definition, reading the
// output schema from the inline value or the schema file.
func (a AgentConfig) Definition(baseDir string) (domain.AgentDefinition, error) {
	def := a.AgentDefinition.Clone()
	if a.Schema != nil && a.SchemaFile != "" {
		return def, fmt.Errorf("agent %q: output_schema and output_schema_file are exclusive", a.Name)
	}

	switch {
	case a.SchemaFile != "":
		path := a.SchemaFile
		if !filepath.IsAbs(path) && baseDir != "" {
			path = filepath.Join(baseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return def, fmt.Errorf("agent %q: read output schema: %w", a.Name, err)
		}
		def.OutputSchema = json.RawMessage(data)
	case a.Schema != nil:
		raw, err := schemaJSON(a.Schema)
		if err != nil {
			return def, fmt.Errorf("agent %q: output schema: %w", a.Name, err)
		}
		def.OutputSchema = raw
	}
	return def, nil
}

// AgentDefinitions resolves every configured agent.
func (c *Config) AgentDefinitions() ([]domain.AgentDefinition, error) {
	defs := make([]domain.AgentDefinition, 0, len(c.Agents))
	for _, a := range c.Agents {
		def, err := a.Definition(c.dir)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// schemaJSON turns an inline schema into JSON. A string is taken as JSON
// text; any other YAML value is re-encoded.
func schemaJSON(v any) (json.RawMessage, error) {
	if s, ok := v.(string); ok {
		if !json.Valid([]byte(s)) {
			return nil, fmt.Errorf("not valid JSON")
		}
		return json.RawMessage(s), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// ApplyEnvOverrides maps AGENTRUN_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTRUN_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AGENTRUN_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("AGENTRUN_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("AGENTRUN_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("AGENTRUN_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("AGENTRUN_HISTORY_BACKEND"); v != "" {
		cfg.History.Backend = v
	}
	if v := os.Getenv("AGENTRUN_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}
	if v := os.Getenv("AGENTRUN_MAX_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Runtime.MaxTurns = n
		}
	}
	if v := os.Getenv("AGENTRUN_MAX_REPAIR_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Runtime.MaxRepairAttempts = n
		}
	}
	if v := os.Getenv("AGENTRUN_RUN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Runtime.RunTimeout = d
		}
	}
	if v := os.Getenv("AGENTRUN_MODEL_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Runtime.ModelCallTimeout = d
		}
	}

	// Per-provider API keys fill models that leave api_key empty,
	// e.g. AGENTRUN_OPENAI_API_KEY.
	for i := range cfg.Models {
		m := &cfg.Models[i]
		if m.APIKey != "" || m.Provider == "" {
			continue
		}
		if v := os.Getenv("AGENTRUN_" + strings.ToUpper(m.Provider) + "_API_KEY"); v != "" {
			m.APIKey = v
		}
	}
}

// bracePlaceholder matches {VAR} placeholders that are not part of ${VAR}.
var bracePlaceholder = regexp.MustCompile(`(^|[^$])\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} and {VAR} with environment values. Unset
// {VAR} placeholders are kept as written.
func expandEnv(s string) string {
	if !strings.Contains(s, "{") {
		return s
	}
	s = os.Expand(s, func(name string) string { return os.Getenv(name) })
	return bracePlaceholder.ReplaceAllStringFunc(s, func(m string) string {
		sub := bracePlaceholder.FindStringSubmatch(m)
		v, ok := os.LookupEnv(sub[2])
		if !ok {
			return m
		}
		return sub[1] + v
	})
}

// expandPlaceholders expands environment placeholders in endpoints,
// credentials and headers. Schemas and prompts are left untouched.
func expandPlaceholders(cfg *Config) {
	for i := range cfg.Models {
		m := &cfg.Models[i]
		m.BaseURL = expandEnv(m.BaseURL)
		m.APIKey = expandEnv(m.APIKey)
	}
	for i := range cfg.Connectors {
		c := &cfg.Connectors[i]
		c.Endpoint = expandEnv(c.Endpoint)
		c.Command = expandEnv(c.Command)
		for k, v := range c.Headers {
			c.Headers[k] = expandEnv(v)
		}
		for k, v := range c.Env {
			c.Env[k] = expandEnv(v)
		}
	}
	cfg.History.Path = expandEnv(cfg.History.Path)
}

// decryptSecrets finds "enc:..." values in model API keys and connector
// headers and environments, and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.Models {
		key := cfg.Models[i].APIKey
		if strings.HasPrefix(key, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(key, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("model %s api_key: %w", cfg.Models[i].ID, err)
			}
			cfg.Models[i].APIKey = decrypted
		}
	}

	for i := range cfg.Connectors {
		c := &cfg.Connectors[i]
		for _, values := range []map[string]string{c.Headers, c.Env} {
			for k, v := range values {
				if !strings.HasPrefix(v, "enc:") {
					continue
				}
				decrypted, err := DecryptValue(strings.TrimPrefix(v, "enc:"), passphrase)
				if err != nil {
					return fmt.Errorf("connector %s %s: %w", c.Name, k, err)
				}
				values[k] = decrypted
			}
		}
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
