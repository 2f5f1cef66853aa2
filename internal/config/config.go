package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level claimwatch config.
	WorkspaceDirName = ".claimwatch"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the claimwatch host.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Host     HostConfig     `yaml:"host"`
	Storage  StorageConfig  `yaml:"storage"`
	Email    EmailConfig    `yaml:"email"`
	MCP      MCPConfig      `yaml:"mcp"`
	Mangle   MangleConfig   `yaml:"mangle"`
	Recorder RecorderConfig `yaml:"recorder"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
	// User is the identity the metrics session is opened for.
	User string `yaml:"user"`
}

// HostConfig configures the Chrome instance that hosts the content contexts.
type HostConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch"`
	// AutoStart controls whether serve attaches to Chrome at startup.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether Chrome runs in headless mode (default: false, the host is user-facing).
	Headless *bool `yaml:"headless"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Host window size used for the initial bounds computation.
	WindowWidth  int `yaml:"window_width"`
	WindowHeight int `yaml:"window_height"`
	// Fixed chrome offsets in pixels.
	TopOffset       int `yaml:"top_offset"`
	BottomOffset    int `yaml:"bottom_offset"`
	NestedTabOffset int `yaml:"nested_tab_offset"`
	// WebPartition is the storage partition shared by every nested web context.
	WebPartition string `yaml:"web_partition"`
	// StartURL is loaded into the first nested context and into automatic replacements.
	StartURL string `yaml:"start_url"`
	// EnableAdmin creates the admin top-level context.
	EnableAdmin bool `yaml:"enable_admin"`
	// How often the injected instrumentation buffer is drained (e.g., "500ms").
	PollInterval string `yaml:"poll_interval"`
}

// StorageConfig configures the SQLite metrics store.
type StorageConfig struct {
	Path          string `yaml:"path"`
	RetryAttempts int    `yaml:"retry_attempts"`
	RetryBackoff  string `yaml:"retry_backoff"`
}

// EmailConfig configures the Microsoft Graph email search.
type EmailConfig struct {
	Enabled      bool     `yaml:"enabled"`
	TenantID     string   `yaml:"tenant_id"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
	UserEmail    string   `yaml:"user_email"`
	GraphBaseURL string   `yaml:"graph_base_url"`
	// Upper bound on one claim search (e.g., "5s").
	SearchTimeout string `yaml:"search_timeout"`
	MaxResults    int    `yaml:"max_results"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// MangleConfig controls the embedded deductive engine.
type MangleConfig struct {
	Enable bool `yaml:"enable"`
	// SchemaPath overrides the built-in claims schema when set.
	SchemaPath      string `yaml:"schema_path"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// RecorderConfig controls the JSONL flight recorder.
type RecorderConfig struct {
	Enable bool   `yaml:"enable"`
	Dir    string `yaml:"dir"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "claimwatch",
			Version: "0.3.0",
			LogFile: "claimwatch.log",
			User:    "default_user",
		},
		Host: HostConfig{
			AutoStart:                true,
			DefaultNavigationTimeout: "15s",
			WindowWidth:              1400,
			WindowHeight:             900,
			TopOffset:                130,
			BottomOffset:             0,
			NestedTabOffset:          35,
			WebPartition:             "persist:claims",
			StartURL:                 "about:blank",
			PollInterval:             "500ms",
		},
		Storage: StorageConfig{
			Path:          "data/metrics.db",
			RetryAttempts: 3,
			RetryBackoff:  "100ms",
		},
		Email: EmailConfig{
			Enabled:       false,
			Scopes:        []string{"https://graph.microsoft.com/.default"},
			GraphBaseURL:  "https://graph.microsoft.com/v1.0",
			SearchTimeout: "5s",
			MaxResults:    25,
		},
		MCP: MCPConfig{
			SSEPort: 0,
		},
		Mangle: MangleConfig{
			Enable:          true,
			FactBufferLimit: 4096,
		},
		Recorder: RecorderConfig{
			Enable: true,
			Dir:    "data/traces",
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .claimwatch/config.yaml file.
// Returns the workspace root directory (parent of .claimwatch/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .claimwatch/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .claimwatch/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	for _, d := range []string{wsDir, filepath.Join(wsDir, "data")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# claimwatch project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# server:
#   user: "adjuster@example.com"

# host:
#   debugger_url: "ws://localhost:9222"
#   start_url: "https://claims.example.com/login"
#   enable_admin: false

# storage:
#   path: "data/metrics.db"

# email:
#   enabled: true
#   tenant_id: ""
#   client_id: ""
#   client_secret: ""
#   user_email: "claims-inbox@example.com"
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignoreContent := "# Runtime data (metrics db, traces)\ndata/\n"
	if err := os.WriteFile(filepath.Join(wsDir, ".gitignore"), []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Storage.Path = resolve(cfg.Storage.Path)
	cfg.Mangle.SchemaPath = resolve(cfg.Mangle.SchemaPath)
	cfg.Recorder.Dir = resolve(cfg.Recorder.Dir)
	return cfg
}

// Validate ensures required fields exist so the host can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Host.AutoStart {
		if c.Host.DebuggerURL == "" && len(c.Host.Launch) == 0 {
			return errors.New("host.debugger_url or host.launch must be provided")
		}
	}
	if c.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	if c.Email.Enabled {
		if c.Email.TenantID == "" || c.Email.ClientID == "" || c.Email.ClientSecret == "" {
			return errors.New("email.tenant_id, email.client_id and email.client_secret are required when email is enabled")
		}
		if c.Email.UserEmail == "" {
			return errors.New("email.user_email is required when email is enabled")
		}
	}
	return nil
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (h HostConfig) NavigationTimeout() time.Duration {
	return parseDuration(h.DefaultNavigationTimeout, 15*time.Second)
}

// GetPollInterval returns the instrumentation poll interval with a sane default.
func (h HostConfig) GetPollInterval() time.Duration {
	return parseDuration(h.PollInterval, 500*time.Millisecond)
}

// IsHeadless returns whether Chrome should run in headless mode (default: false).
func (h HostConfig) IsHeadless() bool {
	if h.Headless == nil {
		return false
	}
	return *h.Headless
}

// GetWindowWidth returns the host window width with a sane default.
func (h HostConfig) GetWindowWidth() int {
	if h.WindowWidth <= 0 {
		return 1400
	}
	return h.WindowWidth
}

// GetWindowHeight returns the host window height with a sane default.
func (h HostConfig) GetWindowHeight() int {
	if h.WindowHeight <= 0 {
		return 900
	}
	return h.WindowHeight
}

// GetRetryBackoff returns the initial storage retry interval with a sane default.
func (s StorageConfig) GetRetryBackoff() time.Duration {
	return parseDuration(s.RetryBackoff, 100*time.Millisecond)
}

// GetRetryAttempts returns how many times a transient write failure is retried.
func (s StorageConfig) GetRetryAttempts() int {
	if s.RetryAttempts < 0 {
		return 0
	}
	return s.RetryAttempts
}

// GetSearchTimeout returns the claim search timeout with a sane default.
func (e EmailConfig) GetSearchTimeout() time.Duration {
	return parseDuration(e.SearchTimeout, 5*time.Second)
}

// GetMaxResults returns the search page size with a sane default.
func (e EmailConfig) GetMaxResults() int {
	if e.MaxResults <= 0 {
		return 25
	}
	return e.MaxResults
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
