package internal

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	Paths     PathsConfig       `yaml:"paths"`
	Catalog   CatalogConfig     `yaml:"catalog"`
	Comfy     ComfyConfig       `yaml:"comfy"`
	Shortcuts ShortcutsConfig   `yaml:"shortcuts"`
	Auth      AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Paths.Validate(); err != nil {
		return err
	}
	if err := c.Catalog.Validate(); err != nil {
		return err
	}
	if err := c.Comfy.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// PathsConfig holds the on-disk layout: the install root that contains the
// per-version directories and state database, and the optional shared model
// library.
type PathsConfig struct {
	Root         string `yaml:"root"`
	SharedModels string `yaml:"shared_models"`
}

// Validate validates the paths configuration.
func (c *PathsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Root, validation.Required),
	)
}

// VersionsDir returns the directory holding per-version installs.
func (c *PathsConfig) VersionsDir() string {
	return filepath.Join(c.Root, "versions")
}

// StateDBPath returns the SQLite state database path.
func (c *PathsConfig) StateDBPath() string {
	return filepath.Join(c.Root, "state.db")
}

// CatalogConfig holds the release source configuration.
type CatalogConfig struct {
	Owner      string `yaml:"owner"`
	Repo       string `yaml:"repo"`
	BaseURL    string `yaml:"base_url"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// Validate validates the catalog configuration.
func (c *CatalogConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Owner, validation.Required),
		validation.Field(&c.Repo, validation.Required),
		validation.Field(&c.TTLSeconds, validation.Min(1)),
	)
}

// TTL returns the catalog cache lifetime.
func (c *CatalogConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// ComfyConfig holds the supervised server's launch parameters.
type ComfyConfig struct {
	Python              string   `yaml:"python"`
	Port                int      `yaml:"port"`
	ExtraArgs           []string `yaml:"extra_args"`
	StartTimeoutSeconds int      `yaml:"start_timeout_seconds"`
	StopGraceSeconds    int      `yaml:"stop_grace_seconds"`
}

// Validate validates the comfy configuration.
func (c *ComfyConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Python, validation.Required),
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.StartTimeoutSeconds, validation.Min(1)),
		validation.Field(&c.StopGraceSeconds, validation.Min(1)),
	)
}

// StartTimeout returns the readiness deadline for server starts.
func (c *ComfyConfig) StartTimeout() time.Duration {
	return time.Duration(c.StartTimeoutSeconds) * time.Second
}

// StopGrace returns the grace period before SIGKILL escalation.
func (c *ComfyConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

// ShortcutsConfig holds the freedesktop shortcut directories. Empty values
// select the conventional per-user locations at startup.
type ShortcutsConfig struct {
	ApplicationsDir string `yaml:"applications_dir"`
	DesktopDir      string `yaml:"desktop_dir"`
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local use.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8189,
			},
		},
		Paths: PathsConfig{
			Root: "./comfyctl",
		},
		Catalog: CatalogConfig{
			Owner:      "comfyanonymous",
			Repo:       "ComfyUI",
			TTLSeconds: 600,
		},
		Comfy: ComfyConfig{
			Python:              "python3",
			Port:                8188,
			StartTimeoutSeconds: 60,
			StopGraceSeconds:    10,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
