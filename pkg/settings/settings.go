// Package settings manages the per-user JSON settings file: API keys, vendor
// selection and the preferred TTS voice. The file lives under the user's
// documents directory and is migrated there from the project config
// directory on first run.
package settings

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	appDirName   = "N.E.K.O"
	settingsFile = "core_config.json"
)

// Settings mirrors the frontend settings panel. Field names match the JSON
// keys the frontend writes.
type Settings struct {
	CoreAPIKey string `mapstructure:"coreApiKey" json:"coreApiKey"`
	CoreAPI    string `mapstructure:"coreApi" json:"coreApi"`
	AssistAPI  string `mapstructure:"assistApi" json:"assistApi"`

	AssistAPIKeyQwen   string `mapstructure:"assistApiKeyQwen" json:"assistApiKeyQwen"`
	AssistAPIKeyOpenAI string `mapstructure:"assistApiKeyOpenai" json:"assistApiKeyOpenai"`
	AssistAPIKeyGLM    string `mapstructure:"assistApiKeyGlm" json:"assistApiKeyGlm"`
	AssistAPIKeyStep   string `mapstructure:"assistApiKeyStep" json:"assistApiKeyStep"`

	VoiceID  string `mapstructure:"voiceId" json:"voiceId"`
	MCPToken string `mapstructure:"mcpToken" json:"mcpToken"`
}

// Defaults is the settings content written on first run.
func Defaults() Settings {
	return Settings{CoreAPI: "qwen", AssistAPI: "qwen"}
}

// AssistKey returns the assist API key for the selected assist vendor.
func (s Settings) AssistKey() string {
	switch strings.ToLower(strings.TrimSpace(s.AssistAPI)) {
	case "qwen":
		return s.AssistAPIKeyQwen
	case "openai", "gpt":
		return s.AssistAPIKeyOpenAI
	case "glm":
		return s.AssistAPIKeyGLM
	case "step", "stepfun":
		return s.AssistAPIKeyStep
	case "free":
		return "free-access"
	default:
		return ""
	}
}

// CoreKey returns the realtime API key, substituting the free-tier token
// when the free vendor is selected.
func (s Settings) CoreKey() string {
	if strings.EqualFold(strings.TrimSpace(s.CoreAPI), "free") {
		return "free-access"
	}
	return s.CoreAPIKey
}

// Store reads and writes the settings file. The user directory wins over the
// project directory; the project copy only seeds the first migration.
type Store struct {
	userDir    string
	projectDir string
	log        *slog.Logger
}

func NewStore(userDir, projectDir string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(userDir) == "" {
		return nil, fmt.Errorf("settings: user directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{userDir: userDir, projectDir: projectDir, log: logger}, nil
}

// DefaultUserDir returns the per-user settings directory under the documents
// folder.
func DefaultUserDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("settings: resolve home directory: %w", err)
	}
	return filepath.Join(home, "Documents", appDirName, "config"), nil
}

// Path returns the user settings file path.
func (st *Store) Path() string {
	return filepath.Join(st.userDir, settingsFile)
}

// Migrate makes sure the user settings file exists: an existing user file is
// left untouched, a project-directory copy is carried over, and otherwise
// defaults are written.
func (st *Store) Migrate() error {
	if err := os.MkdirAll(st.userDir, 0o755); err != nil {
		return fmt.Errorf("settings: create config directory: %w", err)
	}

	userPath := st.Path()
	if _, err := os.Stat(userPath); err == nil {
		return nil
	}

	if st.projectDir != "" {
		projectPath := filepath.Join(st.projectDir, settingsFile)
		if _, err := os.Stat(projectPath); err == nil {
			if err := copyFile(projectPath, userPath); err != nil {
				return fmt.Errorf("settings: migrate %s: %w", settingsFile, err)
			}
			st.log.Info("migrated settings file", "from", projectPath, "to", userPath)
			return nil
		}
	}

	if err := st.Save(Defaults()); err != nil {
		return err
	}
	st.log.Info("wrote default settings file", "path", userPath)
	return nil
}

// Load reads the settings file, filling missing keys with defaults.
func (st *Store) Load() (Settings, error) {
	v := viper.New()
	v.SetConfigFile(st.Path())
	v.SetConfigType("json")

	def := Defaults()
	v.SetDefault("coreApi", def.CoreAPI)
	v.SetDefault("assistApi", def.AssistAPI)

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return def, nil
		}
		return Settings{}, fmt.Errorf("settings: read %s: %w", st.Path(), err)
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("settings: decode %s: %w", st.Path(), err)
	}
	return s, nil
}

// Save writes the settings file atomically.
func (st *Store) Save(s Settings) error {
	if err := os.MkdirAll(st.userDir, 0o755); err != nil {
		return fmt.Errorf("settings: create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("json")
	v.Set("coreApiKey", s.CoreAPIKey)
	v.Set("coreApi", s.CoreAPI)
	v.Set("assistApi", s.AssistAPI)
	v.Set("assistApiKeyQwen", s.AssistAPIKeyQwen)
	v.Set("assistApiKeyOpenai", s.AssistAPIKeyOpenAI)
	v.Set("assistApiKeyGlm", s.AssistAPIKeyGLM)
	v.Set("assistApiKeyStep", s.AssistAPIKeyStep)
	v.Set("voiceId", s.VoiceID)
	v.Set("mcpToken", s.MCPToken)

	tmp := st.Path() + ".tmp.json"
	if err := v.WriteConfigAs(tmp); err != nil {
		return fmt.Errorf("settings: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, st.Path()); err != nil {
		return fmt.Errorf("settings: replace %s: %w", st.Path(), err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
