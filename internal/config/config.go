package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	configDir  = ".coursechat"
	configFile = "config.yaml"
	logFile    = "coursechat.log"
	storeFile  = "history.db"

	DefaultPollInterval    = 5 * time.Second
	DefaultPollMaxAttempts = 120
)

type ChatConfig struct {
	// DeltaMode is "replace" (each content frame is the full reply so far)
	// or "append".
	DeltaMode string `yaml:"delta_mode,omitempty"`
	// Timeout bounds one reply. Zero means no limit.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

type PollConfig struct {
	Interval    time.Duration `yaml:"interval,omitempty"`
	MaxAttempts int           `yaml:"max_attempts,omitempty"`
}

type Config struct {
	Server    string     `yaml:"server"`
	Username  string     `yaml:"username,omitempty"`
	Token     string     `yaml:"token,omitempty"`
	CourseID  string     `yaml:"course_id,omitempty"`
	ChapterID string     `yaml:"chapter_id,omitempty"`
	LogLevel  string     `yaml:"log_level,omitempty"`
	LogFile   string     `yaml:"log_file,omitempty"`
	Chat      ChatConfig `yaml:"chat,omitempty"`
	Poll      PollConfig `yaml:"poll,omitempty"`
	Profile   string     `yaml:"-"`
}

func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot find home directory: %w", err)
	}
	return filepath.Join(home, configDir), nil
}

func configPath(profile string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	filename := configFile
	if profile != "" {
		filename = fmt.Sprintf("config-%s.yaml", profile)
	}
	return filepath.Join(dir, filename), nil
}

// Load reads the profile's config file. A missing file yields an empty
// config. Environment overrides are applied on top.
func Load(profile string) (*Config, error) {
	path, err := configPath(profile)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg.Profile = profile
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("COURSECHAT_SERVER"); v != "" {
		c.Server = v
	}
	if v := os.Getenv("COURSECHAT_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("COURSECHAT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) Save() error {
	path, err := configPath(c.Profile)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// LogPath is where the log file goes when log_file is unset.
func (c *Config) LogPath() (string, error) {
	if c.LogFile != "" {
		return c.LogFile, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, logFile), nil
}

// StorePath is the profile's local transcript database.
func (c *Config) StorePath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	if c.Profile == "" {
		return filepath.Join(dir, storeFile), nil
	}
	return filepath.Join(dir, "history-"+c.Profile+".db"), nil
}

func (c *Config) PollInterval() time.Duration {
	if c.Poll.Interval <= 0 {
		return DefaultPollInterval
	}
	return c.Poll.Interval
}

func (c *Config) PollMaxAttempts() int {
	if c.Poll.MaxAttempts <= 0 {
		return DefaultPollMaxAttempts
	}
	return c.Poll.MaxAttempts
}

func (c *Config) profileFlag() string {
	if c.Profile == "" {
		return ""
	}
	return " --profile " + c.Profile
}

func (c *Config) Validate() error {
	pf := c.profileFlag()
	if c.Server == "" {
		return fmt.Errorf("not logged in. Run: coursechat%s login <server-url> -u <username> -p <password>", pf)
	}
	if c.Token == "" {
		return fmt.Errorf("not authenticated. Run: coursechat%s login <server-url> -u <username> -p <password>", pf)
	}
	switch strings.ToLower(c.Chat.DeltaMode) {
	case "", "replace", "append":
	default:
		return fmt.Errorf("invalid chat.delta_mode %q. Run: coursechat%s set delta-mode replace|append", c.Chat.DeltaMode, pf)
	}
	return nil
}

func (c *Config) ValidateChapter() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.CourseID == "" {
		return fmt.Errorf("course not set. Run: coursechat%s set course <id>", c.profileFlag())
	}
	if c.ChapterID == "" {
		return fmt.Errorf("chapter not set. Run: coursechat%s set chapter <id>", c.profileFlag())
	}
	return nil
}

func ListProfiles() ([]string, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading config directory: %w", err)
	}
	var profiles []string
	for _, e := range entries {
		name := e.Name()
		if name == configFile {
			profiles = append(profiles, "default")
			continue
		}
		if strings.HasPrefix(name, "config-") && strings.HasSuffix(name, ".yaml") {
			profiles = append(profiles, strings.TrimSuffix(strings.TrimPrefix(name, "config-"), ".yaml"))
		}
	}
	return profiles, nil
}

func ProfileName(profile string) string {
	if profile == "" {
		return "default"
	}
	return profile
}
