package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pterm/pterm"
	"gopkg.in/yaml.v3"

	"github.com/melih-ucgun/xcurl/internal/crypto"
)

const (
	EnvHostsFile = "XCURL_HOSTS"
	EnvMasterKey = "XCURL_MASTER_KEY"
)

// Config represents the root structure of hosts.yaml.
type Config struct {
	Defaults Host     `yaml:"defaults"`
	Hosts    []Host   `yaml:"hosts"`
	Includes []string `yaml:"includes"` // Other host files to merge
}

// Host holds connection settings for the remote hosts it matches.
type Host struct {
	Name           string        `yaml:"name"`    // Exact host name
	Pattern        string        `yaml:"pattern"` // Glob over the URL host
	When           string        `yaml:"when"`    // Extra condition, see Target
	Address        string        `yaml:"address"`
	Port           int           `yaml:"port"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"` // Plain or ENC[...]
	KeyPath        string        `yaml:"key"`
	Insecure       bool          `yaml:"insecure"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DefaultPath returns $XCURL_HOSTS or ~/.xcurl/hosts.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvHostsFile); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".xcurl", "hosts.yaml")
}

// LoadDefault loads the default hosts file. A missing file yields an empty
// configuration.
func LoadDefault() (*Config, error) {
	path := DefaultPath()
	if path == "" {
		return &Config{}, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return &Config{}, nil
	}
	return LoadConfig(path)
}

// LoadConfig reads the YAML file at path, merges its includes, expands
// environment variables and decrypts secrets.
func LoadConfig(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	// a .env next to the hosts file provides variables for expansion
	envPath := filepath.Join(filepath.Dir(absPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	visited := make(map[string]bool)
	cfg, err := loadConfigRecursive(absPath, visited)
	if err != nil {
		return nil, err
	}

	expandConfig(cfg)
	if err := decryptConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadConfigRecursive(path string, visited map[string]bool) (*Config, error) {
	if visited[path] {
		return &Config{}, nil
	}
	visited[path] = true

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("file read error (%s): %w", path, err)
	}
	if len(data) == 0 {
		return &Config{}, nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("yaml parse error (%s): %w", path, err)
	}

	// entries of the including file win: they are matched first
	baseDir := filepath.Dir(path)
	for _, inc := range cfg.Includes {
		incPath := os.ExpandEnv(inc)
		if !filepath.IsAbs(incPath) {
			incPath = filepath.Join(baseDir, incPath)
		}
		sub, err := loadConfigRecursive(filepath.Clean(incPath), visited)
		if err != nil {
			return nil, err
		}
		cfg.Hosts = append(cfg.Hosts, sub.Hosts...)
	}
	cfg.Includes = nil

	return &cfg, nil
}

// expandConfig performs env var substitution on every string setting.
func expandConfig(cfg *Config) {
	expandHost(&cfg.Defaults)
	for i := range cfg.Hosts {
		expandHost(&cfg.Hosts[i])
	}
}

func expandHost(h *Host) {
	h.Address = os.ExpandEnv(h.Address)
	h.User = os.ExpandEnv(h.User)
	h.KeyPath = expandHome(os.ExpandEnv(h.KeyPath))
	if !crypto.IsEncrypted(h.Password) {
		h.Password = os.ExpandEnv(h.Password)
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Security & Decryption

func decryptConfig(cfg *Config) error {
	if !hasEncryptedContent(cfg) {
		return nil
	}

	key := getMasterKey()
	if key == "" {
		return fmt.Errorf("hosts file has encrypted passwords but %s is not set", EnvMasterKey)
	}

	if err := decryptHost(&cfg.Defaults, key); err != nil {
		return err
	}
	for i := range cfg.Hosts {
		if err := decryptHost(&cfg.Hosts[i], key); err != nil {
			return err
		}
	}
	return nil
}

func decryptHost(h *Host, key string) error {
	if !crypto.IsEncrypted(h.Password) {
		return nil
	}
	val, err := crypto.Decrypt(h.Password, key)
	if err != nil {
		return fmt.Errorf("password of host %q: %w", h.label(), err)
	}
	h.Password = val
	return nil
}

func hasEncryptedContent(cfg *Config) bool {
	if crypto.IsEncrypted(cfg.Defaults.Password) {
		return true
	}
	for _, h := range cfg.Hosts {
		if crypto.IsEncrypted(h.Password) {
			return true
		}
	}
	return false
}

func getMasterKey() string {
	// 1. Env Var
	if key := os.Getenv(EnvMasterKey); key != "" {
		return key
	}

	// 2. File (~/.xcurl/master.key)
	if home, err := os.UserHomeDir(); err == nil {
		keyPath := filepath.Join(home, ".xcurl", "master.key")
		if content, err := os.ReadFile(keyPath); err == nil {
			return strings.TrimSpace(string(content))
		}
	}

	// 3. Interactive Prompt
	if isInteractive() {
		pterm.Warning.Println("Encrypted passwords found but " + EnvMasterKey + " is not set.")
		key, err := pterm.DefaultInteractiveTextInput.
			WithMask("*").
			WithDefaultText("Enter master key").
			Show()
		if err == nil && key != "" {
			return key
		}
	}

	return ""
}

func isInteractive() bool {
	fileInfo, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

func (h Host) label() string {
	if h.Name != "" {
		return h.Name
	}
	if h.Pattern != "" {
		return h.Pattern
	}
	return "defaults"
}

// Match returns the settings that apply to t: the first host entry whose name
// or pattern matches t.Host and whose condition holds, laid over Defaults.
// ok is false when only Defaults apply.
func (c *Config) Match(t Target) (Host, bool, error) {
	for _, h := range c.Hosts {
		if !h.matchesName(t.Host) {
			continue
		}
		hit, err := EvaluateCondition(h.When, t)
		if err != nil {
			return Host{}, false, fmt.Errorf("host %q: %w", h.label(), err)
		}
		if hit {
			return merge(c.Defaults, h), true, nil
		}
	}
	return c.Defaults, false, nil
}

func (h Host) matchesName(host string) bool {
	if h.Name != "" && h.Name == host {
		return true
	}
	if h.Pattern != "" {
		ok, err := filepath.Match(h.Pattern, host)
		return err == nil && ok
	}
	return false
}

// merge lays the non-zero settings of h over base.
func merge(base, h Host) Host {
	out := base
	out.Name, out.Pattern, out.When = h.Name, h.Pattern, h.When
	if h.Address != "" {
		out.Address = h.Address
	}
	if h.Port != 0 {
		out.Port = h.Port
	}
	if h.User != "" {
		out.User = h.User
	}
	if h.Password != "" {
		out.Password = h.Password
	}
	if h.KeyPath != "" {
		out.KeyPath = h.KeyPath
	}
	if h.Insecure {
		out.Insecure = true
	}
	if h.ConnectTimeout != 0 {
		out.ConnectTimeout = h.ConnectTimeout
	}
	return out
}
