package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
	"gopkg.in/yaml.v3"
)

// Sync window presets.
const (
	WindowAll       = "all"
	WindowOneMonth  = "one_month"
	WindowSixMonths = "six_months"
	WindowOneYear   = "one_year"
	WindowTwoYears  = "two_years"
)

// SyncWindow bounds the objects exposed to clients, relative to now.
type SyncWindow struct {
	// Start is how far back the window reaches: one_month (default), six_months,
	// one_year or all.
	Start string `yaml:"start" json:"start"`
	// End is how far ahead the window reaches: one_year (default), two_years or all.
	End string `yaml:"end" json:"end"`
}

// Resolve turns the presets into concrete boundaries, aligned to midnight UTC.
// "all" leaves the bound open.
func (w SyncWindow) Resolve(now time.Time) storage.TimeRange {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var r storage.TimeRange
	switch w.Start {
	case WindowAll:
	case WindowSixMonths:
		r.Start = day.AddDate(0, -6, 0)
	case WindowOneYear:
		r.Start = day.AddDate(-1, 0, 0)
	default:
		r.Start = day.AddDate(0, -1, 0)
	}
	switch w.End {
	case WindowAll:
	case WindowTwoYears:
		r.End = day.AddDate(2, 0, 0)
	default:
		r.End = day.AddDate(1, 0, 0)
	}
	return r
}

// FolderConfig seeds a calendar folder into the in-memory store.
type FolderConfig struct {
	ID           string `yaml:"id" json:"id"`
	Name         string `yaml:"name" json:"name"`
	Owner        string `yaml:"owner" json:"owner"`
	OwnerAddress string `yaml:"owner_address" json:"owner_address"`
	// Type is private (default), shared or public.
	Type string `yaml:"type" json:"type"`
}

// FolderType maps the configured type name.
func (f FolderConfig) FolderType() storage.FolderType {
	switch strings.ToLower(f.Type) {
	case "shared":
		return storage.FolderShared
	case "public":
		return storage.FolderPublic
	default:
		return storage.FolderPrivate
	}
}

// IdentityConfig seeds an internal user into the in-memory directory.
type IdentityConfig struct {
	EntityID string   `yaml:"entity_id" json:"entity_id"`
	Email    string   `yaml:"email" json:"email"`
	Aliases  []string `yaml:"aliases" json:"aliases"`
}

// UserConfig is a Basic-Auth account. Salt and Hash are hex encoded Argon2id
// values as printed by "caldav-bridge hash-password".
type UserConfig struct {
	Name string `yaml:"name" json:"name"`
	Salt string `yaml:"salt" json:"salt"`
	Hash string `yaml:"hash" json:"hash"`
	// Folders listed in the user's calendar home set.
	Folders []string `yaml:"folders" json:"folders"`
}

// Config is the top-level bridge configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" json:"listen"`
	// BasePath is the URL prefix the CalDAV tree is mounted under.
	BasePath string `yaml:"base_path" json:"base_path"`
	// Realm is announced in Basic-Auth challenges.
	Realm string `yaml:"realm" json:"realm"`

	// DSN selects the PostgreSQL store; empty runs the in-memory store.
	DSN string `yaml:"dsn" json:"dsn"`

	SyncWindow SyncWindow `yaml:"sync_window" json:"sync_window"`
	// StrictRange clamps client-supplied time ranges to the sync window.
	StrictRange bool `yaml:"strict_range" json:"strict_range"`

	// TombstoneRetention is how long deletions are remembered for sync
	// (Go duration syntax). Older sync tokens are rejected.
	TombstoneRetention string `yaml:"tombstone_retention" json:"tombstone_retention"`
	// PurgeCron schedules the tombstone purge (standard 5-field cron syntax).
	PurgeCron string `yaml:"purge_cron" json:"purge_cron"`

	// AttachmentBaseURL is where managed attachments are served from.
	AttachmentBaseURL string `yaml:"attachment_base_url" json:"attachment_base_url"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	Users      []UserConfig     `yaml:"users" json:"users"`
	Folders    []FolderConfig   `yaml:"folders" json:"folders"`
	Identities []IdentityConfig `yaml:"identities" json:"identities"`
}

// HomeFolders returns the configured home set of user.
func (c *Config) HomeFolders(user string) []string {
	for _, u := range c.Users {
		if u.Name == user {
			return u.Folders
		}
	}
	return nil
}

const (
	defaultListen    = "127.0.0.1:8080"
	defaultBasePath  = "/caldav/"
	defaultRealm     = "caldav-bridge"
	defaultRetention = 30 * 24 * time.Hour
	defaultPurgeCron = "0 3 * * *"
	defaultLogLevel  = "info"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:             defaultListen,
		BasePath:           defaultBasePath,
		Realm:              defaultRealm,
		SyncWindow:         SyncWindow{Start: WindowOneMonth, End: WindowOneYear},
		TombstoneRetention: defaultRetention.String(),
		PurgeCron:          defaultPurgeCron,
		LogLevel:           defaultLogLevel,
		Users:              []UserConfig{},
		Folders:            []FolderConfig{},
		Identities:         []IdentityConfig{},
	}
}

// Normalize fills in missing or invalid values so that partially filled
// configs still behave.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.BasePath == "" {
		c.BasePath = defaultBasePath
	}
	if !strings.HasPrefix(c.BasePath, "/") {
		c.BasePath = "/" + c.BasePath
	}
	if !strings.HasSuffix(c.BasePath, "/") {
		c.BasePath += "/"
	}
	if c.Realm == "" {
		c.Realm = defaultRealm
	}

	switch c.SyncWindow.Start {
	case WindowAll, WindowOneMonth, WindowSixMonths, WindowOneYear:
	default:
		c.SyncWindow.Start = WindowOneMonth
	}
	switch c.SyncWindow.End {
	case WindowAll, WindowOneYear, WindowTwoYears:
	default:
		c.SyncWindow.End = WindowOneYear
	}

	if d, err := time.ParseDuration(c.TombstoneRetention); err != nil || d <= 0 {
		c.TombstoneRetention = defaultRetention.String()
	}
	if c.PurgeCron == "" {
		c.PurgeCron = defaultPurgeCron
	}
	switch c.LogLevel = strings.ToLower(c.LogLevel); c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = defaultLogLevel
	}
	if c.Users == nil {
		c.Users = []UserConfig{}
	}
	if c.Folders == nil {
		c.Folders = []FolderConfig{}
	}
	if c.Identities == nil {
		c.Identities = []IdentityConfig{}
	}
}

// Retention is the parsed TombstoneRetention.
func (c *Config) Retention() time.Duration {
	d, err := time.ParseDuration(c.TombstoneRetention)
	if err != nil || d <= 0 {
		return defaultRetention
	}
	return d
}

// Load loads configuration from the given YAML path. A missing file is created
// with the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes cfg to path atomically with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".caldav-bridge-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
