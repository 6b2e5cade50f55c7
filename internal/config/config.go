// Package config holds the process configuration (YAML file + environment
// overrides) and the per-run configuration submitted through the dashboard.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects how the orchestrator treats computed clicks.
type Mode string

const (
	// ModeNormal fills forms without confirmation.
	ModeNormal Mode = "normal"
	// ModeWatch logs planned clicks without performing them.
	ModeWatch Mode = "watch"
	// ModeLearning asks the operator to confirm or correct each click.
	ModeLearning Mode = "learning"
	// ModeReportSending validates filled tables and triggers report creation.
	ModeReportSending Mode = "report-sending"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeNormal, ModeWatch, ModeLearning, ModeReportSending:
		return true
	}
	return false
}

// Credentials are the target-site login credentials for a run.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RunConfig is the operator's configuration for one run. It is immutable for
// the duration of the run after start; MaxFarms is the sole exception and may
// be increased mid-run through the control plane.
type RunConfig struct {
	Manager     string      `json:"manager"`
	Mode        Mode        `json:"mode"`
	StartFrom   int         `json:"startFrom"` // 1-based farm index, 0 = all
	MaxFarms    int         `json:"maxFarms"`
	Credentials Credentials `json:"credentials"`
}

// Validate checks a submitted run configuration.
func (c *RunConfig) Validate() error {
	if c.Manager == "" {
		return fmt.Errorf("manager is required")
	}
	if c.Mode == "" {
		c.Mode = ModeNormal
	}
	if !c.Mode.Valid() {
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.StartFrom < 0 {
		return fmt.Errorf("startFrom must be >= 0, got %d", c.StartFrom)
	}
	if c.MaxFarms < 0 {
		return fmt.Errorf("maxFarms must be >= 0, got %d", c.MaxFarms)
	}
	return nil
}

// App is the process configuration. Fields are pointers so a partial YAML
// file only overrides what it names; the Get* accessors supply defaults.
type App struct {
	ListenPort   *int    `yaml:"listen_port,omitempty"`
	SiteBaseURL  *string `yaml:"site_base_url,omitempty"`
	Headless     *bool   `yaml:"headless,omitempty"`
	TrainingMode *bool   `yaml:"training_mode,omitempty"`
	Timezone     *string `yaml:"timezone,omitempty"`
	DaysBack     *int    `yaml:"days_back,omitempty"`

	DataDir        *string `yaml:"data_dir,omitempty"`
	TrainingPath   *string `yaml:"training_path,omitempty"`
	JournalPath    *string `yaml:"journal_path,omitempty"`
	ScreenshotDir  *string `yaml:"screenshot_dir,omitempty"`
	CrashReportDir *string `yaml:"crash_report_dir,omitempty"`
	ArchivePath    *string `yaml:"archive_path,omitempty"`
	MigrationsDir  *string `yaml:"migrations_dir,omitempty"`
}

// Load reads an App config from a YAML file and applies environment
// overrides. A missing file yields the defaults.
func Load(path string) (*App, error) {
	cfg := &App{}
	if path != "" {
		clean := filepath.Clean(path)
		if ext := filepath.Ext(clean); ext != ".yaml" && ext != ".yml" {
			return nil, fmt.Errorf("config file must be YAML, got %q", ext)
		}
		data, err := os.ReadFile(clean)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv maps the documented environment variables onto the config.
func (c *App) applyEnv() {
	if v, ok := boolEnv("HEADLESS"); ok {
		c.Headless = &v
	}
	if v, ok := boolEnv("TRAINING_MODE"); ok {
		c.TrainingMode = &v
	}
}

func boolEnv(key string) (bool, bool) {
	switch os.Getenv(key) {
	case "true", "1":
		return true, true
	case "false", "0":
		return false, true
	}
	return false, false
}

// GetListenPort returns the control-plane base port. The server increments
// from here when the port is taken.
func (c *App) GetListenPort() int {
	if c.ListenPort == nil {
		return 3000
	}
	return *c.ListenPort
}

// GetSiteBaseURL returns the target dashboard origin.
func (c *App) GetSiteBaseURL() string {
	if c.SiteBaseURL == nil {
		return "https://dashboard.example.co.kr"
	}
	return *c.SiteBaseURL
}

// GetHeadless reports whether the browser runs headless.
func (c *App) GetHeadless() bool {
	if c.Headless == nil {
		return true
	}
	return *c.Headless
}

// GetTrainingMode reports whether runs default to learning mode.
func (c *App) GetTrainingMode() bool {
	if c.TrainingMode == nil {
		return false
	}
	return *c.TrainingMode
}

// GetTimezone returns the site timezone name.
func (c *App) GetTimezone() string {
	if c.Timezone == nil {
		return "Asia/Seoul"
	}
	return *c.Timezone
}

// GetDaysBack returns how many days each farm covers, counting today.
// The default window is T−5 through T−0.
func (c *App) GetDaysBack() int {
	if c.DaysBack == nil || *c.DaysBack < 1 {
		return 6
	}
	return *c.DaysBack
}

// GetDataDir returns where per-run output files are written.
func (c *App) GetDataDir() string {
	if c.DataDir == nil {
		return "data"
	}
	return *c.DataDir
}

// GetTrainingPath returns the training-data file path.
func (c *App) GetTrainingPath() string {
	if c.TrainingPath == nil {
		return "training/training-data.json"
	}
	return *c.TrainingPath
}

// GetJournalPath returns the run-journal file path.
func (c *App) GetJournalPath() string {
	if c.JournalPath == nil {
		return "history/run_logs.json"
	}
	return *c.JournalPath
}

// GetScreenshotDir returns where page screenshots are saved.
func (c *App) GetScreenshotDir() string {
	if c.ScreenshotDir == nil {
		return "screenshots"
	}
	return *c.ScreenshotDir
}

// GetCrashReportDir returns where crash report directories are created.
func (c *App) GetCrashReportDir() string {
	if c.CrashReportDir == nil {
		return "crash-reports"
	}
	return *c.CrashReportDir
}

// GetArchivePath returns the sqlite capture-archive path.
func (c *App) GetArchivePath() string {
	if c.ArchivePath == nil {
		return filepath.Join(c.GetDataDir(), "archive.db")
	}
	return *c.ArchivePath
}

// GetMigrationsDir returns the archive migrations directory.
func (c *App) GetMigrationsDir() string {
	if c.MigrationsDir == nil {
		return "migrations"
	}
	return *c.MigrationsDir
}

// EnsureDirs creates the working directories on boot.
func (c *App) EnsureDirs() error {
	for _, dir := range []string{
		c.GetDataDir(),
		filepath.Dir(c.GetTrainingPath()),
		filepath.Dir(c.GetJournalPath()),
		c.GetScreenshotDir(),
		c.GetCrashReportDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Timeout contract for browser interactions. Hard deadlines; on expiry the
// surrounding state machine takes its failure branch.
const (
	NavigationTimeout  = 15 * time.Second
	NetworkIdleTimeout = 15 * time.Second
	CaptureTimeout     = 15 * time.Second
	ChartRenderTimeout = 10 * time.Second
	LoginDetectTimeout = 10 * time.Second
	PostLoginTimeout   = 15 * time.Second
)
