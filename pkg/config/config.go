// Package config loads the detection engine's YAML policy file using
// koanf with a file provider and a YAML parser.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/uninett/sipade/internal/errs"
)

// Database names the connection parameters for one of the three logical
// Postgres databases (cdr, threshold, alert), matching the source's
// per-database node lookup ("<name>.host", "<name>.username", ...).
type Database struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"database-name"`
	Table    string `yaml:"table"`
}

// ConnString builds a libpq-style connection string for pgx.
func (d Database) ConnString() string {
	host, port, user, db := d.Host, d.Port, d.Username, d.DBName
	if host == "" {
		host = "localhost"
	}
	if port == "" {
		port = "5432"
	}
	if user == "" {
		user = "postgres"
	}
	if db == "" {
		db = "mydb"
	}
	if d.Password != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, d.Password, host, port, db)
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=disable", user, host, port, db)
}

// Algo carries the Hellinger engine's tunable scalars and floors.
type Algo struct {
	IntervalMinutes     int     `yaml:"interval"`
	Sensitivity         float64 `yaml:"sensitivity"`
	Adaptability        float64 `yaml:"adaptability"`
	ThresholdRestore    bool    `yaml:"threshold-restore"`
	CallFreqFloor       uint64  `yaml:"call-freq"`
	CallDurationFloorMin int    `yaml:"call-duration"`
}

// CallDuration holds the per-category duration thresholds used by the
// alert predicate, in minutes as configured. Load keeps them in minutes;
// the caller converts them to seconds for the controller.
type CallDuration struct {
	MobileMin        int `yaml:"mobile"`
	InternationalMin int `yaml:"international"`
	PremiumMin       int `yaml:"premium"`
}

// OfficeTime holds the business-hours window. StartHour is stored
// pre-decremented by one so the predicate can use a uniform strict ">"
// comparison on both ends.
type OfficeTime struct {
	StartHour int `yaml:"start_time"`
	EndHour   int `yaml:"end_time"`
}

// Alert controls how anomalies get surfaced.
type Alert struct {
	Mode         string `yaml:"mode"` // "syslog" | "hobbit" | "both"
	File         string `yaml:"file"`
	RedisStream  bool   `yaml:"redis-stream"`
	RedisAddr    string `yaml:"redis-addr"`
	RedisChannel string `yaml:"redis-channel"`
}

// Admin controls the optional operational HTTP surface.
type Admin struct {
	Addr string `yaml:"addr"`
}

// Config is the fully parsed policy file.
type Config struct {
	TrainingPeriodMinutes uint64 `yaml:"training-period"`
	Algo                  Algo   `yaml:"ad-algo"`
	RunMode               string `yaml:"run-mode"`
	CallDuration          CallDuration `yaml:"call-duration"`
	OfficeTime            OfficeTime   `yaml:"office-time"`
	Institution           string       `yaml:"institution"`
	CallType              string       `yaml:"call-type"`
	InitialTimestamp      string       `yaml:"initial-timestamp"`
	DetectionStartTS      string       `yaml:"detection-start-ts"`
	EndingDate            string       `yaml:"ending-date"`

	CDRDatabase       Database `yaml:"cdr-database"`
	ThresholdDatabase Database `yaml:"threshold-database"`
	AlertDatabase     Database `yaml:"alert-database"`

	Alert Alert `yaml:"alert"`
	Admin Admin `yaml:"admin"`
}

const (
	defaultTrainingPeriodMinutes = 10080
	defaultInterval              = 10
	defaultSensitivity           = 1.2
	defaultAdaptability          = 0.5
	defaultMobileDurationMin     = 60
	defaultInternationalDurMin   = 40
	defaultPremiumDurationMin    = 60
	defaultOfficeStart           = 8
	defaultOfficeEnd             = 16
	defaultAdminAddr             = ":8090"
)

func applyDefaults(c *Config) {
	if c.TrainingPeriodMinutes == 0 {
		c.TrainingPeriodMinutes = defaultTrainingPeriodMinutes
	}
	if c.Algo.IntervalMinutes == 0 {
		c.Algo.IntervalMinutes = defaultInterval
	}
	if c.Algo.Sensitivity == 0 {
		c.Algo.Sensitivity = defaultSensitivity
	}
	if c.Algo.Adaptability == 0 {
		c.Algo.Adaptability = defaultAdaptability
	}
	if c.RunMode == "" {
		c.RunMode = "offline"
	}
	if c.CallDuration.MobileMin == 0 {
		c.CallDuration.MobileMin = defaultMobileDurationMin
	}
	if c.CallDuration.InternationalMin == 0 {
		c.CallDuration.InternationalMin = defaultInternationalDurMin
	}
	if c.CallDuration.PremiumMin == 0 {
		c.CallDuration.PremiumMin = defaultPremiumDurationMin
	}
	if c.OfficeTime.StartHour == 0 {
		c.OfficeTime.StartHour = defaultOfficeStart
	}
	if c.OfficeTime.EndHour == 0 {
		c.OfficeTime.EndHour = defaultOfficeEnd
	}
	// office-time.start_time is configured as the literal hour; store it
	// pre-decremented to match the source's convention.
	c.OfficeTime.StartHour--
	if c.Alert.Mode == "" {
		c.Alert.Mode = "syslog"
	}
	if c.Alert.File == "" {
		c.Alert.File = "/var/log/sipade/alert.log"
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = defaultAdminAddr
	}
	// threshold-restore defaults to "yes" (enabled) unless a policy file
	// explicitly disables it. That default cannot be applied here, since a
	// false value does not tell an absent key from an explicit "no"; Load
	// pre-seeds the field to true before unmarshalling instead.
}

// Load reads and validates the YAML policy file at path.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	var cfg Config
	cfg.Algo.ThresholdRestore = true // pre-seed so UnmarshalWithConf only overrides when explicit
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, errs.New(errs.ConfigInvalid, "config validate", err)
	}
	return &cfg, nil
}

func validate(c *Config) error {
	if strings.TrimSpace(c.Institution) == "" {
		return fmt.Errorf("config: institution is required")
	}
	if strings.TrimSpace(c.CallType) == "" {
		return fmt.Errorf("config: call-type is required and must name at least one calltype")
	}
	if strings.EqualFold(c.RunMode, "offline") {
		if strings.TrimSpace(c.EndingDate) == "" {
			return fmt.Errorf("config: ending-date is required when run-mode is offline")
		}
		if _, err := ParseTimestamp(c.EndingDate); err != nil {
			return fmt.Errorf("config: ending-date: %w", err)
		}
	}
	if c.InitialTimestamp != "" {
		if _, err := ParseTimestamp(c.InitialTimestamp); err != nil {
			return fmt.Errorf("config: initial-timestamp: %w", err)
		}
	}
	if c.DetectionStartTS != "" {
		if _, err := ParseTimestamp(c.DetectionStartTS); err != nil {
			return fmt.Errorf("config: detection-start-ts: %w", err)
		}
	}
	return nil
}

// timestampLayout matches the source's strftime/strptime format "%F %H:%M:%S".
const timestampLayout = "2006-01-02 15:04:05"

// ParseTimestamp parses a config timestamp in the source's "%F %H:%M:%S" layout.
func ParseTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation(timestampLayout, s, time.Local)
}

// FormatTimestamp renders t in the source's "%F %H:%M:%S" layout.
func FormatTimestamp(t time.Time) string {
	return t.Format(timestampLayout)
}

// IsOnline reports whether the configured run mode is "online".
func (c *Config) IsOnline() bool { return strings.EqualFold(c.RunMode, "online") }
