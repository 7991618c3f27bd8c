package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"leadline/internal/logging"
)

// Config models leadline.yml. Every component receives the part it needs at
// construction time; nothing reads tunables from the database.
type Config struct {
	Databases struct {
		Companies string `yaml:"companies"`
		Outreach  string `yaml:"outreach"`
	} `yaml:"databases"`
	Targeting Targeting      `yaml:"targeting"`
	Sending   Sending        `yaml:"sending"`
	Transport Transport      `yaml:"transport"`
	Server    Server         `yaml:"server"`
	Schedule  Schedule       `yaml:"schedule"`
	Logging   logging.Config `yaml:"logging"`
}

// Targeting holds defaults for the targeting selector. CLI flags override them per run.
type Targeting struct {
	WebsiteStatus  string              `yaml:"website_status"`
	EmailStatus    string              `yaml:"email_status"`
	RequireSNI     bool                `yaml:"require_sni"`
	ExcludeDNC     bool                `yaml:"exclude_dnc"`
	SNIMatch       string              `yaml:"sni_match"`
	MatchMode      string              `yaml:"match_mode"`
	StaggerMinutes int                 `yaml:"stagger_minutes"`
	Limit          int                 `yaml:"limit"`
	Bonus          Bonus               `yaml:"bonus"`
	SNIGroups      map[string][]string `yaml:"sni_groups"`
}

// Bonus points added to a candidate's score for positive optional signals.
type Bonus struct {
	Tech    float64 `yaml:"tech"`
	Reviews float64 `yaml:"reviews"`
}

// Sending holds defaults for the send-state machine.
type Sending struct {
	MinDelayHours int  `yaml:"min_delay_hours"`
	MaxDelayHours int  `yaml:"max_delay_hours"`
	TierPriority  bool `yaml:"tier_priority"`
	ScorePriority bool `yaml:"score_priority"`
	Limit         int  `yaml:"limit"`
}

// Transport selects how non-dry-run campaigns deliver mail.
type Transport struct {
	Kind string `yaml:"kind"`
	SES  struct {
		Region    string `yaml:"region"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
	} `yaml:"ses"`
}

// Server configures `leadline serve`. The JWT secret normally comes from
// LEADLINE_JWT_SECRET rather than the file.
type Server struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Schedule configures `leadline schedule`.
type Schedule struct {
	Spec         string   `yaml:"spec"`
	Campaigns    []string `yaml:"campaigns"`
	AdvanceState bool     `yaml:"advance_state"`
}

const (
	MatchStrict     = "strict"
	MatchBestEffort = "best-effort"

	SNIPrefix = "prefix"
	SNIExact  = "exact"

	TransportNone = "none"
	TransportSES  = "ses"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with leadline config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the workspace has no config file.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Databases.Companies) == "" {
		return fmt.Errorf("config.databases.companies is required")
	}
	if strings.TrimSpace(c.Databases.Outreach) == "" {
		return fmt.Errorf("config.databases.outreach is required")
	}
	t := c.Targeting
	switch t.SNIMatch {
	case SNIPrefix, SNIExact:
	default:
		return fmt.Errorf("config.targeting.sni_match must be %q or %q", SNIPrefix, SNIExact)
	}
	switch t.MatchMode {
	case MatchStrict, MatchBestEffort:
	default:
		return fmt.Errorf("config.targeting.match_mode must be %q or %q", MatchStrict, MatchBestEffort)
	}
	if t.StaggerMinutes < 0 {
		return fmt.Errorf("config.targeting.stagger_minutes must be >= 0")
	}
	if t.Limit < 0 {
		return fmt.Errorf("config.targeting.limit must be >= 0")
	}
	for name, codes := range t.SNIGroups {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.targeting.sni_groups contains empty group name")
		}
		if len(codes) == 0 {
			return fmt.Errorf("sni group %s has no codes", name)
		}
		for _, code := range codes {
			if strings.TrimSpace(code) == "" {
				return fmt.Errorf("sni group %s has empty code", name)
			}
		}
	}
	s := c.Sending
	if s.MinDelayHours < 0 || s.MaxDelayHours < 0 {
		return fmt.Errorf("config.sending delay hours must be >= 0")
	}
	if s.MaxDelayHours < s.MinDelayHours {
		return fmt.Errorf("config.sending.max_delay_hours must be >= min_delay_hours")
	}
	if s.Limit < 0 {
		return fmt.Errorf("config.sending.limit must be >= 0")
	}
	switch c.Transport.Kind {
	case "", TransportNone:
	case TransportSES:
		if strings.TrimSpace(c.Transport.SES.Region) == "" {
			return fmt.Errorf("config.transport.ses.region is required")
		}
	default:
		return fmt.Errorf("config.transport.kind %q is not supported", c.Transport.Kind)
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	for _, name := range c.Schedule.Campaigns {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.schedule.campaigns contains an empty name")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "leadline.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config from raw YAML bytes on top of the defaults, then validates it.
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

// SNIGroup returns the codes of a named group.
func (t Targeting) SNIGroup(name string) ([]string, bool) {
	codes, ok := t.SNIGroups[name]
	return codes, ok
}

const defaultTemplate = `databases:
  companies: companies.db.sqlite
  outreach: outreach.db.sqlite

targeting:
  website_status: found
  email_status: found
  require_sni: true
  exclude_dnc: true
  sni_match: prefix
  match_mode: strict
  stagger_minutes: 2
  limit: 0
  bonus:
    tech: 10
    reviews: 10
  sni_groups:
    it: ["62", "63"]
    construction: ["41", "42", "43"]
    manufacturing: ["10", "11", "13", "14", "15", "16", "17", "18", "20", "22", "25", "28", "31", "32", "33"]
    wholesale: ["46"]
    consulting: ["70", "71", "73", "74"]

sending:
  min_delay_hours: 72
  max_delay_hours: 120
  tier_priority: true
  score_priority: true
  limit: 50

transport:
  kind: none

server:
  addr: 127.0.0.1:8080
  base_path: /v1

schedule:
  spec: "0 8 * * 1-5"
  campaigns: []
  advance_state: true

logging:
  level: info
`
