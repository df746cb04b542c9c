package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models a competition template. The task and team topology is
// fixed for every run created from it.
type Config struct {
	Competition struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"competition"`
	Teams   []Team  `yaml:"teams"`
	Tasks   []Task  `yaml:"tasks"`
	Staff   []Staff `yaml:"staff"`
	Judging struct {
		ClaimTimeout time.Duration `yaml:"claim_timeout"`
	} `yaml:"judging"`
	Sync struct {
		PingInterval   time.Duration `yaml:"ping_interval"`
		MaxMissedPings int           `yaml:"max_missed_pings"`
		OutboxSize     int           `yaml:"outbox_size"`
	} `yaml:"sync"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type Team struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Members []string `yaml:"members"`
}

type Task struct {
	Name     string        `yaml:"name"`
	Duration time.Duration `yaml:"duration"`
	// Teams restricts participation; empty means every team.
	Teams     []string  `yaml:"teams"`
	Validator Validator `yaml:"validator"`
	Scorer    Scorer    `yaml:"scorer"`
	// LockOutAfterCorrect rejects a team's submissions once it has a
	// correct one.
	LockOutAfterCorrect bool `yaml:"lock_out_after_correct"`
}

type Validator struct {
	Kind     string    `yaml:"kind"`
	Answers  []string  `yaml:"answers"`
	Items    []string  `yaml:"items"`
	Segments []Segment `yaml:"segments"`
}

type Segment struct {
	Item    string `yaml:"item"`
	StartMS int64  `yaml:"start_ms"`
	EndMS   int64  `yaml:"end_ms"`
}

type Scorer struct {
	Kind             string   `yaml:"kind"`
	MaxPoints        float64  `yaml:"max_points"`
	MinPoints        float64  `yaml:"min_points"`
	PenaltyPerWrong  *float64 `yaml:"penalty_per_wrong"`
	PointsPerCorrect float64  `yaml:"points_per_correct"`
}

// Staff grants roles to non-participant actors.
type Staff struct {
	Actor string   `yaml:"actor"`
	Roles []string `yaml:"roles"`
}

type Webhook struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

var (
	validatorKinds = map[string]bool{"": true, "exact": true, "set": true, "temporal": true, "judge": true}
	scorerKinds    = map[string]bool{"": true, "kis": true, "avs": true}
	roles          = map[string]bool{"admin": true, "judge": true, "viewer": true, "participant": true}
)

// Validate ensures the template meets required structure.
func (c *Config) Validate() error {
	if c.Competition.ID == "" {
		return fmt.Errorf("config.competition.id is required")
	}
	if len(c.Teams) == 0 {
		return fmt.Errorf("config.teams must not be empty")
	}
	teams := map[string]bool{}
	for _, t := range c.Teams {
		if t.ID == "" {
			return fmt.Errorf("config.teams contains empty team id")
		}
		if teams[t.ID] {
			return fmt.Errorf("duplicate team id %s", t.ID)
		}
		teams[t.ID] = true
		for _, m := range t.Members {
			if m == "" {
				return fmt.Errorf("team %s has empty member id", t.ID)
			}
		}
	}
	if len(c.Tasks) == 0 {
		return fmt.Errorf("config.tasks must not be empty")
	}
	tasks := map[string]bool{}
	for _, t := range c.Tasks {
		if t.Name == "" {
			return fmt.Errorf("config.tasks contains empty task name")
		}
		if tasks[t.Name] {
			return fmt.Errorf("duplicate task name %s", t.Name)
		}
		tasks[t.Name] = true
		if t.Duration <= 0 {
			return fmt.Errorf("task %s: duration must be positive", t.Name)
		}
		for _, team := range t.Teams {
			if !teams[team] {
				return fmt.Errorf("task %s references unknown team %s", t.Name, team)
			}
		}
		if !validatorKinds[t.Validator.Kind] {
			return fmt.Errorf("task %s: unknown validator %q", t.Name, t.Validator.Kind)
		}
		if !scorerKinds[t.Scorer.Kind] {
			return fmt.Errorf("task %s: unknown scorer %q", t.Name, t.Scorer.Kind)
		}
	}
	for _, s := range c.Staff {
		if s.Actor == "" {
			return fmt.Errorf("config.staff contains empty actor")
		}
		for _, r := range s.Roles {
			if !roles[r] {
				return fmt.Errorf("staff %s has unknown role %s", s.Actor, r)
			}
		}
	}
	if c.Judging.ClaimTimeout < 0 {
		return fmt.Errorf("config.judging.claim_timeout must not be negative")
	}
	if c.Sync.MaxMissedPings < 0 || c.Sync.OutboxSize < 0 || c.Sync.PingInterval < 0 {
		return fmt.Errorf("config.sync values must not be negative")
	}
	for _, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("config.webhooks contains empty url")
		}
	}
	return nil
}

// Task returns the task definition by name.
func (c *Config) Task(name string) (Task, bool) {
	for _, t := range c.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return Task{}, false
}

// TaskTeams resolves the participating teams of a task.
func (c *Config) TaskTeams(t Task) []string {
	if len(t.Teams) > 0 {
		return append([]string(nil), t.Teams...)
	}
	out := make([]string, 0, len(c.Teams))
	for _, team := range c.Teams {
		out = append(out, team.ID)
	}
	return out
}

// GenerateDefault returns default template YAML.
func GenerateDefault(competitionID string) string {
	return fmt.Sprintf(defaultTemplate, competitionID)
}

// Default returns the default template for a competition id.
func Default(competitionID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(competitionID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates a template from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid template yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads a YAML template from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `competition:
  id: %s
  name: "Demo retrieval competition"

teams:
  - id: red
    name: "Red"
    members: [red-1, red-2]
  - id: blue
    name: "Blue"
    members: [blue-1, blue-2]

staff:
  - actor: admin
    roles: [admin]
  - actor: judge-1
    roles: [judge]

tasks:
  - name: kis-1
    duration: 5m
    validator:
      kind: temporal
      segments:
        - item: v00042
          start_ms: 12000
          end_ms: 18500
    scorer:
      kind: kis
    lock_out_after_correct: true
  - name: qa-1
    duration: 3m
    validator:
      kind: exact
      answers: ["eiffel tower"]
    scorer:
      kind: kis
    lock_out_after_correct: true
  - name: avs-1
    duration: 5m
    validator:
      kind: judge
    scorer:
      kind: avs

judging:
  claim_timeout: 2m

sync:
  ping_interval: 10s
  max_missed_pings: 3
  outbox_size: 64
`
