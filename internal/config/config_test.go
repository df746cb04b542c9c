package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultTemplateIsValid(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("demo")))
	if err != nil {
		t.Fatalf("default template: %v", err)
	}
	if cfg.Competition.ID != "demo" {
		t.Fatalf("expected id demo, got %s", cfg.Competition.ID)
	}
	task, ok := cfg.Task("kis-1")
	if !ok || task.Duration != 5*time.Minute {
		t.Fatalf("expected kis-1 with 5m duration, got %+v", task)
	}
	if got := cfg.TaskTeams(task); len(got) != 2 {
		t.Fatalf("expected all teams, got %v", got)
	}
	if cfg.Judging.ClaimTimeout != 2*time.Minute || cfg.Sync.PingInterval != 10*time.Second {
		t.Fatalf("durations not decoded: %+v %+v", cfg.Judging, cfg.Sync)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown team": `competition: {id: c}
teams: [{id: a}]
tasks: [{name: t, duration: 1m, teams: [b]}]`,
		"zero duration": `competition: {id: c}
teams: [{id: a}]
tasks: [{name: t}]`,
		"bad validator": `competition: {id: c}
teams: [{id: a}]
tasks: [{name: t, duration: 1m, validator: {kind: fuzzy}}]`,
		"duplicate team": `competition: {id: c}
teams: [{id: a}, {id: a}]
tasks: [{name: t, duration: 1m}]`,
		"bad role": `competition: {id: c}
teams: [{id: a}]
tasks: [{name: t, duration: 1m}]
staff: [{actor: x, roles: [root]}]`,
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if _, err := FromYAML([]byte("competition: [")); err == nil || !strings.Contains(err.Error(), "invalid template yaml") {
		t.Fatalf("expected yaml error, got %v", err)
	}
}
