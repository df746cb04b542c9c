package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"arena/internal/config"
	"arena/internal/domain"
	"arena/internal/events"
	"arena/internal/repo"
)

// ResolveTemplate loads a stored competition template. With no id it picks
// the only template in the database.
func ResolveTemplate(ctx context.Context, templateID string, r repo.Repo) (string, *config.Config, error) {
	if templateID == "" {
		templates, err := r.ListTemplates(ctx)
		if err != nil {
			return "", nil, err
		}
		switch len(templates) {
		case 0:
			return "", nil, fmt.Errorf("no template imported; use arena template import --file <path>")
		case 1:
			templateID = templates[0].ID
		default:
			return "", nil, fmt.Errorf("multiple templates exist; specify --template")
		}
	}
	tpl, err := r.GetTemplate(ctx, templateID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", nil, fmt.Errorf("template %s not found", templateID)
		}
		return "", nil, err
	}
	cfg, err := config.FromYAML([]byte(tpl.YAML))
	if err != nil {
		return "", nil, fmt.Errorf("template %s: %w", templateID, err)
	}
	return templateID, cfg, nil
}

// ImportTemplate stores the template and seeds actors, roles and team
// memberships from it in one transaction.
func ImportTemplate(ctx context.Context, r repo.Repo, ev events.Writer, raw []byte, actorID string) (*config.Config, error) {
	cfg, err := config.FromYAML(raw)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := r.UpsertTemplate(ctx, tx, domain.Template{ID: cfg.Competition.ID, YAML: string(raw)}); err != nil {
		return nil, fmt.Errorf("store template: %w", err)
	}
	for _, team := range cfg.Teams {
		for _, member := range team.Members {
			if err := r.EnsureActor(ctx, tx, member, now); err != nil {
				return nil, fmt.Errorf("ensure actor: %w", err)
			}
			if err := r.AssignRole(ctx, tx, member, "participant"); err != nil {
				return nil, fmt.Errorf("assign role: %w", err)
			}
			if err := r.AddTeamMember(ctx, tx, team.ID, member); err != nil {
				return nil, fmt.Errorf("add team member: %w", err)
			}
		}
	}
	for _, s := range cfg.Staff {
		if err := r.EnsureActor(ctx, tx, s.Actor, now); err != nil {
			return nil, fmt.Errorf("ensure actor: %w", err)
		}
		for _, role := range s.Roles {
			if err := r.AssignRole(ctx, tx, s.Actor, role); err != nil {
				return nil, fmt.Errorf("assign role: %w", err)
			}
		}
	}
	if actorID == "" {
		actorID = "local-admin"
	}
	if err := ev.Append(ctx, tx, events.TemplateImported, "", "template", cfg.Competition.ID, actorID, events.EventPayload{
		"teams": len(cfg.Teams),
		"tasks": len(cfg.Tasks),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cfg, nil
}
