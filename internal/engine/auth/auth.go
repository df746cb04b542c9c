package auth

import (
	"context"
	"fmt"
	"strings"

	"arena/internal/repo"
)

const (
	RoleAdmin       = "admin"
	RoleJudge       = "judge"
	RoleViewer      = "viewer"
	RoleParticipant = "participant"
)

// ForbiddenError indicates a missing role.
type ForbiddenError struct {
	Role string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s required", e.Role)
}

// Service answers role and team membership questions backed by SQL.
type Service struct {
	Repo repo.Repo
}

func (s Service) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	return s.Repo.ActorRoles(ctx, actorID)
}

// ActorHasRole reports whether the actor holds role. Admins hold every role.
func (s Service) ActorHasRole(ctx context.Context, actorID, role string) (bool, error) {
	roles, err := s.Repo.ActorRoles(ctx, actorID)
	if err != nil {
		return false, err
	}
	return HasRole(roles, role), nil
}

// Require returns ForbiddenError unless the actor holds role.
func (s Service) Require(ctx context.Context, actorID, role string) error {
	ok, err := s.ActorHasRole(ctx, actorID, role)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Role: role}
	}
	return nil
}

// CanSubmit reports whether member belongs to team.
func (s Service) CanSubmit(ctx context.Context, teamID, memberID string) (bool, error) {
	if strings.TrimSpace(memberID) == "" {
		return false, nil
	}
	return s.Repo.IsTeamMember(ctx, teamID, memberID)
}

// KnownRole reports whether role is one of the built-in roles.
func KnownRole(role string) bool {
	switch role {
	case RoleAdmin, RoleJudge, RoleViewer, RoleParticipant:
		return true
	}
	return false
}

// HasRole checks a resolved role list.
func HasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}
