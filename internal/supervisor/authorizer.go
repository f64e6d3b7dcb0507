package supervisor

import (
	"context"

	"github.com/snakemake/snakeface/internal/store"
)

// Authorizer decides who may see and change a run.
type Authorizer interface {
	CanView(ctx context.Context, user *store.User, run *store.Run) (bool, error)
	CanEdit(ctx context.Context, user *store.User, run *store.Run) (bool, error)
	// SeesEverything reports whether every run is visible to everyone.
	SeesEverything() bool
}

type memberChecker interface {
	IsMember(ctx context.Context, runID, userID string) (bool, error)
}

// MemberAuthorizer lets members edit a run and anyone view public runs.
// In notebook mode there is a single user who may do anything.
type MemberAuthorizer struct {
	Store    memberChecker
	Notebook bool
}

func (a MemberAuthorizer) CanView(ctx context.Context, user *store.User, run *store.Run) (bool, error) {
	if a.Notebook || !run.Private {
		return true, nil
	}
	return a.member(ctx, user, run)
}

func (a MemberAuthorizer) CanEdit(ctx context.Context, user *store.User, run *store.Run) (bool, error) {
	if a.Notebook {
		return true, nil
	}
	return a.member(ctx, user, run)
}

func (a MemberAuthorizer) SeesEverything() bool {
	return a.Notebook
}

func (a MemberAuthorizer) member(ctx context.Context, user *store.User, run *store.Run) (bool, error) {
	if user == nil {
		return false, nil
	}
	return a.Store.IsMember(ctx, run.ID, user.ID)
}
