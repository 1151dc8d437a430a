// Package authz is the authorization collaborator: it decides which airlock
// actions a user may take on a request. The identity system itself is
// external; this package only maps an authenticated user name to actions.
package authz

import (
	"errors"
	"fmt"

	"github.com/trelab/airlockd/internal/config"
	"github.com/trelab/airlockd/internal/model"
)

// Action is a user-initiated capability on a request.
type Action string

const (
	ActionSubmit Action = "submit"
	ActionCancel Action = "cancel"
	ActionReview Action = "review"
)

var ErrForbidden = errors.New("action not allowed")

// Authorizer supplies the set of allowed actions for a user on a request.
type Authorizer interface {
	AllowedActions(user string, req *model.AirlockRequest) []Action
}

// Static grants actions from configured roles: owners may submit and cancel
// their own requests; reviewers may review any request they did not create.
type Static struct {
	roles map[string]config.RoleConfig
}

func NewStatic(roles map[string]config.RoleConfig) *Static {
	return &Static{roles: roles}
}

func (s *Static) AllowedActions(user string, req *model.AirlockRequest) []Action {
	role, ok := s.roles[user]
	if !ok {
		return nil
	}

	var actions []Action
	if role.Owner && req.CreatedBy == user {
		actions = append(actions, ActionSubmit, ActionCancel)
	}
	if role.Reviewer && req.CreatedBy != user {
		actions = append(actions, ActionReview)
	}
	return actions
}

// Check returns ErrForbidden unless the authorizer grants action to user.
func Check(a Authorizer, user string, req *model.AirlockRequest, action Action) error {
	for _, allowed := range a.AllowedActions(user, req) {
		if allowed == action {
			return nil
		}
	}
	return fmt.Errorf("%w: %s may not %s request %s", ErrForbidden, user, action, req.ID)
}
