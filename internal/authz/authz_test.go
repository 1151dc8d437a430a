package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/trelab/airlockd/internal/config"
	"github.com/trelab/airlockd/internal/model"
)

func testRoles() map[string]config.RoleConfig {
	return map[string]config.RoleConfig{
		"alice": {Owner: true},
		"bob":   {Reviewer: true},
		"carol": {Owner: true, Reviewer: true},
	}
}

func TestOwnerMaySubmitAndCancelOwnRequest(t *testing.T) {
	t.Parallel()
	a := NewStatic(testRoles())
	req := &model.AirlockRequest{ID: "req-1", CreatedBy: "alice"}

	assert.NoError(t, Check(a, "alice", req, ActionSubmit))
	assert.NoError(t, Check(a, "alice", req, ActionCancel))
	assert.ErrorIs(t, Check(a, "alice", req, ActionReview), ErrForbidden)
}

func TestOwnerMayNotTouchOthersRequests(t *testing.T) {
	t.Parallel()
	a := NewStatic(testRoles())
	req := &model.AirlockRequest{ID: "req-1", CreatedBy: "carol"}

	assert.ErrorIs(t, Check(a, "alice", req, ActionSubmit), ErrForbidden)
	assert.ErrorIs(t, Check(a, "alice", req, ActionCancel), ErrForbidden)
}

func TestReviewerMayReviewButNotOwnRequest(t *testing.T) {
	t.Parallel()
	a := NewStatic(testRoles())

	other := &model.AirlockRequest{ID: "req-1", CreatedBy: "alice"}
	assert.NoError(t, Check(a, "bob", other, ActionReview))

	// Self-review is never granted.
	own := &model.AirlockRequest{ID: "req-2", CreatedBy: "carol"}
	assert.ErrorIs(t, Check(a, "carol", own, ActionReview), ErrForbidden)
}

func TestUnknownUserGetsNothing(t *testing.T) {
	t.Parallel()
	a := NewStatic(testRoles())
	req := &model.AirlockRequest{ID: "req-1", CreatedBy: "mallory"}

	assert.Empty(t, a.AllowedActions("mallory", req))
	assert.ErrorIs(t, Check(a, "mallory", req, ActionSubmit), ErrForbidden)
}
