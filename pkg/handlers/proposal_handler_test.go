package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumenlayer/usage-engine/pkg/apperrors"
	"github.com/lumenlayer/usage-engine/pkg/models"
	"github.com/lumenlayer/usage-engine/pkg/services"
)

// mockProposalService implements services.ProposalService for handler testing.
type mockProposalService struct {
	proposals []*models.Proposal
	listErr   error
	decideErr error
}

func (m *mockProposalService) Submit(_ context.Context, p *models.Proposal) (uuid.UUID, error) {
	p.ID = uuid.New()
	m.proposals = append(m.proposals, p)
	return p.ID, nil
}

func (m *mockProposalService) Get(_ context.Context, id uuid.UUID) (*models.Proposal, error) {
	for _, p := range m.proposals {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockProposalService) ListPending(_ context.Context, limit int) ([]*models.Proposal, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var result []*models.Proposal
	for _, p := range m.proposals {
		if p.Status != models.ProposalStatusPending {
			continue
		}
		result = append(result, p)
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

func (m *mockProposalService) Decide(_ context.Context, id uuid.UUID, decision, actor string) (*services.DecisionResult, error) {
	if m.decideErr != nil {
		return nil, m.decideErr
	}
	if !models.ValidDecision(decision) {
		return nil, apperrors.ErrInvalidArgument
	}
	for _, p := range m.proposals {
		if p.ID != id {
			continue
		}
		if p.Decided() {
			return &services.DecisionResult{Proposal: p, AlreadyDecided: true}, nil
		}
		now := time.Now()
		p.Status = decision
		p.DecisionActor = &actor
		p.DecidedAt = &now
		return &services.DecisionResult{Proposal: p}, nil
	}
	return nil, apperrors.ErrNotFound
}

func pendingProposal(signature string) *models.Proposal {
	return &models.Proposal{
		ID:        uuid.New(),
		Kind:      models.ProposalKindNewMetric,
		Signature: signature,
		Status:    models.ProposalStatusPending,
		Evidence:  models.Evidence{EventCount: 12, Confidence: 0.6},
	}
}

func TestProposalHandler_List(t *testing.T) {
	svc := &mockProposalService{
		proposals: []*models.Proposal{
			pendingProposal("sum(revenue)"),
			pendingProposal("avg(basket)"),
		},
	}
	handler := NewProposalHandler(svc, zap.NewNop())

	req := httptest.NewRequest("GET", "/api/proposals", nil)
	rr := httptest.NewRecorder()

	handler.List(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var resp ApiResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.True(t, resp.Success)

	data := resp.Data.(map[string]any)
	assert.Equal(t, float64(2), data["total"])
	assert.Len(t, data["proposals"].([]any), 2)
}

func TestProposalHandler_List_InvalidLimit(t *testing.T) {
	handler := NewProposalHandler(&mockProposalService{}, zap.NewNop())

	req := httptest.NewRequest("GET", "/api/proposals?limit=zero", nil)
	rr := httptest.NewRecorder()

	handler.List(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestProposalHandler_Get(t *testing.T) {
	p := pendingProposal("sum(revenue)")
	handler := NewProposalHandler(&mockProposalService{proposals: []*models.Proposal{p}}, zap.NewNop())

	req := httptest.NewRequest("GET", fmt.Sprintf("/api/proposals/%s", p.ID), nil)
	req.SetPathValue("pid", p.ID.String())
	rr := httptest.NewRecorder()

	handler.Get(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var resp ApiResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	data := resp.Data.(map[string]any)
	assert.Equal(t, "sum(revenue)", data["signature"])
}

func TestProposalHandler_Get_NotFound(t *testing.T) {
	handler := NewProposalHandler(&mockProposalService{}, zap.NewNop())

	id := uuid.New()
	req := httptest.NewRequest("GET", fmt.Sprintf("/api/proposals/%s", id), nil)
	req.SetPathValue("pid", id.String())
	rr := httptest.NewRecorder()

	handler.Get(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestProposalHandler_Get_InvalidID(t *testing.T) {
	handler := NewProposalHandler(&mockProposalService{}, zap.NewNop())

	req := httptest.NewRequest("GET", "/api/proposals/not-a-uuid", nil)
	req.SetPathValue("pid", "not-a-uuid")
	rr := httptest.NewRecorder()

	handler.Get(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestProposalHandler_Decide(t *testing.T) {
	p := pendingProposal("sum(revenue)")
	handler := NewProposalHandler(&mockProposalService{proposals: []*models.Proposal{p}}, zap.NewNop())

	body, _ := json.Marshal(DecideProposalRequest{Decision: "approved", Actor: "reviewer"})
	req := httptest.NewRequest("POST", fmt.Sprintf("/api/proposals/%s/decision", p.ID), bytes.NewReader(body))
	req.SetPathValue("pid", p.ID.String())
	rr := httptest.NewRecorder()

	handler.Decide(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var resp ApiResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.True(t, resp.Success)

	data := resp.Data.(map[string]any)
	assert.Equal(t, false, data["already_decided"])
	assert.Equal(t, models.ProposalStatusApproved, p.Status)
}

func TestProposalHandler_Decide_MissingActor(t *testing.T) {
	p := pendingProposal("sum(revenue)")
	handler := NewProposalHandler(&mockProposalService{proposals: []*models.Proposal{p}}, zap.NewNop())

	body, _ := json.Marshal(DecideProposalRequest{Decision: "approved"})
	req := httptest.NewRequest("POST", fmt.Sprintf("/api/proposals/%s/decision", p.ID), bytes.NewReader(body))
	req.SetPathValue("pid", p.ID.String())
	rr := httptest.NewRecorder()

	handler.Decide(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, models.ProposalStatusPending, p.Status)
}

func TestProposalHandler_Decide_InvalidDecision(t *testing.T) {
	p := pendingProposal("sum(revenue)")
	handler := NewProposalHandler(&mockProposalService{proposals: []*models.Proposal{p}}, zap.NewNop())

	body, _ := json.Marshal(DecideProposalRequest{Decision: "maybe", Actor: "reviewer"})
	req := httptest.NewRequest("POST", fmt.Sprintf("/api/proposals/%s/decision", p.ID), bytes.NewReader(body))
	req.SetPathValue("pid", p.ID.String())
	rr := httptest.NewRecorder()

	handler.Decide(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestProposalHandler_Decide_AlreadyDecided(t *testing.T) {
	p := pendingProposal("sum(revenue)")
	now := time.Now()
	actor := "alice"
	p.Status = models.ProposalStatusRejected
	p.DecisionActor = &actor
	p.DecidedAt = &now
	handler := NewProposalHandler(&mockProposalService{proposals: []*models.Proposal{p}}, zap.NewNop())

	body, _ := json.Marshal(DecideProposalRequest{Decision: "approved", Actor: "bob"})
	req := httptest.NewRequest("POST", fmt.Sprintf("/api/proposals/%s/decision", p.ID), bytes.NewReader(body))
	req.SetPathValue("pid", p.ID.String())
	rr := httptest.NewRecorder()

	handler.Decide(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var resp ApiResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	data := resp.Data.(map[string]any)
	assert.Equal(t, true, data["already_decided"])
	assert.Equal(t, models.ProposalStatusRejected, p.Status)
}
