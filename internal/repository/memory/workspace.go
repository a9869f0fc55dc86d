package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/pipeline"
)

type WorkspaceStore struct {
	*state
}

func (s *WorkspaceStore) CreatePlan(_ context.Context, plan *models.SubscriptionPlan) (*models.SubscriptionPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.plans {
		if p.Name == plan.Name {
			return nil, fmt.Errorf("insert plan: name %q already exists", plan.Name)
		}
	}
	p := *plan
	p.ID = uuid.New()
	p.Features = slices.Clone(plan.Features)
	if p.Features == nil {
		p.Features = []string{}
	}
	p.CreatedAt = time.Now().UTC()
	s.plans[p.ID] = p
	return &p, nil
}

func (s *WorkspaceStore) Create(_ context.Context, ws *models.Workspace) (*models.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ws.SubscriptionPlanID != nil {
		if _, ok := s.plans[*ws.SubscriptionPlanID]; !ok {
			return nil, fmt.Errorf("insert workspace: plan %s not found", *ws.SubscriptionPlanID)
		}
	}

	now := time.Now().UTC()
	w := *ws
	w.ID = uuid.New()
	w.CurrentFeedbackCount = 0
	w.MonthlyAIAnalysisCount = 0
	if w.SubscriptionStatus == "" {
		w.SubscriptionStatus = "free"
	}
	if w.LastResetDate.IsZero() {
		w.LastResetDate = models.Day(now)
	} else {
		w.LastResetDate = models.Day(w.LastResetDate)
	}
	w.CreatedAt = now
	w.UpdatedAt = now
	s.workspaces[w.ID] = &w

	out := w
	return &out, nil
}

func (s *WorkspaceStore) GetByID(_ context.Context, workspaceID uuid.UUID) (*models.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, nil
	}
	out := *w
	return &out, nil
}

func (s *WorkspaceStore) List(_ context.Context) ([]models.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Workspace, 0, len(s.workspaces))
	for _, w := range s.workspaces {
		out = append(out, *w)
	}
	slices.SortFunc(out, func(a, b models.Workspace) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (s *WorkspaceStore) Plan(_ context.Context, workspaceID uuid.UUID) (*models.SubscriptionPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.planLocked(workspaceID), nil
}

func (s *state) planLocked(workspaceID uuid.UUID) *models.SubscriptionPlan {
	w, ok := s.workspaces[workspaceID]
	if !ok || w.SubscriptionPlanID == nil {
		return nil
	}
	p, ok := s.plans[*w.SubscriptionPlanID]
	if !ok {
		return nil
	}
	return &p
}

func (s *WorkspaceStore) ReserveFeedbackSlot(_ context.Context, workspaceID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reserveFeedbackSlotLocked(workspaceID)
}

func (s *state) reserveFeedbackSlotLocked(workspaceID uuid.UUID) error {
	w, ok := s.workspaces[workspaceID]
	if !ok {
		return fmt.Errorf("workspace %s: %w", workspaceID, pipeline.ErrNotFound)
	}
	if plan := s.planLocked(workspaceID); plan != nil && plan.MaxFeedbackItems > 0 && w.CurrentFeedbackCount >= plan.MaxFeedbackItems {
		return &pipeline.LimitError{
			Resource: pipeline.ResourceFeedbackItems,
			Limit:    plan.MaxFeedbackItems,
			Used:     w.CurrentFeedbackCount,
		}
	}
	w.CurrentFeedbackCount++
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *WorkspaceStore) ReserveAIQuota(_ context.Context, workspaceID uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workspaces[workspaceID]
	if !ok {
		return fmt.Errorf("workspace %s: %w", workspaceID, pipeline.ErrNotFound)
	}

	crossed := models.MonthCrossed(w.LastResetDate, now)
	used := w.MonthlyAIAnalysisCount
	if crossed {
		used = 0
	}
	if plan := s.planLocked(workspaceID); plan != nil && plan.AIAnalysisLimit > 0 && used >= plan.AIAnalysisLimit {
		return &pipeline.LimitError{
			Resource: pipeline.ResourceAIAnalyses,
			Limit:    plan.AIAnalysisLimit,
			Used:     w.MonthlyAIAnalysisCount,
		}
	}
	if crossed {
		w.LastResetDate = models.Day(now)
	}
	w.MonthlyAIAnalysisCount = used + 1
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *WorkspaceStore) ReleaseAIQuota(_ context.Context, workspaceID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.workspaces[workspaceID]; ok && w.MonthlyAIAnalysisCount > 0 {
		w.MonthlyAIAnalysisCount--
		w.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *WorkspaceStore) Delete(_ context.Context, workspaceID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, row := range s.webhooks {
		if row.event.WorkspaceID == workspaceID {
			delete(s.webhooks, id)
		}
	}
	for key := range s.deliveries {
		if in, ok := s.integrations[key.integrationID]; ok && in.WorkspaceID == workspaceID {
			delete(s.deliveries, key)
		}
	}
	for id, row := range s.jobs {
		if row.job.WorkspaceID == workspaceID {
			delete(s.jobs, id)
		}
	}
	for key := range s.usage {
		if key.workspaceID == workspaceID {
			delete(s.usage, key)
		}
	}
	for key := range s.snapshots {
		if key.workspaceID == workspaceID {
			delete(s.snapshots, key)
		}
	}
	for id, f := range s.feedback {
		if f.WorkspaceID == workspaceID {
			delete(s.feedback, id)
		}
	}
	for key := range s.naturalKeys {
		if key.workspaceID == workspaceID {
			delete(s.naturalKeys, key)
		}
	}
	for id, in := range s.integrations {
		if in.WorkspaceID == workspaceID {
			delete(s.integrations, id)
		}
	}
	delete(s.workspaces, workspaceID)
	return nil
}
