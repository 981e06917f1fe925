package state

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitewright/internal/domain"
	"sitewright/internal/registry"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(registry.Open(filepath.Join(t.TempDir(), "project_memory.json")))
	s.Now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return s
}

func TestLoadMissingIsIdle(t *testing.T) {
	st, err := newStore(t).Load(context.Background(), "demo")
	require.NoError(t, err)
	assert.False(t, st.PendingExecution)
	assert.Nil(t, st.ProposedGoal)
}

func TestSaveLoadReset(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	goal := "build a todo app"
	plan := domain.FallbackPlan()
	require.NoError(t, s.Save(ctx, "demo", domain.OrchestratorState{PendingExecution: true, ProposedGoal: &goal, ProposedPlan: &plan}))

	st, err := s.Load(ctx, "demo")
	require.NoError(t, err)
	assert.True(t, st.PendingExecution)
	require.NotNil(t, st.ProposedGoal)
	assert.Equal(t, goal, *st.ProposedGoal)
	require.NotNil(t, st.ProposedPlan)
	assert.Equal(t, plan.Steps, st.ProposedPlan.Steps)
	assert.Equal(t, "2026-01-02T03:04:05Z", st.UpdatedAt)

	require.NoError(t, s.Reset(ctx, "demo"))
	st, err = s.Load(ctx, "demo")
	require.NoError(t, err)
	assert.False(t, st.PendingExecution)
	assert.Nil(t, st.ProposedPlan)
}

func TestStateAndBadExamplesCoexist(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	goal := "x"
	require.NoError(t, s.Save(ctx, "demo", domain.OrchestratorState{PendingExecution: true, ProposedGoal: &goal}))
	require.NoError(t, s.AppendBadExample(ctx, "demo", domain.BadExample{TraceID: "t1", Meta: json.RawMessage(`{"workflow_issues":["slow"]}`)}))

	st, err := s.Load(ctx, "demo")
	require.NoError(t, err)
	assert.True(t, st.PendingExecution)

	list, err := s.BadExamples(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "t1", list[0].TraceID)
}

func TestBadExamplesCapped(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	for i := 0; i < MaxBadExamples+5; i++ {
		require.NoError(t, s.AppendBadExample(ctx, "demo", domain.BadExample{TraceID: fmt.Sprintf("t%d", i)}))
	}
	list, err := s.BadExamples(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, list, MaxBadExamples)
	assert.Equal(t, "t5", list[0].TraceID)
	assert.Equal(t, fmt.Sprintf("t%d", MaxBadExamples+4), list[len(list)-1].TraceID)
}
