package services

import (
	"context"
	"errors"
	"testing"

	apperrors "github.com/Corphon/ZineForge/internal/errors"
	"github.com/Corphon/ZineForge/internal/models"
	"github.com/Corphon/ZineForge/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dragonPlanJSON = `{
  "title": "Ember's Cookie Quest",
  "description": "A friendly dragon discovers the joy of baking.",
  "beats": [
    "Ember smells cookies drifting up to the mountain cave.",
    "Ember visits the village baker and asks to learn.",
    "The first batch is scorched by dragon fire.",
    "Ember learns to breathe gently to warm the oven.",
    "The village shares perfect cookies with Ember."
  ]
}`

func newTestPlanner(completer TextCompleter, degraded bool) *StoryPlanner {
	return NewStoryPlanner(completer, StoryPlannerOptions{PageCount: 5, AllowDegraded: degraded},
		utils.NewDiscardLogger(), utils.NewMetricsCollector())
}

func TestPlanReturnsFiveBeats(t *testing.T) {
	planner := newTestPlanner(&scriptedCompleter{responses: []string{dragonPlanJSON}}, false)

	plan, err := planner.Plan(context.Background(), "A friendly dragon learns to bake cookies")
	require.NoError(t, err)
	assert.Equal(t, "Ember's Cookie Quest", plan.Title)
	assert.NotEmpty(t, plan.Description)
	assert.Len(t, plan.Beats, 5)
	assert.Equal(t, "The first batch is scorched by dragon fire.", plan.Beats[2])
	assert.False(t, plan.Degraded)
}

func TestPlanAcceptsStoryArcAndObjectBeats(t *testing.T) {
	raw := "```json\n" + `{"title":"T","description":"D","storyArc":[
	  {"summary":"one"},{"summary":"two"},{"description":"three"},"four",{"event":"five"}]}` + "\n```"
	planner := newTestPlanner(&scriptedCompleter{responses: []string{raw}}, false)

	plan, err := planner.Plan(context.Background(), "a theme that is long enough")
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three", "four", "five"}, plan.Beats)
}

func TestPlanWrongBeatCountIsMalformed(t *testing.T) {
	raw := `{"title":"T","description":"D","beats":["a","b","c"]}`
	planner := newTestPlanner(&scriptedCompleter{responses: []string{raw}}, true)

	_, err := planner.Plan(context.Background(), "a theme that is long enough")
	require.Error(t, err)
	assert.True(t, apperrors.IsMalformedResponse(err))
	assert.Equal(t, raw, apperrors.RawResponse(err))
}

func TestPlanMissingTitleIsMalformed(t *testing.T) {
	raw := `{"description":"D","beats":["a","b","c","d","e"]}`
	planner := newTestPlanner(&scriptedCompleter{responses: []string{raw}}, false)

	_, err := planner.Plan(context.Background(), "a theme that is long enough")
	assert.True(t, apperrors.IsMalformedResponse(err))
}

func TestPlanUnparseableWithoutDegradedMode(t *testing.T) {
	raw := "Sorry, I cannot produce JSON today."
	planner := newTestPlanner(&scriptedCompleter{responses: []string{raw}}, false)

	_, err := planner.Plan(context.Background(), "a theme that is long enough")
	require.Error(t, err)
	assert.True(t, apperrors.IsMalformedResponse(err))
	assert.Equal(t, raw, apperrors.RawResponse(err))

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, string(models.StageStoryPlanning), appErr.Stage)
}

func TestPlanDegradedLineSplit(t *testing.T) {
	raw := `Ember's Cookie Quest
A friendly dragon discovers baking.
1. Ember smells cookies.
2. Ember visits the baker.
3. The first batch burns.
4. Ember learns gentle fire.
5. Everyone shares cookies.`
	planner := newTestPlanner(&scriptedCompleter{responses: []string{raw}}, true)

	plan, err := planner.Plan(context.Background(), "a theme that is long enough")
	require.NoError(t, err)
	assert.True(t, plan.Degraded)
	assert.Equal(t, "Ember's Cookie Quest", plan.Title)
	assert.Equal(t, "Ember visits the baker.", plan.Beats[1])
	assert.Equal(t, int64(1), planner.metrics.GetCounterValue("planner.degraded"))
}

func TestPlanDegradedNeedsEnoughLines(t *testing.T) {
	planner := newTestPlanner(&scriptedCompleter{responses: []string{"just\ntwo lines"}}, true)

	_, err := planner.Plan(context.Background(), "a theme that is long enough")
	assert.True(t, apperrors.IsMalformedResponse(err))
}

func TestPlanProviderError(t *testing.T) {
	planner := newTestPlanner(&scriptedCompleter{errs: []error{errors.New("503 upstream")}}, false)

	_, err := planner.Plan(context.Background(), "a theme that is long enough")
	require.Error(t, err)
	assert.True(t, apperrors.IsProviderError(err))
}

func TestPlanEmptyTheme(t *testing.T) {
	completer := &scriptedCompleter{}
	planner := newTestPlanner(completer, false)

	_, err := planner.Plan(context.Background(), "   ")
	assert.True(t, apperrors.IsValidationError(err))
	assert.Empty(t, completer.prompts)
}
