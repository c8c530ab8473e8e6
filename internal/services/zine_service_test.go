package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/Corphon/ZineForge/internal/errors"
	"github.com/Corphon/ZineForge/internal/models"
	"github.com/Corphon/ZineForge/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPlanner struct {
	plan *models.StoryPlan
	err  error
}

func (p stubPlanner) Plan(context.Context, string) (*models.StoryPlan, error) {
	return p.plan, p.err
}

type stubExpander struct {
	drafts []models.PageDraft
	err    error
}

func (e stubExpander) Expand(context.Context, *models.StoryPlan) ([]models.PageDraft, error) {
	return e.drafts, e.err
}

// funcIllustrator 直接由函数决定每页的插图结果
type funcIllustrator func(ctx context.Context, prompt string) models.ImageResult

func (f funcIllustrator) Generate(ctx context.Context, prompt string) models.ImageResult {
	return f(ctx, prompt)
}

func draftsFor(plan *models.StoryPlan) []models.PageDraft {
	drafts := make([]models.PageDraft, len(plan.Beats))
	for i, beat := range plan.Beats {
		drafts[i] = models.PageDraft{PageNumber: i + 1, Text: "text: " + beat, ImagePrompt: fmt.Sprintf("prompt-%d", i+1)}
	}
	return drafts
}

// eventRecorder 线程安全地收集进度事件
type eventRecorder struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (r *eventRecorder) record(e ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) snapshot() []ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ProgressEvent(nil), r.events...)
}

func (r *eventRecorder) hasStep(step ProgressStep) bool {
	for _, e := range r.snapshot() {
		if e.Step == step {
			return true
		}
	}
	return false
}

func newTestZineService(planner Planner, expander PageExpander, illustrator Illustrator, concurrency int) *ZineService {
	return NewZineService(planner, expander, illustrator,
		ZineServiceOptions{PageConcurrency: concurrency, MinPromptLength: 10},
		utils.NewDiscardLogger(), utils.NewMetricsCollector())
}

const dragonTheme = "A friendly dragon learns to bake cookies"

func TestGenerateZineEndToEndDragon(t *testing.T) {
	contentJSON := `{"pages":[
	 {"pageNumber":1,"text":"Ember sniffs the air.","imagePrompt":"dragon sniffing cookies"},
	 {"pageNumber":2,"text":"Ember meets the baker.","imagePrompt":"dragon and baker"},
	 {"pageNumber":3,"text":"The batch burns.","imagePrompt":"scorched cookies"},
	 {"pageNumber":4,"text":"Gentle fire.","imagePrompt":"dragon warming oven"},
	 {"pageNumber":5,"text":"Cookies for all.","imagePrompt":"village feast"}]}`
	completer := &scriptedCompleter{responses: []string{dragonPlanJSON, contentJSON}}

	primary := &fakeImageProvider{name: "runware", fn: func(_ context.Context, prompt string) (string, error) {
		if strings.HasSuffix(prompt, "scorched cookies") {
			return "", errors.New("provider A failed")
		}
		return "https://primary.example.com/" + fmt.Sprint(len(prompt)) + ".jpg", nil
	}}
	secondary := &fakeImageProvider{name: "openai", fn: succeedWith("https://secondary.example.com/3.png")}

	metrics := utils.NewMetricsCollector()
	logger := utils.NewDiscardLogger()
	service := NewZineService(
		NewStoryPlanner(completer, StoryPlannerOptions{PageCount: 5}, logger, metrics),
		NewContentGenerator(completer, "", logger, metrics),
		NewImageService(primary, secondary, ImageServiceOptions{PrimaryTimeout: time.Second}, logger, metrics),
		ZineServiceOptions{PageConcurrency: 1, MinPromptLength: 10},
		logger, metrics,
	)

	recorder := &eventRecorder{}
	result := service.GenerateZine(context.Background(), dragonTheme, recorder.record)

	require.True(t, result.Success, result.Error)
	assert.Equal(t, dragonTheme, result.Prompt)
	assert.Equal(t, "Ember's Cookie Quest", result.Title)
	require.Len(t, result.Pages, 5)
	for i, page := range result.Pages {
		assert.Equal(t, i+1, page.PageNumber)
		if i == 2 {
			assert.Equal(t, models.ProviderSecondary, page.Provider)
			assert.Equal(t, "https://secondary.example.com/3.png", page.ImageURL)
		} else {
			assert.Equal(t, models.ProviderPrimary, page.Provider)
		}
		assert.Nil(t, page.Error)
	}
	assert.Equal(t, int32(1), secondary.calls.Load())
	assert.Equal(t, int64(1), metrics.GetCounterValue("zine.generated"))

	assert.Eventually(t, func() bool { return recorder.hasStep(StepComplete) }, time.Second, 5*time.Millisecond)
	events := recorder.snapshot()
	steps := make([]ProgressStep, 0, len(events))
	pageEvents := 0
	for _, e := range events {
		if len(steps) == 0 || steps[len(steps)-1] != e.Step {
			steps = append(steps, e.Step)
		}
		if e.Step == StepGenerating && e.Page > 0 {
			pageEvents++
		}
	}
	assert.Equal(t, []ProgressStep{StepPlanning, StepContent, StepGenerating, StepAssembling, StepComplete}, steps)
	assert.Equal(t, 5, pageEvents)
}

func TestGenerateZineAllImagesFail(t *testing.T) {
	plan := fiveBeatPlan()
	primary := &fakeImageProvider{name: "runware", fn: failWith("down")}
	secondary := &fakeImageProvider{name: "openai", fn: failWith("also down")}
	images := NewImageService(primary, secondary, ImageServiceOptions{PrimaryTimeout: time.Second}, nil, nil)

	result := newTestZineService(stubPlanner{plan: plan}, stubExpander{drafts: draftsFor(plan)}, images, 2).
		GenerateZine(context.Background(), dragonTheme, nil)

	require.True(t, result.Success, "image failures never abort the zine")
	require.Len(t, result.Pages, 5)
	for _, page := range result.Pages {
		assert.Equal(t, models.ProviderNone, page.Provider)
		assert.Equal(t, models.DefaultPlaceholderImage, page.ImageURL)
		require.NotNil(t, page.Error)
		assert.NotEmpty(t, page.Text)
	}
}

func TestGenerateZinePrimaryAlwaysTimesOut(t *testing.T) {
	plan := fiveBeatPlan()
	primary := &fakeImageProvider{name: "runware", fn: delayed(time.Second, "https://late.example.com/x.jpg")}
	secondary := &fakeImageProvider{name: "openai", fn: succeedWith("https://secondary.example.com/x.png")}
	images := NewImageService(primary, secondary, ImageServiceOptions{PrimaryTimeout: 30 * time.Millisecond}, nil, nil)

	result := newTestZineService(stubPlanner{plan: plan}, stubExpander{drafts: draftsFor(plan)}, images, 5).
		GenerateZine(context.Background(), dragonTheme, nil)

	require.True(t, result.Success)
	for _, page := range result.Pages {
		assert.Contains(t, []models.ProviderRole{models.ProviderSecondary, models.ProviderNone}, page.Provider)
	}
	assert.Equal(t, int32(5), secondary.calls.Load())
}

func TestGenerateZineOrderUnderConcurrency(t *testing.T) {
	plan := &models.StoryPlan{Title: "T", Description: "D"}
	for i := 0; i < 12; i++ {
		plan.Beats = append(plan.Beats, fmt.Sprintf("beat %d", i+1))
	}
	drafts := draftsFor(plan)

	var mu sync.Mutex
	rng := rand.New(rand.NewSource(42))
	illustrator := funcIllustrator(func(_ context.Context, prompt string) models.ImageResult {
		mu.Lock()
		delay := time.Duration(rng.Intn(30)) * time.Millisecond
		mu.Unlock()
		time.Sleep(delay)
		return models.ImageResult{Success: true, ImageURL: "https://img.example.com/" + prompt, Provider: models.ProviderPrimary}
	})

	result := newTestZineService(stubPlanner{plan: plan}, stubExpander{drafts: drafts}, illustrator, 4).
		GenerateZine(context.Background(), dragonTheme, nil)

	require.True(t, result.Success)
	require.Len(t, result.Pages, 12)
	for i, page := range result.Pages {
		assert.Equal(t, i+1, page.PageNumber)
		assert.Equal(t, fmt.Sprintf("https://img.example.com/prompt-%d", i+1), page.ImageURL)
		assert.Equal(t, drafts[i].Text, page.Text)
	}
}

func TestGenerateZinePageProgressIsMonotonicUnderConcurrency(t *testing.T) {
	plan := &models.StoryPlan{Title: "T", Description: "D"}
	for i := 0; i < 20; i++ {
		plan.Beats = append(plan.Beats, fmt.Sprintf("beat %d", i+1))
	}

	illustrator := funcIllustrator(func(context.Context, string) models.ImageResult {
		return models.ImageResult{Success: true, ImageURL: "https://x.example.com/a.jpg", Provider: models.ProviderPrimary}
	})

	for round := 0; round < 10; round++ {
		recorder := &eventRecorder{}
		result := newTestZineService(stubPlanner{plan: plan}, stubExpander{drafts: draftsFor(plan)}, illustrator, 8).
			GenerateZine(context.Background(), dragonTheme, recorder.record)
		require.True(t, result.Success)
		require.Eventually(t, func() bool { return recorder.hasStep(StepComplete) }, time.Second, 5*time.Millisecond)

		last := 0
		done := 0
		for _, e := range recorder.snapshot() {
			require.GreaterOrEqual(t, e.Percent, last, "percent went backwards at %q", e.Status)
			last = e.Percent
			if e.Step == StepGenerating && e.Page > 0 {
				done++
				assert.Equal(t, fmt.Sprintf("Illustration %d of %d ready", done, len(plan.Beats)), e.Status)
			}
		}
		assert.Equal(t, len(plan.Beats), done)
	}
}

func TestGenerateZineBoundedConcurrency(t *testing.T) {
	plan := fiveBeatPlan()
	var (
		mu       sync.Mutex
		inFlight int
		peak     int
	)
	illustrator := funcIllustrator(func(context.Context, string) models.ImageResult {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return models.ImageResult{Success: true, ImageURL: "https://x.example.com/a.jpg", Provider: models.ProviderPrimary}
	})

	newTestZineService(stubPlanner{plan: plan}, stubExpander{drafts: draftsFor(plan)}, illustrator, 2).
		GenerateZine(context.Background(), dragonTheme, nil)
	assert.LessOrEqual(t, peak, 2)

	peak = 0
	newTestZineService(stubPlanner{plan: plan}, stubExpander{drafts: draftsFor(plan)}, illustrator, 1).
		GenerateZine(context.Background(), dragonTheme, nil)
	assert.Equal(t, 1, peak)
}

func TestGenerateZineContentFailureKeepsPlan(t *testing.T) {
	plan := fiveBeatPlan()
	contentErr := apperrors.NewMalformedResponseError("bad content", "{garbage", nil)
	recorder := &eventRecorder{}

	result := newTestZineService(stubPlanner{plan: plan}, stubExpander{err: contentErr}, nil, 1).
		GenerateZine(context.Background(), dragonTheme, recorder.record)

	assert.False(t, result.Success)
	assert.Equal(t, models.StageContentGeneration, result.Stage)
	assert.Equal(t, plan.Title, result.Title)
	assert.Equal(t, plan.Description, result.Description)
	assert.Same(t, plan, result.Plan)
	assert.Empty(t, result.Pages)
	assert.Contains(t, result.Error, "bad content")
	assert.Eventually(t, func() bool { return recorder.hasStep(StepError) }, time.Second, 5*time.Millisecond)
}

func TestGenerateZinePlanningFailureHasNoPartialData(t *testing.T) {
	result := newTestZineService(stubPlanner{err: apperrors.NewProviderError("llm down", nil)}, nil, nil, 1).
		GenerateZine(context.Background(), dragonTheme, nil)

	assert.False(t, result.Success)
	assert.Equal(t, models.StageStoryPlanning, result.Stage)
	assert.Empty(t, result.Title)
	assert.Nil(t, result.Plan)
}

func TestGenerateZineShortPrompt(t *testing.T) {
	planner := &countingPlanner{}
	result := newTestZineService(planner, nil, nil, 1).GenerateZine(context.Background(), "dragon", nil)

	assert.False(t, result.Success)
	assert.Equal(t, models.StageStoryPlanning, result.Stage)
	assert.Equal(t, 0, planner.calls)
}

type countingPlanner struct{ calls int }

func (p *countingPlanner) Plan(context.Context, string) (*models.StoryPlan, error) {
	p.calls++
	return nil, errors.New("unreachable")
}

func TestGenerateZineCountMismatchFillsPlaceholders(t *testing.T) {
	plan := fiveBeatPlan()
	drafts := draftsFor(plan)[:3]
	var calls int
	var mu sync.Mutex
	illustrator := funcIllustrator(func(context.Context, string) models.ImageResult {
		mu.Lock()
		calls++
		mu.Unlock()
		return models.ImageResult{Success: true, ImageURL: "https://x.example.com/a.jpg", Provider: models.ProviderPrimary}
	})

	result := newTestZineService(stubPlanner{plan: plan},
		stubExpander{drafts: drafts, err: apperrors.NewCountMismatchError(5, 3)}, illustrator, 1).
		GenerateZine(context.Background(), dragonTheme, nil)

	require.True(t, result.Success)
	require.Len(t, result.Pages, 5)
	assert.Equal(t, 3, calls)
	for i := 3; i < 5; i++ {
		page := result.Pages[i]
		assert.Equal(t, plan.Beats[i], page.Text)
		assert.Equal(t, models.DefaultPlaceholderImage, page.ImageURL)
		assert.Equal(t, models.ProviderNone, page.Provider)
		assert.NotNil(t, page.Error)
	}
}

func TestGenerateZineSlowOrPanickingCallbackDoesNotBlock(t *testing.T) {
	plan := fiveBeatPlan()
	illustrator := funcIllustrator(func(context.Context, string) models.ImageResult {
		return models.ImageResult{Success: true, ImageURL: "https://x.example.com/a.jpg", Provider: models.ProviderPrimary}
	})
	service := newTestZineService(stubPlanner{plan: plan}, stubExpander{drafts: draftsFor(plan)}, illustrator, 1)

	block := make(chan struct{})
	defer close(block)
	slow := func(ProgressEvent) { <-block }

	done := make(chan *models.ZineResult, 1)
	go func() { done <- service.GenerateZine(context.Background(), dragonTheme, slow) }()
	select {
	case result := <-done:
		assert.True(t, result.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked by progress callback")
	}

	panicking := func(ProgressEvent) { panic("listener went away") }
	result := service.GenerateZine(context.Background(), dragonTheme, panicking)
	assert.True(t, result.Success)
}

func TestGenerateZineIndependentCalls(t *testing.T) {
	plan := fiveBeatPlan()
	illustrator := funcIllustrator(func(_ context.Context, prompt string) models.ImageResult {
		return models.ImageResult{Success: true, ImageURL: "https://x.example.com/" + prompt, Provider: models.ProviderPrimary}
	})
	service := newTestZineService(stubPlanner{plan: plan}, stubExpander{drafts: draftsFor(plan)}, illustrator, 2)

	var wg sync.WaitGroup
	results := make([]*models.ZineResult, 6)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = service.GenerateZine(context.Background(), fmt.Sprintf("%s #%d", dragonTheme, i), nil)
		}()
	}
	wg.Wait()

	for i, result := range results {
		require.True(t, result.Success)
		assert.Equal(t, fmt.Sprintf("%s #%d", dragonTheme, i), result.Prompt)
		assert.Len(t, result.Pages, 5)
	}
}

func TestGenerateAsyncPublishesToTracker(t *testing.T) {
	plan := fiveBeatPlan()
	illustrator := funcIllustrator(func(context.Context, string) models.ImageResult {
		return models.ImageResult{Success: true, ImageURL: "https://x.example.com/a.jpg", Provider: models.ProviderPrimary}
	})
	service := newTestZineService(stubPlanner{plan: plan}, stubExpander{drafts: draftsFor(plan)}, illustrator, 1)
	progress := NewProgressService()

	taskID := service.GenerateAsync(context.Background(), dragonTheme, progress)
	tracker, ok := progress.GetTracker(taskID)
	require.True(t, ok)

	select {
	case <-tracker.Done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}
	snapshot := tracker.Snapshot()
	assert.Equal(t, TaskCompleted, snapshot.Status)
	assert.Equal(t, 100, snapshot.Progress)
	require.NotNil(t, tracker.Result())
	assert.Len(t, tracker.Result().Pages, 5)
}
