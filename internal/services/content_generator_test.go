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

func fiveBeatPlan() *models.StoryPlan {
	return &models.StoryPlan{
		Title:       "Ember's Cookie Quest",
		Description: "A friendly dragon discovers the joy of baking.",
		Beats:       []string{"beat one", "beat two", "beat three", "beat four", "beat five"},
	}
}

func newTestGenerator(responses ...string) *ContentGenerator {
	return NewContentGenerator(&scriptedCompleter{responses: responses}, "", utils.NewDiscardLogger(), utils.NewMetricsCollector())
}

const fivePagesArray = `[
 {"pageNumber":1,"text":"t1","imagePrompt":"p1"},
 {"pageNumber":2,"text":"t2","imagePrompt":"p2"},
 {"pageNumber":3,"text":"t3","imagePrompt":"p3"},
 {"pageNumber":4,"text":"t4","imagePrompt":"p4"},
 {"pageNumber":5,"text":"t5","imagePrompt":"p5"}]`

func TestExpandEnvelopeShapes(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		strategy string
	}{
		{"bare array", fivePagesArray, "bare-array"},
		{"pages field", `{"pages":` + fivePagesArray + `}`, "pages-field"},
		{"items field", `{"items":` + fivePagesArray + `}`, "items-field"},
		{"content pages", `{"content":{"pages":` + fivePagesArray + `}}`, "content-pages"},
		{"pages as string", `{"pages":"[{\"pageNumber\":1,\"text\":\"t1\",\"imagePrompt\":\"p1\"},{\"pageNumber\":2,\"text\":\"t2\",\"imagePrompt\":\"p2\"},{\"pageNumber\":3,\"text\":\"t3\",\"imagePrompt\":\"p3\"},{\"pageNumber\":4,\"text\":\"t4\",\"imagePrompt\":\"p4\"},{\"pageNumber\":5,\"text\":\"t5\",\"imagePrompt\":\"p5\"}]"}`, "pages-string"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, strategy, ok := extractDrafts(cleanJSONString(tc.raw))
			require.True(t, ok)
			assert.Equal(t, tc.strategy, strategy)

			generator := newTestGenerator(tc.raw)
			drafts, err := generator.Expand(context.Background(), fiveBeatPlan())
			require.NoError(t, err)
			require.Len(t, drafts, 5)
			for i, d := range drafts {
				assert.Equal(t, i+1, d.PageNumber)
			}
			assert.Equal(t, "t3", drafts[2].Text)
			assert.Equal(t, "p3", drafts[2].ImagePrompt)
		})
	}
}

func TestExpandNormalizesPageNumbersAndOrder(t *testing.T) {
	raw := `{"pages":[
	 {"pageNumber":2,"text":"second","imagePrompt":"p2"},
	 {"pageNumber":1,"text":"first","imagePrompt":"p1"},
	 {"pageNumber":7,"text":"third","imagePrompt":"p3"},
	 {"pageNumber":9,"caption":"fourth","image_prompt":"p4"},
	 {"pageNumber":10,"text":"fifth"}]}`
	drafts, err := newTestGenerator(raw).Expand(context.Background(), fiveBeatPlan())
	require.NoError(t, err)

	texts := make([]string, len(drafts))
	for i, d := range drafts {
		texts[i] = d.Text
		assert.Equal(t, i+1, d.PageNumber)
	}
	assert.Equal(t, []string{"first", "second", "third", "fourth", "fifth"}, texts)
	assert.Equal(t, "p4", drafts[3].ImagePrompt)
	assert.Equal(t, "fifth", drafts[4].ImagePrompt, "missing image prompt falls back to text")
}

func TestExpandToleratesNonNumericPageNumbers(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		texts []string
	}{
		{
			name: "labelled page numbers keep response order",
			raw: `{"pages":[
			 {"pageNumber":"Page 1","text":"t1","imagePrompt":"p1"},
			 {"pageNumber":"Page 2","text":"t2","imagePrompt":"p2"},
			 {"pageNumber":"Page 3","text":"t3","imagePrompt":"p3"},
			 {"pageNumber":"Page 4","text":"t4","imagePrompt":"p4"},
			 {"pageNumber":"Page 5","text":"t5","imagePrompt":"p5"}]}`,
			texts: []string{"t1", "t2", "t3", "t4", "t5"},
		},
		{
			name: "one word page number in a bare array",
			raw: `[
			 {"page":"first","text":"t1","imagePrompt":"p1"},
			 {"page":2,"text":"t2","imagePrompt":"p2"},
			 {"page":3,"text":"t3","imagePrompt":"p3"},
			 {"page":4,"text":"t4","imagePrompt":"p4"},
			 {"page":5,"text":"t5","imagePrompt":"p5"}]`,
			texts: []string{"t1", "t2", "t3", "t4", "t5"},
		},
		{
			name: "numeric strings still sort",
			raw: `{"pages":[
			 {"pageNumber":"2","text":"t2","imagePrompt":"p2"},
			 {"pageNumber":"1","text":"t1","imagePrompt":"p1"},
			 {"pageNumber":3,"text":"t3","imagePrompt":"p3"},
			 {"pageNumber":"4","text":"t4","imagePrompt":"p4"},
			 {"pageNumber":5.0,"text":"t5","imagePrompt":"p5"}]}`,
			texts: []string{"t1", "t2", "t3", "t4", "t5"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			drafts, err := newTestGenerator(tc.raw).Expand(context.Background(), fiveBeatPlan())
			require.NoError(t, err)
			require.Len(t, drafts, 5)

			texts := make([]string, len(drafts))
			for i, d := range drafts {
				texts[i] = d.Text
				assert.Equal(t, i+1, d.PageNumber)
			}
			assert.Equal(t, tc.texts, texts)
		})
	}
}

func TestParsePageNumber(t *testing.T) {
	assert.Equal(t, 3, parsePageNumber([]byte(`3`)))
	assert.Equal(t, 3, parsePageNumber([]byte(`" 3 "`)))
	assert.Equal(t, 0, parsePageNumber([]byte(`"Page 3"`)))
	assert.Equal(t, 0, parsePageNumber([]byte(`2.5`)))
	assert.Equal(t, 0, parsePageNumber([]byte(`-1`)))
	assert.Equal(t, 0, parsePageNumber([]byte(`null`)))
	assert.Equal(t, 0, parsePageNumber([]byte(`{"n":1}`)))
	assert.Equal(t, 0, parsePageNumber(nil))
}

func TestExpandCountMismatchReturnsDrafts(t *testing.T) {
	raw := `[{"text":"t1","imagePrompt":"p1"},{"text":"t2","imagePrompt":"p2"},{"text":"t3","imagePrompt":"p3"}]`
	drafts, err := newTestGenerator(raw).Expand(context.Background(), fiveBeatPlan())
	require.Error(t, err)
	assert.True(t, apperrors.IsCountMismatch(err))
	assert.Len(t, drafts, 3)
}

func TestExpandTooManyDraftsAreTrimmed(t *testing.T) {
	plan := fiveBeatPlan()
	plan.Beats = plan.Beats[:2]
	drafts, err := newTestGenerator(fivePagesArray).Expand(context.Background(), plan)
	assert.True(t, apperrors.IsCountMismatch(err))
	assert.Len(t, drafts, 2)
}

func TestExpandSinglePage(t *testing.T) {
	plan := fiveBeatPlan()
	plan.Beats = plan.Beats[:1]
	drafts, err := newTestGenerator(`{"pageNumber":1,"text":"only","imagePrompt":"p"}`).Expand(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "only", drafts[0].Text)
}

func TestExpandUnrecognizedShape(t *testing.T) {
	raw := `{"story":"once upon a time"}`
	_, err := newTestGenerator(raw).Expand(context.Background(), fiveBeatPlan())
	require.Error(t, err)
	assert.True(t, apperrors.IsMalformedResponse(err))
	assert.Equal(t, raw, apperrors.RawResponse(err))
}

func TestExpandEmptyPlan(t *testing.T) {
	_, err := newTestGenerator().Expand(context.Background(), &models.StoryPlan{Title: "x"})
	assert.True(t, apperrors.IsValidationError(err))
}

func TestExpandProviderError(t *testing.T) {
	generator := NewContentGenerator(&scriptedCompleter{errs: []error{errors.New("timeout")}}, "", nil, nil)
	_, err := generator.Expand(context.Background(), fiveBeatPlan())
	assert.True(t, apperrors.IsProviderError(err))

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, string(models.StageContentGeneration), appErr.Stage)
}

func TestExpandPromptEmbedsBeats(t *testing.T) {
	completer := &scriptedCompleter{responses: []string{fivePagesArray}}
	generator := NewContentGenerator(completer, "", nil, nil)
	_, err := generator.Expand(context.Background(), fiveBeatPlan())
	require.NoError(t, err)

	require.Len(t, completer.prompts, 1)
	assert.Contains(t, completer.prompts[0], "Ember's Cookie Quest")
	assert.Contains(t, completer.prompts[0], "5. beat five")
}
