package ui

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTUIRenderer_ReturnsNilForNonTTY(t *testing.T) {
	// Given: a non-TTY buffer
	buf := &bytes.Buffer{}
	cfg := NewConfig(buf)

	// When: creating TUI renderer
	r, err := NewTUIRenderer(cfg)

	// Then: returns error (can't create TUI for non-TTY)
	assert.Error(t, err)
	assert.Nil(t, r)
}

func TestJobModel_InitialView(t *testing.T) {
	// Given: a new job model with the catalog ladder
	tracker := NewProgressTracker()
	model := newJobModel(tracker, "Feed Import", CatalogStages())

	// When: getting initial view
	view := model.View()

	// Then: view contains the job title and the first stage
	assert.Contains(t, view, "Feed Import")
	assert.Contains(t, view, "Load")
}

func TestJobModel_CatalogLadder(t *testing.T) {
	// Given: a model with the catalog ladder
	tracker := NewProgressTracker()
	model := newJobModel(tracker, "", CatalogStages())

	// When: rendering at the loading stage
	tracker.SetStage(StageLoading, 100)
	view := model.View()

	// Then: the catalog stages are shown, the training-only ones are not
	assert.Contains(t, view, "Load")
	assert.Contains(t, view, "Embed")
	assert.Contains(t, view, "Index")
	assert.NotContains(t, view, "Train")
	assert.NotContains(t, view, "Promote")
}

func TestJobModel_TrainingLadder(t *testing.T) {
	// Given: a model with the training ladder
	tracker := NewProgressTracker()
	model := newJobModel(tracker, "", TrainingStages())

	// When: rendering
	view := model.View()

	// Then: all five stages are shown
	assert.Contains(t, view, "Load")
	assert.Contains(t, view, "Train")
	assert.Contains(t, view, "Embed")
	assert.Contains(t, view, "Index")
	assert.Contains(t, view, "Promote")
}

func TestJobModel_ProgressDisplay(t *testing.T) {
	// Given: a model with progress
	tracker := NewProgressTracker()
	tracker.SetStage(StageEmbedding, 1200)
	tracker.Update(512, "38291")

	model := newJobModel(tracker, "", CatalogStages())

	// When: rendering view
	view := model.View()

	// Then: progress is shown
	assert.Contains(t, view, "512")
	assert.Contains(t, view, "1200")
	assert.Contains(t, view, "items")
}

func TestJobModel_ItemDisplay(t *testing.T) {
	// Given: a model with a current item
	tracker := NewProgressTracker()
	tracker.SetStage(StageEmbedding, 100)
	tracker.Update(1, "38291 Дрель ударная")

	model := newJobModel(tracker, "", CatalogStages())

	// When: rendering view
	view := model.View()

	// Then: the item label is shown (possibly truncated)
	assert.Contains(t, view, "38291")
}

func TestJobModel_ErrorDisplay(t *testing.T) {
	// Given: a model with errors
	tracker := NewProgressTracker()
	tracker.AddError(ErrorEvent{
		Item:   "38291",
		Err:    assert.AnError,
		IsWarn: false,
	})
	tracker.AddError(ErrorEvent{
		Item:   "40117",
		Err:    assert.AnError,
		IsWarn: true,
	})

	model := newJobModel(tracker, "", CatalogStages())

	// When: rendering view
	view := model.View()

	// Then: error and warning counts are shown
	assert.Contains(t, view, "1 errors")
	assert.Contains(t, view, "1 warnings")
}

func TestJobModel_CompletionState(t *testing.T) {
	// Given: a completed model
	tracker := NewProgressTracker()
	tracker.SetStage(StageComplete, 0)

	model := newJobModel(tracker, "", CatalogStages())
	model.complete = true
	model.stats = CompletionStats{
		Items:   1200,
		Vectors: 1200,
	}

	// When: rendering view
	view := model.View()

	// Then: shows completion
	assert.Contains(t, view, "Complete")
	assert.Contains(t, view, "1200")
}

func TestTruncateItem_Short(t *testing.T) {
	// Given: a short label
	item := "38291 Дрель"

	// When: truncating
	result := truncateItem(item, 50)

	// Then: unchanged
	assert.Equal(t, item, result)
}

func TestTruncateItem_LongCyrillic(t *testing.T) {
	// Given: a long Cyrillic label
	item := "38291 Дрель ударная аккумуляторная с набором бит"

	// When: truncating to 20 runes
	result := truncateItem(item, 20)

	// Then: cut on a rune boundary, keeping the id at the head
	runes := []rune(result)
	assert.Len(t, runes, 20)
	assert.Equal(t, '…', runes[19])
	assert.Contains(t, result, "38291")
}

func TestTruncateItem_Empty(t *testing.T) {
	// Given: empty label
	item := ""

	// When: truncating
	result := truncateItem(item, 50)

	// Then: returns empty
	assert.Equal(t, "", result)
}

func TestTUIRenderer_InterfaceCompliance(t *testing.T) {
	// Ensure TUIRenderer implements Renderer
	var _ Renderer = (*TUIRenderer)(nil)
}
