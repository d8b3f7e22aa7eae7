package toolbox_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/bunseki/internal/catalog"
	"github.com/ashita-ai/bunseki/internal/toolbox"
)

func TestClarify(t *testing.T) {
	cat := catalog.New()
	cat.MustRegister(toolbox.Builtins()...)

	require.NoError(t, cat.ValidateArguments(toolbox.ClarifyName, map[string]any{"question": "Which quarter?"}))
	assert.ErrorIs(t, cat.ValidateArguments(toolbox.ClarifyName, map[string]any{}), catalog.ErrInvalidArguments)
	assert.ErrorIs(t, cat.ValidateArguments(toolbox.ClarifyName, map[string]any{"question": "q", "extra": 1}), catalog.ErrInvalidArguments)

	tool, desc, err := cat.Lookup(toolbox.ClarifyName)
	require.NoError(t, err)
	assert.True(t, desc.Category.Allows("research"))
	assert.True(t, desc.Category.Allows("action"))

	res, err := tool.Run(context.Background(), catalog.Invocation{Arguments: map[string]any{"question": "  Which quarter? "}})
	require.NoError(t, err)
	assert.True(t, res.Observation.AnalysisComplete)
	require.NotNil(t, res.Observation.FinalAnswer)
	assert.Equal(t, "Which quarter?", *res.Observation.FinalAnswer)

	_, err = tool.Run(context.Background(), catalog.Invocation{Arguments: map[string]any{"question": " "}})
	var toolErr *catalog.Error
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "invalid_arguments", toolErr.Code)
}

func TestParseDescriptorsDefaults(t *testing.T) {
	descs, err := toolbox.ParseDescriptors([]byte(`[
		{"name": "query_table", "description": "run SQL", "category": "both", "max_retries": 2, "timeout_seconds": 30},
		{"name": "old_tool", "category": "action", "is_active": false, "observation_policy": "never"}
	]`))
	require.NoError(t, err)
	require.Len(t, descs, 2)

	assert.Equal(t, "query_table", descs[0].Name)
	assert.True(t, descs[0].IsActive)
	assert.Equal(t, catalog.ObserveAlways, descs[0].ObservationPolicy)
	assert.Equal(t, 2, descs[0].MaxRetries)
	assert.Equal(t, 30, descs[0].TimeoutSeconds)

	assert.False(t, descs[1].IsActive)
	assert.Equal(t, catalog.ObserveNever, descs[1].ObservationPolicy)
}

func TestParseDescriptorsErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"not json", `{`, "parse descriptors"},
		{"missing name", `[{"category": "action"}]`, "name is required"},
		{"duplicate", `[{"name": "a", "category": "action"}, {"name": "a", "category": "both"}]`, "duplicate name a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := toolbox.ParseDescriptors([]byte(tt.raw))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadDescriptors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"name": "render_chart", "category": "action"}]`), 0o600))

	descs, err := toolbox.LoadDescriptors(path)
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, "render_chart", descs[0].Name)

	_, err = toolbox.LoadDescriptors(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
