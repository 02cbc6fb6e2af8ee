package tool

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/threadline/pkg/model"
)

func catalog() []model.Tool {
	return []model.Tool{
		{Type: "function", Function: model.ToolFunction{Name: "cat", Description: "read"}},
		{Type: "function", Function: model.ToolFunction{Name: "patch", Agentic: true}},
		{Type: "function", Function: model.ToolFunction{Name: "search"}},
	}
}

func names(tools []model.Tool) []string {
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Function.Name)
	}
	return out
}

func TestForMode(t *testing.T) {
	assert.Nil(t, ForMode(catalog(), ModeQuick))
	assert.Equal(t, []string{"cat", "search"}, names(ForMode(catalog(), ModeExplore)))
	assert.Equal(t, []string{"cat", "patch", "search"}, names(ForMode(catalog(), ModeAgent)))
	assert.Nil(t, ForMode(nil, ModeAgent))
}

func TestForModeStripsAgenticFlag(t *testing.T) {
	source := catalog()
	out := ForMode(source, ModeAgent)

	for _, tl := range out {
		assert.False(t, tl.Function.Agentic)
	}
	assert.True(t, source[1].Function.Agentic, "catalog must not be mutated")

	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "agentic")
}

func TestForModeExploreWithOnlyAgenticTools(t *testing.T) {
	only := []model.Tool{{Type: "function", Function: model.ToolFunction{Name: "patch", Agentic: true}}}
	assert.Nil(t, ForMode(only, ModeExplore))
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeAgent, "Agent": ModeAgent, " explore ": ModeExplore, "quick": ModeQuick} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("turbo")
	assert.Error(t, err)
	assert.False(t, Mode("turbo").Valid())
	assert.True(t, ModeExplore.Valid())
}

func TestRestrict(t *testing.T) {
	assert.Equal(t, []string{"cat"}, names(Restrict(catalog(), []string{" cat "})))
	assert.Len(t, Restrict(catalog(), nil), 3)
}
