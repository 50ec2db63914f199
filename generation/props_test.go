package generation

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerationProps_Normalize(t *testing.T) {
	tests := []struct {
		name    string
		props   GenerationProps
		want    GenerationProps
		wantErr bool
	}{
		{"collapses whitespace", GenerationProps{Name: "  red \t cube\n"}, GenerationProps{Name: "red cube"}, false},
		{"trims description", GenerationProps{Name: "cube", Description: "  shiny  "}, GenerationProps{Name: "cube", Description: "shiny"}, false},
		{"empty name", GenerationProps{Name: " \n "}, GenerationProps{}, true},
		{"long name", GenerationProps{Name: strings.Repeat("n", maxNameLen+1)}, GenerationProps{}, true},
		{"long description", GenerationProps{Name: "x", Description: strings.Repeat("d", maxDescriptionLen+1)}, GenerationProps{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.props.Normalize()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidOptions)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTaskOptions_Normalize(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	newID := func() string { return "generated-id" }

	opts, err := TaskOptions{Props: GenerationProps{Name: "chair"}}.normalize(newID, now)
	require.NoError(t, err)
	assert.Equal(t, "generated-id", opts.ID)
	assert.Equal(t, "1700000000123", opts.Version)

	opts, err = TaskOptions{ID: " t1 ", Version: "v1.2:beta", Props: GenerationProps{Name: "chair"}}.normalize(newID, now)
	require.NoError(t, err)
	assert.Equal(t, "t1", opts.ID)
	assert.Equal(t, "v1.2:beta", opts.Version)

	bad := []TaskOptions{
		{ID: "has space", Props: GenerationProps{Name: "x"}},
		{ID: "-leading", Props: GenerationProps{Name: "x"}},
		{ID: "../etc", Props: GenerationProps{Name: "x"}},
		{ID: strings.Repeat("a", maxIdentifierLen+1), Props: GenerationProps{Name: "x"}},
		{ID: "ok", Version: "v/1", Props: GenerationProps{Name: "x"}},
		{ID: "ok", Props: GenerationProps{Name: ""}},
		{ID: "ok", Props: GenerationProps{Name: "x"}, SandboxTimeout: -time.Second},
	}
	for _, o := range bad {
		_, err := o.normalize(newID, now)
		assert.ErrorIs(t, err, ErrInvalidOptions, "%+v", o)
	}
}

func TestRenderInstructions(t *testing.T) {
	prompt, err := RenderInstructions(GenerationProps{Name: "  low   poly tree ", Description: "a pine tree"})
	require.NoError(t, err)

	assert.Contains(t, prompt, "low poly tree")
	assert.Contains(t, prompt, "a pine tree")
	assert.Contains(t, prompt, "onSuccess")
	assert.Contains(t, prompt, "onError")
	assert.Contains(t, prompt, "three/addons/exporters/GLTFExporter.js")
	assert.Contains(t, prompt, "MeshBasicMaterial, Color")

	_, err = RenderInstructions(GenerationProps{})
	assert.ErrorIs(t, err, ErrInvalidOptions)
}
