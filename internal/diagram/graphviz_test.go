package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstate/flowstate/pkg/schema"
)

// pngMagic is the signature every rendered image must open with.
var pngMagic = []byte{0x89, 'P', 'N', 'G'}

func TestRenderImage(t *testing.T) {
	fixtures := map[string]func() *schema.Workflow{
		"chat":         chatWorkflow,
		"loop cluster": loopWorkflow,
		"fanout":       fanoutWorkflow,
	}

	for name, wf := range fixtures {
		t.Run(name, func(t *testing.T) {
			png, err := RenderImage(context.Background(), Build(wf()))
			require.NoError(t, err)
			require.Greater(t, len(png), len(pngMagic))
			assert.Equal(t, pngMagic, png[:len(pngMagic)])
		})
	}
}

func TestRenderImageHighlight(t *testing.T) {
	model := Build(chatWorkflow())
	model.Highlight = "listen"

	png, err := RenderImage(context.Background(), model)
	require.NoError(t, err)
	require.Greater(t, len(png), len(pngMagic))
	assert.Equal(t, pngMagic, png[:len(pngMagic)])
}
