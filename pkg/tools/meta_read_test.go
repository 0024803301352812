package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMetadataOutput(t *testing.T) {
	t.Parallel()

	out := `Title               : The Fellowship of the Ring
Author(s)           : J. R. R. Tolkien [Tolkien, J. R. R.]
Publisher           : Allen & Unwin
Languages           : eng, fra
Series              : The Lord of the Rings #1.0
Published           : 1954-07-29T00:00:00+00:00
`

	meta := ParseMetadataOutput(out)
	assert.Equal(t, "The Fellowship of the Ring", meta.Title)
	assert.Equal(t, "J. R. R. Tolkien", meta.Authors)
	assert.Equal(t, "Allen & Unwin", meta.Publisher)
	assert.Equal(t, "eng", meta.Language)
	assert.Equal(t, "The Lord of the Rings", meta.Series)
	assert.Equal(t, 1.0, meta.SeriesIndex)
}

func TestParseMetadataOutputSparse(t *testing.T) {
	t.Parallel()

	meta := ParseMetadataOutput("Title               : Untitled\nnot a key value line\n")
	assert.Equal(t, "Untitled", meta.Title)
	assert.Empty(t, meta.Authors)
	assert.Empty(t, meta.Series)
}

func TestSplitSeries(t *testing.T) {
	t.Parallel()

	name, index := splitSeries("Discworld #4.0")
	assert.Equal(t, "Discworld", name)
	assert.Equal(t, 4.0, index)

	name, index = splitSeries("Standalone Series")
	assert.Equal(t, "Standalone Series", name)
	assert.Zero(t, index)
}
