package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeStylesPartialOverride(t *testing.T) {
	merged, err := mergeStyles(builtinStyles(), map[string]StyleConfig{
		StyleLongPost: {MaxTokens: 3000},
	})
	require.NoError(t, err)

	long := merged[StyleLongPost]
	require.NotNil(t, long)
	assert.Equal(t, 3000, long.MaxTokens)
	assert.Equal(t, builtinStyles()[StyleLongPost].Guidance, long.Guidance)
}

func TestMergeStylesAddsNewStyle(t *testing.T) {
	merged, err := mergeStyles(builtinStyles(), map[string]StyleConfig{
		"newsletter": {MaxTokens: 1500, Guidance: "Subject line first."},
	})
	require.NoError(t, err)
	assert.Len(t, merged, 4)
	assert.Equal(t, 1500, merged["newsletter"].MaxTokens)
}

func TestStyleRegistry(t *testing.T) {
	merged, err := mergeStyles(builtinStyles(), nil)
	require.NoError(t, err)
	reg := NewStyleRegistry(merged)

	assert.Equal(t, 3, reg.Len())
	assert.True(t, reg.Has(StyleBlogPost))
	assert.False(t, reg.Has("tweetstorm"))

	got, err := reg.Get(StyleBlogPost)
	require.NoError(t, err)
	assert.Equal(t, 4096, got.MaxTokens)

	_, err = reg.Get("unknown")
	assert.ErrorIs(t, err, ErrStyleNotFound)

	assert.Equal(t, []string{StyleBlogPost, StyleLongPost, StyleShortPost}, reg.Names())
}
