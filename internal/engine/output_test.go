package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glyphware/grimoire/internal/expressions"
)

func newOutputProcessor() *OutputProcessor {
	return NewOutputProcessor(expressions.NewGoJQEngine())
}

func TestNormalize_TextObject(t *testing.T) {
	p := newOutputProcessor()
	items, err := p.Normalize(json.RawMessage(`{"text":"hello world"}`))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, ItemText, items[0].Type)
	assert.Equal(t, "hello world", items[0].Text)
}

func TestNormalize_MediaKeys(t *testing.T) {
	p := newOutputProcessor()
	items, err := p.Normalize(json.RawMessage(
		`{"image_url":"https://x.test/a.png","audio_url":"https://x.test/b.mp3"}`))
	require.NoError(t, err)
	require.Len(t, items, 2)

	byType := map[string]string{}
	for _, item := range items {
		byType[item.Type] = item.URL
	}
	assert.Equal(t, "https://x.test/a.png", byType[ItemImage])
	assert.Equal(t, "https://x.test/b.mp3", byType[ItemAudio])
}

func TestNormalize_ItemsEnvelopePassesThrough(t *testing.T) {
	p := newOutputProcessor()
	items, err := p.Normalize(json.RawMessage(
		`{"items":[{"type":"text","text":"a"},{"type":"image","url":"https://x.test/b.png"}]}`))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].Text)
	assert.Equal(t, ItemImage, items[1].Type)
}

func TestNormalize_BareStringClassifiesURL(t *testing.T) {
	p := newOutputProcessor()

	items, err := p.Normalize(json.RawMessage(`"https://cdn.test/clip.mp4?sig=abc"`))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, ItemVideo, items[0].Type)

	items, err = p.Normalize(json.RawMessage(`"just words"`))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, ItemText, items[0].Type)
	assert.Equal(t, "just words", items[0].Text)
}

func TestNormalize_ArrayFlattens(t *testing.T) {
	p := newOutputProcessor()
	items, err := p.Normalize(json.RawMessage(`["one","https://x.test/a.jpg"]`))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, ItemText, items[0].Type)
	assert.Equal(t, ItemImage, items[1].Type)
}

func TestNormalize_UnrecognizedObjectKeptAsText(t *testing.T) {
	p := newOutputProcessor()
	items, err := p.Normalize(json.RawMessage(`{"tokens_used":42,"model":"v2"}`))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, ItemText, items[0].Type)
	assert.NotEmpty(t, items[0].Text)
	assert.Equal(t, "v2", items[0].Meta["model"])
}

func TestNormalize_Empty(t *testing.T) {
	p := newOutputProcessor()
	items, err := p.Normalize(nil)
	require.NoError(t, err)
	assert.Nil(t, items)
}

func TestExtractMapped_Selectors(t *testing.T) {
	p := newOutputProcessor()
	items := []OutputItem{
		{Type: ItemText, Text: "first"},
		{Type: ItemText, Text: "second"},
		{Type: ItemImage, URL: "https://x.test/a.png"},
		{Type: ItemFile, URL: "https://x.test/b.zip"},
	}

	got, err := p.ExtractMapped(context.Background(), items, map[string]string{
		"text":     "text",
		"imageUrl": "image",
		"fileUrl":  "file",
		"allUrls":  "urls",
	})
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", got["text"])
	assert.Equal(t, "https://x.test/a.png", got["imageUrl"])
	assert.Equal(t, "https://x.test/b.zip", got["fileUrl"])
	assert.Equal(t, []any{"https://x.test/a.png", "https://x.test/b.zip"}, got["allUrls"])
}

func TestExtractMapped_MissingSelectorsExportNil(t *testing.T) {
	p := newOutputProcessor()
	items := []OutputItem{{Type: ItemText, Text: "only text"}}

	got, err := p.ExtractMapped(context.Background(), items, map[string]string{
		"video": "video",
	})
	require.NoError(t, err)
	assert.Nil(t, got["video"])
}

func TestExtractMapped_JQSelector(t *testing.T) {
	p := newOutputProcessor()
	items := []OutputItem{
		{Type: ItemImage, URL: "https://x.test/a.png"},
		{Type: ItemImage, URL: "https://x.test/b.png"},
	}

	got, err := p.ExtractMapped(context.Background(), items, map[string]string{
		"count": `jq:.items | length`,
		"last":  `jq:.items[-1].url`,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://x.test/b.png", got["last"])
	assert.EqualValues(t, 2, got["count"])
}

func TestExtractMapped_UnknownSelectorErrors(t *testing.T) {
	p := newOutputProcessor()
	_, err := p.ExtractMapped(context.Background(), nil, map[string]string{"x": "bogus"})
	require.Error(t, err)
}
