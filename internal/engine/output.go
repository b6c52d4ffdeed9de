package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/glyphware/grimoire/internal/expressions"
	"github.com/glyphware/grimoire/pkg/schema"
)

// OutputItem is one element of a step's normalized output. Backends return
// wildly different shapes; normalization reduces them all to a flat list of
// typed items so later steps and notifiers can consume them uniformly.
type OutputItem struct {
	Type string         `json:"type"` // text, image, video, audio, file
	Text string         `json:"text,omitempty"`
	URL  string         `json:"url,omitempty"`
	Meta map[string]any `json:"meta,omitempty"`
}

// Known output item types.
const (
	ItemText  = "text"
	ItemImage = "image"
	ItemVideo = "video"
	ItemAudio = "audio"
	ItemFile  = "file"
)

// OutputProcessor normalizes raw backend results and extracts the values a
// step's output mapping exports into the pipeline context.
type OutputProcessor struct {
	jq *expressions.GoJQEngine
}

func NewOutputProcessor(jq *expressions.GoJQEngine) *OutputProcessor {
	return &OutputProcessor{jq: jq}
}

// Normalize converts a raw backend result into the normalized item list.
//
// Recognized shapes, in order:
//   - {"items": [{"type": ..., ...}, ...]}   already normalized
//   - {"text": ...} / {"output": "..."}      single text item
//   - {"url": ...} / {"image_url": ...} etc. single media item
//   - a JSON array                           each element normalized in turn
//   - a JSON string                          single text item
//
// Anything unrecognized becomes a single text item holding the raw JSON, so
// no backend output is ever silently lost.
func (p *OutputProcessor) Normalize(raw json.RawMessage) ([]OutputItem, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		// Not JSON at all; treat the bytes as text.
		return []OutputItem{{Type: ItemText, Text: string(raw)}}, nil
	}

	return normalizeValue(value), nil
}

func normalizeValue(value any) []OutputItem {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		return []OutputItem{classifyString(v)}
	case []any:
		var items []OutputItem
		for _, elem := range v {
			items = append(items, normalizeValue(elem)...)
		}
		return items
	case map[string]any:
		return normalizeObject(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return []OutputItem{{Type: ItemText, Text: string(encoded)}}
	}
}

func normalizeObject(obj map[string]any) []OutputItem {
	// Already-normalized envelope.
	if rawItems, ok := obj["items"].([]any); ok {
		var items []OutputItem
		for _, elem := range rawItems {
			m, ok := elem.(map[string]any)
			if !ok {
				items = append(items, normalizeValue(elem)...)
				continue
			}
			items = append(items, itemFromMap(m))
		}
		return items
	}

	// Typed single item.
	if t, ok := obj["type"].(string); ok && isKnownType(t) {
		return []OutputItem{itemFromMap(obj)}
	}

	var items []OutputItem
	for _, key := range []string{"text", "output", "content", "message"} {
		if s, ok := obj[key].(string); ok && s != "" {
			items = append(items, OutputItem{Type: ItemText, Text: s})
			break
		}
	}
	for key, itemType := range map[string]string{
		"image_url": ItemImage,
		"video_url": ItemVideo,
		"audio_url": ItemAudio,
		"file_url":  ItemFile,
	} {
		if s, ok := obj[key].(string); ok && s != "" {
			items = append(items, OutputItem{Type: itemType, URL: s})
		}
	}
	if s, ok := obj["url"].(string); ok && s != "" {
		items = append(items, OutputItem{Type: classifyURL(s), URL: s})
	}

	if len(items) > 0 {
		return items
	}

	// Unrecognized object: keep it whole as text so nothing is lost.
	encoded, err := json.Marshal(obj)
	if err != nil {
		return nil
	}
	return []OutputItem{{Type: ItemText, Text: string(encoded), Meta: obj}}
}

func itemFromMap(m map[string]any) OutputItem {
	item := OutputItem{}
	if t, ok := m["type"].(string); ok && isKnownType(t) {
		item.Type = t
	}
	if s, ok := m["text"].(string); ok {
		item.Text = s
	}
	if s, ok := m["url"].(string); ok {
		item.URL = s
	}
	if meta, ok := m["meta"].(map[string]any); ok {
		item.Meta = meta
	}
	if item.Type == "" {
		if item.URL != "" {
			item.Type = classifyURL(item.URL)
		} else {
			item.Type = ItemText
		}
	}
	return item
}

func isKnownType(t string) bool {
	switch t {
	case ItemText, ItemImage, ItemVideo, ItemAudio, ItemFile:
		return true
	}
	return false
}

func classifyString(s string) OutputItem {
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return OutputItem{Type: classifyURL(s), URL: s}
	}
	return OutputItem{Type: ItemText, Text: s}
}

func classifyURL(u string) string {
	lower := strings.ToLower(u)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	switch {
	case hasAnySuffix(lower, ".png", ".jpg", ".jpeg", ".gif", ".webp"):
		return ItemImage
	case hasAnySuffix(lower, ".mp4", ".webm", ".mov"):
		return ItemVideo
	case hasAnySuffix(lower, ".mp3", ".wav", ".ogg", ".flac"):
		return ItemAudio
	default:
		return ItemFile
	}
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}

// ExtractMapped evaluates a step's output mapping against its normalized
// items, producing the values exported into the pipeline context.
//
// Selector forms:
//
//	"text"        concatenation of all text items
//	"image"       URL of the first image item
//	"video"       URL of the first video item
//	"audio"       URL of the first audio item
//	"file"        URL of the first file item
//	"urls"        all item URLs, in order
//	"items"       the full normalized item list
//	"jq:<prog>"   gojq program over {"items": [...]}
//
// A selector that matches nothing exports nil rather than failing: a later
// step referencing the missing value is where the error surfaces.
func (p *OutputProcessor) ExtractMapped(ctx context.Context, items []OutputItem, mapping map[string]string) (map[string]any, error) {
	if len(mapping) == 0 {
		return map[string]any{}, nil
	}

	exported := make(map[string]any, len(mapping))
	for name, selector := range mapping {
		value, err := p.extractOne(ctx, items, selector)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"output mapping %q (%s): %s", name, selector, err.Error()).WithCause(err)
		}
		exported[name] = value
	}
	return exported, nil
}

func (p *OutputProcessor) extractOne(ctx context.Context, items []OutputItem, selector string) (any, error) {
	if prog, ok := strings.CutPrefix(selector, "jq:"); ok {
		doc, err := itemsDoc(items)
		if err != nil {
			return nil, err
		}
		return p.jq.Evaluate(ctx, prog, doc)
	}

	switch selector {
	case ItemText:
		var parts []string
		for _, item := range items {
			if item.Type == ItemText && item.Text != "" {
				parts = append(parts, item.Text)
			}
		}
		if len(parts) == 0 {
			return nil, nil
		}
		return strings.Join(parts, "\n"), nil
	case ItemImage, ItemVideo, ItemAudio, ItemFile:
		for _, item := range items {
			if item.Type == selector && item.URL != "" {
				return item.URL, nil
			}
		}
		return nil, nil
	case "urls":
		var urls []any
		for _, item := range items {
			if item.URL != "" {
				urls = append(urls, item.URL)
			}
		}
		return urls, nil
	case "items":
		doc, err := itemsDoc(items)
		if err != nil {
			return nil, err
		}
		return doc["items"], nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown output selector %q", selector)
	}
}

// itemsDoc converts the item list into a plain JSON document for jq.
func itemsDoc(items []OutputItem) (map[string]any, error) {
	encoded, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	var plain []any
	if items != nil {
		if err := json.Unmarshal(encoded, &plain); err != nil {
			return nil, err
		}
	}
	if plain == nil {
		plain = []any{}
	}
	return map[string]any{"items": plain}, nil
}
