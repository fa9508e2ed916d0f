package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// curatedSchemaJSON mirrors the shape editors may store in the relatedPosts meta field
const curatedSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "array",
	"items": {
		"type": "object",
		"properties": {
			"date":      {"type": "string"},
			"key":       {"type": "string"},
			"link":      {"type": "string"},
			"permalink": {"type": "string"},
			"postId":    {"type": "integer"},
			"title":     {"type": "string"},
			"label":     {"type": "string"}
		}
	}
}`

const curatedSchemaID = "related-posts.schema.json"

func compileCuratedSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(curatedSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parsing curated schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(curatedSchemaID, doc); err != nil {
		return nil, fmt.Errorf("adding curated schema: %w", err)
	}
	return compiler.Compile(curatedSchemaID)
}

// decodeCurated decodes the relatedPosts meta value. The value is either a
// JSON array (the native structured form) or a JSON string that itself holds
// a JSON array. Anything else yields no entries.
func decodeCurated(raw string) ([]CuratedEntry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var records []json.RawMessage
	switch raw[0] {
	case '"':
		var inner string
		if err := json.Unmarshal([]byte(raw), &inner); err != nil {
			return nil, fmt.Errorf("decoding curated string: %w", err)
		}
		return decodeCurated(inner)
	case '[':
		if err := json.Unmarshal([]byte(raw), &records); err != nil {
			return nil, fmt.Errorf("decoding curated array: %w", err)
		}
	case '{':
		// Index-keyed objects ({"0": {...}, "1": {...}}) are arrays that lost their shape
		var keyed map[string]json.RawMessage
		if err := json.Unmarshal([]byte(raw), &keyed); err != nil {
			return nil, fmt.Errorf("decoding curated object: %w", err)
		}
		records = orderedValues(keyed)
	default:
		return nil, nil
	}

	entries := make([]CuratedEntry, 0, len(records))
	for _, record := range records {
		entry, ok := decodeCuratedRecord(record)
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func orderedValues(keyed map[string]json.RawMessage) []json.RawMessage {
	keys := make([]string, 0, len(keyed))
	for k := range keyed {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		ai, aerr := strconv.Atoi(a)
		bi, berr := strconv.Atoi(b)
		if aerr == nil && berr == nil {
			return ai - bi
		}
		return strings.Compare(a, b)
	})
	values := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		values = append(values, keyed[k])
	}
	return values
}

// decodeCuratedRecord maps one stored object; ok is false when it has no usable postId
func decodeCuratedRecord(record json.RawMessage) (CuratedEntry, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(record, &fields); err != nil {
		return CuratedEntry{}, false
	}

	rawID, exists := fields["postId"]
	if !exists {
		return CuratedEntry{}, false
	}
	id, ok := jsonInt(rawID)
	if !ok {
		return CuratedEntry{}, false
	}

	return CuratedEntry{
		PostID:    id,
		Date:      jsonString(fields, "date"),
		Key:       jsonString(fields, "key"),
		Link:      jsonString(fields, "link"),
		Permalink: jsonString(fields, "permalink"),
		Title:     jsonString(fields, "title"),
		Label:     jsonString(fields, "label"),
	}, true
}

// jsonInt accepts integers and numeric strings
func jsonInt(raw json.RawMessage) (int64, bool) {
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, false
	}
	switch val := v.(type) {
	case json.Number:
		n = val
	case string:
		n = json.Number(strings.TrimSpace(val))
	default:
		return 0, false
	}
	if id, err := n.Int64(); err == nil {
		return id, true
	}
	if f, err := n.Float64(); err == nil && f == float64(int64(f)) {
		return int64(f), true
	}
	return 0, false
}

// jsonString returns the string form of a field, or nil if the key is absent or null
func jsonString(fields map[string]json.RawMessage, key string) *string {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &s
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "null" {
		return nil
	}
	return &trimmed
}

// curatedItems reads the curated entries of a post and maps them to related items
func (q *Query) curatedItems(ctx context.Context) ([]RelatedItem, error) {
	cfg := q.resolver.cfg
	raw, ok, err := q.resolver.content.Meta(ctx, q.ID, cfg.MetaKey)
	if err != nil || !ok {
		return nil, err
	}

	entries, err := decodeCurated(raw)
	if err != nil {
		q.logger(ctx).Warn("Ignoring malformed curated entries", "error", err)
		return nil, nil
	}

	items := make([]RelatedItem, 0, len(entries))
	for _, entry := range entries {
		pt, err := postType(ctx, q.resolver.content, entry.PostID)
		if err != nil {
			return nil, err
		}

		item := RelatedItem{
			PostID:   entry.PostID,
			PostType: pt,
			Date:     entry.Date,
			URL:      entry.Permalink,
			Label:    cfg.DefaultLabel,
		}
		if item.URL == nil {
			item.URL = entry.Link
		}
		if entry.Title != nil {
			item.Title = stringPtr(stripSlashes(*entry.Title))
		}
		if entry.Label != nil && *entry.Label != "" && *entry.Label != "0" {
			item.Label = *entry.Label
		}
		items = append(items, item)
	}
	return items, nil
}

// SetCuratedEntries validates and stores the curated entries of a post, then
// drops its cached related posts
func (r *Resolver) SetCuratedEntries(ctx context.Context, writer ContentWriter, postID int64, raw []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCurated, err)
	}
	if err := r.curatedSchema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCurated, err)
	}

	p, err := r.content.Post(ctx, postID)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrInvalidPostID
	}
	if !r.enabled(p.PostType) {
		return fmt.Errorf("%w: post type %q", ErrPostTypeDisabled, p.PostType)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCurated, err)
	}
	if err := writer.SetMeta(ctx, postID, r.cfg.MetaKey, compact.String()); err != nil {
		return err
	}
	return r.OnUpdate(ctx, postID)
}
