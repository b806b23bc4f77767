package vision

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hyperjump/patmaster/internal/models"
)

//go:embed diagram.schema.json
var schemaJSON []byte

var diagramSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("diagram.schema.json", bytes.NewReader(schemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile("diagram.schema.json")
}()

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ErrInvalidResponse means the model answered with something that is not a description.
var ErrInvalidResponse = errors.New("invalid description response")

// decodeResponse extracts the JSON object from a model answer: the raw text, a fenced
// json block, or the outermost brace span, in that order.
func decodeResponse(text string) (map[string]any, error) {
	candidates := []string{strings.TrimSpace(text)}
	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, m[1])
	}
	if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i >= 0 && j > i {
		candidates = append(candidates, text[i:j+1])
	}
	for _, c := range candidates {
		var v any
		if err := json.Unmarshal([]byte(c), &v); err != nil {
			continue
		}
		obj, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if err := diagramSchema.Validate(v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		return obj, nil
	}
	return nil, fmt.Errorf("%w: no JSON object found", ErrInvalidResponse)
}

// normalize maps a validated response onto a description. Diagram types outside the known
// set become "other"; non-diagrams carry only the image type and summary.
func normalize(imageID string, raw map[string]any) *models.DiagramDescription {
	d := &models.DiagramDescription{
		ImageID:   imageID,
		IsDiagram: true,
		Summary:   str(raw["description_summary"]),
	}
	if v, ok := raw["is_diagram"].(bool); ok {
		d.IsDiagram = v
	}
	if !d.IsDiagram {
		d.ImageType = strings.ToLower(str(raw["image_type"]))
		return d
	}

	d.DiagramType = models.ParseDiagramType(strings.ToLower(str(raw["diagram_type"])))
	d.OutermostElements = strList(raw["outermost_elements"])
	d.AllTextLabels = strList(raw["all_text_labels"])

	d.ShapeMapping = map[string][]string{}
	if m, ok := raw["shape_mapping"].(map[string]any); ok {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			shape := strings.ToLower(strings.TrimSpace(key))
			if shape == "" {
				continue
			}
			if elems := strList(m[key]); len(elems) > 0 {
				d.ShapeMapping[shape] = append(d.ShapeMapping[shape], elems...)
			}
		}
	}

	d.NestedComponents = map[string][]string{}
	if m, ok := raw["nested_components"].(map[string]any); ok {
		flattenNested(m, d.NestedComponents)
	}

	d.Connections = []models.Connection{}
	if list, ok := raw["connections"].([]any); ok {
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			c := models.Connection{
				From:      str(m["from"]),
				To:        str(m["to"]),
				Direction: direction(str(m["direction"])),
				Label:     str(m["label"]),
			}
			if c.From == "" || c.To == "" {
				continue
			}
			d.Connections = append(d.Connections, c)
		}
	}
	return d
}

// flattenNested turns {"parent": ["a"]} and {"parent": {"children": [...], "child_details": {...}}}
// into parent -> children edges.
func flattenNested(m map[string]any, out map[string][]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, parent := range keys {
		name := strings.TrimSpace(parent)
		if name == "" {
			continue
		}
		switch v := m[parent].(type) {
		case map[string]any:
			if children := strList(v["children"]); len(children) > 0 {
				out[name] = append(out[name], children...)
			}
			if details, ok := v["child_details"].(map[string]any); ok {
				flattenNested(details, out)
			}
		default:
			if children := strList(v); len(children) > 0 {
				out[name] = append(out[name], children...)
			}
		}
	}
}

func direction(s string) models.Direction {
	s = strings.ToLower(s)
	if strings.HasPrefix(s, "bi") || strings.Contains(s, "↔") || strings.Contains(s, "<->") {
		return models.Bidirectional
	}
	return models.Unidirectional
}

func str(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return ""
}

// strList accepts a string or a list and drops empty entries.
func strList(v any) []string {
	var out []string
	switch x := v.(type) {
	case []any:
		for _, item := range x {
			if s := str(item); s != "" {
				out = append(out, s)
			}
		}
	default:
		if s := str(x); s != "" {
			out = append(out, s)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}
