package expression

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	referencePattern = regexp.MustCompile(`\$\{\s*([^}]+?)\s*\}`)
	bracketPattern   = regexp.MustCompile(`\[(\d+)\]`)
)

// Resolve evaluates template against ctx.
func Resolve(template string, ctx map[string]interface{}) (interface{}, error) {
	matches := referencePattern.FindAllStringSubmatchIndex(template, -1)
	if len(matches) == 0 {
		return template, nil
	}

	doc, err := json.Marshal(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to encode context: %w", err)
	}

	// Whole-string reference keeps the value type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(template) {
		path := template[matches[0][2]:matches[0][3]]
		result := gjson.GetBytes(doc, normalize(path))
		if !result.Exists() {
			return nil, nil
		}
		return result.Value(), nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(template[last:m[0]])
		path := template[m[2]:m[3]]
		result := gjson.GetBytes(doc, normalize(path))
		switch {
		case !result.Exists():
		case result.Type == gjson.String:
			b.WriteString(result.Str)
		default:
			b.WriteString(result.Raw)
		}
		last = m[1]
	}
	b.WriteString(template[last:])
	return b.String(), nil
}

// Lookup evaluates a bare path (no ${} wrapper) against ctx.
func Lookup(path string, ctx map[string]interface{}) (interface{}, bool, error) {
	path = strings.TrimSpace(path)
	if strings.HasPrefix(path, "${") && strings.HasSuffix(path, "}") {
		path = strings.TrimSpace(path[2 : len(path)-1])
	}
	if path == "" {
		return nil, false, nil
	}

	doc, err := json.Marshal(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode context: %w", err)
	}
	result := gjson.GetBytes(doc, normalize(path))
	if !result.Exists() {
		return nil, false, nil
	}
	return result.Value(), true, nil
}

// ResolveValue walks maps and slices resolving every string leaf.
func ResolveValue(value interface{}, ctx map[string]interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return Resolve(v, ctx)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			resolved, err := ResolveValue(item, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			resolved, err := ResolveValue(item, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// HasReference reports whether s contains a ${} reference.
func HasReference(s string) bool {
	return referencePattern.MatchString(s)
}

func normalize(path string) string {
	return strings.TrimPrefix(bracketPattern.ReplaceAllString(path, ".$1"), ".")
}
