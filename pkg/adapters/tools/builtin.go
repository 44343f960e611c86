package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// RegisterDefaults installs the builtin tools every deployment carries.
func RegisterDefaults(r *Registry) {
	r.RegisterBuiltin("current_time", currentTime)
	r.RegisterBuiltin("json_query", jsonQuery)
}

// currentTime returns the current time, optionally in args["timezone"].
func currentTime(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	now := time.Now().UTC()
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", tz)
		}
		now = now.In(loc)
	}
	return map[string]interface{}{
		"time":     now.Format(time.RFC3339),
		"unix":     now.Unix(),
		"timezone": now.Location().String(),
	}, nil
}

// jsonQuery evaluates a gjson path against args["document"], which may be a
// JSON string or any structured value.
func jsonQuery(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}

	var doc []byte
	switch d := args["document"].(type) {
	case string:
		if !gjson.Valid(d) {
			return nil, fmt.Errorf("document is not valid JSON")
		}
		doc = []byte(d)
	default:
		data, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("failed to encode document: %w", err)
		}
		doc = data
	}

	result := gjson.GetBytes(doc, path)
	return map[string]interface{}{
		"found": result.Exists(),
		"value": result.Value(),
	}, nil
}
