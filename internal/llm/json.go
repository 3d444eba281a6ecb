package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// decodeTolerantJSON decodes a model response that should be a JSON object.
// Models wrap JSON in markdown fences or prose more often than not, so the
// decoder strips fences, isolates the outermost object, and coerces loosely
// typed fields (a score of "85" or 85.0 both land in an int).
func decodeTolerantJSON(raw string, out any) error {
	s := strings.TrimSpace(raw)

	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("response contains no JSON object")
	}
	s = s[start : end+1]

	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return fmt.Errorf("parsing response JSON: %w", err)
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "json",
	})
	if err != nil {
		return err
	}
	return dec.Decode(m)
}
