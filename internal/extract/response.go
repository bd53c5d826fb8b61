package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	errNoJSONObject = errors.New("no JSON object in response")
	errMissingKey   = errors.New("missing required key")
)

// modelResponse is the validated form of a model's JSON answer.
type modelResponse struct {
	EventType     EventType
	Confidence    float64
	Locations     []string
	People        []string
	Organizations []string
	Schemes       []string
	// UnknownEvent holds a raw event_type outside the enumeration.
	UnknownEvent string
}

// Accepted spellings per field. The first key is the canonical one.
var (
	locationKeys     = []string{"locations", "location_names"}
	peopleKeys       = []string{"people_mentioned", "people"}
	organizationKeys = []string{"organizations", "organisations"}
	schemeKeys       = []string{"schemes_mentioned", "schemes"}
)

// parseModelResponse validates raw model output. Markdown fences are always
// tolerated; loose additionally accepts prose around the JSON object.
func parseModelResponse(raw string, loose bool) (*modelResponse, error) {
	cleaned := stripCodeFence(raw)
	if loose {
		obj, ok := findJSONObject(cleaned)
		if !ok {
			return nil, errNoJSONObject
		}
		cleaned = obj
	}
	if !strings.HasPrefix(cleaned, "{") {
		return nil, errNoJSONObject
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &fields); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}

	rawConf, ok := fields["confidence"]
	if !ok || isNull(rawConf) {
		return nil, fmt.Errorf("%w %q", errMissingKey, "confidence")
	}
	conf, err := decodeNumber(rawConf)
	if err != nil {
		return nil, fmt.Errorf("confidence: %w", err)
	}

	resp := &modelResponse{Confidence: clamp01(conf), EventType: EventOther}

	if rawEvent, ok := fields["event_type"]; ok && !isNull(rawEvent) {
		var s string
		if err := json.Unmarshal(rawEvent, &s); err != nil {
			return nil, fmt.Errorf("event_type: %w", err)
		}
		et, known := ParseEventType(s)
		resp.EventType = et
		if !known && strings.TrimSpace(s) != "" {
			resp.UnknownEvent = s
		}
	}

	for _, f := range []struct {
		keys []string
		dst  *[]string
	}{
		{locationKeys, &resp.Locations},
		{peopleKeys, &resp.People},
		{organizationKeys, &resp.Organizations},
		{schemeKeys, &resp.Schemes},
	} {
		list, err := decodeStringList(fields, f.keys)
		if err != nil {
			return nil, err
		}
		*f.dst = list
	}
	return resp, nil
}

func (r *modelResponse) layerResult(tag LayerTag) LayerResult {
	out := LayerResult{
		Layer:         tag,
		EventType:     r.EventType,
		Confidence:    r.Confidence,
		Locations:     r.Locations,
		People:        r.People,
		Organizations: r.Organizations,
		Schemes:       r.Schemes,
	}
	if r.UnknownEvent != "" {
		out.Error = fmt.Sprintf("unknown event_type %q mapped to other", r.UnknownEvent)
	}
	return out
}

// stripCodeFence removes a surrounding ``` or ```json fence.
func stripCodeFence(raw string) string {
	cleaned := strings.TrimSpace(raw)
	if !strings.HasPrefix(cleaned, "```") {
		return cleaned
	}
	lines := strings.Split(cleaned, "\n")
	if len(lines) > 2 {
		lines = lines[1:]
		if strings.TrimSpace(lines[len(lines)-1]) == "```" {
			lines = lines[:len(lines)-1]
		}
		return strings.TrimSpace(strings.Join(lines, "\n"))
	}
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	return strings.TrimSpace(strings.TrimSuffix(cleaned, "```"))
}

// findJSONObject returns the first balanced {...} span in s that is valid
// JSON. Braces inside string literals are ignored.
func findJSONObject(s string) (string, bool) {
	for start := 0; start < len(s); start++ {
		if s[start] != '{' {
			continue
		}
		end := balancedEnd(s, start)
		if end < 0 {
			return "", false
		}
		if candidate := s[start : end+1]; json.Valid([]byte(candidate)) {
			return candidate, true
		}
	}
	return "", false
}

// balancedEnd returns the index of the brace closing the one at start, or -1.
func balancedEnd(s string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

func decodeNumber(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("not a number: %s", string(raw))
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return f, nil
}

// decodeStringList reads the first present key as a list of strings. A bare
// string is treated as a one-item list; missing or null yields an empty list.
func decodeStringList(fields map[string]json.RawMessage, keys []string) ([]string, error) {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		if isNull(raw) {
			return []string{}, nil
		}
		var list []string
		if err := json.Unmarshal(raw, &list); err == nil {
			return CleanList(list), nil
		}
		var single string
		if err := json.Unmarshal(raw, &single); err == nil {
			return CleanList([]string{single}), nil
		}
		return nil, fmt.Errorf("%s: expected a list of strings, got %s", key, truncate(string(raw), 80))
	}
	return []string{}, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
