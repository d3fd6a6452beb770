package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
)

// actionResponse is the shape every adapter asks the provider to produce for
// a text step. Platforms with schema-constrained decoding receive the JSON
// schema derived from it; the rest are prompted and parsed best-effort.
type actionResponse struct {
	Message      string `json:"message" jsonschema:"description=Narrative response to the player action"`
	StatusFields []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"statusFields" jsonschema:"description=Updated value for every status field of the game"`
	ImagePrompt string `json:"imagePrompt" jsonschema:"description=Short scene description for an illustration,default="`
}

// ResponseSchema returns the provider-facing JSON schema for the structured
// game response.
func ResponseSchema() json.RawMessage {
	r := jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	s := r.Reflect(&actionResponse{})
	s.Version = ""
	raw, err := json.Marshal(s)
	if err != nil {
		// The schema is derived from a fixed struct; marshalling cannot
		// fail at runtime.
		panic(err)
	}
	return raw
}

// ParseReply validates and decodes raw provider output against the session's
// frozen status-field schema.
//
// The field-name set is closed: names the model invented are dropped and
// reported back, names it omitted are backfilled from the prior turn (or the
// schema's initial value on the first turn). Output that is not parseable
// JSON at all fails with malformed_ai_response.
func ParseReply(platform, raw string, schema []StatusFieldSpec, prior []StatusField) (Reply, []string, error) {
	payload := extractJSON(raw)
	var decoded actionResponse
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return Reply{}, nil, E(CodeMalformedResponse, platform, "parse response", fmt.Errorf("invalid json: %w", err))
	}
	if strings.TrimSpace(decoded.Message) == "" {
		return Reply{}, nil, E(CodeMalformedResponse, platform, "parse response", fmt.Errorf("missing message text"))
	}

	known := make(map[string]string, len(schema))
	for _, spec := range schema {
		known[spec.Name] = ""
	}
	var dropped []string
	returned := make(map[string]string, len(decoded.StatusFields))
	for _, f := range decoded.StatusFields {
		if _, ok := known[f.Name]; !ok {
			dropped = append(dropped, f.Name)
			continue
		}
		returned[f.Name] = f.Value
	}

	priorByName := make(map[string]string, len(prior))
	for _, f := range prior {
		priorByName[f.Name] = f.Value
	}

	fields := make([]StatusField, 0, len(schema))
	for _, spec := range schema {
		value, ok := returned[spec.Name]
		if !ok {
			if v, had := priorByName[spec.Name]; had {
				value = v
			} else {
				value = spec.Initial
			}
		}
		fields = append(fields, StatusField{Name: spec.Name, Value: value})
	}

	return Reply{
		Message:      strings.TrimSpace(decoded.Message),
		StatusFields: fields,
		ImagePrompt:  strings.TrimSpace(decoded.ImagePrompt),
	}, dropped, nil
}

// extractJSON strips markdown fences and leading prose some models wrap
// around their JSON payload.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	if !strings.HasPrefix(s, "{") {
		if i := strings.Index(s, "{"); i >= 0 {
			if j := strings.LastIndex(s, "}"); j > i {
				s = s[i : j+1]
			}
		}
	}
	return s
}
