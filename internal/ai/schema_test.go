package ai

import (
	"encoding/json"
	"strings"
	"testing"
)

var testSchema = []StatusFieldSpec{
	{Name: "health", Initial: "100"},
	{Name: "gold", Initial: "0"},
	{Name: "location", Initial: "village"},
}

func TestParseReplyFullPayload(t *testing.T) {
	raw := `{"message":"You enter the cave.","statusFields":[{"name":"health","value":"90"},{"name":"gold","value":"5"},{"name":"location","value":"cave"}],"imagePrompt":"a dark cave"}`
	reply, dropped, err := ParseReply("mock", raw, testSchema, nil)
	if err != nil {
		t.Fatalf("ParseReply: %v", err)
	}
	if len(dropped) != 0 {
		t.Fatalf("dropped = %v, want none", dropped)
	}
	if reply.Message != "You enter the cave." || reply.ImagePrompt != "a dark cave" {
		t.Fatalf("reply = %+v", reply)
	}
	if got := fieldValue(reply, "location"); got != "cave" {
		t.Fatalf("location = %q", got)
	}
}

func TestParseReplyBackfillsMissingFromPrior(t *testing.T) {
	raw := `{"message":"Nothing happens.","statusFields":[{"name":"health","value":"80"}]}`
	prior := []StatusField{{Name: "gold", Value: "42"}, {Name: "location", Value: "forest"}}
	reply, _, err := ParseReply("mock", raw, testSchema, prior)
	if err != nil {
		t.Fatalf("ParseReply: %v", err)
	}
	if len(reply.StatusFields) != len(testSchema) {
		t.Fatalf("field count = %d, want %d", len(reply.StatusFields), len(testSchema))
	}
	if fieldValue(reply, "gold") != "42" || fieldValue(reply, "location") != "forest" {
		t.Fatalf("backfill failed: %+v", reply.StatusFields)
	}
	if fieldValue(reply, "health") != "80" {
		t.Fatalf("returned value not kept: %+v", reply.StatusFields)
	}
}

func TestParseReplyBackfillsInitialOnFirstTurn(t *testing.T) {
	raw := `{"message":"The story begins.","statusFields":[]}`
	reply, _, err := ParseReply("mock", raw, testSchema, nil)
	if err != nil {
		t.Fatalf("ParseReply: %v", err)
	}
	if fieldValue(reply, "health") != "100" || fieldValue(reply, "location") != "village" {
		t.Fatalf("initial values not applied: %+v", reply.StatusFields)
	}
}

func TestParseReplyDropsInventedFields(t *testing.T) {
	raw := `{"message":"ok","statusFields":[{"name":"health","value":"1"},{"name":"mana","value":"99"}]}`
	reply, dropped, err := ParseReply("mock", raw, testSchema, nil)
	if err != nil {
		t.Fatalf("ParseReply: %v", err)
	}
	if len(dropped) != 1 || dropped[0] != "mana" {
		t.Fatalf("dropped = %v, want [mana]", dropped)
	}
	for _, f := range reply.StatusFields {
		if f.Name == "mana" {
			t.Fatal("invented field leaked into reply")
		}
	}
}

func TestParseReplyMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: "The dragon says hello"},
		{name: "empty", raw: ""},
		{name: "missing message", raw: `{"statusFields":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseReply("mock", tt.raw, testSchema, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if CodeOf(err) != CodeMalformedResponse {
				t.Fatalf("code = %s, want %s", CodeOf(err), CodeMalformedResponse)
			}
		})
	}
}

func TestParseReplyUnwrapsMarkdownFence(t *testing.T) {
	raw := "```json\n{\"message\":\"fenced\",\"statusFields\":[]}\n```"
	reply, _, err := ParseReply("mock", raw, testSchema, nil)
	if err != nil {
		t.Fatalf("ParseReply: %v", err)
	}
	if reply.Message != "fenced" {
		t.Fatalf("message = %q", reply.Message)
	}
}

func TestResponseSchemaShape(t *testing.T) {
	raw := ResponseSchema()
	var s map[string]any
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("schema is not valid json: %v", err)
	}
	props, ok := s["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schema has no properties: %s", string(raw))
	}
	for _, name := range []string{"message", "statusFields", "imagePrompt"} {
		if _, ok := props[name]; !ok {
			t.Fatalf("schema missing property %q", name)
		}
	}
}

func fieldValue(r Reply, name string) string {
	for _, f := range r.StatusFields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

func TestExtractJSONLeadingProse(t *testing.T) {
	raw := "Here is the result: {\"message\":\"x\",\"statusFields\":[]} hope it helps"
	got := extractJSON(raw)
	if !strings.HasPrefix(got, "{") || !strings.HasSuffix(got, "}") {
		t.Fatalf("extractJSON = %q", got)
	}
}
