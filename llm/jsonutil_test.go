package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantKey string
	}{
		{
			name:    "fenced block",
			input:   "Here is the mesh plan:\n```json\n{\"mesh_type\": \"tetrahedral\"}\n```\nDone.",
			wantKey: "mesh_type",
		},
		{
			name:    "fence without language",
			input:   "```\n{\"materials\": []}\n```",
			wantKey: "materials",
		},
		{
			name:    "bare object",
			input:   "Analysis complete {\"complexity\": \"moderate\", \"confidence_score\": 0.9} thanks",
			wantKey: "complexity",
		},
		{
			name:    "comments and trailing commas",
			input:   "```json\n{\n  \"boundary_conditions\": [\n    \"inlet\",  // velocity\n    \"outlet\",  // pressure\n  ],\n}\n```",
			wantKey: "boundary_conditions",
		},
		{
			name:    "URL inside a value",
			input:   "{\"source\": \"http://cad.example/part.step\" // original file\n}",
			wantKey: "source",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := ExtractJSON(tt.input)
			require.NotEmpty(t, raw)

			var out map[string]any
			require.NoError(t, json.Unmarshal([]byte(raw), &out), raw)
			assert.Contains(t, out, tt.wantKey)
		})
	}
}

func TestExtractJSON_None(t *testing.T) {
	assert.Empty(t, ExtractJSON("I could not analyse the geometry."))
}

func TestStripLineComment(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`"a": 1, // note`, `"a": 1,`},
		{`"url": "http://x.io/y"`, `"url": "http://x.io/y"`},
		{`"q": "say \"//\" here" // c`, `"q": "say \"//\" here"`},
		{`no comment`, `no comment`},
	}
	for _, tt := range tests {
		if got := stripLineComment(tt.in); got != tt.want {
			t.Errorf("stripLineComment(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDecodeJSON(t *testing.T) {
	var out struct {
		Confidence float64 `json:"confidence_score"`
	}
	require.NoError(t, DecodeJSON("```json\n{\"confidence_score\": 0.75,}\n```", &out))
	assert.InDelta(t, 0.75, out.Confidence, 1e-9)

	assert.ErrorIs(t, DecodeJSON("nothing here", &out), ErrNoJSON)
	assert.Error(t, DecodeJSON("{not json}", &out))
}
