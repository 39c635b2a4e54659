package phases

import "testing"

func TestExtractJSONObject(t *testing.T) {
	cases := map[string]string{
		`{"a":1}`:                              `{"a":1}`,
		"```json\n{\"a\":1}\n```":              `{"a":1}`,
		"Sure, here you go: {\"a\":1} thanks!": `{"a":1}`,
	}
	for input, want := range cases {
		if got := extractJSONObject(input); got != want {
			t.Errorf("extractJSONObject(%q) = %q, want %q", input, got, want)
		}
	}
}
