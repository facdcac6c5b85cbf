package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// AnyValue in expected JSON matches any present value.
const AnyValue = "<<ANY>>"

// JSONAssertOptions controls JSON comparison.
type JSONAssertOptions struct {
	IgnoreExtraKeys bool `default:"true"`
	AllowAnyValue   bool `default:"true"`
}

// JSONOption configures a JSONAsserter.
type JSONOption func(*JSONAssertOptions)

// JSONAsserter compares JSON documents structurally and reports a gojsondiff
// delta on mismatch.
type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

// NewJSONAsserter creates an asserter with default options.
func NewJSONAsserter(t TestingT, opts ...JSONOption) *JSONAsserter {
	o := JSONAssertOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return &JSONAsserter{t: t, options: o}
}

// Assert fails the test when actual does not match expected.
func (ja *JSONAsserter) Assert(actual, expected string) bool {
	ja.t.Helper()
	if diff := ja.Diff(actual, expected); diff != "" {
		ja.t.Errorf("JSON mismatch:\n%s", diff)
		return false
	}
	return true
}

// AssertLines compares newline-delimited JSON documents pairwise.
func (ja *JSONAsserter) AssertLines(actual string, expected ...string) bool {
	ja.t.Helper()
	lines := nonEmptyLines(actual)
	if len(lines) != len(expected) {
		ja.t.Errorf("JSON lines: got %d documents, want %d:\n%s", len(lines), len(expected), actual)
		return false
	}
	ok := true
	for i := range lines {
		if diff := ja.Diff(lines[i], expected[i]); diff != "" {
			ja.t.Errorf("JSON line %d mismatch:\n%s", i+1, diff)
			ok = false
		}
	}
	return ok
}

// Diff returns "" when the documents match, otherwise a readable delta.
func (ja *JSONAsserter) Diff(actual, expected string) string {
	var want, got interface{}
	if err := json.Unmarshal([]byte(expected), &want); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actual), &got); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff compares objects only.
	want = map[string]interface{}{"root": want}
	got = map[string]interface{}{"root": got}

	if ja.options.AllowAnyValue {
		fillAny(want, got)
	}
	if ja.options.IgnoreExtraKeys {
		dropExtraKeys(got, want)
	}

	wantBytes, _ := json.Marshal(want)
	gotBytes, _ := json.Marshal(got)

	delta, err := gojsondiff.New().Compare(wantBytes, gotBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !delta.Modified() {
		return ""
	}

	f := formatter.NewAsciiFormatter(want, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	out, err := f.Format(delta)
	if err != nil {
		return fmt.Sprintf("JSON differs (format failed: %v)", err)
	}
	return out
}

func fillAny(want, got interface{}) {
	switch w := want.(type) {
	case map[string]interface{}:
		g, ok := got.(map[string]interface{})
		if !ok {
			return
		}
		for k, v := range w {
			if s, isStr := v.(string); isStr && s == AnyValue {
				if gv, present := g[k]; present {
					w[k] = gv
				}
				continue
			}
			fillAny(v, g[k])
		}
	case []interface{}:
		g, ok := got.([]interface{})
		if !ok {
			return
		}
		for i := range w {
			if i < len(g) {
				fillAny(w[i], g[i])
			}
		}
	}
}

func dropExtraKeys(got, want interface{}) {
	switch w := want.(type) {
	case map[string]interface{}:
		g, ok := got.(map[string]interface{})
		if !ok {
			return
		}
		for k := range g {
			if _, keep := w[k]; !keep {
				delete(g, k)
			}
		}
		for k := range w {
			dropExtraKeys(g[k], w[k])
		}
	case []interface{}:
		g, ok := got.([]interface{})
		if !ok {
			return
		}
		for i := range w {
			if i < len(g) {
				dropExtraKeys(g[i], w[i])
			}
		}
	}
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

// WithIgnoreExtraKeys ignores keys present only in actual.
func WithIgnoreExtraKeys(ignore bool) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = ignore }
}

// WithAnyValue enables the AnyValue placeholder.
func WithAnyValue(allow bool) JSONOption {
	return func(o *JSONAssertOptions) { o.AllowAnyValue = allow }
}
