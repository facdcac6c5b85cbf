package testutils

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the subset of testing.T the asserters need.
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
}

// TextAssertOptions controls how text is normalized before comparison.
type TextAssertOptions struct {
	TrimSpace                bool `default:"true"`
	IgnoreTrailingWhitespace bool `default:"true"`
	IgnoreEmptyLines         bool `default:"false"`
	StripANSI                bool `default:"true"`
	Colors                   bool `default:"false"`
}

// TextOption configures a TextAsserter.
type TextOption func(*TextAssertOptions)

// TextAsserter compares multi-line command output and reports a unified diff.
type TextAsserter struct {
	t       TestingT
	options TextAssertOptions
}

// NewTextAsserter creates an asserter with default options.
func NewTextAsserter(t TestingT, opts ...TextOption) *TextAsserter {
	o := TextAssertOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return &TextAsserter{t: t, options: o}
}

// Assert fails the test when actual differs from expected after normalization.
func (ta *TextAsserter) Assert(actual, expected string) bool {
	ta.t.Helper()
	if diff := ta.Diff(actual, expected); diff != "" {
		ta.t.Errorf("text mismatch (-expected +actual):\n%s", diff)
		return false
	}
	return true
}

// Diff returns a unified diff, or "" when the texts match.
func (ta *TextAsserter) Diff(actual, expected string) string {
	want := ta.normalize(expected)
	got := ta.normalize(actual)
	if want == got {
		return ""
	}

	// myers needs trailing newlines to produce clean hunks.
	edits := myers.ComputeEdits("", want+"\n", got+"\n")
	unified := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", want+"\n", edits))
	if !ta.options.Colors {
		return unified
	}
	return colorize(unified)
}

func (ta *TextAsserter) normalize(text string) string {
	if ta.options.StripANSI {
		text = StripANSI(text)
	}
	if ta.options.TrimSpace {
		text = strings.TrimSpace(text)
	}

	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		if ta.options.IgnoreTrailingWhitespace {
			line = strings.TrimRight(line, " \t\r")
		}
		if ta.options.IgnoreEmptyLines && line == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func colorize(diff string) string {
	header := color.New(color.FgYellow)
	hunk := color.New(color.FgCyan)
	del := color.New(color.FgRed)
	add := color.New(color.FgGreen)
	for _, c := range []*color.Color{header, hunk, del, add} {
		c.EnableColor()
	}

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"):
			lines[i] = header.Sprint(line)
		case strings.HasPrefix(line, "@@"):
			lines[i] = hunk.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = del.Sprint(visibleWhitespace(line))
		case strings.HasPrefix(line, "+"):
			lines[i] = add.Sprint(visibleWhitespace(line))
		}
	}
	return strings.Join(lines, "\n")
}

func visibleWhitespace(line string) string {
	return strings.NewReplacer(" ", "·", "\t", "→").Replace(line)
}

// StripANSI removes SGR escape sequences such as those emitted by fatih/color.
func StripANSI(s string) string {
	if !strings.Contains(s, "\x1b[") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '[' {
			j := i + 2
			for j < len(s) && (s[j] == ';' || (s[j] >= '0' && s[j] <= '9')) {
				j++
			}
			if j < len(s) && s[j] == 'm' {
				i = j
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// WithTrimSpace trims the whole text before comparing.
func WithTrimSpace(trim bool) TextOption {
	return func(o *TextAssertOptions) { o.TrimSpace = trim }
}

// WithIgnoreEmptyLines drops blank lines before comparing.
func WithIgnoreEmptyLines(ignore bool) TextOption {
	return func(o *TextAssertOptions) { o.IgnoreEmptyLines = ignore }
}

// WithStripANSI removes color escapes before comparing.
func WithStripANSI(strip bool) TextOption {
	return func(o *TextAssertOptions) { o.StripANSI = strip }
}

// WithColors colors the reported diff.
func WithColors(enable bool) TextOption {
	return func(o *TextAssertOptions) { o.Colors = enable }
}
