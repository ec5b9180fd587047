package logutil

import "testing"

func TestSanitize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"line1\nline2", "line1 line2"},
		{"tab\there", "tab here"},
		{"cr\rhere", "cr here"},
		{"esc\x1b[31mred", "esc[31mred"},
		{"", ""},
		{"unicode ✓ ok", "unicode ✓ ok"},
	}
	for _, c := range cases {
		if got := Sanitize(c.in); got != c.want {
			t.Errorf("Sanitize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
