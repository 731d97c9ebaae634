package document

import "testing"

func TestTextFromContentStream(t *testing.T) {
	cases := []struct {
		name   string
		stream string
		want   string
	}{
		{
			name:   "single Tj operator",
			stream: "BT /F1 12 Tf (Hello) Tj ET",
			want:   "Hello",
		},
		{
			name:   "multiple literals keep order",
			stream: "(Revenue) Tj 0 -14 Td (1,234) Tj",
			want:   "Revenue 1,234",
		},
		{
			name:   "TJ array with kerning",
			stream: "[(Net) -250 (income)] TJ",
			want:   "Net income",
		},
		{
			name:   "escaped parentheses and backslash",
			stream: `(EBITDA \(adjusted\) \\ note) Tj`,
			want:   `EBITDA (adjusted) \ note`,
		},
		{
			name:   "escaped newline and tab collapse to spaces",
			stream: `(line one\nline\ttwo) Tj`,
			want:   "line one line two",
		},
		{
			name:   "nested parentheses",
			stream: "(outer (inner) tail) Tj",
			want:   "outer (inner) tail",
		},
		{
			name:   "no string literals",
			stream: "q 1 0 0 1 10 10 cm Q",
			want:   "",
		},
		{
			name:   "octal escapes are skipped",
			stream: `(caf\351) Tj`,
			want:   "caf51",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := textFromContentStream(tc.stream); got != tc.want {
				t.Errorf("textFromContentStream(%q) = %q, want %q", tc.stream, got, tc.want)
			}
		})
	}
}

func TestNormalizeWhitespace(t *testing.T) {
	if got := normalizeWhitespace("  a \n b\t\tc  "); got != "a b c" {
		t.Errorf("normalizeWhitespace = %q, want %q", got, "a b c")
	}
}
