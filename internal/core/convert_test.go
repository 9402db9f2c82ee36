package core

import "testing"

// ----------------------------------------------------------------------------
// CleanCell Tests
// ----------------------------------------------------------------------------

func TestCleanCell(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple string unchanged", input: "hello", want: "hello"},
		{name: "empty string", input: "", want: ""},
		{name: "surrounded by whitespace", input: "  hello  ", want: "hello"},
		{name: "Excel text formula", input: `="00123"`, want: "00123"},
		{name: "Excel text formula padded", input: ` =" A-1 " `, want: "A-1"},
		{name: "inner quotes kept", input: `5" screws`, want: `5" screws`},
		{name: "bare equals kept", input: "=SUM(A1)", want: "=SUM(A1)"},
		{name: "lone wrapper chars", input: `="`, want: `="`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanCell(tt.input); got != tt.want {
				t.Errorf("CleanCell(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// ----------------------------------------------------------------------------
// ParseBool Tests
// ----------------------------------------------------------------------------

func TestParseBool(t *testing.T) {
	tests := []struct {
		input  string
		want   bool
		wantOK bool
	}{
		{"true", true, true},
		{"TRUE", true, true},
		{"Yes", true, true},
		{"y", true, true},
		{"t", true, true},
		{"1", true, true},
		{" false ", false, true},
		{"No", false, true},
		{"N", false, true},
		{"f", false, true},
		{"0", false, true},
		{"", false, false},
		{"maybe", false, false},
		{"2", false, false},
		{"on", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseBool(tt.input)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ParseBool(%q) = (%v, %v), want (%v, %v)", tt.input, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
