package core

import (
	"io"
	"strings"
	"testing"
)

func TestDecodeUTF8(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{"utf8 BOM stripped", append([]byte{0xEF, 0xBB, 0xBF}, "sku,name"...), "sku,name"},
		{"no BOM", []byte("sku,name"), "sku,name"},
		{"empty", []byte{}, ""},
		{"only BOM", []byte{0xEF, 0xBB, 0xBF}, ""},
		{"multibyte kept", []byte("sku,naïve café"), "sku,naïve café"},
		{"invalid byte replaced", []byte{'a', 0x80, 'b'}, "a�b"},
		{"utf16 LE with BOM", []byte{0xFF, 0xFE, 'o', 0, 'k', 0}, "ok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := io.ReadAll(DecodeUTF8(strings.NewReader(string(tt.input))))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeUTF8_LargeInputStreams(t *testing.T) {
	row := "ABC-1,Widget,desc,true\n"
	input := "\xEF\xBB\xBF" + strings.Repeat(row, 50000)

	got, err := io.ReadAll(DecodeUTF8(strings.NewReader(input)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != len(input)-3 {
		t.Errorf("got %d bytes, want %d", len(got), len(input)-3)
	}
}
