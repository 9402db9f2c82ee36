package core

import (
	"io"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DecodeUTF8 wraps r so that a leading UTF-8 BOM is dropped and invalid
// byte sequences come out as U+FFFD. UTF-16 input with a BOM is transcoded.
// Memory use is bounded by the transformer's buffer, not the file size.
func DecodeUTF8(r io.Reader) io.Reader {
	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	return transform.NewReader(r, dec)
}
