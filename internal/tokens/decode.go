package tokens

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// MaxDecodedSize bounds how much a compressed capture may expand to.
const MaxDecodedSize = 8 * 1024 * 1024

// decode undoes the listed content encodings, last applied first. A
// truncated capture decodes as far as it goes; a layer that cannot be read
// stops decoding and the bytes so far are returned.
func decode(body []byte, contentEncoding string, limit int64) []byte {
	if len(body) == 0 || contentEncoding == "" {
		return body
	}
	codings := strings.Split(contentEncoding, ",")
	out := body
	for i := len(codings) - 1; i >= 0; i-- {
		next, ok := decodeOne(out, strings.ToLower(strings.TrimSpace(codings[i])), limit)
		if !ok {
			return out
		}
		out = next
	}
	return out
}

func decodeOne(body []byte, encoding string, limit int64) ([]byte, bool) {
	var reader io.Reader
	switch encoding {
	case "", "identity":
		return body, true
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return body, false
		}
		defer zr.Close()
		reader = zr
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		reader = fr
	case "br":
		reader = brotli.NewReader(bytes.NewReader(body))
	default:
		return body, false
	}

	out, err := io.ReadAll(io.LimitReader(reader, limit))
	if err != nil && len(out) == 0 {
		return body, false
	}
	return out, true
}
