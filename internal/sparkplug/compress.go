package sparkplug

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"io"
)

// compressedUUID marks a payload whose body holds a compressed inner payload.
const compressedUUID = "SPBV1.0_COMPRESSED"

// isCompressedWrapper reports whether the payload wraps a compressed inner
// message. Some publishers omit the uuid marker and instead carry an
// "algorithm" metric.
func isCompressedWrapper(p *Payload) bool {
	if len(p.Body) == 0 {
		return false
	}
	if p.UUID == compressedUUID {
		return true
	}
	for i := range p.Metrics {
		m := &p.Metrics[i]
		if m.Name != "algorithm" || m.IsNull {
			continue
		}
		if s, ok := m.Value.(string); ok && s == "GZIP" {
			return true
		}
	}
	return false
}

// unwrapIfCompressed inflates nested payloads that use the Sparkplug
// compression wrapper. Gzip is attempted first with a zlib fallback.
func unwrapIfCompressed(p *Payload) (*Payload, error) {
	if !isCompressedWrapper(p) {
		return p, nil
	}
	inner, err := decompress(p.Body)
	if err != nil {
		return nil, &CompressionError{Cause: err}
	}
	parsed, err := parsePayload(inner)
	if err != nil {
		return nil, &MalformedPayloadError{Cause: err}
	}
	return parsed, nil
}

func decompress(body []byte) ([]byte, error) {
	if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
		defer gz.Close()
		if out, err := io.ReadAll(gz); err == nil {
			return out, nil
		}
	}
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, errors.New("body is neither gzip nor zlib compressed")
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
