// Package unspath derives canonical UNS identities from Sparkplug topic
// segments and metric names.
//
// The normaliser applies one consistent rule set so that topics, edge nodes,
// devices, and metric names map deterministically to slash-separated UNS
// paths. Everything here is a pure function so the rules can be exercised in
// isolation by unit tests.
package unspath

import (
	"fmt"
	"strings"
	"unicode"
)

// ErrInvalidPath reports that a required segment was empty after
// normalisation. Callers should drop or skip the offending frame.
type ErrInvalidPath struct {
	Reason string
}

func (e *ErrInvalidPath) Error() string {
	return "invalid uns path: " + e.Reason
}

// Separator is the canonical UNS path separator.
const Separator = "/"

// splitValue expands a raw value into path segments using forward slashes
// only. Sparkplug names commonly embed hierarchy with "/" (e.g.
// "Area/Equipment/Metric"); backslashes and other delimiters are left for the
// normalisation pass to sanitise rather than being treated as separators.
func splitValue(value string) []string {
	text := strings.TrimSpace(value)
	if text == "" {
		return nil
	}
	var segments []string
	for _, segment := range strings.Split(text, Separator) {
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	return segments
}

// normalizeSegment sanitises a single path segment. Interior whitespace runs
// collapse to a single underscore; characters outside the allowed set
// (letters, digits, ".", "_", "-") become "_"; runs of underscores or dashes
// collapse; leading and trailing "_", "-", and spaces are trimmed. Casing is
// preserved.
func normalizeSegment(segment string) string {
	trimmed := strings.TrimSpace(segment)
	if trimmed == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(trimmed))
	lastWasSpace := false
	for _, r := range trimmed {
		if unicode.IsSpace(r) {
			if !lastWasSpace {
				b.WriteByte('_')
				lastWasSpace = true
			}
			continue
		}
		lastWasSpace = false
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}

	cleaned := collapseRuns(b.String(), '_')
	cleaned = collapseRuns(cleaned, '-')
	return strings.Trim(cleaned, "_ -")
}

// collapseRuns reduces consecutive occurrences of c to a single occurrence.
func collapseRuns(s string, c byte) string {
	if !strings.Contains(s, string([]byte{c, c})) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev byte
	for i := 0; i < len(s); i++ {
		if s[i] == c && prev == c {
			continue
		}
		b.WriteByte(s[i])
		prev = s[i]
	}
	return b.String()
}

// normalizedSegments flattens the values, splits each on "/", and normalises
// every resulting segment, dropping those that come out empty.
func normalizedSegments(values ...string) []string {
	var out []string
	for _, value := range values {
		for _, segment := range splitValue(value) {
			if cleaned := normalizeSegment(segment); cleaned != "" {
				out = append(out, cleaned)
			}
		}
	}
	return out
}

// NormalizeDevicePath computes the canonical UNS path for a device context.
// DBIRTH frames include the device portion; NBIRTH frames omit it, so device
// may be empty. Extra segments, when given, appear directly after the device
// identity.
func NormalizeDevicePath(group, edgeNode, device string, extra ...string) (string, error) {
	if group == "" {
		return "", &ErrInvalidPath{Reason: "group is required for uns device path"}
	}
	if edgeNode == "" {
		return "", &ErrInvalidPath{Reason: "edge node is required for uns device path"}
	}
	values := append([]string{group, edgeNode, device}, extra...)
	segments := normalizedSegments(values...)
	if len(segments) == 0 {
		return "", &ErrInvalidPath{Reason: "unable to derive any segments for uns device path"}
	}
	return strings.Join(segments, Separator), nil
}

// NormalizeMetricPath computes the canonical UNS path for a metric. The
// metric path prefixes the device path and then appends the metric name split
// on "/" per Sparkplug conventions.
func NormalizeMetricPath(group, edgeNode, device, metricName string) (string, error) {
	if metricName == "" {
		return "", &ErrInvalidPath{Reason: "metric name is required for uns metric path"}
	}
	deviceSegments := normalizedSegments(group, edgeNode, device)
	if len(deviceSegments) == 0 {
		return "", &ErrInvalidPath{Reason: "unable to derive device portion for metric path"}
	}
	metricSegments := normalizedSegments(metricName)
	if len(metricSegments) == 0 {
		return "", &ErrInvalidPath{
			Reason: fmt.Sprintf("metric name %q did not yield any path segments", metricName),
		}
	}
	return strings.Join(append(deviceSegments, metricSegments...), Separator), nil
}
