// Package detector decides when a plain HTTP response should be re-fetched through a browser.
package detector

import (
	"bytes"
	"io"

	"github.com/JakeFAU/fetchkit/internal/fetch"
)

const (
	defaultThreshold    = 2048
	defaultInspectBytes = 256 << 10
)

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	// BodyLengthThreshold is the size under which a script-heavy page counts as a shell.
	BodyLengthThreshold int
	// InspectBytes caps how much of the body is scanned for framework markers.
	InspectBytes int64
}

// NewHeuristic creates a new detector. A zero threshold uses 2048 bytes.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold, InspectBytes: defaultInspectBytes}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// ShouldPromote reports whether a 200 response looks like a client-rendered shell.
// Only the first InspectBytes of the body are read.
func (h *Heuristic) ShouldPromote(statusCode int, body *fetch.Body) bool {
	if statusCode != 200 {
		return false
	}
	if body.Len() == 0 {
		return true
	}
	head, err := h.head(body)
	if err != nil {
		return false
	}
	if len(head) < h.BodyLengthThreshold && scriptDensityHigh(head) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(head, marker) {
			return true
		}
	}
	return false
}

func (h *Heuristic) head(body *fetch.Body) ([]byte, error) {
	limit := h.InspectBytes
	if limit <= 0 {
		limit = defaultInspectBytes
	}
	rc, err := body.Open()
	if err != nil {
		return nil, err //nolint:wrapcheck // only used as a signal
	}
	defer rc.Close()                             //nolint:errcheck // read-only
	return io.ReadAll(io.LimitReader(rc, limit)) //nolint:wrapcheck // only used as a signal
}

// scriptDensityHigh reports whether <script> elements cover at least a quarter of the document.
func scriptDensityHigh(body []byte) bool {
	lower := bytes.ToLower(body)
	total := len(lower)
	if total == 0 {
		return false
	}

	openTag := []byte("<script")
	closeTag := []byte("</script>")
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := bytes.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := bytes.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Malformed tag: the rest of the document counts as script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := bytes.Index(lower[contentStart:], closeTag)
		nextSearch := total
		if relativeEnd != -1 {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	return scriptCoverage*100/total >= 25
}
