// Package sha256 digests fetched bodies so callers can spot unchanged content.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/JakeFAU/fetchkit/internal/fetch"
)

// Body streams body through SHA-256 and returns the hex digest. Spooled bodies are read
// from disk without being materialized.
func Body(body *fetch.Body) (string, error) {
	rc, err := body.Open()
	if err != nil {
		return "", fmt.Errorf("open body: %w", err)
	}
	defer rc.Close() //nolint:errcheck // read-only
	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", fmt.Errorf("hash body: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
