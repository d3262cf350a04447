package api

import (
	"errors"
	"fmt"
	"io"

	"github.com/JakeFAU/fetchkit/internal/fetch"
	bodyhash "github.com/JakeFAU/fetchkit/internal/hash/sha256"
)

// Summary is the JSON view of one fetch result.
type Summary struct {
	TaskID     string `json:"task_id"`
	URL        string `json:"url"`
	Outcome    string `json:"outcome"`
	StatusCode int    `json:"status_code,omitempty"`
	Attempts   int    `json:"attempts"`
	ElapsedMS  int64  `json:"elapsed_ms"`
	Bytes      int64  `json:"bytes"`
	Rendered   bool   `json:"rendered"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Error      string `json:"error,omitempty"`
	SHA256     string `json:"sha256,omitempty"`
	Body       string `json:"body,omitempty"`
	Script     string `json:"script_result,omitempty"`
}

// Summarize flattens res, digests its body and releases it. Up to previewLimit body bytes are
// copied into the summary; zero skips the body. The summary is filled in even when
// reading or releasing the body fails.
func Summarize(res fetch.Result, previewLimit int64) (Summary, error) {
	out := Summary{
		TaskID:     res.TaskID,
		URL:        res.URL,
		Outcome:    string(res.Outcome),
		StatusCode: res.StatusCode,
		Attempts:   res.Attempts,
		ElapsedMS:  res.Elapsed.Milliseconds(),
		Bytes:      res.Body.Len(),
		Rendered:   res.Rendered,
		Script:     res.ScriptResult,
	}
	if res.Err != nil {
		out.ErrorKind = string(res.Kind())
		out.Error = res.Err.Error()
	}

	var errs []error
	if res.Err == nil && res.Body.Len() > 0 {
		digest, err := bodyhash.Body(res.Body)
		if err != nil {
			errs = append(errs, err)
		}
		out.SHA256 = digest
	}
	if previewLimit > 0 && res.Body.Len() > 0 {
		preview, err := readPreview(res.Body, previewLimit)
		if err != nil {
			errs = append(errs, err)
		}
		out.Body = preview
	}
	if err := res.Body.Close(); err != nil {
		errs = append(errs, fmt.Errorf("release body: %w", err))
	}
	return out, errors.Join(errs...)
}

func readPreview(body *fetch.Body, limit int64) (string, error) {
	rc, err := body.Open()
	if err != nil {
		return "", fmt.Errorf("open body: %w", err)
	}
	defer rc.Close() //nolint:errcheck // read-only
	raw, err := io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(raw), nil
}
