package sha256

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fetchkit/internal/fetch"
)

func TestBodyDigest(t *testing.T) {
	t.Parallel()

	got, err := Body(fetch.NewBody([]byte("hello")))
	require.NoError(t, err)
	require.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", got)
}

func TestBodyDigestSpooled(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("a"), 4096)
	body, err := fetch.ReadBody(bytes.NewReader(payload), fetch.BodyLimits{SpoolThreshold: 1024, SpoolDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = body.Close() })
	require.True(t, body.Spooled())

	spooled, err := Body(body)
	require.NoError(t, err)
	inMemory, err := Body(fetch.NewBody(payload))
	require.NoError(t, err)
	require.Equal(t, inMemory, spooled)
}

func TestBodyDigestClosed(t *testing.T) {
	t.Parallel()

	body := fetch.NewBody([]byte("x"))
	require.NoError(t, body.Close())
	_, err := Body(body)
	require.Error(t, err)
}
