package extraction

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/jonesrussell/north-cloud/incidents/internal/domain"
)

func TestTruncateRunes(t *testing.T) {
	s, cut := truncateRunes("héllo wörld", 5)
	assert.True(t, cut)
	assert.Equal(t, "héllo", s)
	assert.True(t, utf8.ValidString(s))

	s, cut = truncateRunes("short", 10)
	assert.False(t, cut)
	assert.Equal(t, "short", s)

	s, cut = truncateRunes("exact", 5)
	assert.False(t, cut)
	assert.Equal(t, "exact", s)
}

func TestBuildRequest(t *testing.T) {
	src := &domain.Source{ID: "s1", Title: "Flood", Body: strings.Repeat("é", 30), PublisherName: "Gazette"}

	req, truncated := buildRequest(src, 10, false)
	assert.True(t, truncated)
	assert.Contains(t, req.Prompt, TruncationMarker)
	assert.Contains(t, req.Prompt, "truncated to its first 10 characters")
	assert.Contains(t, req.Prompt, "Publisher: Gazette")
	assert.Contains(t, req.Prompt, strings.Repeat("é", 10)+"\n")
	assert.NotContains(t, req.Prompt, strings.Repeat("é", 11))
	assert.Equal(t, "true", req.Metadata["truncated"])
	assert.NotContains(t, req.System, "previous answer")

	req, truncated = buildRequest(src, 100, true)
	assert.False(t, truncated)
	assert.NotContains(t, req.Prompt, TruncationMarker)
	assert.Contains(t, req.System, "previous answer did not match the schema")
	assert.Equal(t, "true", req.Metadata["strict"])
}
