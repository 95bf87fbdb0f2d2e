package extraction

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jonesrussell/north-cloud/incidents/internal/domain"
	"github.com/jonesrussell/north-cloud/incidents/internal/llm"
)

// TruncationMarker is appended to a truncated body.
const TruncationMarker = "[... document truncated ...]"

const systemPrompt = `You extract real-world incidents from news documents.
Return exactly one JSON object using schema_version "event_v1" with these fields:
  schema_version, relevant (false when the document does not describe a concrete incident),
  title, event_type {primary, secondary[]}, severity (integer 1-5),
  confidence {extraction, geolocation} (numbers in [0,1]),
  location {country, admin1, admin2, locality, latitude, longitude, description},
  temporal {start, end, ongoing} (RFC3339 or YYYY-MM-DD dates),
  summary {short, long}, source_reference {url, publisher, published_at}.
Only give coordinates stated in or directly implied by the document.`

const strictSuffix = `

Your previous answer did not match the schema. Respond with the JSON object only:
no prose, no code fences, every required field present, severity an integer
between 1 and 5, confidence values between 0 and 1, end not before start.`

// buildRequest renders the capability request for src. The body is cut to
// maxChars runes; truncated reports whether that happened.
func buildRequest(src *domain.Source, maxChars int, strict bool) (req llm.Request, truncated bool) {
	body, truncated := truncateRunes(src.Body, maxChars)

	var b strings.Builder
	b.WriteString("Title: ")
	b.WriteString(src.Title)
	b.WriteString("\n")
	if src.PublisherName != "" {
		fmt.Fprintf(&b, "Publisher: %s\n", src.PublisherName)
	}
	if src.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", src.URL)
	}
	if src.PublishedAt != nil {
		fmt.Fprintf(&b, "Published: %s\n", src.PublishedAt.UTC().Format(time.RFC3339))
	}
	if src.Language != "" {
		fmt.Fprintf(&b, "Language: %s\n", src.Language)
	}
	if truncated {
		fmt.Fprintf(&b, "Note: the document was truncated to its first %d characters.\n", maxChars)
	}
	b.WriteString("\nDocument:\n")
	b.WriteString(body)
	if truncated {
		b.WriteString("\n")
		b.WriteString(TruncationMarker)
	}

	system := systemPrompt
	if strict {
		system += strictSuffix
	}

	return llm.Request{
		System: system,
		Prompt: b.String(),
		Metadata: map[string]string{
			"source_id": src.ID,
			"truncated": strconv.FormatBool(truncated),
			"strict":    strconv.FormatBool(strict),
		},
	}, truncated
}

// truncateRunes cuts s to at most n runes without splitting a character.
func truncateRunes(s string, n int) (string, bool) {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s, false
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], true
		}
		i++
	}
	return s, false
}
