package extractor

import (
	"regexp"
	"strings"

	"github.com/feichai0017/chunk-extractor/internal/models"
	"github.com/feichai0017/chunk-extractor/internal/service/extraction"
)

// StatusUnprocessable is reported when a chunk cannot be transcribed at all,
// either because it does not render or because the model declined. It
// classifies as non-retryable.
const StatusUnprocessable = 422

var (
	confidenceLine    = regexp.MustCompile(`(?im)^[ \t*#]*(?:CHUNK|OVERALL DOCUMENT|PAGE) CONFIDENCE:[ \t*]*(high|medium|low)\b.*$`)
	uncertainMarker   = regexp.MustCompile(`\[(?:Uncertain|Illegible)\b`)
	handwrittenMarker = regexp.MustCompile(`(?i)\[Handwritten:`)
	blankRun          = regexp.MustCompile(`\n{3,}`)
)

var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"i cannot provide",
	"i can't help with",
	"as a large language model",
}

// Assess turns raw model output into chunk content. Self-reported confidence
// lines are removed from the text; when several are present the lowest wins.
// Without one, the count of uncertain and illegible markers decides.
func Assess(raw string) (*extraction.Content, error) {
	text := stripFences(raw)
	if refused(text) {
		return nil, &extraction.ServiceError{
			StatusCode: StatusUnprocessable,
			Code:       "REFUSED",
			Message:    "model declined to transcribe the chunk",
		}
	}

	var reported models.ConfidenceLevel
	for _, m := range confidenceLine.FindAllStringSubmatch(text, -1) {
		if level, ok := models.ParseConfidence(strings.ToLower(m[1])); ok {
			reported = models.MinConfidence(reported, level)
		}
	}
	body := confidenceLine.ReplaceAllString(text, "")
	body = strings.TrimSpace(blankRun.ReplaceAllString(body, "\n\n"))

	confidence := reported
	if !confidence.Valid() {
		confidence = markerConfidence(body)
	}

	return &extraction.Content{
		Text:           body,
		Confidence:     confidence,
		HasHandwriting: handwrittenMarker.MatchString(body),
	}, nil
}

func markerConfidence(text string) models.ConfidenceLevel {
	n := len(uncertainMarker.FindAllStringIndex(text, -1))
	switch {
	case n > 10:
		return models.ConfidenceLow
	case n > 3:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceHigh
	}
}

// scoreConfidence maps an OCR engine's 0-100 score to a level.
func scoreConfidence(score float64) models.ConfidenceLevel {
	switch {
	case score >= 90:
		return models.ConfidenceHigh
	case score >= 70:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

func refused(text string) bool {
	// a transcription that mentions one of the phrases is still a transcription
	if len(text) > 600 {
		return false
	}
	lower := strings.ToLower(text)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```markdown")
	s = strings.TrimPrefix(s, "```text")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
