// Package pii is the detection collaborator consumed by the audit
// assembler. It masks personally identifiable information in free text
// using a regex baseline and reports what it found; the resulting
// metadata is embedded verbatim under request.pii_detection in the
// audit entry.
//
// The regex baseline cannot catch free-form mentions, images, or
// ambiguous phrasing — that limitation is recorded in the metadata so
// downstream consumers know what the detection covered.
package pii

import (
	"fmt"
	"regexp"
	"strings"
)

// detectionMethod identifies the detector generation in audit metadata.
const detectionMethod = "regex_baseline"

// pattern pairs a PII category with its compiled expression. Ordered:
// longer, more specific patterns run first so e.g. a credit card number
// is not partially claimed by the postal-code pattern.
type pattern struct {
	name string
	re   *regexp.Regexp
}

var patterns = []pattern{
	{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{"credit_card", regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`)},
	{"phone_intl", regexp.MustCompile(`\+81[-\s]?\d{1,4}[-\s]?\d{1,4}[-\s]?\d{4}\b`)},
	{"phone_jp", regexp.MustCompile(`\b0\d{1,4}-\d{1,4}-\d{4}\b`)},
	{"my_number", regexp.MustCompile(`\b\d{4}-\d{4}-\d{4}\b`)},
	{"zip_code_jp", regexp.MustCompile(`\b\d{3}-\d{4}\b`)},
	{"ipv4", regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)},
}

// Metadata summarizes one detection pass. Embedded as-is in audit entries.
type Metadata struct {
	Method      string         `json:"method"`
	Language    string         `json:"language"`
	Detections  map[string]int `json:"detections"`
	TotalMasked int            `json:"total_masked"`
	Score       float64        `json:"score"`
}

// Detect masks PII in text and returns the masked text plus detection
// metadata. Each match is replaced by a [MASKED_<CATEGORY>] placeholder.
// The language code is carried through to the metadata; the regex
// baseline itself is language-independent.
func Detect(text, language string) (string, Metadata) {
	masked := text
	detections := make(map[string]int)
	total := 0

	for _, p := range patterns {
		matches := p.re.FindAllString(masked, -1)
		if len(matches) == 0 {
			continue
		}
		detections[p.name] = len(matches)
		total += len(matches)
		masked = p.re.ReplaceAllString(masked, fmt.Sprintf("[MASKED_%s]", strings.ToUpper(p.name)))
	}

	return masked, Metadata{
		Method:      detectionMethod,
		Language:    language,
		Detections:  detections,
		TotalMasked: total,
		Score:       Score(text),
	}
}

// Score estimates PII density as masked characters over total characters,
// capped at 1.0 and rounded to two decimals. Zero for empty text.
func Score(text string) float64 {
	if len(text) == 0 {
		return 0
	}

	piiChars := 0
	for _, p := range patterns {
		for _, m := range p.re.FindAllString(text, -1) {
			piiChars += len(m)
		}
	}

	score := float64(piiChars) / float64(len(text))
	if score > 1 {
		score = 1
	}
	// Round to two decimal places.
	return float64(int(score*100+0.5)) / 100
}
