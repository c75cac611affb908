// Package normalize reduces raw model output to one displayable sentence.
package normalize

import (
	"strings"

	"github.com/tidwall/gjson"
)

const outputField = "output"

// sentenceEnds are the markers that close the first sentence. A line break
// ends the sentence but is not part of it.
var sentenceEnds = []string{"。", ".", "！", "!", "？", "?", "\n"}

// FirstSentence trims raw, unwraps a {"output": "..."} envelope, and returns
// the text up to and including the first sentence-ending marker.
func FirstSentence(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}

	text = unwrapOutput(text)

	end := len(text)
	for _, marker := range sentenceEnds {
		idx := strings.Index(text, marker)
		if idx < 0 {
			continue
		}
		if marker != "\n" {
			idx += len(marker)
		}
		end = min(end, idx)
	}

	if first := strings.TrimSpace(text[:end]); first != "" {
		return first
	}

	return text
}

// unwrapOutput returns the trimmed output field when text is a JSON object
// carrying a string output; otherwise text is returned unchanged.
func unwrapOutput(text string) string {
	if !strings.HasPrefix(text, "{") || !gjson.Valid(text) {
		return text
	}

	output := gjson.Get(text, outputField)
	if output.Type != gjson.String {
		return text
	}

	return strings.TrimSpace(output.String())
}
