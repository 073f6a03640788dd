// Package metadata embeds and extracts JSON blocks appended to an Agreement's
// free-text description. The blocks are a legacy side-channel for correlation
// ids; new rows carry the same data in structured columns and this codec is
// kept as a migration-compatibility shim.
package metadata

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Tags for the two block kinds an Agreement description may carry.
const (
	TagSignature = "SIGNATURE_METADATA"
	TagStrategy  = "STRATEGY_METADATA"
)

// SignatureMeta carries the external ids issued when signing and payment were
// requested for an Agreement.
type SignatureMeta struct {
	EnvelopeID string `json:"envelopeId,omitempty"`
	CheckoutID string `json:"checkoutId,omitempty"`
	SentAt     string `json:"sentAt,omitempty"`
}

// StrategyMeta records when the strategy document was sent for review and,
// after a rejection, who rejected it and why.
type StrategyMeta struct {
	SentAt          string `json:"sentAt,omitempty"`
	RejectedBy      string `json:"rejectedBy,omitempty"`
	RejectionReason string `json:"rejectionReason,omitempty"`
	RejectedAt      string `json:"rejectedAt,omitempty"`
}

func marker(tag string) string {
	return "__" + tag + "__:"
}

// blockSpan locates the tag's block in text and returns the [start,end) span
// covering marker plus exactly one JSON value. Returns ok=false when the tag
// is absent. A marker followed by garbage spans marker-to-end-of-text so a
// re-encode still clears it.
func blockSpan(tag, text string) (start, end int, ok bool) {
	m := marker(tag)
	start = strings.Index(text, m)
	if start < 0 {
		return 0, 0, false
	}
	rest := text[start+len(m):]
	dec := json.NewDecoder(bytes.NewReader([]byte(rest)))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return start, len(text), true
	}
	return start, start + len(m) + int(dec.InputOffset()), true
}

// Encode strips any existing block with the same tag from baseText, trims
// trailing whitespace and appends the new block. Blocks of other tags are
// left untouched.
func Encode(tag string, obj any, baseText string) (string, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	out := Strip(tag, baseText)
	out = strings.TrimRight(out, " \t\r\n")
	if out != "" {
		out += "\n"
	}
	return out + marker(tag) + string(data), nil
}

// Strip removes the tag's block from text, leaving everything else intact.
func Strip(tag, text string) string {
	start, end, ok := blockSpan(tag, text)
	if !ok {
		return text
	}
	return text[:start] + text[end:]
}

// Decode parses the tag's block into out. It returns false when the block is
// absent or malformed; malformed data is treated as absent, never as an
// error the caller must handle.
func Decode(tag, text string, out any) bool {
	start, end, ok := blockSpan(tag, text)
	if !ok {
		return false
	}
	payload := text[start+len(marker(tag)) : end]
	if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), out); err != nil {
		return false
	}
	return true
}

// DecodeSignature returns the signature block or nil.
func DecodeSignature(text string) *SignatureMeta {
	var m SignatureMeta
	if !Decode(TagSignature, text, &m) {
		return nil
	}
	return &m
}

// DecodeStrategy returns the strategy block or nil.
func DecodeStrategy(text string) *StrategyMeta {
	var m StrategyMeta
	if !Decode(TagStrategy, text, &m) {
		return nil
	}
	return &m
}
