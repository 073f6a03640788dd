package metadata_test

import (
	"strings"
	"testing"

	"taxline/internal/metadata"
)

func TestRoundTrip(t *testing.T) {
	bases := []string{
		"",
		"Engagement for FY2025 tax planning.",
		"multi\nline\ndescription\n",
		"already tagged\n__STRATEGY_METADATA__:{\"sentAt\":\"2025-01-01T00:00:00Z\"}",
	}
	for _, base := range bases {
		in := metadata.SignatureMeta{EnvelopeID: "env_123", CheckoutID: "cs_456", SentAt: "2025-02-01T10:00:00Z"}
		text, err := metadata.Encode(metadata.TagSignature, in, base)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got := metadata.DecodeSignature(text)
		if got == nil {
			t.Fatalf("decode returned nil for base %q", base)
		}
		if *got != in {
			t.Fatalf("round trip mismatch: got %+v want %+v", *got, in)
		}
	}
}

func TestEncodeReplacesOwnTagOnly(t *testing.T) {
	base := "visible text"
	text, err := metadata.Encode(metadata.TagSignature, metadata.SignatureMeta{EnvelopeID: "env_1"}, base)
	if err != nil {
		t.Fatal(err)
	}
	text, err = metadata.Encode(metadata.TagStrategy, metadata.StrategyMeta{SentAt: "2025-03-01T00:00:00Z"}, text)
	if err != nil {
		t.Fatal(err)
	}
	// re-encode the signature block; strategy block must survive
	text, err = metadata.Encode(metadata.TagSignature, metadata.SignatureMeta{EnvelopeID: "env_2"}, text)
	if err != nil {
		t.Fatal(err)
	}
	if c := strings.Count(text, "__SIGNATURE_METADATA__:"); c != 1 {
		t.Fatalf("expected one signature block, got %d in %q", c, text)
	}
	sig := metadata.DecodeSignature(text)
	if sig == nil || sig.EnvelopeID != "env_2" {
		t.Fatalf("expected replaced envelope id, got %+v", sig)
	}
	str := metadata.DecodeStrategy(text)
	if str == nil || str.SentAt != "2025-03-01T00:00:00Z" {
		t.Fatalf("strategy block corrupted: %+v", str)
	}
	if !strings.HasPrefix(text, "visible text") {
		t.Fatalf("visible prefix lost: %q", text)
	}
}

func TestDecodeAbsentAndMalformed(t *testing.T) {
	if metadata.DecodeSignature("no blocks here") != nil {
		t.Fatal("expected nil for absent block")
	}
	if metadata.DecodeSignature("text __SIGNATURE_METADATA__:{not json") != nil {
		t.Fatal("expected nil for malformed block")
	}
	// malformed block must still be replaceable
	text, err := metadata.Encode(metadata.TagSignature, metadata.SignatureMeta{EnvelopeID: "env_9"}, "text __SIGNATURE_METADATA__:{not json")
	if err != nil {
		t.Fatal(err)
	}
	got := metadata.DecodeSignature(text)
	if got == nil || got.EnvelopeID != "env_9" {
		t.Fatalf("expected recovery over malformed block, got %+v", got)
	}
	if strings.Count(text, "__SIGNATURE_METADATA__:") != 1 {
		t.Fatalf("malformed block not stripped: %q", text)
	}
}

func TestGenericDecodeArbitraryObject(t *testing.T) {
	in := map[string]any{"a": "x", "n": float64(3), "nested": map[string]any{"k": true}}
	text, err := metadata.Encode(metadata.TagStrategy, in, "base")
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if !metadata.Decode(metadata.TagStrategy, text, &out) {
		t.Fatal("decode failed")
	}
	if out["a"] != "x" || out["n"] != float64(3) {
		t.Fatalf("unexpected decode: %+v", out)
	}
	nested, ok := out["nested"].(map[string]any)
	if !ok || nested["k"] != true {
		t.Fatalf("nested mismatch: %+v", out)
	}
}
