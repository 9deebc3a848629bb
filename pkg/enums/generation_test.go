package enums

import "testing"

func TestPredictionStatusTerminal(t *testing.T) {
	cases := map[PredictionStatus]bool{
		PredictionStarting:   false,
		PredictionProcessing: false,
		PredictionSucceeded:  true,
		PredictionFailed:     true,
		PredictionCanceled:   true,
	}
	for status, want := range cases {
		if got := status.IsTerminal(); got != want {
			t.Fatalf("status %s expected terminal=%v got %v", status, want, got)
		}
	}
}

func TestParsePredictionStatusFallbacks(t *testing.T) {
	if got := ParsePredictionStatus(""); got != PredictionStarting {
		t.Fatalf("expected empty status to map to starting, got %s", got)
	}
	if got := ParsePredictionStatus("queued"); got != PredictionProcessing {
		t.Fatalf("expected unknown status to map to processing, got %s", got)
	}
	if got := ParsePredictionStatus("canceled"); got != PredictionCanceled {
		t.Fatalf("expected canceled, got %s", got)
	}
}

func TestParseGenerationKind(t *testing.T) {
	if _, err := ParseGenerationKind("audio"); err == nil {
		t.Fatal("expected audio to be rejected")
	}
	kind, err := ParseGenerationKind("video")
	if err != nil || kind != GenerationKindVideo {
		t.Fatalf("expected video kind, got %q err=%v", kind, err)
	}
}
