package documents

import "testing"

func TestDistance(t *testing.T) {
	if d := Distance(0x0f0f, 0x0f0f); d != 0 {
		t.Fatalf("expected 0 got %d", d)
	}
	if d := Distance(0x00ff, 0xff00); d != 16 {
		t.Fatalf("expected 16 got %d", d)
	}
}

func TestCompute_IdenticalTextsMatchExactly(t *testing.T) {
	a := Compute("the quick brown fox jumps over the lazy dog")
	b := Compute("the quick brown fox jumps over the lazy dog")
	if a != b {
		t.Fatalf("expected identical fingerprints, got %x vs %x", a, b)
	}
}

func TestCompute_NearDuplicatesAreCloseInHammingSpace(t *testing.T) {
	a := Compute("atlas tracks file changes and ingests chunks into storage tiers")
	b := Compute("atlas tracks file changes and ingests chunks into the storage tiers")
	if d := Distance(a, b); d > 8 {
		t.Fatalf("expected near-duplicates within 8 bits, got distance %d", d)
	}
}

func TestCompute_UnrelatedTextsDivergeFurther(t *testing.T) {
	a := Compute("atlas tracks file changes and ingests chunks into storage tiers")
	b := Compute("the weather report predicts heavy rain across the coastal region tomorrow")
	if d := Distance(a, b); d < 10 {
		t.Fatalf("expected unrelated texts to diverge, got distance %d", d)
	}
}

func TestCompute_EmptyTextReturnsZero(t *testing.T) {
	if Compute("") != 0 {
		t.Fatalf("expected zero fingerprint for empty text")
	}
}
