package privilege

import "testing"

func TestHintMatchesElevation(t *testing.T) {
	if IsElevated() && Hint() != "" {
		t.Fatalf("elevated process got hint %q", Hint())
	}
	if !IsElevated() && Hint() == "" {
		t.Fatal("unelevated process should get a hint")
	}
}
