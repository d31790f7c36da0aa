package capdrop

import "testing"

func TestDefaultKeepHasNoDuplicates(t *testing.T) {
	seen := map[int]bool{}
	for _, c := range DefaultKeep {
		if seen[c] {
			t.Fatalf("DefaultKeep contains duplicate capability number %d", c)
		}
		seen[c] = true
	}
}

func TestDefaultKeepWithinRange(t *testing.T) {
	for _, c := range DefaultKeep {
		if c < 0 || c > capLastCap {
			t.Fatalf("capability number %d out of range [0, %d]", c, capLastCap)
		}
	}
}
