package fleet

import "testing"

func TestQualityForScore(t *testing.T) {
	cases := []struct {
		score int
		want  Quality
	}{
		{100, QualityExcellent},
		{95, QualityExcellent},
		{90, QualityExcellent},
		{89, QualityGood},
		{80, QualityGood},
		{75, QualityGood},
		{74, QualityFair},
		{60, QualityFair},
		{50, QualityFair},
		{49, QualityPoor},
		{30, QualityPoor},
		{0, QualityPoor},
	}
	for _, tc := range cases {
		if got := QualityForScore(tc.score); got != tc.want {
			t.Fatalf("QualityForScore(%d) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestIsHealthyBoundary(t *testing.T) {
	if IsHealthy(69) {
		t.Fatal("score 69 must not be healthy")
	}
	if !IsHealthy(70) {
		t.Fatal("score 70 must be healthy")
	}
}

func TestClampScore(t *testing.T) {
	if got := ClampScore(-40); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if got := ClampScore(140); got != 100 {
		t.Fatalf("expected 100, got %d", got)
	}
	if got := ClampScore(55); got != 55 {
		t.Fatalf("expected 55, got %d", got)
	}
}
