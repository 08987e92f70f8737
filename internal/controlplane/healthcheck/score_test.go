package healthcheck

import "testing"

func TestScoreBounds(t *testing.T) {
	latencies := []int64{0, 50, 2000, 2001, 5000, 5001, 60000}
	for ok := 0; ok <= 4; ok++ {
		for _, latency := range latencies {
			for errs := 0; errs <= 20; errs++ {
				s := Score(ok, 4, latency, errs)
				if s < 0 || s > 100 {
					t.Fatalf("Score(%d, 4, %d, %d) = %d out of range", ok, latency, errs, s)
				}
			}
		}
	}
}

func TestScorePenalties(t *testing.T) {
	tests := []struct {
		name    string
		ok      int
		latency int64
		errs    int
		want    int
	}{
		{"all ok", 4, 50, 0, 100},
		{"three of four", 3, 50, 0, 75},
		{"slow api", 4, 2500, 0, 90},
		{"threshold is exclusive", 4, 2000, 0, 100},
		{"very slow api", 4, 5001, 0, 70},
		{"errors", 4, 0, 3, 85},
		{"error penalty capped", 4, 0, 50, 70},
		{"floored", 0, 6000, 10, 0},
		{"no checks", 0, 0, 0, 0},
	}
	for _, tt := range tests {
		total := 4
		if tt.name == "no checks" {
			total = 0
		}
		if got := Score(tt.ok, total, tt.latency, tt.errs); got != tt.want {
			t.Fatalf("%s: expected %d, got %d", tt.name, tt.want, got)
		}
	}
}
