package timeframe

import "testing"

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"1H":      "1h",
		"h1":      "1h",
		"hour4":   "4h",
		"minute5": "5m",
		"1d":      "1d",
		"custom":  "custom",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIntervalSeconds(t *testing.T) {
	if secs, ok := IntervalSeconds("4h"); !ok || secs != 14400 {
		t.Errorf("4h interval: got %d ok=%v", secs, ok)
	}
	if _, ok := IntervalSeconds("3y"); ok {
		t.Error("expected unknown timeframe to report !ok")
	}
}

func TestCodes(t *testing.T) {
	c := NewCodes(
		map[string]string{"4h": "4hr", "1m": "1min"},
		map[string]string{"4h": "hour4"},
	)

	code, err := c.Push("h4")
	if err != nil || code != "4hr" {
		t.Fatalf("push code: got %q err %v", code, err)
	}
	if _, err := c.Push("1d"); err == nil {
		t.Error("expected error for unmapped push timeframe")
	}

	rest, err := c.Rest("4h")
	if err != nil || rest != "hour4" {
		t.Fatalf("rest code: got %q err %v", rest, err)
	}

	if tf := c.Canonical("4hr"); tf != "4h" {
		t.Errorf("canonical from push code: got %q", tf)
	}
	if tf := c.Canonical("H1"); tf != "1h" {
		t.Errorf("canonical fallback: got %q", tf)
	}
}
