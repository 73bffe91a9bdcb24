package utils

import "testing"

func TestNormalizeQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SELECT * FROM t", "select * from t"},
		{"  select *\n\tFROM   t  ", "select * from t"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeQuery(tt.in); got != tt.want {
			t.Errorf("NormalizeQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCacheKeyStableAcrossFormatting(t *testing.T) {
	a := CacheKey("grants", "SELECT id FROM grants  LIMIT 5")
	b := CacheKey("grants", "select id\nfrom grants limit 5")
	if a != b {
		t.Errorf("equivalent queries keyed differently: %s vs %s", a, b)
	}
	if CacheKey("grants", "SELECT 1") == CacheKey("patents", "SELECT 1") {
		t.Error("database must be part of the key")
	}
}

func TestHashStringHexLength(t *testing.T) {
	if got := HashString("anything"); len(got) != 32 {
		t.Errorf("hash length = %d, want 32", len(got))
	}
}
