package router

import "testing"

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"root", "/", "/"},
		{"trailing slash", "/videos/abc/", "/videos/abc"},
		{"double slash", "/videos//abc.mp4", "/videos/abc.mp4"},
		{"triple slash", "/videos///abc.mp4", "/videos/abc.mp4"},
		{"no change needed", "/videos/abc.mp4", "/videos/abc.mp4"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizePath(tt.in); got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizePath_Idempotent(t *testing.T) {
	paths := []string{"/a//b///c/", "/", "", "/x/y/z", "//"}
	for _, p := range paths {
		once := NormalizePath(p)
		twice := NormalizePath(once)
		if once != twice {
			t.Errorf("NormalizePath not idempotent for %q: once=%q twice=%q", p, once, twice)
		}
	}
}

func TestFindMatchingPattern_PriorityOrder(t *testing.T) {
	rs := NewRuleset([]Pattern{
		{Name: "low", Matcher: `^/videos/.*$`, Priority: 1, OriginURLTemplate: "low"},
		{Name: "high", Matcher: `^/videos/special/.*$`, Priority: 10, OriginURLTemplate: "high"},
	})

	got := rs.FindMatchingPattern("/videos/special/x.mp4")
	if got == nil || got.Name != "high" {
		t.Fatalf("expected high-priority pattern to win, got %+v", got)
	}
}

func TestFindMatchingPattern_SkipsBadRegex(t *testing.T) {
	rs := NewRuleset([]Pattern{
		{Name: "broken", Matcher: `(unterminated`, Priority: 10},
		{Name: "ok", Matcher: `^/videos/.*$`, Priority: 1},
	})

	got := rs.FindMatchingPattern("/videos/x.mp4")
	if got == nil || got.Name != "ok" {
		t.Fatalf("expected fallback to ok pattern, got %+v", got)
	}
}

func TestFindMatchingPattern_EmptyMatcherNeverPanics(t *testing.T) {
	rs := NewRuleset([]Pattern{
		{Name: "empty", Matcher: "", Priority: 10},
	})

	if got := rs.FindMatchingPattern("/anything"); got != nil {
		t.Fatalf("expected no match for empty matcher, got %+v", got)
	}
}

func TestMatchWithCaptures_NamedAndPositional(t *testing.T) {
	rs := NewRuleset([]Pattern{
		{Name: "named", Matcher: `^/videos/(?P<videoId>[a-z0-9]+)\.mp4$`, Priority: 1},
	})

	m := rs.MatchWithCaptures("/videos/abc123.mp4")
	if m == nil {
		t.Fatal("expected a match")
	}
	id, ok := ExtractVideoID(m)
	if !ok || id != "abc123" {
		t.Errorf("ExtractVideoID = (%q, %v), want (abc123, true)", id, ok)
	}
}

func TestExtractVideoID_FallsBackToPositional(t *testing.T) {
	rs := NewRuleset([]Pattern{
		{Name: "positional", Matcher: `^/v/([a-z0-9]+)$`, Priority: 1},
	})

	m := rs.MatchWithCaptures("/v/xyz")
	id, ok := ExtractVideoID(m)
	if !ok || id != "xyz" {
		t.Errorf("ExtractVideoID = (%q, %v), want (xyz, true)", id, ok)
	}
}

func TestExtractVideoID_NoMatch(t *testing.T) {
	if id, ok := ExtractVideoID(nil); ok || id != "" {
		t.Errorf("expected (\"\", false) for nil match, got (%q, %v)", id, ok)
	}
}
