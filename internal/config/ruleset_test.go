package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleRuleset = `
patterns:
  - name: videos
    matcher: "^/videos/(.+)$"
    originUrlTemplate: "https://origin.example.com/{1}"
    priority: 10
    ttlSeconds: 3600
  - name: multi-source
    matcher: "^/clips/(.+)$"
    priority: 5
    originSources:
      - name: primary
        template: "https://primary.example.com/{1}"
        priority: 1
      - name: secondary
        template: "https://secondary.example.com/{1}"
        priority: 2
derivatives:
  mobile:
    width: 640
    height: 360
    quality: 60
  desktop:
    width: 1920
    height: 1080
    quality: 85
breakpoints:
  - minWidth: 0
    maxWidth: 768
    name: mobile
  - minWidth: 768
    maxWidth: 0
    name: desktop
derivativeCacheCapacity: 256
`

func writeTempRuleset(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ruleset.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp ruleset: %v", err)
	}
	return path
}

func TestLoadRuleset_ParsesPatterns(t *testing.T) {
	path := writeTempRuleset(t, sampleRuleset)
	rs, err := LoadRuleset(path)
	if err != nil {
		t.Fatalf("LoadRuleset failed: %v", err)
	}
	if len(rs.Patterns) != 2 {
		t.Fatalf("got %d patterns, want 2", len(rs.Patterns))
	}
	videos := rs.Patterns[0]
	if videos.Name != "videos" || videos.OriginURLTemplate != "https://origin.example.com/{1}" {
		t.Errorf("unexpected videos pattern: %+v", videos)
	}
	if videos.TTL == nil || videos.TTL.Seconds != 3600 {
		t.Errorf("TTL override not parsed: %+v", videos.TTL)
	}

	multi := rs.Patterns[1]
	if len(multi.OriginSources) != 2 {
		t.Fatalf("got %d origin sources, want 2", len(multi.OriginSources))
	}
	sorted := (&multi).SortedOriginSources()
	if sorted[0].Name != "primary" || sorted[1].Name != "secondary" {
		t.Errorf("origin sources not in priority order: %+v", sorted)
	}
}

func TestLoadRuleset_ParsesDerivativesAndBreakpoints(t *testing.T) {
	path := writeTempRuleset(t, sampleRuleset)
	rs, err := LoadRuleset(path)
	if err != nil {
		t.Fatalf("LoadRuleset failed: %v", err)
	}
	if len(rs.Derivative.Derivatives) != 2 {
		t.Fatalf("got %d derivatives, want 2", len(rs.Derivative.Derivatives))
	}
	mobile, ok := rs.Derivative.Derivatives["mobile"]
	if !ok || mobile.Width != 640 || mobile.Height != 360 {
		t.Errorf("mobile derivative not parsed correctly: %+v", mobile)
	}
	if len(rs.Derivative.Breakpoints) != 2 {
		t.Fatalf("got %d breakpoints, want 2", len(rs.Derivative.Breakpoints))
	}
	if rs.Derivative.CacheCapacity != 256 {
		t.Errorf("CacheCapacity = %d, want 256", rs.Derivative.CacheCapacity)
	}
}

func TestLoadRuleset_RejectsUnknownField(t *testing.T) {
	path := writeTempRuleset(t, sampleRuleset+"\nbogusField: true\n")
	if _, err := LoadRuleset(path); err == nil {
		t.Fatal("expected an error for an unknown top-level field, got nil")
	}
}

func TestLoadRuleset_MissingFile(t *testing.T) {
	if _, err := LoadRuleset(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Fatal("expected an error for a missing ruleset file, got nil")
	}
}
