// Ruleset loading: the path/derivative rules this proxy rewrites requests
// against don't fit flat environment variables, so they're loaded from a
// YAML file instead, grounded on the retrieval pack's config-from-YAML
// idiom (internal/config/config.go in the xg2g pack entry) using
// gopkg.in/yaml.v3 with strict unknown-field rejection.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/erfianugrah/videoproxy/internal/derivative"
	"github.com/erfianugrah/videoproxy/internal/router"
)

// yamlOriginSource mirrors router.OriginSource for YAML decoding.
type yamlOriginSource struct {
	Name     string `yaml:"name"`
	Template string `yaml:"template"`
	Priority int    `yaml:"priority"`
}

// yamlAuth mirrors router.Auth for YAML decoding.
type yamlAuth struct {
	Type   string `yaml:"type"`
	Region string `yaml:"region"`
	Bucket string `yaml:"bucket"`
}

// yamlPattern mirrors router.Pattern for YAML decoding.
type yamlPattern struct {
	Name              string             `yaml:"name"`
	Matcher           string             `yaml:"matcher"`
	OriginURLTemplate string             `yaml:"originUrlTemplate"`
	OriginSources     []yamlOriginSource `yaml:"originSources"`
	Priority          int                `yaml:"priority"`
	Auth              *yamlAuth          `yaml:"auth"`
	TTLSeconds        int                `yaml:"ttlSeconds"`
}

// yamlPreset mirrors derivative.Preset for YAML decoding.
type yamlPreset struct {
	Width   int `yaml:"width"`
	Height  int `yaml:"height"`
	Quality int `yaml:"quality"`
}

// yamlBreakpoint mirrors derivative.Breakpoint for YAML decoding.
type yamlBreakpoint struct {
	MinWidth int    `yaml:"minWidth"`
	MaxWidth int    `yaml:"maxWidth"`
	Name     string `yaml:"name"`
}

// yamlRuleset is the top-level document shape.
type yamlRuleset struct {
	Patterns        []yamlPattern         `yaml:"patterns"`
	Derivatives     map[string]yamlPreset `yaml:"derivatives"`
	Breakpoints     []yamlBreakpoint      `yaml:"breakpoints"`
	DerivativeCache int                   `yaml:"derivativeCacheCapacity"`
}

// Ruleset is the decoded, ready-to-use form handed to the router and
// derivative resolver.
type Ruleset struct {
	Patterns   []router.Pattern
	Derivative derivative.Config
}

// LoadRuleset reads and strictly decodes the YAML ruleset file at path.
// Strict decoding (KnownFields) catches a typo'd key at startup rather than
// silently ignoring it, matching the fail-fast posture the teacher applies
// to its own envconfig.Process call.
func LoadRuleset(path string) (*Ruleset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ruleset file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var doc yamlRuleset
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse ruleset yaml: %w", err)
	}

	patterns := make([]router.Pattern, 0, len(doc.Patterns))
	for _, p := range doc.Patterns {
		pattern := router.Pattern{
			Name:              p.Name,
			Matcher:           p.Matcher,
			OriginURLTemplate: p.OriginURLTemplate,
			Priority:          p.Priority,
		}
		if p.Auth != nil {
			pattern.Auth = &router.Auth{Type: p.Auth.Type, Region: p.Auth.Region, Bucket: p.Auth.Bucket}
		}
		if p.TTLSeconds > 0 {
			pattern.TTL = &router.TTLOverride{Seconds: p.TTLSeconds}
		}
		for _, s := range p.OriginSources {
			pattern.OriginSources = append(pattern.OriginSources, router.OriginSource{
				Name: s.Name, Template: s.Template, Priority: s.Priority,
			})
		}
		patterns = append(patterns, pattern)
	}

	derivatives := make(map[string]derivative.Preset, len(doc.Derivatives))
	for name, p := range doc.Derivatives {
		derivatives[name] = derivative.Preset{Name: name, Width: p.Width, Height: p.Height, Quality: p.Quality}
	}

	breakpoints := make([]derivative.Breakpoint, 0, len(doc.Breakpoints))
	for _, bp := range doc.Breakpoints {
		breakpoints = append(breakpoints, derivative.Breakpoint{MinWidth: bp.MinWidth, MaxWidth: bp.MaxWidth, Name: bp.Name})
	}
	// Intervals are half-open [MinWidth, MaxWidth), MaxWidth 0 meaning
	// unbounded; reject any two that overlap.
	for i, a := range breakpoints {
		for _, b := range breakpoints[i+1:] {
			aBeforeB := a.MaxWidth != 0 && a.MaxWidth <= b.MinWidth
			bBeforeA := b.MaxWidth != 0 && b.MaxWidth <= a.MinWidth
			if !aBeforeB && !bBeforeA {
				return nil, fmt.Errorf("ruleset: breakpoints %q and %q overlap", a.Name, b.Name)
			}
		}
	}

	return &Ruleset{
		Patterns: patterns,
		Derivative: derivative.Config{
			Derivatives:   derivatives,
			Breakpoints:   breakpoints,
			CacheCapacity: doc.DerivativeCache,
		},
	}, nil
}
