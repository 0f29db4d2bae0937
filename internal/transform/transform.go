// Package transform implements the Transform Option Builder (C3):
// normalising and validating transformation parameters, translating vendor
// aliases, and building the canonical media-endpoint URL.
//
// Grounded on the teacher's usecase input/output DTO and invariant-error
// idiom (internal/usecase/video_service.go's CreateVideoInput validation,
// internal/domain/model/video.go's sentinel ErrXxx variables).
package transform

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Mode enumerates the transformation mode.
type Mode string

const (
	ModeVideo        Mode = "video"
	ModeFrame        Mode = "frame"
	ModeSpritesheet  Mode = "spritesheet"
)

// Fit enumerates the resize fit strategy.
type Fit string

const (
	FitCover      Fit = "cover"
	FitContain    Fit = "contain"
	FitScaleDown  Fit = "scale-down"
)

// Validation errors, per spec §7 ValidationError taxonomy.
var (
	ErrFormatRequiresFrameMode = errors.New("format is only valid when mode=frame")
	ErrLoopRequiresVideoMode   = errors.New("loop is only valid when mode=video")
	ErrTimeOutOfRange          = errors.New("time must be between 0s and 30s")
	ErrDurationOutOfRange      = errors.New("duration exceeds the discovered runtime limit")
	ErrInvalidTimeFormat       = errors.New("time value must be formatted as <number>s or <number>m")
)

// Options is the normalised transformation parameter bag.
type Options struct {
	Width       int
	Height      int
	Mode        Mode
	Fit         Fit
	Audio       bool
	Quality     int
	Compression string
	Duration    float64 // seconds
	Time        float64 // seconds
	Loop        bool
	Autoplay    bool
	Muted       bool
	Preload     string
	Format      string
	Derivative  string
	Version     int
}

// Limits carries runtime-discovered bounds (§4.3 error-message mining),
// updated as upstream error bodies are observed.
type Limits struct {
	MinDurationSeconds float64
	MaxDurationSeconds float64
	HasLimit           bool

	MaxBodySizeBytes int64
	HasBodySizeLimit bool
}

// Validate enforces the TransformOptions invariants from spec §3.
func Validate(o Options, limits Limits) error {
	if o.Format != "" && o.Mode != ModeFrame {
		return ErrFormatRequiresFrameMode
	}
	if o.Loop && o.Mode != ModeVideo {
		return ErrLoopRequiresVideoMode
	}
	if o.Autoplay && o.Audio {
		// the caller is expected to have already forced Muted=true; this is
		// a defensive check for callers that construct Options directly.
		if !o.Muted {
			return errors.New("autoplay with audio requires muted=true")
		}
	}
	if o.Time < 0 || o.Time > 30 {
		return ErrTimeOutOfRange
	}
	if limits.HasLimit && o.Duration > limits.MaxDurationSeconds {
		return ErrDurationOutOfRange
	}
	return nil
}

// Normalize applies the autoplay/audio/muted coupling invariant: when
// autoplay and audio are both requested, muted is forced true (§3).
func Normalize(o Options) Options {
	if o.Autoplay && o.Audio {
		o.Muted = true
	}
	return o
}

// ClampDuration clamps a requested duration to the discovered runtime
// ceiling, per §4.3: "subsequent adjustments clamp to floor(max) seconds."
func ClampDuration(requested float64, limits Limits) float64 {
	if !limits.HasLimit {
		return requested
	}
	max := math.Floor(limits.MaxDurationSeconds)
	if requested > max {
		return max
	}
	return requested
}

// vendorAliases maps a vendor query-param name to its canonical field name.
// Values are applied verbatim except where noted (fit enum translation,
// mute inversion).
var vendorAliases = map[string]string{
	"w":       "width",
	"h":       "height",
	"obj-fit": "fit",
	"start":   "time",
	"dur":     "duration",
	"mute":    "audio", // inverted: mute=true -> audio=false
	"f":       "format",
}

var fitAliases = map[string]Fit{
	"crop": FitCover,
	"fill": FitContain,
}

// TranslateVendorKey returns the canonical key name for a vendor alias, or
// the input unchanged if it is not a known alias.
func TranslateVendorKey(key string) string {
	if canon, ok := vendorAliases[key]; ok {
		return canon
	}
	return key
}

// TranslateFitValue maps a vendor fit alias value to its canonical Fit.
func TranslateFitValue(v string) Fit {
	if canon, ok := fitAliases[v]; ok {
		return canon
	}
	return Fit(v)
}

// InvertMute converts a vendor "mute" boolean value into the canonical
// "audio" boolean (mute=true means audio=false).
func InvertMute(mute bool) bool {
	return !mute
}

var timePattern = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)(s|m)$`)

// ParseTime parses a vendor time string (`<number>s` or `<number>m`) into
// seconds.
func ParseTime(raw string) (float64, error) {
	m := timePattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return 0, ErrInvalidTimeFormat
	}
	val, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, ErrInvalidTimeFormat
	}
	if m[2] == "m" {
		val *= 60
	}
	return val, nil
}

// FormatTime formats seconds back into the vendor time string, choosing
// "m" when the value is a whole multiple of 60 and at least 60.
func FormatTime(seconds float64) string {
	if seconds >= 60 && math.Mod(seconds, 60) == 0 {
		return strconv.FormatFloat(seconds/60, 'f', -1, 64) + "m"
	}
	return strconv.FormatFloat(seconds, 'f', -1, 64) + "s"
}

var durationLimitPattern = regexp.MustCompile(
	`duration: attribute must be between ([0-9.]+)(ms|s|m) and ([0-9.]+)(ms|s|m)`)

var bodySizeLimitPattern = regexp.MustCompile(
	`Input video must be less than ([0-9]+) bytes`)

// MineDurationLimits extracts the min/max duration bounds from an upstream
// error message of the form:
//
//	duration: attribute must be between <min><unit> and <max><unit>
//
// per §4.3. Returns ok=false if the message doesn't match.
func MineDurationLimits(message string) (limits Limits, ok bool) {
	m := durationLimitPattern.FindStringSubmatch(message)
	if m == nil {
		return Limits{}, false
	}
	minVal, err1 := strconv.ParseFloat(m[1], 64)
	maxVal, err2 := strconv.ParseFloat(m[3], 64)
	if err1 != nil || err2 != nil {
		return Limits{}, false
	}
	return Limits{
		MinDurationSeconds: toSeconds(minVal, m[2]),
		MaxDurationSeconds: toSeconds(maxVal, m[4]),
		HasLimit:           true,
	}, true
}

func toSeconds(v float64, unit string) float64 {
	switch unit {
	case "ms":
		return v / 1000
	case "m":
		return v * 60
	default:
		return v
	}
}

// MineBodySizeLimit extracts the max request-body size in bytes from an
// upstream error message of the form "Input video must be less than <N>
// bytes".
func MineBodySizeLimit(message string) (int64, bool) {
	m := bodySizeLimitPattern.FindStringSubmatch(message)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// orderedParam is a single k=v entry destined for the media-endpoint URL
// segment, preserving insertion order.
type orderedParam struct {
	key, value string
}

// Builder accumulates ordered, non-null parameters for the media-endpoint
// URL segment.
type Builder struct {
	params []orderedParam
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Set appends a parameter. Empty values are dropped at Build time, not
// here, so callers may overwrite in any order before building (last Set
// for a key wins, matching the teacher's "replace array with patterns"
// idiom for layered overrides).
func (b *Builder) Set(key, value string) *Builder {
	for i, p := range b.params {
		if p.key == key {
			b.params[i].value = value
			return b
		}
	}
	b.params = append(b.params, orderedParam{key, value})
	return b
}

// Build renders the comma-separated parameter segment, filtering empty
// values and preserving insertion order.
func (b *Builder) Build() string {
	var parts []string
	for _, p := range b.params {
		if p.value == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", p.key, p.value))
	}
	return strings.Join(parts, ",")
}

// BuildMediaURL constructs the final media-endpoint URL:
// "{host}/cdn-cgi/media/{params}/{originUrl}".
func BuildMediaURL(host, params, originURL string) string {
	host = strings.TrimSuffix(host, "/")
	return fmt.Sprintf("%s/cdn-cgi/media/%s/%s", host, params, originURL)
}

// StripQuery removes all query parameters from a URL-shaped string, used
// for the synchronous path's origin URL (§4.3). allowList, if non-empty,
// preserves those parameter names (used by the asynchronous variant, e.g.
// "debug=view").
func StripQuery(rawURL string, allowList ...string) string {
	idx := strings.IndexByte(rawURL, '?')
	if idx < 0 {
		return rawURL
	}
	base := rawURL[:idx]
	if len(allowList) == 0 {
		return base
	}
	query := rawURL[idx+1:]
	allowed := make(map[string]bool, len(allowList))
	for _, a := range allowList {
		allowed[a] = true
	}
	var kept []string
	for _, pair := range strings.Split(query, "&") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) > 0 && allowed[kv[0]] {
			kept = append(kept, pair)
		}
	}
	if len(kept) == 0 {
		return base
	}
	return base + "?" + strings.Join(kept, "&")
}
