package generation

import (
	"slices"
	"strings"

	"github.com/angelmondragon/genstudio-backend/pkg/enums"
)

// Upstream identifiers on the prediction service.
const (
	UpstreamSDXL     = "stability-ai/sdxl:7762fd07cf82c948538e41f63f77d685e02b063e37e496e96eefd46c929f9bdc"
	UpstreamWanT2V   = "wavespeedai/wan-2.1-t2v-480p"
	UpstreamWanI2V   = "wavespeedai/wan-2.1-i2v-480p"
	UpstreamPixverse = "pixverse/pixverse-v4.5"
)

// Allowed parameter sets.
var (
	VideoDurations = []int{5, 10}
	ImageSizes     = []int{512, 768, 1024}
)

const (
	longDuration     = 10
	defaultImageSize = 1024
)

// Model is one entry of the allow-list.
type Model struct {
	Name     string
	Kind     enums.GenerationKind
	Upstream string
	// ImageUpstream is used instead of Upstream when a reference image is supplied.
	ImageUpstream string
	// ImageOnly models cannot run without a reference image.
	ImageOnly bool
	// Costs maps quality to base credit cost. The empty key is used when the
	// model has no quality setting.
	Costs          map[string]int
	DefaultQuality string
}

// Qualities lists the accepted quality values.
func (m Model) Qualities() []string {
	out := make([]string, 0, len(m.Costs))
	for q := range m.Costs {
		if q != "" {
			out = append(out, q)
		}
	}
	slices.Sort(out)
	return out
}

// Cost returns the server-side price for a quality and duration. Video
// durations of 10 seconds double the base cost.
func (m Model) Cost(quality string, duration int) (int, bool) {
	if quality == "" {
		quality = m.DefaultQuality
	}
	base, ok := m.Costs[quality]
	if !ok {
		return 0, false
	}
	if m.Kind == enums.GenerationKindVideo && duration == longDuration {
		base *= 2
	}
	return base, true
}

var (
	modelSDXL = Model{
		Name:     "sdxl",
		Kind:     enums.GenerationKindImage,
		Upstream: UpstreamSDXL,
		Costs:    map[string]int{"": 1},
	}
	modelWan = Model{
		Name:          "wan-2.1",
		Kind:          enums.GenerationKindVideo,
		Upstream:      UpstreamWanT2V,
		ImageUpstream: UpstreamWanI2V,
		Costs:         map[string]int{"": 8, "480p": 8},
	}
	modelWanI2V = Model{
		Name:          "wan-2.1-i2v",
		Kind:          enums.GenerationKindVideo,
		Upstream:      UpstreamWanI2V,
		ImageUpstream: UpstreamWanI2V,
		ImageOnly:     true,
		Costs:         map[string]int{"": 8, "480p": 8},
	}
	modelPixverse = Model{
		Name:           "pixverse",
		Kind:           enums.GenerationKindVideo,
		Upstream:       UpstreamPixverse,
		Costs:          map[string]int{"540p": 6, "720p": 9, "1080p": 12},
		DefaultQuality: "540p",
	}
)

var catalog = map[string]Model{
	"sdxl":              modelSDXL,
	"stability-ai/sdxl": modelSDXL,
	UpstreamSDXL:        modelSDXL,
	"wan-2.1":           modelWan,
	UpstreamWanT2V:      modelWan,
	UpstreamWanI2V:      modelWanI2V,
	"pixverse":          modelPixverse,
	"pixverse-v4.5":     modelPixverse,
	UpstreamPixverse:    modelPixverse,
}

// LookupModel resolves an alias or upstream identifier for the given kind.
// Any pinned version of stability-ai/sdxl resolves to the catalog version.
func LookupModel(name string, kind enums.GenerationKind) (Model, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" && kind == enums.GenerationKindImage {
		key = modelSDXL.Name
	}
	model, ok := catalog[key]
	if !ok {
		if base, _, versioned := strings.Cut(key, ":"); versioned {
			model, ok = catalog[base]
		}
	}
	if !ok || model.Kind != kind {
		return Model{}, false
	}
	return model, true
}
