package generation

import (
	"encoding/base64"
	"fmt"
	"slices"
	"strings"

	"github.com/angelmondragon/genstudio-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/genstudio-backend/pkg/errors"
)

// Request is a generation submission from a user.
type Request struct {
	Kind     enums.GenerationKind
	Model    string
	Prompt   string
	Width    int
	Height   int
	Quality  string
	Duration int
	// Image is a data:image/...;base64 payload: the init image for SDXL,
	// the start frame for image-to-video.
	Image string
}

// DataImage is a decoded inline image.
type DataImage struct {
	ContentType string
	Bytes       []byte
}

type plan struct {
	model    Model
	upstream string
	prompt   string
	quality  string
	duration int
	width    int
	height   int
	image    *DataImage
	cost     int
}

// resolve validates req and prices it. Nothing is mutated.
func resolve(req Request) (*plan, error) {
	if !req.Kind.IsValid() {
		return nil, invalid("kind", "must be image or video")
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, invalid("prompt", "is required")
	}

	model, ok := LookupModel(req.Model, req.Kind)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeUnsupportedModel, fmt.Sprintf("model %q is not supported", strings.TrimSpace(req.Model))).
			WithDetails(map[string]any{"model": req.Model})
	}

	p := &plan{model: model, upstream: model.Upstream, prompt: prompt}

	if req.Image != "" {
		img, err := ParseDataImage(req.Image)
		if err != nil {
			return nil, invalid("image", err.Error())
		}
		p.image = img
	}

	switch req.Kind {
	case enums.GenerationKindVideo:
		if req.Duration == 0 {
			return nil, invalid("duration", "is required")
		}
		if !slices.Contains(VideoDurations, req.Duration) {
			return nil, invalid("duration", "must be 5 or 10 seconds")
		}
		p.duration = req.Duration
		quality := strings.ToLower(strings.TrimSpace(req.Quality))
		if quality != "" {
			if _, ok := model.Costs[quality]; !ok {
				return nil, invalid("quality", fmt.Sprintf("must be one of %s", strings.Join(model.Qualities(), ", ")))
			}
		}
		if quality == "" {
			quality = model.DefaultQuality
		}
		p.quality = quality
		if p.image != nil && model.ImageUpstream != "" {
			p.upstream = model.ImageUpstream
		}
		if model.ImageOnly && p.image == nil {
			return nil, invalid("image", "is required for image-to-video models")
		}
	case enums.GenerationKindImage:
		width, err := imageSize("width", req.Width)
		if err != nil {
			return nil, err
		}
		height, err := imageSize("height", req.Height)
		if err != nil {
			return nil, err
		}
		p.width, p.height = width, height
	}

	cost, ok := model.Cost(p.quality, p.duration)
	if !ok || cost <= 0 {
		return nil, invalid("quality", "no price for the requested quality")
	}
	p.cost = cost
	return p, nil
}

// input shapes the prediction input. imageURL is the staged reference image.
func (p *plan) input(imageURL string) map[string]any {
	in := map[string]any{"prompt": p.prompt}
	switch p.model.Kind {
	case enums.GenerationKindVideo:
		in["duration"] = p.duration
		if p.upstream == UpstreamPixverse && p.quality != "" {
			in["quality"] = p.quality
		}
		if p.upstream == UpstreamWanI2V && imageURL != "" {
			in["image"] = imageURL
		}
	case enums.GenerationKindImage:
		in["width"] = p.width
		in["height"] = p.height
		in["guidance_scale"] = 7.5
		in["num_inference_steps"] = 30
		in["output_format"] = "jpg"
		if imageURL != "" {
			in["init_image"] = imageURL
			in["strength"] = 0.5
		}
	}
	return in
}

// needsImage reports whether the staged image is used by the upstream call.
func (p *plan) needsImage() bool {
	if p.image == nil {
		return false
	}
	return p.model.Kind == enums.GenerationKindImage || p.upstream == UpstreamWanI2V
}

func imageSize(field string, v int) (int, error) {
	if v == 0 {
		return defaultImageSize, nil
	}
	if !slices.Contains(ImageSizes, v) {
		return 0, invalid(field, "must be 512, 768 or 1024")
	}
	return v, nil
}

// ParseDataImage decodes a data:image/<type>;base64,<payload> URL.
func ParseDataImage(raw string) (*DataImage, error) {
	header, payload, ok := strings.Cut(strings.TrimSpace(raw), ",")
	if !ok || !strings.HasPrefix(header, "data:image/") || !strings.HasSuffix(header, ";base64") {
		return nil, fmt.Errorf("must be a base64 data:image URL")
	}
	contentType := strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
	if contentType == "image/" {
		return nil, fmt.Errorf("missing image subtype")
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 payload")
	}
	if len(decoded) == 0 {
		return nil, fmt.Errorf("empty image payload")
	}
	return &DataImage{ContentType: contentType, Bytes: decoded}, nil
}

func invalid(field, msg string) error {
	return pkgerrors.New(pkgerrors.CodeValidation, field+" "+msg).
		WithDetails(map[string]string{"field": field, "reason": msg})
}
