package stage

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"strconv"

	"github.com/lucasnoah/coursefactory/internal/adapter"
	"github.com/lucasnoah/coursefactory/internal/config"
	"github.com/lucasnoah/coursefactory/internal/job"
	"github.com/lucasnoah/coursefactory/internal/prompt"
	"github.com/lucasnoah/coursefactory/internal/svcerr"
)

const (
	BackgroundFile = "background.png"
	ThumbnailFile  = "thumbnail.png"
	thumbWidth     = 1280
	thumbHeight    = 720
)

func imagePayload(name, mediaType string, data []byte) Payload {
	if mediaType == "" {
		mediaType = "image/png"
	}
	return Payload{Name: name, Kind: job.KindImage, MediaType: mediaType, Data: data}
}

func generateImage(ctx context.Context, env *Env, op, text string, w, h int) ([]byte, string, error) {
	resp, err := env.Caller.Call(ctx, adapter.ImageGeneration, adapter.Request{
		Operation: op,
		Prompt:    text,
		Params:    map[string]string{"width": strconv.Itoa(w), "height": strconv.Itoa(h)},
	})
	if err != nil {
		return nil, "", err
	}
	if len(resp.Data) == 0 {
		return nil, "", svcerr.Newf(svcerr.Transient, "%s: empty image", op)
	}
	return resp.Data, resp.MediaType, nil
}

type imageBackground struct{}

func (imageBackground) Name() string     { return "image-background" }
func (imageBackground) Infallible() bool { return false }

func (imageBackground) Produce(ctx context.Context, env *Env) ([]Payload, error) {
	domain, err := domainOf(env)
	if err != nil {
		return nil, err
	}
	w, h := env.Resolution()
	text, err := env.Render(prompt.Background, prompt.Vars{"domain": domain, "width": strconv.Itoa(w), "height": strconv.Itoa(h)})
	if err != nil {
		return nil, err
	}
	data, mt, err := generateImage(ctx, env, "background", text, w, h)
	if err != nil {
		return nil, err
	}
	return []Payload{imagePayload(BackgroundFile, mt, data)}, nil
}

type gradientBackground struct{}

func (gradientBackground) Name() string     { return "gradient-background" }
func (gradientBackground) Infallible() bool { return true }

func (gradientBackground) Produce(_ context.Context, env *Env) ([]Payload, error) {
	domain, err := domainOf(env)
	if err != nil {
		return nil, err
	}
	w, h := env.Resolution()
	data, err := gradientPNG(domain, w, h)
	if err != nil {
		return nil, svcerr.New(svcerr.InvalidInput, err)
	}
	return []Payload{imagePayload(BackgroundFile, "image/png", data)}, nil
}

// gradientPNG renders a diagonal two-colour gradient whose colours are
// derived from seed.
func gradientPNG(seed string, w, h int) ([]byte, error) {
	if w <= 0 || h <= 0 || w > 8192 || h > 8192 {
		return nil, fmt.Errorf("resolution %dx%d out of range", w, h)
	}
	hs := fnv.New32a()
	hs.Write([]byte(seed))
	sum := hs.Sum32()
	from := color.RGBA{R: uint8(sum >> 24), G: uint8(sum >> 16), B: uint8(sum >> 8), A: 255}
	to := color.RGBA{R: 255 - from.R/2, G: 255 - from.G/3, B: 255 - from.B/4, A: 255}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	span := w + h - 2
	if span == 0 {
		span = 1
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			t := (x + y) * 255 / span
			img.SetRGBA(x, y, color.RGBA{
				R: mix(from.R, to.R, t),
				G: mix(from.G, to.G, t),
				B: mix(from.B, to.B, t),
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func mix(a, b uint8, t int) uint8 {
	return uint8((int(a)*(255-t) + int(b)*t) / 255)
}

type imageThumbnail struct{}

func (imageThumbnail) Name() string     { return "image-thumbnail" }
func (imageThumbnail) Infallible() bool { return false }

func (imageThumbnail) Produce(ctx context.Context, env *Env) ([]Payload, error) {
	plan, err := loadPlan(env)
	if err != nil {
		return nil, err
	}
	text, err := env.Render(prompt.Thumbnail, prompt.Vars{"course_title": plan.Title, "domain": plan.Domain})
	if err != nil {
		return nil, err
	}
	data, mt, err := generateImage(ctx, env, "thumbnail", text, thumbWidth, thumbHeight)
	if err != nil {
		return nil, err
	}
	return []Payload{imagePayload(ThumbnailFile, mt, data)}, nil
}

// backgroundThumbnail reuses the course background as the thumbnail.
type backgroundThumbnail struct{}

func (backgroundThumbnail) Name() string     { return "background-thumbnail" }
func (backgroundThumbnail) Infallible() bool { return true }

func (backgroundThumbnail) Produce(_ context.Context, env *Env) ([]Payload, error) {
	if a, ok := env.Input(config.StageBackgroundGeneration, BackgroundFile); ok {
		if data, err := env.Read(a); err == nil {
			return []Payload{imagePayload(ThumbnailFile, a.MediaType, data)}, nil
		}
	}
	domain, err := domainOf(env)
	if err != nil {
		return nil, err
	}
	data, err := gradientPNG(domain, thumbWidth, thumbHeight)
	if err != nil {
		return nil, svcerr.New(svcerr.InvalidInput, err)
	}
	return []Payload{imagePayload(ThumbnailFile, "image/png", data)}, nil
}
