package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/lucasnoah/coursefactory/internal/adapter"
	"github.com/lucasnoah/coursefactory/internal/config"
	"github.com/lucasnoah/coursefactory/internal/job"
	"github.com/lucasnoah/coursefactory/internal/svcerr"
)

// VideoIndexFile describes the per-lesson media produced by
// avatar-video-generation, whichever tier produced it.
const VideoIndexFile = "videos.json"

// Video modes, one per avatar-video-generation tier.
const (
	ModeAvatar      = "avatar"
	ModeNarrated    = "narrated-slides"
	ModePlaceholder = "placeholder"
)

// VideoIndex is the avatar stage's manifest.
type VideoIndex struct {
	Mode     string         `json:"mode"`
	Segments []VideoSegment `json:"segments"`
}

// VideoSegment is one lesson's media.
type VideoSegment struct {
	Lesson     int    `json:"lesson"`
	Title      string `json:"title"`
	Video      string `json:"video,omitempty"`
	Audio      string `json:"audio,omitempty"`
	Background string `json:"background"`
	Seconds    int    `json:"seconds"`
}

func withIndex(out []Payload, idx VideoIndex) ([]Payload, error) {
	p, err := jsonPayload(VideoIndexFile, job.KindManifest, idx)
	if err != nil {
		return nil, err
	}
	return append(out, p), nil
}

func backgroundRef(env *Env) string {
	if a, ok := env.Input(config.StageBackgroundGeneration, BackgroundFile); ok {
		return a.Ref
	}
	return ""
}

type avatarVideo struct{}

func (avatarVideo) Name() string     { return "avatar-video" }
func (avatarVideo) Infallible() bool { return false }

func (avatarVideo) Produce(ctx context.Context, env *Env) ([]Payload, error) {
	plan, scripts, err := loadScripts(env)
	if err != nil {
		return nil, err
	}
	bg, err := env.ReadNamed(config.StageBackgroundGeneration, BackgroundFile)
	if err != nil {
		return nil, err
	}
	idx := VideoIndex{Mode: ModeAvatar}
	var out []Payload
	for _, l := range plan.Lessons {
		resp, err := env.Caller.Call(ctx, adapter.AvatarVideo, adapter.Request{
			Operation: "avatar-video",
			Prompt:    scripts[l.Number],
			Media:     bg,
			Params: map[string]string{
				"resolution": env.Course().Resolution,
				"fps":        strconv.Itoa(env.Course().FPS),
				"title":      l.Title,
			},
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Data) == 0 {
			return nil, svcerr.Newf(svcerr.Transient, "avatar video for lesson %d is empty", l.Number)
		}
		mt := resp.MediaType
		if mt == "" {
			mt = "video/mp4"
		}
		name := l.Slug() + ".mp4"
		out = append(out, Payload{Name: name, Kind: job.KindVideo, MediaType: mt, Data: resp.Data})
		idx.Segments = append(idx.Segments, VideoSegment{
			Lesson: l.Number, Title: l.Title, Video: name,
			Background: backgroundRef(env), Seconds: estimateSeconds(scripts[l.Number]),
		})
	}
	return withIndex(out, idx)
}

// narratedSlides pairs synthesized narration with the static background.
type narratedSlides struct{}

func (narratedSlides) Name() string     { return "narrated-slides" }
func (narratedSlides) Infallible() bool { return false }

func (narratedSlides) Produce(ctx context.Context, env *Env) ([]Payload, error) {
	plan, scripts, err := loadScripts(env)
	if err != nil {
		return nil, err
	}
	idx := VideoIndex{Mode: ModeNarrated}
	var out []Payload
	for _, l := range plan.Lessons {
		speech := strings.TrimSpace(strings.ReplaceAll(scripts[l.Number], "[PAUSE]", ""))
		resp, err := env.Caller.Call(ctx, adapter.SpeechSynthesis, adapter.Request{
			Operation: "narration",
			Prompt:    speech,
			Params:    map[string]string{"title": l.Title},
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Data) == 0 {
			return nil, svcerr.Newf(svcerr.Transient, "narration for lesson %d is empty", l.Number)
		}
		mt := resp.MediaType
		if mt == "" {
			mt = "audio/mpeg"
		}
		name := l.Slug() + ".mp3"
		out = append(out, Payload{Name: name, Kind: job.KindAudio, MediaType: mt, Data: resp.Data})
		idx.Segments = append(idx.Segments, VideoSegment{
			Lesson: l.Number, Title: l.Title, Audio: name,
			Background: backgroundRef(env), Seconds: estimateSeconds(scripts[l.Number]),
		})
	}
	return withIndex(out, idx)
}

// placeholderVideo describes a static slide per lesson with the script as
// on-screen text. It needs no external service.
type placeholderVideo struct{}

func (placeholderVideo) Name() string     { return "placeholder-video" }
func (placeholderVideo) Infallible() bool { return true }

type slide struct {
	Lesson     int    `json:"lesson"`
	Title      string `json:"title"`
	Background string `json:"background"`
	Resolution string `json:"resolution"`
	FPS        int    `json:"fps"`
	Seconds    int    `json:"seconds"`
	Script     string `json:"script"`
}

func (placeholderVideo) Produce(_ context.Context, env *Env) ([]Payload, error) {
	plan, scripts, err := loadScripts(env)
	if err != nil {
		return nil, err
	}
	idx := VideoIndex{Mode: ModePlaceholder}
	var out []Payload
	for _, l := range plan.Lessons {
		secs := estimateSeconds(scripts[l.Number])
		p, err := jsonPayload(l.Slug()+".slide.json", job.KindVideo, slide{
			Lesson:     l.Number,
			Title:      l.Title,
			Background: backgroundRef(env),
			Resolution: env.Course().Resolution,
			FPS:        env.Course().FPS,
			Seconds:    secs,
			Script:     strings.TrimSpace(scripts[l.Number]),
		})
		if err != nil {
			return nil, err
		}
		out = append(out, p)
		idx.Segments = append(idx.Segments, VideoSegment{
			Lesson: l.Number, Title: l.Title, Video: p.Name,
			Background: backgroundRef(env), Seconds: secs,
		})
	}
	return withIndex(out, idx)
}

// TimelineFile is the video-assembly output.
const TimelineFile = "timeline.json"

// Timeline is the edit decision list for the finished course video.
type Timeline struct {
	Title        string         `json:"title"`
	Mode         string         `json:"mode"`
	Width        int            `json:"width"`
	Height       int            `json:"height"`
	FPS          int            `json:"fps"`
	TotalSeconds int            `json:"total_seconds"`
	TotalFrames  int            `json:"total_frames"`
	Clips        []TimelineClip `json:"clips"`
}

// TimelineClip places one lesson segment on the timeline.
type TimelineClip struct {
	Lesson     int    `json:"lesson"`
	Title      string `json:"title"`
	Source     string `json:"source"` // artifact ref of the video, slide or audio
	Background string `json:"background,omitempty"`
	Start      int    `json:"start_seconds"`
	Seconds    int    `json:"seconds"`
	StartFrame int    `json:"start_frame"`
	Frames     int    `json:"frames"`
}

type timelineAssembly struct{}

func (timelineAssembly) Name() string     { return "timeline-assembly" }
func (timelineAssembly) Infallible() bool { return true }

func (timelineAssembly) Produce(_ context.Context, env *Env) ([]Payload, error) {
	plan, err := loadPlan(env)
	if err != nil {
		return nil, err
	}
	data, err := env.ReadNamed(config.StageAvatarVideoGeneration, VideoIndexFile)
	if err != nil {
		return nil, err
	}
	var idx VideoIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, svcerr.New(svcerr.Permanent, fmt.Errorf("decode %s: %w", VideoIndexFile, err))
	}

	w, h := env.Resolution()
	fps := env.Course().FPS
	if fps <= 0 {
		fps = 30
	}
	tl := Timeline{Title: plan.Title, Mode: idx.Mode, Width: w, Height: h, FPS: fps, Clips: []TimelineClip{}}
	for _, seg := range idx.Segments {
		src := seg.Video
		if src == "" {
			src = seg.Audio
		}
		if a, ok := env.Input(config.StageAvatarVideoGeneration, src); ok {
			src = a.Ref
		}
		tl.Clips = append(tl.Clips, TimelineClip{
			Lesson:     seg.Lesson,
			Title:      seg.Title,
			Source:     src,
			Background: seg.Background,
			Start:      tl.TotalSeconds,
			Seconds:    seg.Seconds,
			StartFrame: tl.TotalSeconds * fps,
			Frames:     seg.Seconds * fps,
		})
		tl.TotalSeconds += seg.Seconds
	}
	tl.TotalFrames = tl.TotalSeconds * fps

	p, err := jsonPayload(TimelineFile, job.KindManifest, tl)
	if err != nil {
		return nil, err
	}
	return []Payload{p}, nil
}
