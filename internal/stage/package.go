package stage

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/yuin/goldmark"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/lucasnoah/coursefactory/internal/config"
	"github.com/lucasnoah/coursefactory/internal/job"
	"github.com/lucasnoah/coursefactory/internal/svcerr"
)

// ManifestFile is written both inside the course archive and next to it.
const ManifestFile = "manifest.json"

// Slugify lowercases s, strips accents and joins alphanumeric runs with
// hyphens. It returns "course" for input with no usable characters.
func Slugify(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			dash = false
			continue
		}
		dash = true
	}
	if b.Len() == 0 {
		return "course"
	}
	return b.String()
}

// CourseManifest indexes the packaged course.
type CourseManifest struct {
	Title       string            `json:"title"`
	Slug        string            `json:"slug"`
	Description string            `json:"description"`
	Domain      string            `json:"domain"`
	JobID       string            `json:"job_id"`
	Resolution  string            `json:"resolution"`
	FPS         int               `json:"fps"`
	VideoMode   string            `json:"video_mode"`
	Lessons     []ManifestLesson  `json:"lessons"`
	Files       []string          `json:"files"`
	Tiers       map[string]string `json:"tiers"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ManifestLesson lists one lesson's files inside the archive.
type ManifestLesson struct {
	Number   int    `json:"number"`
	Title    string `json:"title"`
	Markdown string `json:"markdown"`
	HTML     string `json:"html"`
	Script   string `json:"script,omitempty"`
	Notebook string `json:"notebook,omitempty"`
	Video    string `json:"video,omitempty"`
	Audio    string `json:"audio,omitempty"`
}

type coursePackage struct{}

func (coursePackage) Name() string     { return "course-package" }
func (coursePackage) Infallible() bool { return true }

func (coursePackage) Produce(_ context.Context, env *Env) ([]Payload, error) {
	plan, lessons, err := loadLessons(env)
	if err != nil {
		return nil, err
	}
	slug := Slugify(plan.Title)
	m := CourseManifest{
		Title:       plan.Title,
		Slug:        slug,
		Description: plan.Description,
		Domain:      plan.Domain,
		JobID:       env.Job.ID,
		Resolution:  env.Course().Resolution,
		FPS:         env.Course().FPS,
		Tiers:       map[string]string{},
		CreatedAt:   time.Now().UTC(),
	}
	for _, r := range env.Job.Results {
		if r.Succeeded() {
			m.Tiers[r.Stage] = r.TierName
		}
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	add := func(name string, data []byte) error {
		w, err := zw.Create(path.Join(slug, name))
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		m.Files = append(m.Files, name)
		return nil
	}
	// copyInput copies an input artifact into the archive when present.
	copyInput := func(stage, name, dest string) (string, error) {
		a, ok := env.Input(stage, name)
		if !ok {
			return "", nil
		}
		data, err := env.Read(a)
		if err != nil {
			return "", err
		}
		return dest, add(dest, data)
	}

	if idx, err := readVideoIndex(env); err == nil {
		m.VideoMode = idx.Mode
	}

	md := goldmark.New()
	for _, l := range lessons {
		ml := ManifestLesson{Number: l.Number, Title: l.Title}
		ml.Markdown = path.Join("lessons", l.Slug()+".md")
		if err := add(ml.Markdown, []byte(l.Markdown)); err != nil {
			return nil, packErr(err)
		}
		var rendered bytes.Buffer
		if err := md.Convert([]byte(l.Markdown), &rendered); err != nil {
			return nil, svcerr.New(svcerr.InvalidInput, fmt.Errorf("render %s: %w", l.Slug(), err))
		}
		ml.HTML = path.Join("lessons", l.Slug()+".html")
		if err := add(ml.HTML, htmlPage(l.Title, rendered.Bytes())); err != nil {
			return nil, packErr(err)
		}
		if ml.Script, err = copyInput(config.StageScriptWriting, scriptName(l.PlannedLesson), path.Join("scripts", scriptName(l.PlannedLesson))); err != nil {
			return nil, packErr(err)
		}
		if ml.Notebook, err = copyInput(config.StageNotebookCreation, notebookName(l.PlannedLesson), path.Join("notebooks", notebookName(l.PlannedLesson))); err != nil {
			return nil, packErr(err)
		}
		for _, name := range []string{l.Slug() + ".mp4", l.Slug() + ".slide.json"} {
			if dest, err := copyInput(config.StageAvatarVideoGeneration, name, path.Join("media", name)); err != nil {
				return nil, packErr(err)
			} else if dest != "" {
				ml.Video = dest
			}
		}
		if ml.Audio, err = copyInput(config.StageAvatarVideoGeneration, l.Slug()+".mp3", path.Join("media", l.Slug()+".mp3")); err != nil {
			return nil, packErr(err)
		}
		m.Lessons = append(m.Lessons, ml)
	}
	for _, c := range []struct{ stage, name, dest string }{
		{config.StageBackgroundGeneration, BackgroundFile, path.Join("media", BackgroundFile)},
		{config.StageThumbnailGeneration, ThumbnailFile, path.Join("media", ThumbnailFile)},
		{config.StageVideoAssembly, TimelineFile, TimelineFile},
		{config.StageDomainAnalysis, PlanFile, PlanFile},
	} {
		if _, err := copyInput(c.stage, c.name, c.dest); err != nil {
			return nil, packErr(err)
		}
	}
	if err := add("README.md", []byte(readme(plan, lessons))); err != nil {
		return nil, packErr(err)
	}

	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, packErr(err)
	}
	if err := add(ManifestFile, manifest); err != nil {
		return nil, packErr(err)
	}
	if err := zw.Close(); err != nil {
		return nil, packErr(err)
	}

	return []Payload{
		{Name: slug + ".zip", Kind: job.KindPackage, MediaType: "application/zip", Data: buf.Bytes()},
		{Name: ManifestFile, Kind: job.KindManifest, MediaType: "application/json", Data: append(manifest, '\n')},
	}, nil
}

// Archive writes go to memory, so failures here are programming errors.
func packErr(err error) error {
	return svcerr.New(svcerr.Permanent, fmt.Errorf("package course: %w", err))
}

func readVideoIndex(env *Env) (*VideoIndex, error) {
	data, err := env.ReadNamed(config.StageAvatarVideoGeneration, VideoIndexFile)
	if err != nil {
		return nil, err
	}
	var idx VideoIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}

func htmlPage(title string, body []byte) []byte {
	var b bytes.Buffer
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>")
	b.WriteString(html.EscapeString(title))
	b.WriteString("</title>\n</head>\n<body>\n")
	b.Write(body)
	b.WriteString("</body>\n</html>\n")
	return b.Bytes()
}

func readme(plan *CoursePlan, lessons []Lesson) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s\n\n## Lessons\n\n", plan.Title, plan.Description)
	for _, l := range lessons {
		fmt.Fprintf(&b, "%d. [%s](lessons/%s.html)", l.Number, l.Title, l.Slug())
		if l.Coding {
			fmt.Fprintf(&b, " (notebook: notebooks/%s)", notebookName(l.PlannedLesson))
		}
		b.WriteString("\n")
	}
	return b.String()
}
