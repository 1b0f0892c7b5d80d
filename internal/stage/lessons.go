package stage

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/lucasnoah/coursefactory/internal/config"
	"github.com/lucasnoah/coursefactory/internal/job"
	"github.com/lucasnoah/coursefactory/internal/prompt"
)

// Lesson is a planned lesson joined with its generated markdown.
type Lesson struct {
	PlannedLesson
	Markdown string
}

// loadLessons reads the plan and each lesson's markdown from
// content-generation.
func loadLessons(env *Env) (*CoursePlan, []Lesson, error) {
	plan, err := loadPlan(env)
	if err != nil {
		return nil, nil, err
	}
	lessons := make([]Lesson, 0, len(plan.Lessons))
	for _, pl := range plan.Lessons {
		data, err := env.ReadNamed(config.StageContentGeneration, pl.Slug()+".md")
		if err != nil {
			return nil, nil, err
		}
		lessons = append(lessons, Lesson{PlannedLesson: pl, Markdown: string(data)})
	}
	return plan, lessons, nil
}

func lessonPayload(l PlannedLesson, body string) Payload {
	return textPayload(l.Slug()+".md", job.KindLesson, "text/markdown", body)
}

type llmLessons struct{}

func (llmLessons) Name() string     { return "llm-lessons" }
func (llmLessons) Infallible() bool { return false }

func (llmLessons) Produce(ctx context.Context, env *Env) ([]Payload, error) {
	plan, err := loadPlan(env)
	if err != nil {
		return nil, err
	}
	out := make([]Payload, 0, len(plan.Lessons))
	for _, l := range plan.Lessons {
		vars := prompt.Vars{
			"course_title":  plan.Title,
			"lesson_number": strconv.Itoa(l.Number),
			"title":         l.Title,
			"summary":       l.Summary,
			"coding":        "",
		}
		if l.Coding {
			vars["coding"] = "true"
		}
		text, err := env.Render(prompt.Lesson, vars)
		if err != nil {
			return nil, err
		}
		md, err := env.Text(ctx, "lesson", text, map[string]string{"title": l.Title})
		if err != nil {
			return nil, err
		}
		out = append(out, lessonPayload(l, md))
	}
	return out, nil
}

type skeletonLessons struct{}

func (skeletonLessons) Name() string     { return "skeleton-lessons" }
func (skeletonLessons) Infallible() bool { return true }

func (skeletonLessons) Produce(_ context.Context, env *Env) ([]Payload, error) {
	plan, err := loadPlan(env)
	if err != nil {
		return nil, err
	}
	out := make([]Payload, 0, len(plan.Lessons))
	for _, l := range plan.Lessons {
		out = append(out, lessonPayload(l, skeletonMarkdown(plan, l)))
	}
	return out, nil
}

func skeletonMarkdown(plan *CoursePlan, l PlannedLesson) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", l.Title)
	fmt.Fprintf(&b, "*Lesson %d of %d in %s*\n\n", l.Number, len(plan.Lessons), plan.Title)
	fmt.Fprintf(&b, "## Overview\n\n%s\n\n", l.Summary)
	b.WriteString("## Learning Objectives\n\n")
	fmt.Fprintf(&b, "- Explain the main ideas behind %s\n", l.Title)
	fmt.Fprintf(&b, "- Recognise where %s applies in practice\n", plan.Domain)
	b.WriteString("- Complete the practice activity\n\n")
	b.WriteString("## Key Ideas\n\n")
	fmt.Fprintf(&b, "Start from what you already know about %s and build up one concept at a time.\n\n", plan.Domain)
	if l.Coding {
		b.WriteString("## Example\n\n```python\n")
		fmt.Fprintf(&b, "# %s\n", l.Title)
		fmt.Fprintf(&b, "topic = %q\nprint(f\"Exploring {topic}\")\n", l.Title)
		b.WriteString("```\n\n")
	}
	b.WriteString("## Practice\n\n")
	fmt.Fprintf(&b, "Write down three questions you still have about %s and look for answers in the next lesson.\n\n", l.Title)
	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "%s\n", l.Summary)
	return b.String()
}

var (
	headingRe   = regexp.MustCompile(`(?m)^#{1,3}\s+(.+)$`)
	bulletRe    = regexp.MustCompile(`(?m)^\s*[-*]\s+(.+)$`)
	codeFenceRe = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\n(.*?)```")
)

// sections returns the markdown headings below the title.
func sections(md string) []string {
	var out []string
	for i, m := range headingRe.FindAllStringSubmatch(md, -1) {
		if i == 0 && strings.HasPrefix(strings.TrimSpace(md), "# ") {
			continue
		}
		out = append(out, strings.TrimSpace(m[1]))
	}
	return out
}

func bullets(md string) []string {
	var out []string
	for _, m := range bulletRe.FindAllStringSubmatch(md, -1) {
		out = append(out, strings.TrimSpace(m[1]))
	}
	return out
}

func codeBlocks(md string) []string {
	var out []string
	for _, m := range codeFenceRe.FindAllStringSubmatch(md, -1) {
		if code := strings.TrimSpace(m[1]); code != "" {
			out = append(out, code)
		}
	}
	return out
}
