package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/lucasnoah/coursefactory/internal/config"
	"github.com/lucasnoah/coursefactory/internal/job"
	"github.com/lucasnoah/coursefactory/internal/prompt"
)

// Narration speed used to size scripts and estimate video length.
const wordsPerMinute = 150

func scriptName(l PlannedLesson) string { return l.Slug() + ".script.txt" }

func scriptPayload(l PlannedLesson, body string) Payload {
	return textPayload(scriptName(l), job.KindScript, "text/plain", strings.TrimSpace(body)+"\n")
}

// loadScripts reads each lesson's narration script from script-writing.
func loadScripts(env *Env) (*CoursePlan, map[int]string, error) {
	plan, err := loadPlan(env)
	if err != nil {
		return nil, nil, err
	}
	scripts := make(map[int]string, len(plan.Lessons))
	for _, l := range plan.Lessons {
		data, err := env.ReadNamed(config.StageScriptWriting, scriptName(l))
		if err != nil {
			return nil, nil, err
		}
		scripts[l.Number] = string(data)
	}
	return plan, scripts, nil
}

type llmScripts struct{}

func (llmScripts) Name() string     { return "llm-scripts" }
func (llmScripts) Infallible() bool { return false }

func (llmScripts) Produce(ctx context.Context, env *Env) ([]Payload, error) {
	_, lessons, err := loadLessons(env)
	if err != nil {
		return nil, err
	}
	out := make([]Payload, 0, len(lessons))
	for _, l := range lessons {
		text, err := env.Render(prompt.Script, prompt.Vars{
			"title":     l.Title,
			"max_words": fmt.Sprint(10 * wordsPerMinute),
			"lesson":    l.Markdown,
		})
		if err != nil {
			return nil, err
		}
		script, err := env.Text(ctx, "script", text, map[string]string{"title": l.Title})
		if err != nil {
			return nil, err
		}
		out = append(out, scriptPayload(l.PlannedLesson, script))
	}
	return out, nil
}

// outlineScripts narrates each lesson's headings and bullet points.
type outlineScripts struct{}

func (outlineScripts) Name() string     { return "outline-scripts" }
func (outlineScripts) Infallible() bool { return true }

func (outlineScripts) Produce(_ context.Context, env *Env) ([]Payload, error) {
	plan, lessons, err := loadLessons(env)
	if err != nil {
		return nil, err
	}
	out := make([]Payload, 0, len(lessons))
	for _, l := range lessons {
		out = append(out, scriptPayload(l.PlannedLesson, outlineScript(plan, l)))
	}
	return out, nil
}

func outlineScript(plan *CoursePlan, l Lesson) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Welcome to lesson %d of %s: %s. [PAUSE]\n\n", l.Number, plan.Title, l.Title)
	if l.Summary != "" {
		fmt.Fprintf(&b, "%s [PAUSE]\n\n", l.Summary)
	}
	secs := sections(l.Markdown)
	if len(secs) > 0 {
		fmt.Fprintf(&b, "In this lesson we will cover %s. [PAUSE]\n\n", joinList(secs))
	}
	for _, item := range bullets(l.Markdown) {
		fmt.Fprintf(&b, "%s.\n", strings.TrimRight(item, "."))
	}
	fmt.Fprintf(&b, "\nThat wraps up %s. See you in the next lesson. [PAUSE]\n", l.Title)
	return b.String()
}

func joinList(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	}
	return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
}

// estimateSeconds approximates narration length.
func estimateSeconds(script string) int {
	words := len(strings.Fields(strings.ReplaceAll(script, "[PAUSE]", "")))
	secs := words * 60 / wordsPerMinute
	secs += strings.Count(script, "[PAUSE]")
	if secs < 5 {
		secs = 5
	}
	return secs
}
