package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/lucasnoah/coursefactory/internal/job"
	"github.com/lucasnoah/coursefactory/internal/prompt"
)

// NotebookIndexFile lists the notebooks a course ships. It is written even
// when no lesson involves code.
const NotebookIndexFile = "notebooks.json"

// notebook is the subset of nbformat v4 we emit.
type notebook struct {
	Cells         []map[string]any `json:"cells"`
	Metadata      map[string]any   `json:"metadata"`
	NBFormat      int              `json:"nbformat"`
	NBFormatMinor int              `json:"nbformat_minor"`
}

func newNotebook() *notebook {
	return &notebook{
		Metadata: map[string]any{
			"kernelspec":    map[string]string{"display_name": "Python 3", "language": "python", "name": "python3"},
			"language_info": map[string]string{"name": "python"},
		},
		NBFormat:      4,
		NBFormatMinor: 5,
	}
}

func (nb *notebook) markdown(text string) {
	nb.Cells = append(nb.Cells, map[string]any{
		"cell_type": "markdown",
		"metadata":  map[string]any{},
		"source":    sourceLines(text),
	})
}

func (nb *notebook) code(text string) {
	// Code cells need explicit outputs and a null execution_count.
	nb.Cells = append(nb.Cells, map[string]any{
		"cell_type":       "code",
		"metadata":        map[string]any{},
		"source":          sourceLines(text),
		"outputs":         []any{},
		"execution_count": nil,
	})
}

// sourceLines splits text the way nbformat stores it: every line but the
// last keeps its newline.
func sourceLines(text string) []string {
	text = strings.TrimRight(text, "\n")
	lines := strings.SplitAfter(text, "\n")
	if len(lines) == 1 && lines[0] == "" {
		return []string{}
	}
	return lines
}

func notebookName(l PlannedLesson) string { return l.Slug() + ".ipynb" }

type notebookEntry struct {
	Lesson int    `json:"lesson"`
	Title  string `json:"title"`
	File   string `json:"file"`
}

func notebookPayloads(lessons []Lesson, build func(Lesson) (*notebook, error)) ([]Payload, error) {
	var out []Payload
	index := []notebookEntry{}
	for _, l := range lessons {
		if !l.Coding {
			continue
		}
		nb, err := build(l)
		if err != nil {
			return nil, err
		}
		p, err := jsonPayload(notebookName(l.PlannedLesson), job.KindNotebook, nb)
		if err != nil {
			return nil, err
		}
		p.MediaType = "application/x-ipynb+json"
		out = append(out, p)
		index = append(index, notebookEntry{Lesson: l.Number, Title: l.Title, File: p.Name})
	}
	idx, err := jsonPayload(NotebookIndexFile, job.KindManifest, index)
	if err != nil {
		return nil, err
	}
	return append(out, idx), nil
}

type llmNotebooks struct{}

func (llmNotebooks) Name() string     { return "llm-notebooks" }
func (llmNotebooks) Infallible() bool { return false }

func (llmNotebooks) Produce(ctx context.Context, env *Env) ([]Payload, error) {
	_, lessons, err := loadLessons(env)
	if err != nil {
		return nil, err
	}
	return notebookPayloads(lessons, func(l Lesson) (*notebook, error) {
		text, err := env.Render(prompt.Notebook, prompt.Vars{"title": l.Title, "lesson": l.Markdown})
		if err != nil {
			return nil, err
		}
		src, err := env.Text(ctx, "notebook", text, map[string]string{"title": l.Title})
		if err != nil {
			return nil, err
		}
		nb := newNotebook()
		nb.markdown(fmt.Sprintf("# %s\n\n%s", l.Title, l.Summary))
		for _, cell := range strings.Split(stripFences(src), "# %%") {
			if strings.TrimSpace(cell) != "" {
				nb.code(strings.TrimSpace(cell))
			}
		}
		return nb, nil
	})
}

// templateNotebooks builds notebooks from the code blocks already present in
// each lesson, adding a practice cell.
type templateNotebooks struct{}

func (templateNotebooks) Name() string     { return "template-notebooks" }
func (templateNotebooks) Infallible() bool { return true }

func (templateNotebooks) Produce(_ context.Context, env *Env) ([]Payload, error) {
	_, lessons, err := loadLessons(env)
	if err != nil {
		return nil, err
	}
	return notebookPayloads(lessons, func(l Lesson) (*notebook, error) {
		nb := newNotebook()
		nb.markdown(fmt.Sprintf("# %s\n\n## Overview\n\n%s", l.Title, l.Summary))
		if secs := sections(l.Markdown); len(secs) > 0 {
			items := make([]string, len(secs))
			for i, s := range secs {
				items[i] = "- " + s
			}
			nb.markdown("## Contents\n\n" + strings.Join(items, "\n"))
		}
		for i, code := range codeBlocks(l.Markdown) {
			nb.markdown(fmt.Sprintf("### Example %d", i+1))
			nb.code(code)
		}
		nb.markdown("## Exercise\n\nUse the examples above to solve a small problem of your own.")
		nb.code(fmt.Sprintf("# TODO: your solution for %q\n", l.Title))
		return nb, nil
	})
}
