package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/lucasnoah/coursefactory/internal/config"
	"github.com/lucasnoah/coursefactory/internal/job"
	"github.com/lucasnoah/coursefactory/internal/prompt"
	"github.com/lucasnoah/coursefactory/internal/svcerr"
)

// PlanFile is the domain-analysis artifact every later course stage reads.
const PlanFile = "plan.json"

// CoursePlan is the course outline produced by domain analysis.
type CoursePlan struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Domain      string          `json:"domain"`
	Lessons     []PlannedLesson `json:"lessons"`
}

// PlannedLesson is one entry of a CoursePlan.
type PlannedLesson struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Coding  bool   `json:"coding"`
}

// Slug returns the lesson's artifact base name, e.g. "lesson-01".
func (l PlannedLesson) Slug() string {
	return fmt.Sprintf("lesson-%02d", l.Number)
}

func (p *CoursePlan) normalize(domain string, want int) error {
	p.Domain = domain
	if strings.TrimSpace(p.Title) == "" {
		p.Title = domain
	}
	var kept []PlannedLesson
	for _, l := range p.Lessons {
		if strings.TrimSpace(l.Title) == "" {
			continue
		}
		kept = append(kept, l)
	}
	if len(kept) == 0 {
		return fmt.Errorf("plan has no lessons")
	}
	if want > 0 && len(kept) > want {
		kept = kept[:want]
	}
	for i := range kept {
		kept[i].Number = i + 1
	}
	p.Lessons = kept
	return nil
}

func domainOf(env *Env) (string, error) {
	d := strings.TrimSpace(env.Job.Input.Domain)
	if d == "" {
		return "", svcerr.Newf(svcerr.InvalidInput, "course domain is empty")
	}
	return d, nil
}

// loadPlan reads the plan produced by domain analysis.
func loadPlan(env *Env) (*CoursePlan, error) {
	data, err := env.ReadNamed(config.StageDomainAnalysis, PlanFile)
	if err != nil {
		return nil, err
	}
	var p CoursePlan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, svcerr.New(svcerr.Permanent, fmt.Errorf("decode plan: %w", err))
	}
	return &p, nil
}

type llmCoursePlan struct{}

func (llmCoursePlan) Name() string     { return "llm-course-plan" }
func (llmCoursePlan) Infallible() bool { return false }

func (llmCoursePlan) Produce(ctx context.Context, env *Env) ([]Payload, error) {
	domain, err := domainOf(env)
	if err != nil {
		return nil, err
	}
	n := env.Course().LessonCount
	text, err := env.Render(prompt.CoursePlan, prompt.Vars{"domain": domain, "lesson_count": strconv.Itoa(n)})
	if err != nil {
		return nil, err
	}
	out, err := env.Text(ctx, "course-plan", text, map[string]string{"domain": domain, "lesson_count": strconv.Itoa(n)})
	if err != nil {
		return nil, err
	}

	var plan CoursePlan
	if err := json.Unmarshal([]byte(stripFences(out)), &plan); err != nil {
		return nil, svcerr.New(svcerr.Transient, fmt.Errorf("decode course plan: %w", err))
	}
	if err := plan.normalize(domain, n); err != nil {
		return nil, svcerr.New(svcerr.Transient, err)
	}
	p, err := jsonPayload(PlanFile, job.KindPlan, plan)
	if err != nil {
		return nil, err
	}
	return []Payload{p}, nil
}

type templateCoursePlan struct{}

func (templateCoursePlan) Name() string     { return "template-course-plan" }
func (templateCoursePlan) Infallible() bool { return true }

var planTemplates = []struct{ title, summary string }{
	{"Introduction to %s", "What %s is, where it is used and how this course is organised."},
	{"Core Concepts of %s", "The vocabulary and building blocks every %s practitioner relies on."},
	{"Working with %s", "Hands-on walkthrough of the everyday tasks in %s."},
	{"Patterns and Practices in %s", "Common patterns, pitfalls and good habits in %s."},
	{"Applying %s", "A small end-to-end project that puts %s to work."},
	{"Advanced %s", "Deeper topics for learners who want to go further with %s."},
	{"%s Review and Next Steps", "A recap of the course and where to go next with %s."},
}

func (templateCoursePlan) Produce(_ context.Context, env *Env) ([]Payload, error) {
	domain, err := domainOf(env)
	if err != nil {
		return nil, err
	}
	n := env.Course().LessonCount
	if n <= 0 {
		n = 5
	}
	technical := isTechnical(domain)
	plan := CoursePlan{
		Title:       domain + " Fundamentals",
		Description: fmt.Sprintf("A structured introduction to %s, from first principles to practical application.", domain),
		Domain:      domain,
	}
	for i := 0; i < n; i++ {
		t := planTemplates[i%len(planTemplates)]
		title := fmt.Sprintf(t.title, domain)
		if i >= len(planTemplates) {
			title = fmt.Sprintf("%s (Part %d)", title, i/len(planTemplates)+1)
		}
		plan.Lessons = append(plan.Lessons, PlannedLesson{
			Number:  i + 1,
			Title:   title,
			Summary: fmt.Sprintf(t.summary, domain),
			Coding:  technical && i > 0,
		})
	}
	p, err := jsonPayload(PlanFile, job.KindPlan, plan)
	if err != nil {
		return nil, err
	}
	return []Payload{p}, nil
}

var technicalKeywords = []string{
	"program", "python", "code", "coding", "software", "javascript", "golang",
	"data", "api", "machine learning", "retrieval", "sql", "web", "devops",
}

func isTechnical(domain string) bool {
	d := strings.ToLower(domain)
	for _, kw := range technicalKeywords {
		if strings.Contains(d, kw) {
			return true
		}
	}
	return false
}

// stripFences removes a surrounding Markdown code fence, which models often
// wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
