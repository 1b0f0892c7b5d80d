package prompt

// Template names, one per generation operation.
const (
	CoursePlan = "course-plan.md"
	Lesson     = "lesson.md"
	Script     = "script.md"
	Notebook   = "notebook.md"
	Background = "background.md"
	Thumbnail  = "thumbnail.md"
	Summary    = "summary.md"
	Answer     = "answer.md"
)

// builtinTemplates maps template filename to content.
var builtinTemplates = map[string]string{
	CoursePlan: coursePlanTemplate,
	Lesson:     lessonTemplate,
	Script:     scriptTemplate,
	Notebook:   notebookTemplate,
	Background: backgroundTemplate,
	Thumbnail:  thumbnailTemplate,
	Summary:    summaryTemplate,
	Answer:     answerTemplate,
}

const coursePlanTemplate = `Analyze the domain "{{domain}}" and plan an online course.

Respond with JSON only, no prose:
{
  "title": "course title",
  "description": "one paragraph describing scope and audience",
  "lessons": [
    {"title": "lesson title", "summary": "what the lesson covers", "coding": true}
  ]
}

Plan exactly {{lesson_count}} lessons. Order them from fundamentals to applied topics.
Set "coding" to true only for lessons that need runnable code exercises.
{{#if audience}}
Target audience: {{audience}}
{{/if}}
`

const lessonTemplate = `You are an expert teacher writing lesson {{lesson_number}} of the course "{{course_title}}".

Lesson title: {{title}}
Lesson summary: {{summary}}

Write the lesson in Markdown. Include:
- an engaging introduction with a real-world analogy
- the core concepts, broken into small steps
- common misconceptions
- key takeaways as a bullet list
{{#if coding}}
- runnable Python code examples in fenced code blocks, with short exercises
{{/if}}

Stay focused on "{{title}}". Do not repeat the course introduction.
`

const scriptTemplate = `Convert this lesson into a natural, conversational script for an on-screen presenter.

Lesson title: {{title}}

Use plain spoken language. Mark pauses as [PAUSE]. Keep it under {{max_words}} words.

Lesson:
{{lesson}}
`

const notebookTemplate = `Write the Python code for a hands-on notebook accompanying the lesson "{{title}}".

Return only Python source. Separate cells with a line containing "# %%".
Start with imports, then worked examples, then exercises with TODO markers for the learner.

Lesson:
{{lesson}}
`

const backgroundTemplate = `A clean, modern presentation background for a course on {{domain}}.
Soft gradients, subtle abstract shapes related to {{domain}}, no text, {{width}}x{{height}}.
`

const thumbnailTemplate = `A course thumbnail for "{{course_title}}".
Bold, high-contrast composition about {{domain}} with space for a title. No text.
`

const summaryTemplate = `Summarize the following text in two or three sentences. Keep names, numbers and technical terms.
{{#if title}}
Document: {{title}}
{{/if}}

Text:
{{text}}
`

const answerTemplate = `Answer the question using only the numbered context passages below.
Cite passages as [n]. If the context does not contain the answer, say so.

Question: {{question}}

Context:
{{context}}
`
