package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var tagRe = regexp.MustCompile(`\{\{\s*([#/]?)([a-zA-Z_][a-zA-Z0-9_]*)(?:\s+([a-zA-Z_][a-zA-Z0-9_]*))?\s*\}\}`)

// Vars is a map of variable names to values for template rendering.
type Vars map[string]string

type block struct {
	kind string // "if" or "unless"
	show bool
	tag  string
}

// Render expands a template string with the given variables.
//
// {{variable}} is replaced with its value; a variable missing from vars is an
// error unless it sits inside a hidden block. {{#if variable}}...{{/if}} is
// kept only when the variable is non-empty and {{#unless variable}}...{{/unless}}
// only when it is empty. Blocks nest. Values are inserted literally and never
// re-expanded.
func Render(tmpl string, vars Vars) (string, error) {
	var (
		out     strings.Builder
		stack   []block
		missing []string
	)
	seen := map[string]bool{}
	visible := func() bool { return len(stack) == 0 || stack[len(stack)-1].show }

	pos := 0
	for _, loc := range tagRe.FindAllStringSubmatchIndex(tmpl, -1) {
		if visible() {
			out.WriteString(tmpl[pos:loc[0]])
		}
		pos = loc[1]

		tag := tmpl[loc[0]:loc[1]]
		sigil, word := tmpl[loc[2]:loc[3]], tmpl[loc[4]:loc[5]]
		arg := ""
		if loc[6] >= 0 {
			arg = tmpl[loc[6]:loc[7]]
		}
		isBlock := word == "if" || word == "unless"

		switch {
		case sigil == "#" && isBlock && arg != "":
			set := vars[arg] != ""
			stack = append(stack, block{kind: word, show: visible() && set == (word == "if"), tag: tag})
		case sigil == "/" && isBlock && arg == "":
			if len(stack) == 0 || stack[len(stack)-1].kind != word {
				return "", fmt.Errorf("dangling %s without matching {{#%s}}", tag, word)
			}
			stack = stack[:len(stack)-1]
		case sigil == "" && arg == "":
			if !visible() {
				continue
			}
			val, ok := vars[word]
			if !ok {
				if !seen[word] {
					seen[word] = true
					missing = append(missing, word)
				}
				continue
			}
			out.WriteString(val)
		default:
			// Not a tag we understand; keep it as text.
			if visible() {
				out.WriteString(tag)
			}
		}
	}
	if visible() {
		out.WriteString(tmpl[pos:])
	}

	if len(stack) > 0 {
		return "", fmt.Errorf("unclosed conditional block: %s", stack[len(stack)-1].tag)
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return out.String(), nil
}

// LoadTemplate returns the named template. A file of the same name in
// overrideDir takes precedence over the built-in copy.
func LoadTemplate(name string, overrideDir string) (string, error) {
	if overrideDir != "" {
		if !filepath.IsLocal(name) {
			return "", fmt.Errorf("template path %q escapes %s", name, overrideDir)
		}
		if data, err := os.ReadFile(filepath.Join(overrideDir, name)); err == nil {
			return string(data), nil
		}
	}
	if tmpl, ok := builtinTemplates[name]; ok {
		return tmpl, nil
	}
	return "", fmt.Errorf("template %q not found", name)
}

// RenderNamed loads the named template and renders it.
func RenderNamed(name, overrideDir string, vars Vars) (string, error) {
	tmpl, err := LoadTemplate(name, overrideDir)
	if err != nil {
		return "", err
	}
	return Render(tmpl, vars)
}

// Names returns the built-in template names, sorted.
func Names() []string {
	names := make([]string, 0, len(builtinTemplates))
	for name := range builtinTemplates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InstallBuiltinTemplates writes the built-in templates into dir so they can
// be edited. Existing files are left alone. It returns the files written.
func InstallBuiltinTemplates(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create templates dir: %w", err)
	}

	var written []string
	for _, name := range Names() {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue // don't overwrite existing
		}
		if err := os.WriteFile(path, []byte(builtinTemplates[name]), 0o644); err != nil {
			return written, fmt.Errorf("write template %q: %w", name, err)
		}
		written = append(written, name)
	}
	return written, nil
}
