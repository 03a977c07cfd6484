package driver

import (
	"fmt"
	"sort"
	"strings"

	"hackohio/execstream/pkg/command"
)

// Profiles renders named command templates into argv. A template token may
// contain placeholders:
//   - {execution_id}
//   - {param:KEY}  (empty when KEY is missing)
//
// Unknown placeholders are left as-is.
type Profiles map[string][]string

// Names lists the configured profiles in sorted order.
func (p Profiles) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render expands profile name into a command spec.
func (p Profiles) Render(name, executionID string, params map[string]string) (command.Spec, error) {
	tmpl, ok := p[name]
	if !ok {
		return command.Spec{}, fmt.Errorf("no profile %q", name)
	}
	if len(tmpl) == 0 {
		return command.Spec{}, fmt.Errorf("profile %q: %w", name, ErrEmptyCommand)
	}
	argv := make([]string, 0, len(tmpl))
	for _, tok := range tmpl {
		argv = append(argv, expandToken(tok, executionID, params))
	}
	return command.FromArgs(argv...), nil
}

func expandToken(tok, executionID string, params map[string]string) string {
	out := strings.ReplaceAll(tok, "{execution_id}", executionID)

	// {param:KEY} substitutions, left to right; substituted text is not
	// rescanned.
	var b strings.Builder
	for {
		i := strings.Index(out, "{param:")
		if i < 0 {
			break
		}
		j := strings.Index(out[i:], "}")
		if j < 0 {
			break // unclosed; leave as-is
		}
		j += i
		b.WriteString(out[:i])
		b.WriteString(params[out[i+len("{param:"):j]])
		out = out[j+1:]
	}
	b.WriteString(out)
	return b.String()
}
