package registry

import (
	"fmt"
	"net/url"
	"strings"
)

// segment is either a literal path component or a named placeholder.
type segment struct {
	literal string
	param   string
}

func (s segment) isParam() bool {
	return s.param != ""
}

type template struct {
	path     string
	segments []segment
	params   []string
}

// Binding pairs a placeholder name with the value it captured.
type Binding struct {
	Name  string
	Value string
}

func parseTemplate(path string) (template, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return template{}, fmt.Errorf("%w: empty identifier", ErrInvalidTemplate)
	}
	if strings.ContainsAny(path, "?#") {
		return template{}, fmt.Errorf("%w: %q must not contain a query or fragment", ErrInvalidTemplate, path)
	}

	parts := strings.Split(path, "/")
	tmpl := template{path: path, segments: make([]segment, 0, len(parts))}
	seen := map[string]struct{}{}

	for _, part := range parts {
		if part == "" {
			return template{}, fmt.Errorf("%w: %q has an empty segment", ErrInvalidTemplate, path)
		}

		open := strings.Count(part, "{")
		closing := strings.Count(part, "}")
		if open == 0 && closing == 0 {
			tmpl.segments = append(tmpl.segments, segment{literal: part})
			continue
		}

		if open != 1 || closing != 1 || !strings.HasPrefix(part, "{") || !strings.HasSuffix(part, "}") {
			return template{}, fmt.Errorf("%w: placeholder in %q must span a whole segment", ErrInvalidTemplate, path)
		}

		name := strings.TrimSpace(part[1 : len(part)-1])
		if name == "" {
			return template{}, fmt.Errorf("%w: unnamed placeholder in %q", ErrInvalidTemplate, path)
		}
		if _, dup := seen[name]; dup {
			return template{}, fmt.Errorf("%w: placeholder %q repeated in %q", ErrInvalidTemplate, name, path)
		}
		seen[name] = struct{}{}

		tmpl.segments = append(tmpl.segments, segment{param: name})
		tmpl.params = append(tmpl.params, name)
	}

	return tmpl, nil
}

func (t template) isLiteral() bool {
	return len(t.params) == 0
}

// shape erases placeholder names, so x/{a} and x/{b} share a shape.
func (t template) shape() string {
	parts := make([]string, len(t.segments))
	for i, seg := range t.segments {
		if seg.isParam() {
			parts[i] = "{}"
			continue
		}
		parts[i] = seg.literal
	}
	return strings.Join(parts, "/")
}

// defaultName joins the literal segments, so aiModelInfo/{provider} is
// named aiModelInfo and issues/open is named issues_open.
func (t template) defaultName() string {
	var parts []string
	for _, seg := range t.segments {
		if !seg.isParam() {
			parts = append(parts, seg.literal)
		}
	}
	return strings.Join(parts, "_")
}

// qualifiedName spells out placeholders too: x/{id} becomes x_id.
func (t template) qualifiedName() string {
	parts := make([]string, len(t.segments))
	for i, seg := range t.segments {
		if seg.isParam() {
			parts[i] = seg.param
			continue
		}
		parts[i] = seg.literal
	}
	return strings.Join(parts, "_")
}

// match compares path segments position by position. Placeholder segments
// accept any non-empty value, which is percent-decoded before binding.
func (t template) match(parts []string) ([]Binding, bool) {
	if len(parts) != len(t.segments) {
		return nil, false
	}

	var bindings []Binding
	for i, seg := range t.segments {
		part := parts[i]
		if !seg.isParam() {
			if part != seg.literal {
				return nil, false
			}
			continue
		}

		if part == "" {
			return nil, false
		}
		value, err := url.PathUnescape(part)
		if err != nil || value == "" {
			return nil, false
		}
		bindings = append(bindings, Binding{Name: seg.param, Value: value})
	}

	return bindings, true
}
