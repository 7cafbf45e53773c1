package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/praxhq/prax/pkg/api"
	"github.com/praxhq/prax/pkg/log"
)

type (
	// Scope is the data visible to template expressions within one
	// execution: input.*, steps.<id>.output.*, execution.*, and process.*
	Scope struct {
		doc    []byte
		execID api.ExecutionID
	}

	// Templates renders {{path}} expressions against a scope. In strict
	// mode an unresolved path is an error; otherwise the literal
	// expression text is preserved and the miss is logged
	Templates struct {
		logger *slog.Logger
		strict bool
	}
)

// NewTemplates creates a non-strict template renderer
func NewTemplates(logger *slog.Logger) *Templates {
	return &Templates{logger: logger}
}

// NewStrictTemplates creates a renderer that fails on unresolved paths
func NewStrictTemplates(logger *slog.Logger) *Templates {
	return &Templates{logger: logger, strict: true}
}

// NewScope builds the expression scope for an execution
func NewScope(def *api.ProcessDefinition, exec *api.ProcessExecution) (*Scope, error) {
	steps := make(map[string]any, len(exec.Steps))
	for id, se := range exec.Steps {
		steps[string(id)] = map[string]any{
			"status": se.Status,
			"output": se.Output,
		}
	}

	doc, err := json.Marshal(map[string]any{
		"input": exec.InputData,
		"steps": steps,
		"execution": map[string]any{
			"id": exec.ID,
		},
		"process": map[string]any{
			"id":      def.ID,
			"name":    def.Name,
			"version": def.Version,
		},
	})
	if err != nil {
		return nil, err
	}
	return &Scope{doc: doc, execID: exec.ID}, nil
}

// Lookup resolves a dotted path within the scope
func (s *Scope) Lookup(path string) (any, bool) {
	res := gjson.GetBytes(s.doc, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// Render substitutes every {{path}} expression in the template. When the
// whole template is a single expression the resolved value keeps its type;
// otherwise values are stringified into the surrounding text
func (t *Templates) Render(tmpl string, scope *Scope) (any, error) {
	trimmed := strings.TrimSpace(tmpl)
	if isSingleExpr(trimmed) {
		path := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		return t.resolve(path, scope)
	}
	return t.RenderString(tmpl, scope)
}

// RenderString substitutes expressions and always returns a string
func (t *Templates) RenderString(tmpl string, scope *Scope) (string, error) {
	var sb strings.Builder
	rest := tmpl
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}

		sb.WriteString(rest[:start])
		path := strings.TrimSpace(rest[start+2 : start+end])
		v, ok := scope.Lookup(path)
		if ok {
			sb.WriteString(stringify(v))
		} else {
			if t.strict {
				return "", fmt.Errorf("unresolved expression %q", path)
			}
			// Unresolved expressions stay literal in rendered text
			t.warnUnresolved(path, scope)
			sb.WriteString(rest[start : start+end+2])
		}
		rest = rest[start+end+2:]
	}
}

// RenderMap renders every string value of the mapping
func (t *Templates) RenderMap(
	mapping map[string]string, scope *Scope,
) (api.Output, error) {
	if len(mapping) == 0 {
		return nil, nil
	}
	res := make(api.Output, len(mapping))
	for key, tmpl := range mapping {
		v, err := t.Render(tmpl, scope)
		if err != nil {
			return nil, fmt.Errorf("mapping %s: %w", key, err)
		}
		res[key] = v
	}
	return res, nil
}

// resolve returns the typed value of a single expression. An unresolved
// path is nil in non-strict mode so conditions treat it as absent
func (t *Templates) resolve(path string, scope *Scope) (any, error) {
	v, ok := scope.Lookup(path)
	if ok {
		return v, nil
	}
	if t.strict {
		return nil, fmt.Errorf("unresolved expression %q", path)
	}
	t.warnUnresolved(path, scope)
	return nil, nil
}

func (t *Templates) warnUnresolved(path string, scope *Scope) {
	t.logger.Warn("unresolved template expression",
		slog.String("path", path),
		log.ExecutionID(scope.execID),
	)
}

func isSingleExpr(s string) bool {
	return strings.HasPrefix(s, "{{") && strings.HasSuffix(s, "}}") &&
		strings.Count(s, "{{") == 1
}

func stringify(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case float64:
		if tv == float64(int64(tv)) {
			return fmt.Sprintf("%d", int64(tv))
		}
		return fmt.Sprintf("%g", tv)
	case bool:
		if tv {
			return "true"
		}
		return "false"
	}
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(body)
}
