// Package render personalizes campaign content with the Liquid template
// language. Placeholders whose variable is absent from the contact's
// metadata are left in the output verbatim rather than collapsing to an
// empty string, so a missing first_name never produces "Hi ,".
package render

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// Matches {{ var }} and {{ var | filter }} and captures the bare name.
var varPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.]*?)(?:\s*\||\s*\}\})`)

// Matches a plain placeholder with no filter chain, capturing the name.
// Used to preserve the exact source text of missing variables.
var plainVarPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// Engine renders Liquid templates with caching and custom filters.
type Engine struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewEngine creates a template engine with the standard filter set.
func NewEngine() *Engine {
	e := &Engine{engine: liquid.NewEngine()}
	e.registerFilters()
	return e
}

func (e *Engine) registerFilters() {
	// {{ first_name | default: "Friend" }}
	e.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		strVal := fmt.Sprintf("%v", value)
		if strVal == "" || strVal == "<nil>" {
			return defaultVal
		}
		return value
	})

	// {{ name | capitalize }}
	e.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	})

	// {{ bio | truncate: 50 }}
	e.engine.RegisterFilter("truncate", func(s string, length int) string {
		if len(s) <= length {
			return s
		}
		if length <= 3 {
			return s[:length]
		}
		return s[:length-3] + "..."
	})

	// {{ email | urlencode }}
	e.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	// {{ user_input | escape }}
	e.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})

	// {{ email | email_domain }}
	e.engine.RegisterFilter("email_domain", func(email string) string {
		parts := strings.Split(email, "@")
		if len(parts) == 2 {
			return parts[1]
		}
		return ""
	})
}

// Parse compiles a template string and returns any syntax errors. Used to
// validate campaign content before it can be scheduled.
func (e *Engine) Parse(templateStr string) error {
	_, err := e.engine.ParseString(templateStr)
	return err
}

// Render processes a template against the given variables. Plain
// placeholders referencing a variable with no value keep their original
// source text. A cacheKey (campaign ID plus a content hash) enables the
// compiled-template cache for repeated renders across an audience.
func (e *Engine) Render(cacheKey, templateStr string, vars map[string]interface{}) (string, error) {
	ctx := withMissingVerbatim(templateStr, vars)

	if cacheKey != "" {
		if cached, ok := e.cache.Load(cacheKey); ok {
			return cached.(*liquid.Template).RenderString(ctx)
		}
	}

	tpl, err := e.engine.ParseString(templateStr)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}

	if cacheKey != "" {
		e.cache.Store(cacheKey, tpl)
	}

	out, err := tpl.RenderString(ctx)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

// MissingVariables returns the template variables that have no value in
// vars, in first-appearance order. Filtered and dotted references count too.
func (e *Engine) MissingVariables(templateStr string, vars map[string]interface{}) []string {
	var missing []string
	seen := make(map[string]bool)

	for _, match := range varPattern.FindAllStringSubmatch(templateStr, -1) {
		name := strings.TrimSpace(match[1])
		if seen[name] || isLiquidKeyword(name) {
			continue
		}
		seen[name] = true
		if !variableExists(name, vars) {
			missing = append(missing, name)
		}
	}
	return missing
}

// ClearCache drops all compiled templates, used when campaign content is
// edited.
func (e *Engine) ClearCache() {
	e.cache = sync.Map{}
}

// withMissingVerbatim builds the render context: contact variables plus, for
// every plain placeholder whose variable is absent, the placeholder's own
// source text as the value. Liquid then emits the placeholder unchanged.
// Dotted or filtered references are left to Liquid's own lax handling.
func withMissingVerbatim(templateStr string, vars map[string]interface{}) map[string]interface{} {
	ctx := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		ctx[k] = v
	}

	for _, match := range plainVarPattern.FindAllStringSubmatch(templateStr, -1) {
		name := match[1]
		if isLiquidKeyword(name) {
			continue
		}
		if _, ok := ctx[name]; !ok {
			ctx[name] = match[0]
		}
	}
	return ctx
}

func variableExists(varPath string, vars map[string]interface{}) bool {
	parts := strings.Split(varPath, ".")

	var current interface{} = vars
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return false
		}
		current, ok = m[part]
		if !ok {
			return false
		}
	}
	return true
}

func isLiquidKeyword(name string) bool {
	keywords := map[string]bool{
		"if": true, "elsif": true, "else": true, "endif": true,
		"unless": true, "endunless": true,
		"case": true, "when": true, "endcase": true,
		"for": true, "endfor": true, "break": true, "continue": true,
		"capture": true, "endcapture": true,
		"comment": true, "endcomment": true,
		"raw": true, "endraw": true,
		"assign": true, "increment": true, "decrement": true,
		"forloop": true, "true": true, "false": true,
		"nil": true, "null": true, "blank": true, "empty": true,
		"and": true, "or": true, "not": true,
		"contains": true, "in": true,
	}
	return keywords[strings.ToLower(name)]
}
