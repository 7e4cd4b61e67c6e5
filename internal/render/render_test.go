package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderSubstitutesVariables(t *testing.T) {
	e := NewEngine()

	out, err := e.Render("", "Hi {{ first_name }}, welcome to {{ company }}!", map[string]interface{}{
		"first_name": "Alice",
		"company":    "Acme",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi Alice, welcome to Acme!", out)
}

func TestRenderKeepsMissingPlaceholderVerbatim(t *testing.T) {
	e := NewEngine()

	out, err := e.Render("", "Hi {{ first_name }}, your plan: {{plan}}", map[string]interface{}{
		"first_name": "Bob",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi Bob, your plan: {{plan}}", out)
}

func TestRenderAllMissing(t *testing.T) {
	e := NewEngine()

	src := "{{ greeting }} {{ name }}"
	out, err := e.Render("", src, nil)
	require.NoError(t, err)
	assert.Equal(t, src, out)
}

func TestRenderEmptyStringIsNotMissing(t *testing.T) {
	e := NewEngine()

	// An explicitly empty value renders empty; only absent keys stay verbatim.
	out, err := e.Render("", "Hi {{ first_name }}!", map[string]interface{}{
		"first_name": "",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi !", out)
}

func TestRenderDefaultFilter(t *testing.T) {
	e := NewEngine()

	out, err := e.Render("", `Hi {{ first_name | default: "Friend" }}!`, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "Hi Friend!", out)

	out, err = e.Render("", `Hi {{ first_name | default: "Friend" }}!`, map[string]interface{}{
		"first_name": "Carol",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi Carol!", out)
}

func TestRenderControlFlow(t *testing.T) {
	e := NewEngine()

	src := `{% if vip %}Welcome back!{% else %}Hello.{% endif %}`
	out, err := e.Render("", src, map[string]interface{}{"vip": true})
	require.NoError(t, err)
	assert.Equal(t, "Welcome back!", out)

	out, err = e.Render("", src, map[string]interface{}{"vip": false})
	require.NoError(t, err)
	assert.Equal(t, "Hello.", out)
}

func TestRenderCacheReuse(t *testing.T) {
	e := NewEngine()

	out, err := e.Render("camp-1", "Hi {{ name }}", map[string]interface{}{"name": "A"})
	require.NoError(t, err)
	assert.Equal(t, "Hi A", out)

	out, err = e.Render("camp-1", "Hi {{ name }}", map[string]interface{}{"name": "B"})
	require.NoError(t, err)
	assert.Equal(t, "Hi B", out, "cached template renders per-contact variables")
}

func TestParseRejectsBadSyntax(t *testing.T) {
	e := NewEngine()
	assert.Error(t, e.Parse("{% if x %}unclosed"))
	assert.NoError(t, e.Parse("Hi {{ name }}"))
}

func TestRenderBadSyntaxReturnsError(t *testing.T) {
	e := NewEngine()
	_, err := e.Render("", "{% if x %}unclosed", nil)
	assert.Error(t, err)
}

func TestMissingVariables(t *testing.T) {
	e := NewEngine()

	missing := e.MissingVariables(
		"Hi {{ first_name }}, {{ last_name }} from {{ company }}",
		map[string]interface{}{"first_name": "A"},
	)
	assert.Equal(t, []string{"last_name", "company"}, missing)
}

func TestMissingVariablesSkipsKeywords(t *testing.T) {
	e := NewEngine()

	missing := e.MissingVariables("{% if vip %}{{ name }}{% endif %}", nil)
	assert.Equal(t, []string{"name"}, missing)
}

func TestEmailDomainFilter(t *testing.T) {
	e := NewEngine()

	out, err := e.Render("", "{{ email | email_domain }}", map[string]interface{}{
		"email": "alice@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "example.com", out)
}
