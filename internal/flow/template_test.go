package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	scope := map[string]string{"nome": "Ana", "deal.title": "Plano anual", "x": "1"}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"double braces", "Hi {{nome}}", "Hi Ana"},
		{"double braces with spaces", "Hi {{ nome }}!", "Hi Ana!"},
		{"single braces", "Hi {nome}", "Hi Ana"},
		{"dotted name", "Sobre {{deal.title}}", "Sobre Plano anual"},
		{"both syntaxes", "{{nome}} / {x}", "Ana / 1"},
		{"missing double", "Hello {{missing}}", "Hello {{missing}}"},
		{"missing single", "Hello {missing}", "Hello {missing}"},
		{"no placeholders", "plain text", "plain text"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.template, scope))
		})
	}
}

func TestRenderEmptyScopePreservesPlaceholders(t *testing.T) {
	assert.Equal(t, "Hello {{missing}}", Render("Hello {{missing}}", map[string]string{}))
	assert.Equal(t, "Hello {{missing}}", Render("Hello {{missing}}", nil))
}
