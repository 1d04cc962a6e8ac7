package flow

import "regexp"

var (
	doubleBracePlaceholder = regexp.MustCompile(`\{\{\s*([\w.\-]+)\s*\}\}`)
	singleBracePlaceholder = regexp.MustCompile(`\{([\w.\-]+)\}`)
)

// Render substitutes {{name}} placeholders, then {name} placeholders, from scope.
// Placeholders naming an unknown variable are left verbatim.
func Render(template string, scope map[string]string) string {
	if template == "" {
		return template
	}
	out := replace(doubleBracePlaceholder, template, scope)
	return replace(singleBracePlaceholder, out, scope)
}

func replace(re *regexp.Regexp, s string, scope map[string]string) string {
	return re.ReplaceAllStringFunc(s, func(match string) string {
		name := re.FindStringSubmatch(match)[1]
		if v, ok := scope[name]; ok {
			return v
		}
		return match
	})
}
