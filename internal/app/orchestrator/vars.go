package orchestrator

import (
	"fmt"
	"regexp"
	"strings"
)

var varPattern = regexp.MustCompile(`\{([A-Z][A-Z0-9_]*)\}`)

// Substitute replaces {NAME} placeholders in prompt with values from vars.
// Undefined names become the empty string; booleans render as yes/no and
// string slices comma-join.
func Substitute(prompt string, vars map[string]interface{}) string {
	return varPattern.ReplaceAllStringFunc(prompt, func(match string) string {
		name := match[1 : len(match)-1]
		val, ok := vars[name]
		if !ok {
			return ""
		}
		return renderVar(val)
	})
}

func renderVar(val interface{}) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "yes"
		}
		return "no"
	case []string:
		return strings.Join(v, ", ")
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, renderVar(item))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprintf("%v", v)
	}
}
