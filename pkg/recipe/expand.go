package recipe

import "regexp"

var placeholderPattern = regexp.MustCompile(`\{([a-z]+)\}`)

// Vars holds the values for placeholders like {prefix} in steps and environment values
type Vars map[string]string

// Expand replaces all known placeholders in value. Unknown placeholders are kept as they are.
func (v Vars) Expand(value string) string {
	return placeholderPattern.ReplaceAllStringFunc(value, func(match string) string {
		replacement, ok := v[match[1:len(match)-1]]
		if ok {
			return replacement
		}
		return match
	})
}

// ExpandSteps returns a copy of steps with all placeholders expanded
func (v Vars) ExpandSteps(steps []Step) []Step {
	result := make([]Step, len(steps))
	for idx, step := range steps {
		expanded := make(Step, len(step))
		for a, arg := range step {
			expanded[a] = v.Expand(arg)
		}
		result[idx] = expanded
	}
	return result
}

// ExpandEnv returns a copy of env with all placeholders in values expanded
func (v Vars) ExpandEnv(env Environment) Environment {
	result := make(Environment, len(env))
	for idx, item := range env {
		item.Value = v.Expand(item.Value)
		result[idx] = item
	}
	return result
}
