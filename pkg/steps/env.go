package steps

import (
	"os"
	"strings"

	"github.com/ngld/cellar/pkg/recipe"
)

// MergeEnv applies overrides in order on top of base (a list of KEY=value pairs like os.Environ() returns).
func MergeEnv(base []string, overrides recipe.Environment) []string {
	names := make([]string, 0, len(base)+len(overrides))
	values := make(map[string]string, len(base)+len(overrides))

	set := func(name, value string) {
		if _, ok := values[name]; !ok {
			names = append(names, name)
		}
		values[name] = value
	}

	for _, pair := range base {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			continue
		}
		set(name, value)
	}

	for _, item := range overrides {
		current := values[item.Name]

		switch item.Mode {
		case recipe.EnvAppend:
			if current != "" {
				set(item.Name, current+" "+item.Value)
			} else {
				set(item.Name, item.Value)
			}
		case recipe.EnvPrependPath:
			if current != "" {
				set(item.Name, item.Value+string(os.PathListSeparator)+current)
			} else {
				set(item.Name, item.Value)
			}
		default:
			set(item.Name, item.Value)
		}
	}

	result := make([]string, len(names))
	for idx, name := range names {
		result[idx] = name + "=" + values[name]
	}
	return result
}
