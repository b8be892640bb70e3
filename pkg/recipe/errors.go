package recipe

import "fmt"

// MalformedRecipe is returned for recipe definitions that can't be loaded or violate an invariant
type MalformedRecipe struct {
	File   string
	Recipe string
	Reason string
}

var _ error = (*MalformedRecipe)(nil)

func (e *MalformedRecipe) Error() string {
	switch {
	case e.File != "" && e.Recipe != "":
		return fmt.Sprintf("%s: recipe %s is malformed: %s", e.File, e.Recipe, e.Reason)
	case e.Recipe != "":
		return fmt.Sprintf("recipe %s is malformed: %s", e.Recipe, e.Reason)
	case e.File != "":
		return fmt.Sprintf("%s: malformed recipe: %s", e.File, e.Reason)
	}
	return "malformed recipe: " + e.Reason
}
