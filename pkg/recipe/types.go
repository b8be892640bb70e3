// Package recipe contains the declarative description of installable units and
// loaders for the YAML and Starlark recipe formats.
package recipe

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Stage indicates when a dependency is required
type Stage string

const (
	StageBuild       Stage = "build"
	StageRun         Stage = "run"
	StageRecommended Stage = "recommended"
)

// ParseStage converts a stage name into a Stage. An empty name means StageRun.
func ParseStage(name string) (Stage, error) {
	switch Stage(name) {
	case "":
		return StageRun, nil
	case StageBuild, StageRun, StageRecommended:
		return Stage(name), nil
	}

	return "", eris.Errorf("unknown dependency stage %q", name)
}

// Required reports whether a dependency with this stage has to be installed first
func (s Stage) Required(includeRecommended bool) bool {
	if s == StageRecommended {
		return includeRecommended
	}
	return true
}

// Dependency is a single edge in the dependency graph
type Dependency struct {
	Name  string
	Stage Stage
}

// Source is either an *Archive or a *VersionControl
type Source interface {
	Location() string
	isSource()
}

// Archive is a versioned tarball with an optional checksum
type Archive struct {
	URL      string
	Checksum *Checksum
}

// VersionControl is a rolling checkout of a repository's default branch
type VersionControl struct {
	URL string
}

func (a *Archive) Location() string        { return a.URL }
func (v *VersionControl) Location() string { return v.URL }
func (*Archive) isSource()                 {}
func (*VersionControl) isSource()          {}

// Checksum is a hex encoded digest together with the algorithm that produced it
type Checksum struct {
	Algorithm string
	Hex       string
}

// Supported checksum algorithms
const (
	SHA256 = "sha256"
	BLAKE3 = "blake3"
)

// ParseChecksum parses "<algo>:<hex>" or a bare sha256 hex string
func ParseChecksum(value string) (*Checksum, error) {
	algo := SHA256
	digest := value
	if pos := strings.Index(value, ":"); pos > -1 {
		algo = strings.ToLower(value[:pos])
		digest = value[pos+1:]
	}

	if algo != SHA256 && algo != BLAKE3 {
		return nil, eris.Errorf("unsupported checksum algorithm %q", algo)
	}

	digest = strings.ToLower(strings.TrimSpace(digest))
	if len(digest) != 64 {
		return nil, eris.Errorf("%s checksum must be 64 hex characters, got %d", algo, len(digest))
	}

	for _, c := range digest {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return nil, eris.Errorf("checksum %q is not hex encoded", value)
		}
	}

	return &Checksum{Algorithm: algo, Hex: digest}, nil
}

func (c Checksum) String() string {
	return c.Algorithm + ":" + c.Hex
}

// Step is a single external command: program name followed by its arguments
type Step []string

func (s Step) String() string {
	return strings.Join(s, " ")
}

// EnvMode controls how an EnvVar is merged into the ambient environment
type EnvMode string

const (
	EnvSet         EnvMode = "set"
	EnvAppend      EnvMode = "append"
	EnvPrependPath EnvMode = "prepend_path"
)

// EnvVar is a single environment override
type EnvVar struct {
	Name  string
	Value string
	Mode  EnvMode
}

// Environment is an ordered list of overrides applied on top of the ambient environment
type Environment []EnvVar

// Recipe describes one installable unit. Recipes are never modified after loading.
type Recipe struct {
	Name         string
	Desc         string
	Homepage     string
	License      string
	Version      string
	Revision     int
	Archive      *Archive
	Head         *VersionControl
	Dependencies []Dependency
	Env          Environment
	InstallSteps []Step

	// File is the recipe file this recipe was loaded from
	File string
}

// SelectSource returns the VersionControl source if useHead is set and the recipe has one,
// the Archive source otherwise. A nil result means the recipe doesn't fetch anything.
func (r *Recipe) SelectSource(useHead bool) Source {
	if useHead && r.Head != nil {
		return r.Head
	}
	if r.Archive != nil {
		return r.Archive
	}
	if r.Head != nil {
		return r.Head
	}
	return nil
}

// EffectiveVersion returns the version string used for a build
func (r *Recipe) EffectiveVersion(useHead bool) string {
	if _, ok := r.SelectSource(useHead).(*VersionControl); ok {
		return "HEAD"
	}
	return r.Version
}

// RequiredDependencies lists the names of dependencies that have to be installed first
func (r *Recipe) RequiredDependencies(includeRecommended bool) []string {
	result := make([]string, 0, len(r.Dependencies))
	for _, dep := range r.Dependencies {
		if dep.Stage.Required(includeRecommended) {
			result = append(result, dep.Name)
		}
	}
	return result
}

func (r *Recipe) String() string {
	if r.Version == "" {
		return r.Name
	}
	return fmt.Sprintf("%s %s", r.Name, r.Version)
}

// AddDependency adds a dependency. A name that was already declared is overridden in place.
func (r *Recipe) AddDependency(name string, stage Stage) {
	for idx := range r.Dependencies {
		if r.Dependencies[idx].Name == name {
			r.Dependencies[idx].Stage = stage
			return
		}
	}
	r.Dependencies = append(r.Dependencies, Dependency{Name: name, Stage: stage})
}

// Validate checks the recipe's invariants
func (r *Recipe) Validate() error {
	if r.Name == "" {
		return &MalformedRecipe{File: r.File, Reason: "name must not be empty"}
	}

	fail := func(format string, args ...interface{}) error {
		return &MalformedRecipe{File: r.File, Recipe: r.Name, Reason: fmt.Sprintf(format, args...)}
	}

	if strings.ContainsAny(r.Name, "/\\ ") {
		return fail("name %q must not contain slashes or spaces", r.Name)
	}
	if r.Revision < 0 {
		return fail("revision must not be negative (got %d)", r.Revision)
	}
	if r.Archive != nil && r.Archive.URL == "" {
		return fail("archive url must not be empty")
	}
	if r.Head != nil && r.Head.URL == "" {
		return fail("head url must not be empty")
	}

	for _, dep := range r.Dependencies {
		if dep.Name == "" {
			return fail("dependency name must not be empty")
		}
		if _, err := ParseStage(string(dep.Stage)); err != nil || dep.Stage == "" {
			return fail("dependency %s has invalid stage %q", dep.Name, dep.Stage)
		}
	}

	for _, env := range r.Env {
		if env.Name == "" || strings.Contains(env.Name, "=") {
			return fail("invalid environment variable name %q", env.Name)
		}
		switch env.Mode {
		case EnvSet, EnvAppend, EnvPrependPath:
		default:
			return fail("environment variable %s has invalid mode %q", env.Name, env.Mode)
		}
	}

	for idx, step := range r.InstallSteps {
		if len(step) == 0 || step[0] == "" {
			return fail("install step #%d is empty", idx)
		}
	}

	return nil
}

// Batch is an insertion ordered set of recipes with unique names
type Batch struct {
	order   []string
	recipes map[string]*Recipe
}

// NewBatch creates a batch from the given recipes, preserving their order
func NewBatch(recipes ...*Recipe) (*Batch, error) {
	b := &Batch{recipes: make(map[string]*Recipe, len(recipes))}
	for _, r := range recipes {
		if err := b.Add(r); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Add validates and appends a recipe. Names have to be unique within a batch.
func (b *Batch) Add(r *Recipe) error {
	if b.recipes == nil {
		b.recipes = make(map[string]*Recipe)
	}

	if err := r.Validate(); err != nil {
		return err
	}

	if prev, ok := b.recipes[r.Name]; ok {
		return &MalformedRecipe{
			File:   r.File,
			Recipe: r.Name,
			Reason: fmt.Sprintf("duplicate recipe name (first declared in %s)", prev.File),
		}
	}

	b.order = append(b.order, r.Name)
	b.recipes[r.Name] = r
	return nil
}

// Get returns the named recipe
func (b *Batch) Get(name string) (*Recipe, bool) {
	r, ok := b.recipes[name]
	return r, ok
}

// Names returns all recipe names in insertion order
func (b *Batch) Names() []string {
	result := make([]string, len(b.order))
	copy(result, b.order)
	return result
}

// Index returns the insertion position of the named recipe or -1
func (b *Batch) Index(name string) int {
	for idx, item := range b.order {
		if item == name {
			return idx
		}
	}
	return -1
}

// Len returns the number of recipes in the batch
func (b *Batch) Len() int {
	return len(b.order)
}
