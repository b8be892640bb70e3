package recipe

import (
	"bytes"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

type yamlDependency struct {
	Name  string
	Stage string
}

func (d *yamlDependency) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		d.Name = node.Value
		return nil
	case yaml.MappingNode:
		// either {name: x, stage: y} or the short form {x: y}
		var long struct {
			Name  string `yaml:"name"`
			Stage string `yaml:"stage"`
		}
		if len(node.Content) >= 2 && (node.Content[0].Value == "name" || node.Content[0].Value == "stage") {
			if err := node.Decode(&long); err != nil {
				return err
			}
			d.Name = long.Name
			d.Stage = long.Stage
			return nil
		}

		if len(node.Content) != 2 {
			return eris.Errorf("line %d: expected a single \"name: stage\" pair", node.Line)
		}
		d.Name = node.Content[0].Value
		d.Stage = node.Content[1].Value
		return nil
	}

	return eris.Errorf("line %d: dependencies must be strings or mappings", node.Line)
}

type yamlRecipe struct {
	Name        string           `yaml:"name"`
	Desc        string           `yaml:"desc"`
	Homepage    string           `yaml:"homepage"`
	License     string           `yaml:"license"`
	Version     string           `yaml:"version"`
	Revision    int              `yaml:"revision"`
	URL         string           `yaml:"url"`
	Sha256      string           `yaml:"sha256"`
	Checksum    string           `yaml:"checksum"`
	Head        string           `yaml:"head"`
	DependsOn   []yamlDependency `yaml:"depends_on"`
	Env         yaml.Node        `yaml:"env"`
	EnvAppend   yaml.Node        `yaml:"env_append"`
	PrependPath yaml.Node        `yaml:"prepend_path"`
	Install     [][]string       `yaml:"install"`
}

// orderedPairs returns the key/value pairs of a mapping node in document order
func orderedPairs(node *yaml.Node) ([][2]string, error) {
	if node.Kind == 0 {
		return nil, nil
	}

	if node.Kind != yaml.MappingNode {
		return nil, eris.Errorf("line %d: expected a mapping", node.Line)
	}

	result := make([][2]string, 0, len(node.Content)/2)
	for idx := 0; idx+1 < len(node.Content); idx += 2 {
		key := node.Content[idx]
		value := node.Content[idx+1]
		if value.Kind != yaml.ScalarNode {
			return nil, eris.Errorf("line %d: value for %s must be a string", value.Line, key.Value)
		}
		result = append(result, [2]string{key.Value, value.Value})
	}
	return result, nil
}

func (y *yamlRecipe) toRecipe(file string) (*Recipe, error) {
	r := &Recipe{
		Name:     y.Name,
		Desc:     y.Desc,
		Homepage: y.Homepage,
		License:  y.License,
		Version:  y.Version,
		Revision: y.Revision,
		File:     file,
	}

	fail := func(err error) error {
		return &MalformedRecipe{File: file, Recipe: y.Name, Reason: err.Error()}
	}

	if y.Sha256 != "" && y.Checksum != "" {
		return nil, fail(eris.New("only one of sha256 and checksum may be set"))
	}

	if y.URL != "" || y.Sha256 != "" || y.Checksum != "" {
		r.Archive = &Archive{URL: y.URL}

		raw := y.Checksum
		if y.Sha256 != "" {
			raw = SHA256 + ":" + y.Sha256
		}
		if raw != "" {
			sum, err := ParseChecksum(raw)
			if err != nil {
				return nil, fail(err)
			}
			r.Archive.Checksum = sum
		}
	}

	if y.Head != "" {
		r.Head = &VersionControl{URL: y.Head}
	}

	for _, dep := range y.DependsOn {
		stage, err := ParseStage(dep.Stage)
		if err != nil {
			return nil, fail(err)
		}
		r.AddDependency(dep.Name, stage)
	}

	envSections := []struct {
		node *yaml.Node
		mode EnvMode
	}{
		{&y.Env, EnvSet},
		{&y.EnvAppend, EnvAppend},
		{&y.PrependPath, EnvPrependPath},
	}
	for _, section := range envSections {
		pairs, err := orderedPairs(section.node)
		if err != nil {
			return nil, fail(err)
		}
		for _, pair := range pairs {
			r.Env = append(r.Env, EnvVar{Name: pair[0], Value: pair[1], Mode: section.mode})
		}
	}

	r.InstallSteps = make([]Step, len(y.Install))
	for idx, step := range y.Install {
		r.InstallSteps[idx] = Step(step)
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// ParseYAML reads all recipe documents from the given reader. file is only used for error messages.
func ParseYAML(reader io.Reader, file string) ([]*Recipe, error) {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	result := make([]*Recipe, 0, 1)
	for {
		var doc yamlRecipe
		err := decoder.Decode(&doc)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, &MalformedRecipe{File: file, Reason: err.Error()}
		}

		r, err := doc.toRecipe(file)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}

	return result, nil
}

// LoadYAMLFile parses the given YAML recipe file
func LoadYAMLFile(file string) ([]*Recipe, error) {
	content, err := os.ReadFile(file)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", file)
	}

	return ParseYAML(bytes.NewReader(content), file)
}
