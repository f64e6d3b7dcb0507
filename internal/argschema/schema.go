// Package argschema models the command line of the workflow engine as an
// explicit manifest of grouped arguments, and holds user-editable values
// for them that can be validated and serialized back into an invocation.
package argschema

import (
	_ "embed"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

//go:embed snakemake.yml
var defaultManifest []byte

// Kind tells how an argument is rendered on the command line.
type Kind string

const (
	// KindFlag emits only the option string, and only when the value is truthy.
	KindFlag Kind = "flag"
	// KindValue emits the option string followed by its value(s).
	KindValue Kind = "value"
	// KindChoice is a value restricted to a closed set.
	KindChoice Kind = "choice"
)

// DefaultSkipArgs are administrative arguments never offered for editing.
var DefaultSkipArgs = []string{"help", "version"}

// DefaultRequired is the required set used when none is configured.
var DefaultRequired = []string{"cores", "snakefile"}

// Argument is one configurable option of the engine.
type Argument struct {
	Name     string   `yaml:"name" json:"name"`
	Flag     string   `yaml:"flag" json:"flag,omitempty"`
	Kind     Kind     `yaml:"kind" json:"kind"`
	Default  any      `yaml:"default" json:"default"`
	Choices  []string `yaml:"choices" json:"choices,omitempty"`
	Multiple bool     `yaml:"multiple" json:"multiple,omitempty"`
	Help     string   `yaml:"help" json:"help,omitempty"`
	Required bool     `yaml:"-" json:"required"`
}

// Positional reports whether the argument has no option string.
func (a *Argument) Positional() bool {
	return a.Flag == ""
}

// Group is a named set of arguments, optionally gated by a feature.
type Group struct {
	Name      string      `yaml:"name" json:"name"`
	Feature   string      `yaml:"feature" json:"feature,omitempty"`
	Arguments []*Argument `yaml:"arguments" json:"arguments"`
}

// Options control which parts of a manifest are exposed.
type Options struct {
	// Engine overrides the executable named in the manifest.
	Engine string
	// Features enables feature-gated groups. Missing means disabled.
	Features map[string]bool
	// SkipArgs are dropped from every group.
	SkipArgs []string
	// Required lists argument names that must carry a value.
	Required []string
}

// Schema is the filtered, ordered argument model. It is immutable once
// built and safe to share between goroutines.
type Schema struct {
	Engine   string   `json:"engine"`
	Groups   []*Group `json:"groups"`
	Required []string `json:"required"`

	index map[string]*Argument
	order []*Argument
}

type manifest struct {
	Engine string   `yaml:"engine"`
	Groups []*Group `yaml:"groups"`
}

// Default builds the schema from the embedded snakemake manifest.
func Default(opts Options) (*Schema, error) {
	return Parse(defaultManifest, opts)
}

// LoadFile builds the schema from a manifest on disk. An empty path falls
// back to the embedded manifest.
func LoadFile(path string, opts Options) (*Schema, error) {
	if path == "" {
		return Default(opts)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema manifest: %w", err)
	}
	return Parse(data, opts)
}

// Parse decodes a YAML manifest and applies feature and skip filtering.
func Parse(data []byte, opts Options) (*Schema, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse schema manifest: %w", err)
	}

	skip := opts.SkipArgs
	if skip == nil {
		skip = DefaultSkipArgs
	}
	required := opts.Required
	if required == nil {
		required = DefaultRequired
	}

	s := &Schema{
		Engine:   m.Engine,
		Required: slices.Clone(required),
		index:    make(map[string]*Argument),
	}
	if opts.Engine != "" {
		s.Engine = opts.Engine
	}
	if s.Engine == "" {
		return nil, fmt.Errorf("schema manifest does not name an engine")
	}

	for _, g := range m.Groups {
		if g.Feature != "" && !opts.Features[g.Feature] {
			continue
		}
		group := &Group{Name: g.Name, Feature: g.Feature}
		for _, arg := range g.Arguments {
			if slices.Contains(skip, arg.Name) {
				continue
			}
			if err := checkArgument(arg); err != nil {
				return nil, fmt.Errorf("group %s: %w", g.Name, err)
			}
			if _, dup := s.index[arg.Name]; dup {
				return nil, fmt.Errorf("duplicate argument %q", arg.Name)
			}
			arg.Required = slices.Contains(required, arg.Name)
			s.index[arg.Name] = arg
			s.order = append(s.order, arg)
			group.Arguments = append(group.Arguments, arg)
		}
		if len(group.Arguments) > 0 {
			s.Groups = append(s.Groups, group)
		}
	}

	for _, name := range s.Required {
		if _, ok := s.index[name]; !ok {
			return nil, fmt.Errorf("required argument %q is not in the schema", name)
		}
	}

	return s, nil
}

func checkArgument(arg *Argument) error {
	if arg.Name == "" {
		return fmt.Errorf("argument without a name")
	}
	switch arg.Kind {
	case KindValue, KindChoice:
	case KindFlag:
		if arg.Positional() {
			return fmt.Errorf("flag %q has no option string", arg.Name)
		}
	case "":
		arg.Kind = KindValue
	default:
		return fmt.Errorf("argument %q has unknown kind %q", arg.Name, arg.Kind)
	}
	if arg.Kind == KindChoice && len(arg.Choices) == 0 {
		return fmt.Errorf("choice %q declares no choices", arg.Name)
	}
	return nil
}

// Lookup returns the argument with the given name.
func (s *Schema) Lookup(name string) (*Argument, bool) {
	arg, ok := s.index[name]
	return arg, ok
}

// Arguments returns every argument in declaration order.
func (s *Schema) Arguments() []*Argument {
	return slices.Clone(s.order)
}

// IsRequired reports whether name is in the required set.
func (s *Schema) IsRequired(name string) bool {
	return slices.Contains(s.Required, name)
}
