package argschema

import (
	"slices"
	"strings"
	"testing"
)

const testManifest = `
engine: snakemake
groups:
  - name: execution
    arguments:
      - {name: targets, kind: value, multiple: true}
      - {name: snakefile, flag: --snakefile, kind: value}
      - {name: cores, flag: --cores, kind: value}
      - {name: jobs, flag: --jobs, kind: value, default: 1}
      - {name: dryrun, flag: --dryrun, kind: flag, default: false}
      - {name: scheduler, flag: --scheduler, kind: choice, default: greedy, choices: [ilp, greedy]}
      - {name: help, flag: --help, kind: flag}
      - {name: version, flag: --version, kind: flag}
  - name: cluster
    feature: cluster
    arguments:
      - {name: cluster, flag: --cluster, kind: value}
  - name: conda
    feature: conda
    arguments:
      - {name: use_conda, flag: --use-conda, kind: flag, default: false}
`

func testSchema(t *testing.T, opts Options) *Schema {
	t.Helper()
	s, err := Parse([]byte(testManifest), opts)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return s
}

func groupNames(s *Schema) []string {
	var names []string
	for _, g := range s.Groups {
		names = append(names, g.Name)
	}
	return names
}

func TestParse_SkipsAdministrativeArguments(t *testing.T) {
	s := testSchema(t, Options{})

	for _, name := range []string{"help", "version"} {
		if _, ok := s.Lookup(name); ok {
			t.Errorf("expected %q to be skipped", name)
		}
	}
	if _, ok := s.Lookup("cores"); !ok {
		t.Error("expected cores to be present")
	}
}

func TestParse_FeatureGatedGroups(t *testing.T) {
	tests := []struct {
		name     string
		features map[string]bool
		expected []string
	}{
		{"no features", nil, []string{"execution"}},
		{"cluster enabled", map[string]bool{"cluster": true}, []string{"execution", "cluster"}},
		{"explicitly disabled", map[string]bool{"cluster": false, "conda": true}, []string{"execution", "conda"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSchema(t, Options{Features: tt.features})
			if got := groupNames(s); !slices.Equal(got, tt.expected) {
				t.Errorf("groups = %v, expected %v", got, tt.expected)
			}
		})
	}
}

func TestParse_CustomSkipArgs(t *testing.T) {
	s := testSchema(t, Options{SkipArgs: []string{"dryrun"}})

	if _, ok := s.Lookup("dryrun"); ok {
		t.Error("expected dryrun to be skipped")
	}
	if _, ok := s.Lookup("help"); !ok {
		t.Error("expected help to be kept when skip list is overridden")
	}
}

func TestParse_RequiredSet(t *testing.T) {
	s := testSchema(t, Options{Required: []string{"jobs"}})

	jobs, _ := s.Lookup("jobs")
	if !jobs.Required {
		t.Error("expected jobs to be marked required")
	}
	cores, _ := s.Lookup("cores")
	if cores.Required {
		t.Error("expected cores not to be required")
	}
}

func TestParse_EngineOverride(t *testing.T) {
	s := testSchema(t, Options{Engine: "/opt/bin/snakemake"})
	if s.Engine != "/opt/bin/snakemake" {
		t.Errorf("expected engine override, got %q", s.Engine)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		contains string
	}{
		{"no engine", "groups: []", "engine"},
		{"duplicate", "engine: x\ngroups:\n  - name: a\n    arguments:\n      - {name: a, flag: --a}\n      - {name: a, flag: --b}", "duplicate"},
		{"bad kind", "engine: x\ngroups:\n  - name: a\n    arguments:\n      - {name: a, flag: --a, kind: toggle}", "unknown kind"},
		{"choice without choices", "engine: x\ngroups:\n  - name: a\n    arguments:\n      - {name: a, flag: --a, kind: choice}", "no choices"},
		{"positional flag", "engine: x\ngroups:\n  - name: a\n    arguments:\n      - {name: a, kind: flag}", "no option string"},
		{"invalid yaml", "engine: [", "parse"},
		{"required missing", "engine: x\ngroups:\n  - name: a\n    arguments:\n      - {name: a, flag: --a}", "required argument \"cores\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.manifest), Options{})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("error %q does not mention %q", err, tt.contains)
			}
		})
	}
}

func TestParse_RequiredMustExist(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"typo", Options{Required: []string{"cores", "snakefile", "corse"}}},
		{"skipped", Options{Required: []string{"cores", "help"}}},
		{"feature disabled", Options{Required: []string{"cores", "cluster"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(testManifest), tt.opts)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), "not in the schema") {
				t.Errorf("unexpected error %q", err)
			}
		})
	}

	opts := Options{Required: []string{"cores", "cluster"}, Features: map[string]bool{"cluster": true}}
	if _, err := Parse([]byte(testManifest), opts); err != nil {
		t.Errorf("enabled feature argument should be accepted: %v", err)
	}
}

func TestDefault_EmbeddedManifest(t *testing.T) {
	s, err := Default(Options{Features: map[string]bool{"conda": true, "singularity": true}})
	if err != nil {
		t.Fatalf("Default failed: %v", err)
	}
	if s.Engine != "snakemake" {
		t.Errorf("expected snakemake engine, got %q", s.Engine)
	}
	for _, name := range []string{"snakefile", "cores", "jobs", "use_conda", "use_singularity"} {
		if _, ok := s.Lookup(name); !ok {
			t.Errorf("expected argument %q in default schema", name)
		}
	}
	if _, ok := s.Lookup("cluster"); ok {
		t.Error("expected cluster group to be disabled by default")
	}
}
