package argschema

import (
	"slices"
	"strings"
)

// Argv assembles the engine invocation in schema order. Values equal to
// their default are left out unless the argument is required, and empty
// values never render.
func (c *Configuration) Argv() []string {
	argv := []string{c.schema.Engine}
	for _, arg := range c.schema.order {
		value := c.values[arg.Name]

		if arg.Kind == KindFlag {
			if truthy(value) && (arg.Required || !truthy(arg.Default)) {
				argv = append(argv, arg.Flag)
			}
			continue
		}

		if isEmpty(value) {
			continue
		}
		if !arg.Required && sameValue(arg, value, arg.Default) {
			continue
		}

		var items []string
		if arg.Multiple {
			items = stringList(value)
		} else {
			items = []string{normalize(value)}
		}
		if !arg.Positional() {
			argv = append(argv, arg.Flag)
		}
		argv = append(argv, items...)
	}
	return argv
}

func sameValue(arg *Argument, a, b any) bool {
	if arg.Multiple {
		return slices.Equal(stringList(a), stringList(b))
	}
	return normalize(a) == normalize(b)
}

// BuildCommand renders Argv as a single display string.
func (c *Configuration) BuildCommand() string {
	argv := c.Argv()
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>*?(){}[]!#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
