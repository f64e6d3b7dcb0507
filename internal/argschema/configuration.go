package argschema

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"

	"github.com/spf13/cast"
)

// Configuration holds the current value of every argument of a schema.
// It is not safe for concurrent use.
type Configuration struct {
	schema *Schema
	values map[string]any
}

// NewConfiguration returns a configuration with every argument at its default.
func (s *Schema) NewConfiguration() *Configuration {
	c := &Configuration{schema: s, values: make(map[string]any, len(s.order))}
	for _, arg := range s.order {
		c.values[arg.Name] = arg.Default
	}
	return c
}

// Schema returns the schema the configuration was built from.
func (c *Configuration) Schema() *Schema {
	return c.schema
}

// Set updates one value. Unknown names are ignored.
func (c *Configuration) Set(name string, value any) {
	arg, ok := c.schema.index[name]
	if !ok {
		return
	}
	c.values[name] = coerce(arg, value)
}

// Get returns the current value of an argument.
func (c *Configuration) Get(name string) (any, bool) {
	v, ok := c.values[name]
	return v, ok
}

// Load applies many values at once. It accepts a mapping, url.Values, or
// the JSON text of an object.
func (c *Configuration) Load(v any) error {
	switch data := v.(type) {
	case nil:
		return nil
	case map[string]any:
		for name, value := range data {
			c.Set(name, value)
		}
	case map[string]string:
		for name, value := range data {
			c.Set(name, value)
		}
	case url.Values:
		c.LoadForm(data)
	case json.RawMessage:
		return c.loadText([]byte(data))
	case []byte:
		return c.loadText(data)
	case string:
		return c.loadText([]byte(data))
	default:
		return fmt.Errorf("cannot load configuration from %T", v)
	}
	return nil
}

func (c *Configuration) loadText(data []byte) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}
	return c.Load(m)
}

// LoadForm applies submitted form fields. Multi-valued fields keep every
// value; an unchecked checkbox never appears in a form, so flags missing
// from it are reset to false.
func (c *Configuration) LoadForm(form url.Values) {
	for _, arg := range c.schema.order {
		values, ok := form[arg.Name]
		if !ok {
			if arg.Kind == KindFlag {
				c.values[arg.Name] = false
			}
			continue
		}
		if arg.Multiple {
			c.Set(arg.Name, values)
			continue
		}
		c.Set(arg.Name, form.Get(arg.Name))
	}
}

// ToMap exports the current values for persistence.
func (c *Configuration) ToMap() map[string]any {
	return maps.Clone(c.values)
}

// Validate checks that every required argument carries a value and that
// choices hold one of their allowed values. All problems are reported.
func (c *Configuration) Validate() (bool, []string) {
	var errs []string
	for _, name := range c.schema.Required {
		if isEmpty(c.values[name]) {
			errs = append(errs, fmt.Sprintf("%s is required.", name))
		}
	}
	for _, arg := range c.schema.order {
		if arg.Kind != KindChoice || isEmpty(c.values[arg.Name]) {
			continue
		}
		for _, v := range stringList(c.values[arg.Name]) {
			if !slices.Contains(arg.Choices, v) {
				errs = append(errs, fmt.Sprintf("%s must be one of: %s.", arg.Name, strings.Join(arg.Choices, ", ")))
				break
			}
		}
	}
	return len(errs) == 0, errs
}

func coerce(arg *Argument, value any) any {
	switch {
	case arg.Kind == KindFlag:
		return truthy(value)
	case arg.Multiple:
		list := stringList(value)
		if len(list) == 0 {
			return nil
		}
		return list
	}
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s)
	}
	return value
}

func truthy(v any) bool {
	if s, ok := v.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "on", "yes", "y":
			return true
		}
	}
	return cast.ToBool(v)
}

// stringList flattens a value into its string items. A plain string is
// split on whitespace; list elements are kept whole.
func stringList(v any) []string {
	switch data := v.(type) {
	case nil:
		return nil
	case string:
		return strings.Fields(data)
	case []string:
		var out []string
		for _, s := range data {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []any:
		var out []string
		for _, item := range data {
			if s, ok := item.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
				continue
			}
			out = append(out, stringList(item)...)
		}
		return out
	}
	return []string{cast.ToString(v)}
}

func isEmpty(v any) bool {
	switch data := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(data) == ""
	case []string:
		return len(data) == 0
	case []any:
		return len(data) == 0
	}
	return false
}

// normalize renders a single value for the command line and default
// comparison. Strings keep their inner whitespace.
func normalize(v any) string {
	if isEmpty(v) {
		return ""
	}
	switch data := v.(type) {
	case string:
		return strings.TrimSpace(data)
	case []string, []any:
		return strings.Join(stringList(data), " ")
	}
	return cast.ToString(v)
}
