// Package configschema derives a JSON Schema for the kvbridge configuration
// file from config.Config, with defaults and allowed values filled in.
package configschema

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/nimburion/kvbridge/pkg/config"
)

// durationPattern accepts the time.ParseDuration syntax used by the loader.
const durationPattern = `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`

// BuildSchema returns the schema of config.Config using the mapstructure keys
// the loader reads, with config.DefaultConfig() as defaults.
func BuildSchema() (*jsonschema.Schema, error) {
	return BuildSchemaWithDefaults(config.DefaultConfig())
}

// BuildSchemaWithDefaults builds the schema with defaults taken from cfg.
func BuildSchemaWithDefaults(cfg *config.Config) (*jsonschema.Schema, error) {
	if cfg == nil {
		return nil, errors.New("defaults are required")
	}
	opts := &jsonschema.ForOptions{
		IgnoreInvalidTypes: true,
		TypeSchemas: map[reflect.Type]*jsonschema.Schema{
			reflect.TypeOf(time.Duration(0)): {Type: "string", Pattern: durationPattern},
		},
	}

	t := reflect.TypeOf(config.Config{})
	schema, err := jsonschema.ForType(t, opts)
	if err != nil {
		return nil, fmt.Errorf("build config schema: %w", err)
	}
	applyFieldNames(schema, t)

	injectDefaults(schema, reflect.ValueOf(cfg))
	pruneRequiredWithDefaults(schema)
	constrain(schema)

	serviceName := cfg.Service.Name
	if strings.TrimSpace(serviceName) == "" {
		serviceName = "kvbridge"
	}
	schema.Title = serviceName + " Configuration"
	schema.Description = "Schema for " + serviceName + " configuration."
	schema.Schema = "https://json-schema.org/draft/2020-12/schema"
	return schema, nil
}

// constrain adds the value sets and lower bounds that Validate enforces.
func constrain(schema *jsonschema.Schema) {
	enum := func(path string, values ...string) {
		if prop := lookup(schema, path); prop != nil {
			prop.Enum = make([]any, len(values))
			for i, v := range values {
				prop.Enum[i] = v
			}
		}
	}
	minimum := func(path string, min float64) {
		if prop := lookup(schema, path); prop != nil {
			prop.Minimum = &min
		}
	}

	enum("store.type", config.StoreTypeMemory, config.StoreTypeRedis, config.StoreTypeDynamoDB, config.StoreTypePostgres, config.StoreTypeMySQL, config.StoreTypeMongoDB, config.StoreTypeS3)
	enum("store.selector", config.SelectorNative, config.SelectorNext, config.SelectorContext)
	enum("observability.log_level", "debug", "info", "warn", "error")
	enum("observability.log_format", "json", "text")
	minimum("runtime.contexts", 1)
	minimum("store.event_loops", 1)
	minimum("observability.tracing_sample_rate", 0)
	if prop := lookup(schema, "observability.tracing_sample_rate"); prop != nil {
		max := 1.0
		prop.Maximum = &max
	}
}

// lookup returns the property at a dotted path, or nil.
func lookup(schema *jsonschema.Schema, path string) *jsonschema.Schema {
	for _, part := range strings.Split(path, ".") {
		if schema == nil {
			return nil
		}
		schema = schema.Properties[part]
	}
	return schema
}

// applyFieldNames renames properties from Go field names to the mapstructure
// keys the loader reads.
func applyFieldNames(schema *jsonschema.Schema, t reflect.Type) {
	if schema == nil || t == nil {
		return
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.Struct:
		if len(schema.Properties) == 0 {
			return
		}
		nameMap := make(map[string]string)
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			jsonName, omit := jsonFieldName(field)
			if omit {
				continue
			}
			desired := fieldKeyName(field)
			nameMap[jsonName] = desired
			if prop, ok := schema.Properties[jsonName]; ok {
				delete(schema.Properties, jsonName)
				schema.Properties[desired] = prop
				applyFieldNames(prop, field.Type)
			}
		}
		schema.Required = renamed(schema.Required, nameMap)
		schema.PropertyOrder = renamed(schema.PropertyOrder, nameMap)

	case reflect.Slice, reflect.Array:
		applyFieldNames(schema.Items, t.Elem())
	}
}

func renamed(names []string, nameMap map[string]string) []string {
	if len(names) == 0 {
		return names
	}
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if mapped, ok := nameMap[name]; ok {
			name = mapped
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func injectDefaults(schema *jsonschema.Schema, value reflect.Value) {
	if schema == nil || !value.IsValid() {
		return
	}
	for value.Kind() == reflect.Pointer {
		if value.IsNil() {
			return
		}
		value = value.Elem()
	}

	if value.Kind() != reflect.Struct {
		if schema.Default == nil {
			schema.Default = marshalDefault(value)
		}
		return
	}
	t := value.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		prop, ok := schema.Properties[fieldKeyName(field)]
		if !ok {
			continue
		}
		injectDefaults(prop, value.Field(i))
	}
}

// pruneRequiredWithDefaults drops required markers for keys the loader
// fills in on its own.
func pruneRequiredWithDefaults(schema *jsonschema.Schema) {
	if schema == nil {
		return
	}
	for _, prop := range schema.Properties {
		pruneRequiredWithDefaults(prop)
	}
	if len(schema.Required) == 0 {
		return
	}
	kept := make([]string, 0, len(schema.Required))
	for _, name := range schema.Required {
		prop := schema.Properties[name]
		if prop == nil || (prop.Default == nil && len(prop.Properties) == 0) {
			kept = append(kept, name)
		}
	}
	schema.Required = kept
}

func marshalDefault(value reflect.Value) json.RawMessage {
	v := value.Interface()
	if d, ok := v.(time.Duration); ok {
		v = d.String()
	}
	if value.Kind() == reflect.Slice && value.IsNil() {
		v = []any{}
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return payload
}

func fieldKeyName(field reflect.StructField) string {
	for _, key := range []string{"mapstructure", "yaml"} {
		if name, _, _ := strings.Cut(field.Tag.Get(key), ","); name != "" && name != "-" {
			return name
		}
	}
	return strings.ToLower(field.Name)
}

func jsonFieldName(field reflect.StructField) (string, bool) {
	if !field.IsExported() {
		return "", true
	}
	name := field.Name
	if tag, ok := field.Tag.Lookup("json"); ok {
		tagName, _, found := strings.Cut(tag, ",")
		if tagName == "-" && !found {
			return "", true
		}
		if tagName != "" {
			name = tagName
		}
	}
	return name, false
}
