package config

import "reflect"

// RedactedValue replaces secret values in Redacted output.
const RedactedValue = "***"

// Redacted returns a copy of c where every string field that is set in
// secrets reads RedactedValue. A nil secrets returns an unmodified copy.
func (c *Config) Redacted(secrets *Config) Config {
	out := *c
	out.Store.DynamoDB.Namespaces = append([]string(nil), c.Store.DynamoDB.Namespaces...)
	if secrets == nil {
		return out
	}
	redact(reflect.ValueOf(&out).Elem(), reflect.ValueOf(secrets).Elem())
	return out
}

func redact(v, mask reflect.Value) {
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}
		switch field.Kind() {
		case reflect.Struct:
			redact(field, mask.Field(i))
		case reflect.String:
			if mask.Field(i).String() != "" {
				field.SetString(RedactedValue)
			}
		}
	}
}
