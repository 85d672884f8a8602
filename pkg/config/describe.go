package config

import (
	"fmt"
	"reflect"
	"strings"
)

const redacted = "[REDACTED]"

// Entry is one resolved setting, keyed by its environment variable name.
type Entry struct {
	Key   string
	Value string
}

// Describe flattens a loaded configuration struct into env-keyed entries in
// field order. Fields tagged `secret:"true"` are redacted when non-empty.
// cfg may be a struct or a pointer to one.
func Describe(cfg any, prefix string) []Entry {
	rv := reflect.ValueOf(cfg)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	var out []Entry
	describe(rv, strings.ToUpper(prefix), &out)
	return out
}

func describe(rv reflect.Value, prefix string, out *[]Entry) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rv.Field(i)
		sf := rt.Field(i)
		if !sf.IsExported() {
			continue
		}
		envTag := sf.Tag.Get("env")

		if isNested(field, sf) {
			nestedPrefix := prefix
			if envTag != "" {
				nestedPrefix = envKey(prefix, envTag)
			}
			describe(field, nestedPrefix, out)
			continue
		}
		if envTag == "" {
			continue
		}

		var val string
		switch {
		case sf.Tag.Get("secret") == "true" && !field.IsZero():
			val = redacted
		case field.Kind() == reflect.Slice:
			parts := make([]string, field.Len())
			for j := range parts {
				parts[j] = fmt.Sprint(field.Index(j).Interface())
			}
			val = strings.Join(parts, ",")
		case field.Kind() == reflect.String:
			val = field.String()
		default:
			val = fmt.Sprint(field.Interface())
		}
		*out = append(*out, Entry{Key: envKey(prefix, envTag), Value: val})
	}
}
