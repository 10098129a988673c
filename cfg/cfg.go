package cfg

import (
	"fmt"
	"reflect"

	"github.com/pkg/errors"
)

// Load binds values from a generic map onto the exported fields of a config
// struct, keyed by the `cfg` struct tag (field name when untagged).
func Load(data map[string]interface{}, target interface{}) error {
	targetV := reflect.ValueOf(target)
	if targetV.Kind() == reflect.Ptr {
		targetV = targetV.Elem()
	}
	if targetV.Kind() != reflect.Struct {
		return errors.Errorf("cfg type [%s] not struct", targetV.Type())
	}
	bound := make(map[string]struct{})
	for i := 0; i < targetV.NumField(); i++ {
		field := targetV.Field(i)
		if !field.CanInterface() || !field.CanSet() {
			continue
		}
		key := keyName(targetV.Type().Field(i))
		bound[key] = struct{}{}
		v, found := data[key]
		if !found {
			continue
		}
		switch field.Kind() {
		case reflect.Int, reflect.Int32, reflect.Int64:
			if j, ok := v.(int); ok {
				field.SetInt(int64(j))
			} else {
				return typeMismatch(key, v, field)
			}

		case reflect.Uint32, reflect.Uint64:
			if j, ok := v.(int); ok && j >= 0 {
				field.SetUint(uint64(j))
			} else {
				return typeMismatch(key, v, field)
			}

		case reflect.Float64:
			switch f := v.(type) {
			case float64:
				field.SetFloat(f)
			case int:
				field.SetFloat(float64(f))
			default:
				return typeMismatch(key, v, field)
			}

		case reflect.Bool:
			if b, ok := v.(bool); ok {
				field.SetBool(b)
			} else {
				return typeMismatch(key, v, field)
			}

		case reflect.String:
			if s, ok := v.(string); ok {
				field.SetString(s)
			} else {
				return typeMismatch(key, v, field)
			}

		default:
			return errors.Errorf("unsupported field type [%s]", field.Type())
		}
	}
	for key := range data {
		if _, found := bound[key]; !found {
			return errors.Errorf("no field for key '%s'", key)
		}
	}
	return nil
}

// Dump renders a config struct for logging.
func Dump(label string, target interface{}) string {
	targetV := reflect.ValueOf(target)
	if targetV.Kind() == reflect.Ptr {
		targetV = targetV.Elem()
	}
	if targetV.Kind() != reflect.Struct {
		return ""
	}
	out := label + " {\n"
	format := fmt.Sprintf("\t%%-%ds %%v\n", maxKeyLength(targetV))
	for i := 0; i < targetV.NumField(); i++ {
		if targetV.Field(i).CanInterface() {
			key := keyName(targetV.Type().Field(i))
			out += fmt.Sprintf(format, key, targetV.Field(i).Interface())
		}
	}
	out += "}\n"
	return out
}

func typeMismatch(key string, v interface{}, field reflect.Value) error {
	return errors.Errorf("field '%s' type mismatch, got [%s], expected [%s]", key, reflect.TypeOf(v), field.Type())
}

func keyName(v reflect.StructField) string {
	if tag := v.Tag.Get("cfg"); tag != "" {
		return tag
	}
	return v.Name
}

func maxKeyLength(targetV reflect.Value) int {
	max := 0
	for i := 0; i < targetV.NumField(); i++ {
		if l := len(keyName(targetV.Type().Field(i))); l > max {
			max = l
		}
	}
	return max
}
