// Package jsoncodec registers the "gojson" gorm serializer backed by goccy/go-json.
// Models opt in with the `serializer:gojson` field tag.
package jsoncodec

import (
	"context"
	"reflect"

	json "github.com/goccy/go-json"
	"gorm.io/gorm/schema"
)

// Name is the serializer tag value.
const Name = "gojson"

func init() {
	schema.RegisterSerializer(Name, Serializer{})
}

// Serializer stores field values as JSON text.
type Serializer struct{}

// Scan decodes a stored JSON column into the destination field.
func (Serializer) Scan(ctx context.Context, field *schema.Field, dst reflect.Value, dbValue interface{}) error {
	fieldValue := reflect.New(field.FieldType)
	if dbValue != nil {
		var raw []byte
		switch value := dbValue.(type) {
		case []byte:
			raw = value
		case string:
			raw = []byte(value)
		default:
			encoded, err := json.Marshal(value)
			if err != nil {
				return err
			}
			raw = encoded
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, fieldValue.Interface()); err != nil {
				return err
			}
		}
	}
	field.ReflectValueOf(ctx, dst).Set(fieldValue.Elem())
	return nil
}

// Value encodes the field for storage. Nil values are stored as NULL.
func (Serializer) Value(_ context.Context, field *schema.Field, _ reflect.Value, fieldValue interface{}) (interface{}, error) {
	encoded, err := json.Marshal(fieldValue)
	if err != nil {
		return nil, err
	}
	if string(encoded) == "null" {
		if field.TagSettings["NOT NULL"] != "" {
			return "", nil
		}
		return nil, nil
	}
	return string(encoded), nil
}

// Marshal encodes v with the shared codec.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes data with the shared codec.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
