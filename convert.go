package gpa

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	uuidType = reflect.TypeOf(uuid.UUID{})
	timeType = reflect.TypeOf(time.Time{})
)

// assign stores a storage value into a typed field, converting between the
// representations drivers hand back (int64 for INTEGER, []byte for TEXT,
// int32 from BSON, strings for UUID columns).
func assign[V any](dst *V, value any) error {
	if value == nil {
		var zero V
		*dst = zero
		return nil
	}
	if v, ok := value.(V); ok {
		*dst = v
		return nil
	}
	rv, err := ConvertValue(value, reflect.TypeOf(dst).Elem())
	if err != nil {
		return err
	}
	*dst = rv.Interface().(V)
	return nil
}

// ConvertValue converts value to type to.
func ConvertValue(value any, to reflect.Type) (reflect.Value, error) {
	if value == nil {
		return reflect.Zero(to), nil
	}
	return convert(reflect.ValueOf(value), to)
}

func convert(src reflect.Value, to reflect.Type) (reflect.Value, error) {
	if to.Kind() == reflect.Ptr {
		if src.Kind() == reflect.Ptr && src.IsNil() {
			return reflect.Zero(to), nil
		}
		inner, err := convert(src, to.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		p := reflect.New(to.Elem())
		p.Elem().Set(inner)
		return p, nil
	}
	for src.Kind() == reflect.Ptr || src.Kind() == reflect.Interface {
		if src.IsNil() {
			return reflect.Zero(to), nil
		}
		src = src.Elem()
	}
	if src.Type().AssignableTo(to) {
		return src.Convert(to), nil
	}

	switch {
	case to == uuidType:
		return toUUID(src)
	case to == timeType && src.Kind() == reflect.String:
		t, err := time.Parse(time.RFC3339Nano, src.String())
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(t), nil
	case to.Kind() == reflect.String && isBytes(src):
		return reflect.ValueOf(string(src.Bytes())).Convert(to), nil
	case to.Kind() == reflect.String && src.Type() == uuidType:
		return reflect.ValueOf(src.Interface().(uuid.UUID).String()).Convert(to), nil
	case isNumeric(to.Kind()) && isNumeric(src.Kind()):
		return src.Convert(to), nil
	case to.Kind() == reflect.Bool && isNumeric(src.Kind()):
		return reflect.ValueOf(!src.IsZero()).Convert(to), nil
	case isNumeric(to.Kind()) && (src.Kind() == reflect.String || isBytes(src)):
		return parseNumber(src, to)
	case src.Kind() == to.Kind() && src.Type().ConvertibleTo(to):
		return src.Convert(to), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot convert %s to %s", src.Type(), to)
}

func toUUID(src reflect.Value) (reflect.Value, error) {
	var (
		id  uuid.UUID
		err error
	)
	switch {
	case src.Kind() == reflect.String:
		id, err = uuid.Parse(src.String())
	case isBytes(src) && src.Len() == 16:
		id, err = uuid.FromBytes(src.Bytes())
	case isBytes(src):
		id, err = uuid.ParseBytes(src.Bytes())
	case src.Kind() == reflect.Array && src.Len() == 16:
		b := make([]byte, 16)
		reflect.Copy(reflect.ValueOf(b), src)
		id, err = uuid.FromBytes(b)
	default:
		return reflect.Value{}, fmt.Errorf("cannot convert %s to uuid.UUID", src.Type())
	}
	if err != nil {
		return reflect.Value{}, err
	}
	return reflect.ValueOf(id), nil
}

func parseNumber(src reflect.Value, to reflect.Type) (reflect.Value, error) {
	s := ""
	if src.Kind() == reflect.String {
		s = src.String()
	} else {
		s = string(src.Bytes())
	}
	switch to.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(n).Convert(to), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(n).Convert(to), nil
	default:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(f).Convert(to), nil
	}
}

func isBytes(v reflect.Value) bool {
	return v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
