package gpa

import (
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertValue(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	when := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		value    any
		to       reflect.Type
		expected any
	}{
		{"int64 to int", int64(7), reflect.TypeOf(0), 7},
		{"int32 to int64", int32(7), reflect.TypeOf(int64(0)), int64(7)},
		{"float to int64", 7.0, reflect.TypeOf(int64(0)), int64(7)},
		{"bytes to string", []byte("Alice"), reflect.TypeOf(""), "Alice"},
		{"string to int64", "42", reflect.TypeOf(int64(0)), int64(42)},
		{"bytes to float", []byte("1.5"), reflect.TypeOf(0.0), 1.5},
		{"string to uint", "9", reflect.TypeOf(uint(0)), uint(9)},
		{"int to bool", int64(1), reflect.TypeOf(false), true},
		{"string to uuid", id.String(), reflect.TypeOf(uuid.UUID{}), id},
		{"raw bytes to uuid", id[:], reflect.TypeOf(uuid.UUID{}), id},
		{"text bytes to uuid", []byte(id.String()), reflect.TypeOf(uuid.UUID{}), id},
		{"array to uuid", [16]byte(id), reflect.TypeOf(uuid.UUID{}), id},
		{"uuid to string", id, reflect.TypeOf(""), id.String()},
		{"string to time", "2024-05-01T12:00:00Z", reflect.TypeOf(time.Time{}), when},
		{"nil to int", nil, reflect.TypeOf(0), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ConvertValue(tt.value, tt.to)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, v.Interface())
		})
	}
}

func TestConvertValuePointers(t *testing.T) {
	v, err := ConvertValue(int64(3), reflect.TypeOf((*int)(nil)))
	require.NoError(t, err)
	assert.Equal(t, 3, *v.Interface().(*int))

	var nilPtr *int64
	v, err = ConvertValue(nilPtr, reflect.TypeOf((*int)(nil)))
	require.NoError(t, err)
	assert.Nil(t, v.Interface())

	n := int64(5)
	v, err = ConvertValue(&n, reflect.TypeOf(0))
	require.NoError(t, err)
	assert.Equal(t, 5, v.Interface())
}

func TestConvertValueErrors(t *testing.T) {
	_, err := ConvertValue("abc", reflect.TypeOf(0))
	assert.Error(t, err)

	_, err = ConvertValue(struct{}{}, reflect.TypeOf(uuid.UUID{}))
	assert.Error(t, err)

	_, err = ConvertValue([]int{1}, reflect.TypeOf(""))
	assert.Error(t, err)
}
