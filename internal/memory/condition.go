package memory

import (
	"bytes"
	"encoding/json"
	"reflect"

	"github.com/cantina-labs/cantinaos/internal/events"
)

// satisfied reports whether value meets cond. Equality compares the JSON
// forms so an in-process int matches the float64 a web client's JSON decode
// produces for the same number.
func satisfied(cond events.WaitCondition, value any, present bool) bool {
	switch cond.Op {
	case events.WaitEq:
		if !present {
			return cond.Value == nil
		}
		return jsonEqual(cond.Value, value)
	case events.WaitTruthy:
		return present && truthy(value)
	}
	return false
}

func jsonEqual(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return bytes.Equal(ja, jb)
}

// truthy mirrors the dashboard's notion of a set value: false, zero, empty
// string, and empty collections are all falsy.
func truthy(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool()
	case reflect.String:
		return rv.Len() > 0
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}
