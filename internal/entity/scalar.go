package entity

import (
	"encoding/binary"
	"math"
	"reflect"
	"unsafe"
)

// Scalar is the set of fixed-size value types a Var can replicate.
type Scalar interface {
	~bool | Number
}

// Number is the set of scalar types that can be interpolated.
type Number interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64 | ~float32 | ~float64
}

func sizeOf[T Scalar]() int {
	var v T
	return int(unsafe.Sizeof(v))
}

func appendScalar[T Scalar](dst []byte, v T) []byte {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		if rv.Bool() {
			return append(dst, 1)
		}
		return append(dst, 0)
	case reflect.Int8:
		return append(dst, byte(rv.Int()))
	case reflect.Uint8:
		return append(dst, byte(rv.Uint()))
	case reflect.Int16:
		return binary.BigEndian.AppendUint16(dst, uint16(rv.Int()))
	case reflect.Uint16:
		return binary.BigEndian.AppendUint16(dst, uint16(rv.Uint()))
	case reflect.Int32:
		return binary.BigEndian.AppendUint32(dst, uint32(rv.Int()))
	case reflect.Uint32:
		return binary.BigEndian.AppendUint32(dst, uint32(rv.Uint()))
	case reflect.Int64:
		return binary.BigEndian.AppendUint64(dst, uint64(rv.Int()))
	case reflect.Uint64:
		return binary.BigEndian.AppendUint64(dst, rv.Uint())
	case reflect.Float32:
		return binary.BigEndian.AppendUint32(dst, math.Float32bits(float32(rv.Float())))
	case reflect.Float64:
		return binary.BigEndian.AppendUint64(dst, math.Float64bits(rv.Float()))
	}
	return dst
}

func decodeScalar[T Scalar](data []byte) (T, error) {
	var v T
	if len(data) != sizeOf[T]() {
		return v, ErrSizeMismatch
	}
	rv := reflect.ValueOf(&v).Elem()
	switch rv.Kind() {
	case reflect.Bool:
		rv.SetBool(data[0] != 0)
	case reflect.Int8:
		rv.SetInt(int64(int8(data[0])))
	case reflect.Uint8:
		rv.SetUint(uint64(data[0]))
	case reflect.Int16:
		rv.SetInt(int64(int16(binary.BigEndian.Uint16(data))))
	case reflect.Uint16:
		rv.SetUint(uint64(binary.BigEndian.Uint16(data)))
	case reflect.Int32:
		rv.SetInt(int64(int32(binary.BigEndian.Uint32(data))))
	case reflect.Uint32:
		rv.SetUint(uint64(binary.BigEndian.Uint32(data)))
	case reflect.Int64:
		rv.SetInt(int64(binary.BigEndian.Uint64(data)))
	case reflect.Uint64:
		rv.SetUint(binary.BigEndian.Uint64(data))
	case reflect.Float32:
		rv.SetFloat(float64(math.Float32frombits(binary.BigEndian.Uint32(data))))
	case reflect.Float64:
		rv.SetFloat(math.Float64frombits(binary.BigEndian.Uint64(data)))
	}
	return v, nil
}

// lerp blends a toward b by frac.
func lerp[T Number](a, b T, frac float64) T {
	return T(float64(a) + (float64(b)-float64(a))*frac)
}
