package jsonhelper

import (
	jsoniter "github.com/json-iterator/go"

	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Encode marshals t, which is expected to be a plain record type that
// cannot fail to marshal.
func Encode[T any](t T) []byte {
	b, err := json.Marshal(t)
	if err != nil {
		zap.S().With("t", t).Errorw("couldn't encode the variable", "error", err)
		return nil
	}
	return b
}

// Decode unmarshals b into a T, returning the zero value on failure.
func Decode[T any](b []byte) (T, error) {
	var t T
	err := json.Unmarshal(b, &t)
	return t, err
}
