// Package operation defines the requests exchanged between the coordinator, agents and workers,
// and their encoding as message payloads.
package operation

import (
	"fmt"
	"reflect"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/G-Research/simulator/internal/common/simerrors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Type names an operation on the wire.
type Type string

// Operation is a request payload.
type Operation interface {
	OperationType() Type
}

type envelope struct {
	Type Type                `json:"type"`
	Data jsoniter.RawMessage `json:"data"`
}

var registry = map[Type]reflect.Type{}

func register(ops ...Operation) {
	for _, op := range ops {
		t := reflect.TypeOf(op)
		if t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		registry[op.OperationType()] = t
	}
}

// Encode serializes op together with its type.
func Encode(op Operation) ([]byte, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	payload, err := json.Marshal(envelope{Type: op.OperationType(), Data: data})
	return payload, errors.WithStack(err)
}

// MustEncode is Encode for operations that cannot fail to serialize.
func MustEncode(op Operation) []byte {
	payload, err := Encode(op)
	if err != nil {
		panic(fmt.Sprintf("encoding %s: %v", op.OperationType(), err))
	}
	return payload
}

// Decode returns the operation serialized in payload, as a pointer to its concrete type.
// Unknown operation types result in an ErrUnsupportedOperation.
func Decode(payload []byte) (Operation, error) {
	var e envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, errors.WithStack(&simerrors.ErrInvalidArgument{
			Name:    "payload",
			Value:   len(payload),
			Message: fmt.Sprintf("not an operation: %v", err),
		})
	}
	t, ok := registry[e.Type]
	if !ok {
		return nil, errors.WithStack(&simerrors.ErrUnsupportedOperation{Operation: string(e.Type), Address: "any node"})
	}
	op := reflect.New(t).Interface().(Operation)
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, op); err != nil {
			return nil, errors.WithStack(&simerrors.ErrInvalidArgument{
				Name:    string(e.Type),
				Value:   string(e.Data),
				Message: err.Error(),
			})
		}
	}
	return op, nil
}

// Unsupported returns the error reported by a component at address that does not handle op.
func Unsupported(op Operation, address fmt.Stringer) error {
	return errors.WithStack(&simerrors.ErrUnsupportedOperation{Operation: string(op.OperationType()), Address: address.String()})
}

// DecodeResult unmarshals the payload of a successful response part into result.
func DecodeResult(payload []byte, result interface{}) error {
	return errors.WithStack(json.Unmarshal(payload, result))
}

// EncodeResult marshals the result returned in a successful response part.
func EncodeResult(result interface{}) ([]byte, error) {
	data, err := json.Marshal(result)
	return data, errors.WithStack(err)
}
