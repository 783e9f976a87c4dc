package protocol

import (
	"context"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/G-Research/simulator/internal/common/simerrors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ResponseType is the outcome of a request at one addressed component.
type ResponseType int

const (
	Success ResponseType = iota
	UnsupportedOperation
	FailureAgentNotFound
	FailureWorkerNotFound
	FailureTestNotFound
	FailureCoordinatorNotFound
	ExceptionDuringOperationExecution
	Timeout
	ConnectionLost
)

var responseTypeNames = map[ResponseType]string{
	Success:                           "Success",
	UnsupportedOperation:              "UnsupportedOperation",
	FailureAgentNotFound:              "FailureAgentNotFound",
	FailureWorkerNotFound:             "FailureWorkerNotFound",
	FailureTestNotFound:               "FailureTestNotFound",
	FailureCoordinatorNotFound:        "FailureCoordinatorNotFound",
	ExceptionDuringOperationExecution: "ExceptionDuringOperationExecution",
	Timeout:                           "Timeout",
	ConnectionLost:                    "ConnectionLost",
}

func (t ResponseType) String() string {
	if name, ok := responseTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ResponseType(%d)", int(t))
}

func (t ResponseType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *ResponseType) UnmarshalText(text []byte) error {
	for responseType, name := range responseTypeNames {
		if name == string(text) {
			*t = responseType
			return nil
		}
	}
	return errors.WithStack(&simerrors.ErrInvalidArgument{Name: "responseType", Value: string(text)})
}

// notFoundType returns the response type reported when no component exists at level.
func notFoundType(level int) ResponseType {
	switch level {
	case AgentLevel:
		return FailureAgentNotFound
	case WorkerLevel:
		return FailureWorkerNotFound
	case TestLevel:
		return FailureTestNotFound
	default:
		return FailureCoordinatorNotFound
	}
}

// ResponseTypeFromError maps err to the response type sent back to the requester.
func ResponseTypeFromError(err error) ResponseType {
	if err == nil {
		return Success
	}

	var eUnsupported *simerrors.ErrUnsupportedOperation
	var eNotFound *simerrors.ErrNotFound
	var eTimeout *simerrors.ErrTimeout
	var eConnectionLost *simerrors.ErrConnectionLost

	switch {
	case errors.As(err, &eUnsupported):
		return UnsupportedOperation
	case errors.As(err, &eNotFound):
		switch eNotFound.Type {
		case "agent":
			return FailureAgentNotFound
		case "worker":
			return FailureWorkerNotFound
		case "test":
			return FailureTestNotFound
		}
		return ExceptionDuringOperationExecution
	case errors.As(err, &eTimeout):
		return Timeout
	case errors.As(err, &eConnectionLost):
		return ConnectionLost
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Timeout
	default:
		return ExceptionDuringOperationExecution
	}
}

// ResponsePart is the outcome of a request at a single component.
type ResponsePart struct {
	Source  Address      `json:"source"`
	Type    ResponseType `json:"type"`
	Message string       `json:"message,omitempty"`
	Payload []byte       `json:"payload,omitempty"`
}

// Response answers a request. Requests addressed to one component have one part;
// requests fanned out across a wildcard have one part per addressed component.
type Response struct {
	Parts []ResponsePart `json:"parts"`
}

func NewResponse(parts ...ResponsePart) *Response {
	return &Response{Parts: parts}
}

// FailurePart builds the part reported for source when a request could not be completed.
func FailurePart(source Address, err error) ResponsePart {
	return ResponsePart{
		Source:  source,
		Type:    ResponseTypeFromError(err),
		Message: err.Error(),
	}
}

func (r *Response) Add(parts ...ResponsePart) {
	r.Parts = append(r.Parts, parts...)
}

// Sort orders the parts by source address.
func (r *Response) Sort() {
	slices.SortStableFunc(r.Parts, func(a, b ResponsePart) bool {
		return a.Source.Less(b.Source)
	})
}

// IsSuccess returns true if every part reports Success.
func (r *Response) IsSuccess() bool {
	return len(r.Failures()) == 0
}

// Failures returns the parts that do not report Success.
func (r *Response) Failures() []ResponsePart {
	var failures []ResponsePart
	for _, part := range r.Parts {
		if part.Type != Success {
			failures = append(failures, part)
		}
	}
	return failures
}

// Part returns the part reported by source.
func (r *Response) Part(source Address) (ResponsePart, bool) {
	for _, part := range r.Parts {
		if part.Source == source {
			return part, true
		}
	}
	return ResponsePart{}, false
}

// Err returns nil if the response is successful, and otherwise an error naming every failed part.
func (r *Response) Err() error {
	failures := r.Failures()
	if len(failures) == 0 {
		return nil
	}
	descriptions := make([]string, len(failures))
	for i, part := range failures {
		descriptions[i] = fmt.Sprintf("%s: %s", part.Source, part.Type)
		if part.Message != "" {
			descriptions[i] += fmt.Sprintf(" (%s)", part.Message)
		}
	}
	return errors.Errorf("%d of %d components failed: %s", len(failures), len(r.Parts), strings.Join(descriptions, "; "))
}

func EncodeResponse(r *Response) ([]byte, error) {
	data, err := json.Marshal(r)
	return data, errors.WithStack(err)
}

func DecodeResponse(data []byte) (*Response, error) {
	r := &Response{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, errors.WithStack(&simerrors.ErrProtocol{Reason: fmt.Sprintf("invalid response payload: %v", err)})
	}
	return r, nil
}
