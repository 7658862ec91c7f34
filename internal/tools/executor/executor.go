// Package executor provides the arithmetic tool kinds and their execution.
package executor

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/flynn-ai/tally/internal/errors"
)

// Kind is the closed set of tools this program can execute.
type Kind int

const (
	KindAdd Kind = iota + 1
	KindMultiply
	KindDivide
)

// Kinds lists every tool kind in declaration order.
var Kinds = []Kind{KindAdd, KindMultiply, KindDivide}

// Name returns the tool name the model uses to request this kind.
func (k Kind) Name() string {
	switch k {
	case KindAdd:
		return "add"
	case KindMultiply:
		return "multiply"
	case KindDivide:
		return "divide"
	default:
		return "unknown"
	}
}

// Description returns what the tool does.
func (k Kind) Description() string {
	switch k {
	case KindAdd:
		return "Add two numbers together"
	case KindMultiply:
		return "Multiply two numbers"
	case KindDivide:
		return "Divide two numbers"
	default:
		return ""
	}
}

func (k Kind) String() string { return k.Name() }

// ParseKind resolves a tool name to its kind.
func ParseKind(name string) (Kind, bool) {
	for _, k := range Kinds {
		if k.Name() == name {
			return k, true
		}
	}
	return 0, false
}

// Operands is the validated argument record shared by all arithmetic tools.
type Operands struct {
	A float64 `mapstructure:"a"`
	B float64 `mapstructure:"b"`
}

// DecodeOperands strictly decodes raw tool input into Operands. Strings are
// not coerced to numbers and unknown keys are rejected.
func DecodeOperands(input map[string]any) (Operands, error) {
	var ops Operands
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &ops,
		TagName:     "mapstructure",
		ErrorUnused: true,
		ErrorUnset:  true,
	})
	if err != nil {
		return ops, err
	}
	if err := dec.Decode(input); err != nil {
		return ops, errors.Wrap(err, errors.CodeToolInvalidParams, "invalid arguments", errors.CategoryUser)
	}
	return ops, nil
}

// Result represents the result of a tool execution.
type Result struct {
	Success    bool    `json:"success"`
	Value      float64 `json:"value,omitempty"`
	Text       string  `json:"text"`
	Error      string  `json:"error,omitempty"`
	Code       string  `json:"code,omitempty"`
	DurationMs int64   `json:"duration_ms"`
}

// NewSuccessResult creates a successful result.
func NewSuccessResult(v float64) *Result {
	return &Result{
		Success: true,
		Value:   v,
		Text:    FormatNumber(v),
	}
}

// NewErrorResult creates an error result. Text is what the model sees.
func NewErrorResult(err error) *Result {
	return &Result{
		Success: false,
		Error:   err.Error(),
		Code:    errors.GetCode(err),
		Text:    "error: " + err.Error(),
	}
}

// TimedResult wraps a result with duration.
func TimedResult(result *Result, start time.Time) *Result {
	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

// Execute runs kind over ops.
func Execute(ctx context.Context, kind Kind, ops Operands) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var v float64
	switch kind {
	case KindAdd:
		v = ops.A + ops.B
	case KindMultiply:
		v = ops.A * ops.B
	case KindDivide:
		if ops.B == 0 {
			return 0, errors.Domain(errors.CodeToolDivideByZero, "Division by zero is not allowed.")
		}
		v = ops.A / ops.B
	default:
		return 0, errors.Permanent(errors.CodeToolNotFound, fmt.Sprintf("unhandled tool kind %d", int(kind)))
	}

	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, errors.Domain(errors.CodeToolNonFinite, fmt.Sprintf("%s(%s, %s) is not a finite number", kind.Name(), FormatNumber(ops.A), FormatNumber(ops.B)))
	}
	return v, nil
}

// FormatNumber renders v the way the model expects to read numbers back:
// integers without a fractional part, exponent form only for very large or
// very small magnitudes.
func FormatNumber(v float64) string {
	if v == 0 {
		return "0"
	}
	abs := math.Abs(v)
	if abs >= 1e21 || abs < 1e-6 {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
