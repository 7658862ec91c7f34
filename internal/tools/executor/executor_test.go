package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flynn-ai/tally/internal/errors"
)

func TestParseKind(t *testing.T) {
	for _, k := range Kinds {
		got, ok := ParseKind(k.Name())
		require.True(t, ok)
		assert.Equal(t, k, got)
	}

	_, ok := ParseKind("modulo")
	assert.False(t, ok)
	assert.Equal(t, "unknown", Kind(99).Name())
}

func TestExecuteKinds(t *testing.T) {
	ctx := context.Background()

	v, err := Execute(ctx, KindAdd, Operands{A: 3, B: 4})
	require.NoError(t, err)
	assert.Equal(t, 7.0, v)

	v, err = Execute(ctx, KindMultiply, Operands{A: 6, B: 7})
	require.NoError(t, err)
	assert.Equal(t, 42.0, v)

	v, err = Execute(ctx, KindDivide, Operands{A: 7, B: 2})
	require.NoError(t, err)
	assert.Equal(t, 3.5, v)

	_, err = Execute(ctx, KindDivide, Operands{A: 7, B: 0})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeToolDivideByZero))

	_, err = Execute(ctx, KindDivide, Operands{A: 1e308, B: 1e-308})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeToolNonFinite))

	_, err = Execute(ctx, Kind(0), Operands{})
	require.Error(t, err)
}

func TestDecodeOperands(t *testing.T) {
	ops, err := DecodeOperands(map[string]any{"a": 1.5, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, Operands{A: 1.5, B: 2}, ops)

	_, err = DecodeOperands(map[string]any{"a": "1", "b": 2.0})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeToolInvalidParams))

	_, err = DecodeOperands(map[string]any{"a": 1.0})
	require.Error(t, err)

	_, err = DecodeOperands(map[string]any{"a": 1.0, "b": 2.0, "extra": true})
	require.Error(t, err)
}

func TestFormatNumber(t *testing.T) {
	tests := map[float64]string{
		7:       "7",
		-0.0:    "0",
		0.5:     "0.5",
		42:      "42",
		1e21:    "1e+21",
		1e-7:    "1e-07",
		1e-6:    "0.000001",
		-1e21:   "-1e+21",
		1e20:    "100000000000000000000",
		123456:  "123456",
		-3.0625: "-3.0625",
	}
	for in, want := range tests {
		assert.Equal(t, want, FormatNumber(in), "FormatNumber(%v)", in)
	}
}

func TestResults(t *testing.T) {
	ok := NewSuccessResult(7)
	assert.True(t, ok.Success)
	assert.Equal(t, "7", ok.Text)

	bad := NewErrorResult(errors.Domain(errors.CodeToolDivideByZero, "Division by zero is not allowed."))
	assert.False(t, bad.Success)
	assert.Equal(t, errors.CodeToolDivideByZero, bad.Code)
	assert.Equal(t, "error: [TOOL_DIVIDE_BY_ZERO] Division by zero is not allowed.", bad.Text)
}
