package ocppj

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValueToString(t *testing.T) {
	assert.Equal(t, "-1", valueToString(nil, "-1"))
	assert.Equal(t, "7", valueToString("7", "-1"))
	assert.Equal(t, "42", valueToString(float64(42), "-1"), "whole floats render without a decimal point")
	assert.Equal(t, "1.5", valueToString(1.5, "-1"))
	assert.Equal(t, "true", valueToString(true, "-1"))
}

func TestFieldOrDefault(t *testing.T) {
	fields := map[string]any{"connectorId": float64(2), "idTag": nil}
	assert.Equal(t, float64(2), fieldOrDefault(fields, "connectorId", 0))
	assert.Equal(t, "-", fieldOrDefault(fields, "idTag", "-"), "explicit null falls back")
	assert.Equal(t, 0, fieldOrDefault(fields, "missing", 0))
}
