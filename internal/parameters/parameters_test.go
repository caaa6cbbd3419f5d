package parameters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	params, err := Parse("")
	require.NoError(t, err)
	require.Empty(t, params)

	params, err = Parse("huber_delta=0.5, kan , batch_size=32")
	require.NoError(t, err)
	require.Equal(t, Params{"huber_delta": "0.5", "kan": "", "batch_size": "32"}, params)
	require.Equal(t, []string{"batch_size", "huber_delta", "kan"}, params.Keys())

	_, err = Parse("a=1,,b=2")
	require.Error(t, err)
	_, err = Parse("a=1,a=2")
	require.Error(t, err)
}

func TestGetAndPop(t *testing.T) {
	params := Params{"delta": "0.5", "kan": "", "n": "3", "name": "adam", "bad": "x"}
	delta, err := Get(params, "delta", 1.0)
	require.NoError(t, err)
	assert.Equal(t, 0.5, delta)
	kan, err := Pop(params, "kan", false)
	require.NoError(t, err)
	assert.True(t, kan)
	n, err := Pop(params, "n", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	missing, err := Pop(params, "missing", "default")
	require.NoError(t, err)
	assert.Equal(t, "default", missing)
	_, err = Pop(params, "bad", 1)
	require.Error(t, err)

	assert.Equal(t, []string{"bad", "delta", "name"}, params.Keys())
}
