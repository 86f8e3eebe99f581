package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pair struct {
	k, v *string
}

func strp(s string) *string { return &s }

func TestTargetStateOpposite(t *testing.T) {
	assert.Equal(t, Stopped, Running.Opposite())
	assert.Equal(t, Running, Stopped.Opposite())
}

func TestTargetStateString(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "TargetState(0)", TargetState(0).String())
	assert.Equal(t, "start", Running.Verb())
	assert.Equal(t, "stop", Stopped.Verb())
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds {
		got, err := ParseKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	_, err := ParseKind("lambda-function")
	assert.Error(t, err)
}

func TestKindsOrder(t *testing.T) {
	// Network-adjacent compute first, edge last.
	assert.Equal(t, []Kind{KindEC2Instance, KindRDSInstance, KindECSService, KindDistribution}, Kinds)
}

func TestResourceLabel(t *testing.T) {
	assert.Equal(t, "api", Resource{ID: "arn:svc/api", Name: "api"}.Label())
	assert.Equal(t, "i-123", Resource{ID: "i-123"}.Label())
}

func TestTagMap(t *testing.T) {
	tags := []pair{
		{strp("wwguide:stoppable"), strp("true")},
		{strp("empty"), nil},
		{nil, strp("orphan")},
	}

	m := TagMap(tags, func(p pair) (*string, *string) { return p.k, p.v })
	assert.Equal(t, map[string]string{"wwguide:stoppable": "true", "empty": ""}, m)
}
