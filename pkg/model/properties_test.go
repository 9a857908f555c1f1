package model

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePropertiesConvertsWidths(t *testing.T) {
	props, err := NormalizeProperties(Properties{
		"replicas": 3,
		"port":     uint16(8080),
		"ratio":    float32(0.5),
		"tags":     []string{"a", "b"},
		"labels":   map[string]string{"tier": "gold"},
		"nested":   map[string]any{"limits": []int{1, 2}},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(3), props["replicas"])
	assert.Equal(t, int64(8080), props["port"])
	assert.Equal(t, float64(0.5), props["ratio"])
	assert.Equal(t, []any{"a", "b"}, props["tags"])
	assert.Equal(t, map[string]any{"tier": "gold"}, props["labels"])
	assert.Equal(t, map[string]any{"limits": []any{int64(1), int64(2)}}, props["nested"])
}

func TestNormalizePropertiesRejectsUnsupported(t *testing.T) {
	cases := map[string]any{
		"nan":    math.NaN(),
		"inf":    math.Inf(1),
		"struct": struct{ A int }{A: 1},
		"big":    uint64(math.MaxUint64),
		"func":   func() {},
	}
	for name, v := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NormalizeProperties(Properties{"k": v})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidArgument))
		})
	}
}

func TestNormalizePropertiesCopies(t *testing.T) {
	inner := map[string]any{"x": "1"}
	in := Properties{"m": inner}
	out, err := NormalizeProperties(in)
	require.NoError(t, err)

	inner["x"] = "2"
	assert.Equal(t, "1", out["m"].(map[string]any)["x"])
}

func TestPropertiesJSONKeepsNumberKinds(t *testing.T) {
	in := Properties{
		"int":    int64(3),
		"float":  float64(3),
		"frac":   2.5,
		"big":    int64(math.MaxInt64),
		"nested": []any{int64(1), 1.0, "s", nil, true},
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"big":9223372036854775807,"float":3.0,"frac":2.5,"int":3,"nested":[1,1.0,"s",null,true]}`, string(data))
	assert.Contains(t, string(data), `"float":3.0`)

	var out Properties
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestPropertiesMarshalSortsKeys(t *testing.T) {
	data, err := json.Marshal(Properties{"b": 1, "a": map[string]any{"z": 1, "y": 2}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":2,"z":1},"b":1}`, string(data))
}

func TestPropertiesString(t *testing.T) {
	p := Properties{"team": "payments", "replicas": int64(2)}
	assert.Equal(t, "payments", p.String("team"))
	assert.Equal(t, "", p.String("replicas"))
	assert.Equal(t, "", p.String("missing"))
	assert.Equal(t, "", Properties(nil).String("team"))
}

func TestNodeJSONRoundTrip(t *testing.T) {
	n := Node{
		ID:   NodeID(NodeTypeService, "api"),
		Name: "api",
		Type: NodeTypeService,
		Properties: Properties{
			"cpu":    0.25,
			"ports":  []any{int64(80), int64(443)},
			"weight": float64(1),
		},
	}
	data, err := json.Marshal(n)
	require.NoError(t, err)

	var back Node
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, n, back)
}
