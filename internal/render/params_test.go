package render

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParams_OrderedJSON(t *testing.T) {
	p := Params{{"width", 640}, {"height", 360}, {"prompt", "a"}}
	p.Set("seed", int64(3))
	p.Set("width", 320)

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, `{"width":320,"height":360,"prompt":"a","seed":3}`, string(data))

	assert.Equal(t, []string{"--width=320", "--height=360", "--prompt=a", "--seed=3"}, p.Args())
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "0.75", formatValue(0.75))
	assert.Equal(t, "7", formatValue(7.0))
	assert.Equal(t, "True", formatValue(true))
	assert.Equal(t, "False", formatValue(false))
	assert.Equal(t, "", formatValue(nil))
	assert.Equal(t, "12", formatValue(int64(12)))
}

func TestControlnetParams(t *testing.T) {
	t.Run("array", func(t *testing.T) {
		params, err := ControlnetParams(`[{"weight": 1.5, "module": "hed", "loopback": true}, {"module": "depth", "pixel_perfect": false}]`)
		require.NoError(t, err)
		require.Len(t, params, 2)
		assert.Equal(t, "unit1_params", params[0].Key)
		assert.Equal(t, "loopback=True, module=hed, weight=1.5", params[0].Value)
		assert.Equal(t, "unit2_params", params[1].Key)
		assert.Equal(t, "module=depth, pixel_perfect=False", params[1].Value)
	})

	t.Run("object", func(t *testing.T) {
		params, err := ControlnetParams(`{"10": {"module": "b"}, "2": {"module": "a"}}`)
		require.NoError(t, err)
		require.Len(t, params, 2)
		assert.Equal(t, "module=a", params[0].Value)
		assert.Equal(t, "module=b", params[1].Value)
	})

	t.Run("empty", func(t *testing.T) {
		for _, raw := range []string{"", "[]", "{}", "null"} {
			params, err := ControlnetParams(raw)
			assert.NoError(t, err)
			assert.Empty(t, params)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := ControlnetParams(`[1, 2`)
		assert.Error(t, err)
	})
}

func TestParseSnapshot(t *testing.T) {
	snap := ParseSnapshot(`{"seed": 5, "prompt": "x"}`)
	assert.Equal(t, 5.0, snap["seed"])
	assert.Empty(t, ParseSnapshot(""))
	assert.Empty(t, ParseSnapshot("garbage"))
}

func TestRevision(t *testing.T) {
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", Revision(""))
	assert.NotEqual(t, Revision(`{"a":1}`), Revision(`{"a":2}`))
}
