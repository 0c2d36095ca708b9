package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treasuredig/prober/internal/geometry"
)

func TestScanWireDecodesCompleteRequest(t *testing.T) {
	var wire ScanWire
	require.NoError(t, DecodeJSON(strings.NewReader(`{"position": {"x": 1, "y": 2.5, "z": -3}, "radius": 12, "materials": ["sand"]}`), &wire))
	req, err := wire.Request()
	require.NoError(t, err)
	assert.Equal(t, Point{X: 1, Y: 2.5, Z: -3}, req.Position)
	require.NotNil(t, req.Radius)
	assert.Equal(t, 12.0, *req.Radius)
	assert.Nil(t, req.Density)
	assert.Equal(t, []string{"sand"}, req.Materials)
}

func TestWireRejectsMissingComponents(t *testing.T) {
	cases := map[string]string{
		"missing position": `{}`,
		"missing y":        `{"position": {"x": 1, "z": 2}}`,
		"null z":           `{"position": {"x": 1, "y": 0, "z": null}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			var wire ProbeWire
			require.NoError(t, DecodeJSON(strings.NewReader(body), &wire))
			_, err := wire.Request()
			require.ErrorIs(t, err, geometry.ErrInvalidArgument)
		})
	}
}

func TestDecodeJSONRejectsUnknownFieldsAndGarbage(t *testing.T) {
	var wire FurthestWire
	require.ErrorIs(t, DecodeJSON(strings.NewReader(`{"start": {"x": 0, "y": 0, "z": 0}, "radius": 1, "bogus": true}`), &wire), geometry.ErrInvalidArgument)
	require.ErrorIs(t, DecodeJSON(strings.NewReader(`{"start":`), &wire), geometry.ErrInvalidArgument)
}

func TestPointRoundTrip(t *testing.T) {
	p := Point{X: 1, Y: -2, Z: 3}
	assert.Equal(t, p, PointOf(p.Vec()))
}
