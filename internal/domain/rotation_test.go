package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRotation(t *testing.T) {
	cases := map[int]Rotation{
		0:    Rotation0,
		44:   Rotation0,
		45:   Rotation90,
		90:   Rotation90,
		180:  Rotation180,
		269:  Rotation270,
		315:  Rotation0,
		360:  Rotation0,
		-90:  Rotation270,
		-180: Rotation180,
		450:  Rotation90,
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeRotation(in), "degrees=%d", in)
	}
}

func TestParseRotation(t *testing.T) {
	r, err := ParseRotation(" 270\n")
	require.NoError(t, err)
	assert.Equal(t, Rotation270, r)

	_, err = ParseRotation("sideways")
	require.Error(t, err)
}
