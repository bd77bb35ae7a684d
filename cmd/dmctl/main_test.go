package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blkmapper/devmapper"
)

func TestReadTable(t *testing.T) {
	in := strings.NewReader(`
# boot volume
0 2048 linear /dev/sda1 0
2048 100 zero
`)

	targets, err := readTable(in)
	require.NoError(t, err)
	assert.Equal(t, []devmapper.TargetLine{
		{Start: 0, Length: 2048, Type: "linear", Params: "/dev/sda1 0"},
		{Start: 2048, Length: 100, Type: "zero"},
	}, targets)
}

func TestReadTableRejectsMalformedLines(t *testing.T) {
	cases := map[string]string{
		"too few fields": "0 2048",
		"bad start":      "x 2048 linear",
		"bad length":     "0 x linear",
		"bad type":       "0 2048 " + strings.Repeat("t", 17),
	}
	for label, line := range cases {
		t.Run(label, func(t *testing.T) {
			_, err := readTable(strings.NewReader(line))
			assert.Error(t, err)
		})
	}
}
