package mqttmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopedAppendsPath(t *testing.T) {
	root := Scope{prefix: "modbus-mqtt"}

	site, err := root.Scoped("site1")
	require.NoError(t, err)
	assert.Equal(t, "modbus-mqtt/site1", site.Prefix())

	registers, err := site.Scoped("registers")
	require.NoError(t, err)
	assert.Equal(t, "modbus-mqtt/site1/registers", registers.Prefix())
}

func TestScopedRejectsEmptySegment(t *testing.T) {
	root := Scope{prefix: "modbus-mqtt"}
	_, err := root.Scoped("")
	assert.Error(t, err)
}

func TestScopedComposesEquivalently(t *testing.T) {
	root := Scope{prefix: "modbus-mqtt"}

	a, err := root.Scoped("a")
	require.NoError(t, err)
	ab, err := a.Scoped("b")
	require.NoError(t, err)

	direct, err := root.Scoped("a/b")
	require.NoError(t, err)

	assert.Equal(t, direct.Prefix(), ab.Prefix())
}
