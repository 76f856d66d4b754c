package docker

import (
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainerName_Deterministic(t *testing.T) {
	a := containerName("/srv/templates/aws/main.tf")
	b := containerName("/srv/templates/aws/main.tf")
	assert.Equal(t, a, b)
	assert.Len(t, a, len("embervm-")+12)
}

func TestContainerName_DistinctTemplates(t *testing.T) {
	assert.NotEqual(t,
		containerName("/srv/templates/aws/main.tf"),
		containerName("/srv/templates/gcp/main.tf"))
}

func TestPortBindings(t *testing.T) {
	exposed, bindings, err := portBindings(`[{"protocol":"tcp","port_number":22},{"protocol":"udp","port_number":51820}]`)
	require.NoError(t, err)

	tcp22 := nat.Port("22/tcp")
	udp51820 := nat.Port("51820/udp")

	assert.Contains(t, exposed, tcp22)
	assert.Contains(t, exposed, udp51820)
	assert.Equal(t, []nat.PortBinding{{HostPort: "22"}}, bindings[tcp22])
	assert.Equal(t, []nat.PortBinding{{HostPort: "51820"}}, bindings[udp51820])
}

func TestPortBindings_EmptyInput(t *testing.T) {
	exposed, bindings, err := portBindings("")
	require.NoError(t, err)
	assert.Nil(t, exposed)
	assert.Nil(t, bindings)
}

func TestPortBindings_SkipsUnsupportedProtocols(t *testing.T) {
	exposed, bindings, err := portBindings(`[{"protocol":"icmp","port_number":0}]`)
	require.NoError(t, err)
	assert.Nil(t, exposed)
	assert.Nil(t, bindings)
}

func TestPortBindings_MalformedJSON(t *testing.T) {
	_, _, err := portBindings("[not json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing inbound rules")
}
