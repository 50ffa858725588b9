package scenario

import (
	"testing"
	"time"

	"github.com/go-nan/go-nan/lib/nan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRejectsInvalidScenarios(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"malformed", "devices: [unterminated"},
		{"no devices", "steps: []"},
		{"unnamed device", "devices: [{address: '02:00:00:00:00:01'}]"},
		{"duplicate device", "devices: [{name: a}, {name: a}]"},
		{"bad address", "devices: [{name: a, address: nope}]"},
		{"unknown device", "devices: [{name: a}]\nsteps: [{action: connect, device: b}]"},
		{"unknown action", "devices: [{name: a}]\nsteps: [{action: dance, device: a}]"},
		{"missing session", "devices: [{name: a}]\nsteps: [{action: create_session, device: a}]"},
		{"missing publish", "devices: [{name: a}]\nsteps: [{action: publish, device: a, session: 1}]"},
		{"bad publish type", "devices: [{name: a}]\nsteps: [{action: publish, device: a, session: 1, publish: {service: x, type: loud}}]"},
		{"bad subscribe type", "devices: [{name: a}]\nsteps: [{action: subscribe, device: a, session: 1, subscribe: {service: x, type: loud}}]"},
		{"bad response filter", "devices: [{name: a}]\nsteps: [{action: subscribe, device: a, session: 1, subscribe: {service: x, responseFilter: [zz]}}]"},
		{"bad status", "devices: [{name: a}]\nsteps: [{action: nan_down, device: a, status: MELTED}]"},
		{"empty wait", "devices: [{name: a}]\nsteps: [{action: wait}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidScenario)
		})
	}
}

func TestParseScenario(t *testing.T) {
	sc, err := Load("testdata/chat.yaml")
	require.NoError(t, err)

	assert.Equal(t, "chat", sc.Name)
	assert.Equal(t, 20*time.Second, sc.Timeout)
	require.Len(t, sc.Devices, 2)
	assert.Equal(t, time.Millisecond, sc.Devices[0].Latency)

	pub := sc.Steps[8]
	require.Equal(t, ActionPublish, pub.Action)
	data, settings, err := pub.Publish.build()
	require.NoError(t, err)
	assert.Equal(t, "chat", data.ServiceName)
	assert.Equal(t, []byte("hello"), data.ServiceSpecificInfo)
	assert.Equal(t, []byte("\x06room-1"), data.TxFilter)
	assert.Equal(t, nan.PublishUnsolicited, settings.Type)

	sub := sc.Steps[9]
	sdata, _, err := sub.Subscribe.build()
	require.NoError(t, err)
	require.Len(t, sdata.ServiceResponseFilter, 1)
	assert.Equal(t, "02:00:00:00:00:01", sdata.ServiceResponseFilter[0].String())
}

func TestConfigSpecBuild(t *testing.T) {
	var missing *ConfigSpec
	assert.Equal(t, nan.DefaultConfigRequest(), missing.build())

	low, high := 10, 20
	req := (&ConfigSpec{Support5g: true, MasterPreference: 5, ClusterLow: &low, ClusterHigh: &high}).build()
	assert.Equal(t, nan.ConfigRequest{Support5gBand: true, MasterPreference: 5, ClusterLow: 10, ClusterHigh: 20}, req)
}

func TestStepDefaults(t *testing.T) {
	assert.Equal(t, nan.ClientID(1), Step{}.client())
	assert.Equal(t, nan.ClientID(4), Step{Client: 4}.client())
	assert.Equal(t, "DE_FAILURE", Step{}.statusName())
}
