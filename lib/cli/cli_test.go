package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-nan/go-nan/lib/config"
	"github.com/go-nan/go-nan/lib/nancp"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	viper.Reset()
	saved := config.CfgFile
	t.Cleanup(func() {
		viper.Reset()
		config.CfgFile = saved
	})
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte("log:\n  level: off\n"), 0o644))
	return file
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestScenarioCommand(t *testing.T) {
	file := writeConfig(t)
	out, err := execute(t, "--config", file, "scenario", "../scenario/testdata/chat.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "chat")
	assert.Contains(t, out, "message_received")
	assert.Contains(t, out, `message="pong"`)
}

func TestScenarioCommandMissingFile(t *testing.T) {
	file := writeConfig(t)
	_, err := execute(t, "--config", file, "scenario", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestInvalidConfigRejected(t *testing.T) {
	writeConfig(t)
	file := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(file, []byte("server:\n  network: udp\n"), 0o644))
	_, err := execute(t, "--config", file, "scenario", "../scenario/testdata/chat.yaml")
	assert.ErrorContains(t, err, "Server.Network")
}

func TestNthAddress(t *testing.T) {
	tests := []struct {
		network, address string
		i                int
		want             string
	}{
		{"tcp", "localhost:7655", 0, "localhost:7655"},
		{"tcp", "localhost:7655", 2, "localhost:7657"},
		{"tcp", "127.0.0.1:0", 3, "127.0.0.1:0"},
		{"unix", "/tmp/nan.sock", 1, "/tmp/nan.sock.1"},
	}
	for _, tt := range tests {
		got, err := nthAddress(tt.network, tt.address, tt.i)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := nthAddress("tcp", "no-port", 1)
	assert.Error(t, err)
	_, err = nthAddress("tcp", "host:http", 1)
	assert.Error(t, err)
}

func TestStartFleetRejectsBadInput(t *testing.T) {
	_, err := startFleet(context.Background(), config.Defaults(), 0)
	assert.Error(t, err)

	cfg := config.Defaults()
	cfg.Radio.InterfaceAddress = "nope"
	_, err = startFleet(context.Background(), cfg, 1)
	assert.Error(t, err)
}

func TestFleetDiscovery(t *testing.T) {
	cfg := config.Defaults()
	cfg.Server.Address = "127.0.0.1:0"
	cfg.Radio.ResponseLatency = time.Millisecond
	f, err := startFleet(context.Background(), cfg, 2)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	require.Len(t, f.devices, 2)
	assert.NotEqual(t, f.devices[0].radio.Address().String(), f.devices[1].radio.Address().String())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var pubOut, subOut bytes.Buffer
	var pubErr, subErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pubErr = discover(ctx, &pubOut, discoverOptions{
			network: "tcp",
			address: f.devices[0].server.Addr().String(),
			publish: "chat",
			info:    "hello",
		})
	}()
	go func() {
		defer wg.Done()
		subErr = discover(ctx, &subOut, discoverOptions{
			network:   "tcp",
			address:   f.devices[1].server.Addr().String(),
			subscribe: "chat",
			message:   "ping",
		})
	}()
	wg.Wait()

	require.NoError(t, pubErr)
	require.NoError(t, subErr)
	assert.Contains(t, subOut.String(), "connected")
	assert.Contains(t, subOut.String(), "Match")
	assert.Contains(t, subOut.String(), `"hello"`)
	assert.Contains(t, subOut.String(), "MessageSendSuccess")
	assert.Contains(t, pubOut.String(), "MessageReceived")
	assert.Contains(t, pubOut.String(), `"ping"`)
}

func TestRenderEvent(t *testing.T) {
	ev := nancp.Event{
		Type:       nancp.MessageTypeMatch,
		SessionID:  1,
		HasSession: true,
		Payload:    []byte(`{"sessionId":1,"peer":3,"data":"aGk="}`),
	}
	out := renderEvent(ev)
	assert.Contains(t, out, "Match")
	assert.Contains(t, out, "peer=")
	assert.Contains(t, out, `"hi"`)

	bad := renderEvent(nancp.Event{Type: nancp.MessageTypeNanDown, Payload: []byte("{")})
	assert.Contains(t, bad, "NanDown")
}

func TestStyleFor(t *testing.T) {
	assert.Equal(t, failStyle.Render("x"), styleFor("publish_fail").Render("x"))
	assert.Equal(t, failStyle.Render("x"), styleFor("NanDown").Render("x"))
	assert.Equal(t, peerStyle.Render("x"), styleFor("Match").Render("x"))
	assert.Equal(t, messageStyle.Render("x"), styleFor("message_received").Render("x"))
	assert.Equal(t, okStyle.Render("x"), styleFor("config_completed").Render("x"))
}

func TestDiscoveryFlags(t *testing.T) {
	serveCmd := newServeCmd()
	require.NotNil(t, serveCmd.Flags().Lookup("advertise"))
	assert.Equal(t, "false", serveCmd.Flags().Lookup("advertise").DefValue)

	discoverCmd := newDiscoverCmd()
	require.NotNil(t, discoverCmd.Flags().Lookup("browse"))
	assert.Equal(t, "false", discoverCmd.Flags().Lookup("browse").DefValue)
}
