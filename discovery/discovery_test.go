package discovery_test

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/nasa-jpl/pimotion/discovery"
	"github.com/stretchr/testify/require"
)

func TestParseConnectionType(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want discovery.ConnectionType
	}{
		{"RS232", discovery.RS232},
		{"serial", discovery.RS232},
		{"usb", discovery.USB},
		{"TCP/IP", discovery.TCPIP},
		{" tcp ", discovery.TCPIP},
	} {
		got, err := discovery.ParseConnectionType(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
		again, err := discovery.ParseConnectionType(got.String())
		require.NoError(t, err)
		require.Equal(t, got, again)
	}
	_, err := discovery.ParseConnectionType("carrier pigeon")
	require.Error(t, err)
	require.False(t, discovery.TCPIP.IsSerial())
	require.True(t, discovery.USB.IsSerial())
}

var devices = []discovery.Device{
	{Name: "PI E-727 Controller SN 0115029397", Connection: discovery.USB, Addr: "/dev/ttyUSB0", Serial: "0115029397"},
	{Name: "PI C-863 Mercury SN 0020550012", Connection: discovery.USB, Addr: "/dev/ttyUSB1", Serial: "0020550012"},
	{Name: "(c)2019 Physik Instrumente (PI) GmbH & Co. KG, C-884, 119006262, 2.0.0", Connection: discovery.TCPIP, Addr: "192.168.1.20:50000"},
}

func TestFind(t *testing.T) {
	d, err := discovery.Find(devices, "/dev/ttyUSB1")
	require.NoError(t, err)
	require.Equal(t, "0020550012", d.Serial)

	d, err = discovery.Find(devices, "0115029397")
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyUSB0", d.Addr)

	d, err = discovery.Find(devices, "C-884")
	require.NoError(t, err)
	require.Equal(t, discovery.TCPIP, d.Connection)

	_, err = discovery.Find(devices, "PI")
	require.Error(t, err, "ambiguous")
	_, err = discovery.Find(devices, "E-518")
	require.Error(t, err)
}

func TestMergeDropsDuplicatePorts(t *testing.T) {
	serial := []discovery.Device{
		{Name: "/dev/ttyUSB0", Connection: discovery.RS232, Addr: "/dev/ttyUSB0"},
		{Name: "/dev/ttyS0", Connection: discovery.RS232, Addr: "/dev/ttyS0"},
	}
	merged := discovery.Merge(devices[:1], serial)
	require.Len(t, merged, 2)
	require.Equal(t, discovery.USB, merged[0].Connection)
	require.Equal(t, "/dev/ttyS0", merged[1].Addr)
}

func TestTCPDevicesCollectsReplies(t *testing.T) {
	const idn = "(c)2019 Physik Instrumente (PI) GmbH & Co. KG, C-884, 119006262, 2.0.0"
	responder, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer responder.Close()
	go func() {
		buf := make([]byte, 64)
		for {
			n, from, err := responder.ReadFrom(buf)
			if err != nil {
				return
			}
			if string(buf[:n]) == "PI" {
				responder.WriteTo([]byte(idn+"\n"), from)
				// a second reply from the same controller is ignored
				responder.WriteTo([]byte(idn+"\n"), from)
			}
		}
	}()

	prev := discovery.BroadcastAddr
	discovery.BroadcastAddr = responder.LocalAddr().String()
	defer func() { discovery.BroadcastAddr = prev }()

	devs, err := discovery.TCPDevices(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, devs, 1)
	require.Equal(t, "127.0.0.1:50000", devs[0].Addr)
	require.Equal(t, idn, devs[0].Name)
	require.Equal(t, "119006262", devs[0].Serial)
	require.Equal(t, discovery.TCPIP, devs[0].Connection)
}

func TestTCPDevicesHonorsCancel(t *testing.T) {
	responder, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer responder.Close()
	prev := discovery.BroadcastAddr
	discovery.BroadcastAddr = responder.LocalAddr().String()
	defer func() { discovery.BroadcastAddr = prev }()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err = discovery.TCPDevices(ctx, 10*time.Second)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestDeviceJSON(t *testing.T) {
	b, err := devices[2].MarshalJSON()
	require.NoError(t, err)
	require.Contains(t, string(b), `"connection":"TCP/IP"`)

	// names come off the wire and may hold anything
	d := discovery.Device{Name: "PI E-727\x00 caf\xe9", Connection: discovery.TCPIP, Addr: "10.0.0.2:50000"}
	b, err = json.Marshal(d)
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, json.Unmarshal(b, &got))
	require.Equal(t, "PI E-727\x00 caf\ufffd", got["name"])
	require.Equal(t, "TCP/IP", got["connection"])
}
