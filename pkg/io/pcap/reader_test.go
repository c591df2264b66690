package pcap

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/trafficguard/pkg/detectors"
	tgio "github.com/hed1ad/trafficguard/pkg/io"
)

var _ tgio.Reader = (*Reader)(nil)

var (
	t0      = time.Date(2019, 8, 1, 0, 0, 0, 0, time.UTC)
	gateway = net.IPv4(10, 0, 0, 1)
	client  = net.IPv4(192, 168, 1, 5)
	web     = detectors.EntityID{Gateway: "10.0.0.1", Service: "WEB"}
)

type testPacket struct {
	at       time.Time
	src, dst net.IP
	sport    uint16
	dport    uint16
	udp      bool
	payload  int
}

func serialize(t *testing.T, p testPacket) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, SrcIP: p.src, DstIP: p.dst}
	payload := gopacket.Payload(make([]byte, p.payload))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	var err error
	if p.udp {
		ip.Protocol = layers.IPProtocolUDP
		udp := &layers.UDP{SrcPort: layers.UDPPort(p.sport), DstPort: layers.UDPPort(p.dport)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		err = gopacket.SerializeLayers(buf, opts, eth, ip, udp, payload)
	} else {
		ip.Protocol = layers.IPProtocolTCP
		tcp := &layers.TCP{SrcPort: layers.TCPPort(p.sport), DstPort: layers.TCPPort(p.dport), ACK: true, Window: 1024}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
		err = gopacket.SerializeLayers(buf, opts, eth, ip, tcp, payload)
	}
	require.NoError(t, err)
	return buf.Bytes()
}

// writeCapture writes packets to a pcap file and returns the path and the
// length of each packet.
func writeCapture(t *testing.T, packets []testPacket) (string, []int) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))

	lengths := make([]int, len(packets))
	for i, p := range packets {
		data := serialize(t, p)
		lengths[i] = len(data)
		ci := gopacket.CaptureInfo{Timestamp: p.at, CaptureLength: len(data), Length: len(data)}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return path, lengths
}

func capture(t *testing.T) (string, []int) {
	return writeCapture(t, []testPacket{
		{at: t0.Add(5 * time.Second), src: client, dst: gateway, sport: 40000, dport: 80, payload: 100},
		{at: t0.Add(10 * time.Second), src: gateway, dst: client, sport: 80, dport: 40000, payload: 1400},
		{at: t0.Add(20 * time.Second), src: client, dst: gateway, sport: 40001, dport: 9999, payload: 10},
		{at: t0.Add(30 * time.Second), src: client, dst: net.IPv4(8, 8, 8, 8), sport: 40002, dport: 80, payload: 10},
		{at: t0.Add(40 * time.Second), src: client, dst: gateway, sport: 5353, dport: 53, udp: true, payload: 30},
		{at: t0.Add(2*time.Minute + time.Second), src: client, dst: gateway, sport: 40000, dport: 443, payload: 200},
	})
}

func TestReadAggregatesPerMinute(t *testing.T) {
	path, lengths := capture(t)
	r, err := NewFileReader(path, WithGateways("10.0.0.1"))
	require.NoError(t, err)
	defer r.Close()

	recs, err := r.Read()
	require.NoError(t, err)

	dns := detectors.EntityID{Gateway: "10.0.0.1", Service: "DNS"}
	want := []detectors.Record{
		{Entity: web, Time: t0, Values: []float64{float64(lengths[0]), float64(lengths[1])}},
		{Entity: dns, Time: t0, Values: []float64{float64(lengths[4]), 0}},
		{Entity: web, Time: t0.Add(time.Minute), Values: []float64{0, 0}},
		{Entity: web, Time: t0.Add(2 * time.Minute), Values: []float64{float64(lengths[5]), 0}},
	}
	assert.Equal(t, want, recs)
}

func TestDefaultService(t *testing.T) {
	path, lengths := capture(t)
	r, err := NewFileReader(path, WithGateways("10.0.0.1"), WithServices(map[uint16]string{80: "WEB"}), WithDefaultService("OTHER"))
	require.NoError(t, err)
	defer r.Close()

	recs, err := r.Read()
	require.NoError(t, err)

	groups := tgio.Group(recs)
	other := groups[detectors.EntityID{Gateway: "10.0.0.1", Service: "OTHER"}]
	require.NotEmpty(t, other)
	assert.Equal(t, []float64{float64(lengths[2] + lengths[4]), 0}, other[0].Values)
}

func TestStream(t *testing.T) {
	path, _ := capture(t)
	r, err := NewFileReader(path, WithGateways("10.0.0.1"))
	require.NoError(t, err)
	defer r.Close()

	ch, err := r.Stream(context.Background())
	require.NoError(t, err)

	var got []detectors.Record
	for rec := range ch {
		got = append(got, rec)
	}
	assert.Len(t, got, 4)
}

func TestNoGateways(t *testing.T) {
	_, err := NewFileReader("unused.pcap")
	assert.ErrorIs(t, err, ErrNoGateways)
}
