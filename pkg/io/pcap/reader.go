// Package pcap turns capture files into per-minute traffic volume records.
//
// Every IP packet to or from a configured gateway address is attributed to
// a service by port and added to the minute bucket of its timestamp:
// packets addressed to the gateway count as volume up, packets sent by it
// as volume down.
package pcap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/hed1ad/trafficguard/pkg/detectors"
)

// ErrNoGateways is returned when a reader has no gateway addresses.
var ErrNoGateways = errors.New("pcap: no gateway addresses configured")

// DefaultServices maps well-known server ports to service types.
var DefaultServices = map[uint16]string{
	53:   "DNS",
	80:   "WEB",
	443:  "WEB",
	554:  "VOD",
	5060: "VOIP",
	8080: "WEB",
}

// Reader reads packets from a capture file and aggregates them.
type Reader struct {
	file   *os.File
	source *pcapgo.Reader
	agg    *Aggregator
}

// Option configures the aggregation.
type Option func(*Aggregator)

// WithGateways sets the gateway addresses whose traffic is counted.
func WithGateways(addrs ...string) Option {
	return func(a *Aggregator) {
		for _, addr := range addrs {
			if ip := net.ParseIP(addr); ip != nil {
				a.gateways[ip.String()] = true
			}
		}
	}
}

// WithServices replaces the port to service mapping.
func WithServices(services map[uint16]string) Option {
	return func(a *Aggregator) {
		a.services = services
	}
}

// WithDefaultService attributes packets on unmapped ports to name. With the
// default empty name such packets are ignored.
func WithDefaultService(name string) Option {
	return func(a *Aggregator) {
		a.defaultService = name
	}
}

// NewFileReader opens a pcap file.
func NewFileReader(filename string, opts ...Option) (*Reader, error) {
	agg, err := NewAggregator(opts...)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	source, err := pcapgo.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("pcap: %s: %w", filename, err)
	}

	return &Reader{file: file, source: source, agg: agg}, nil
}

// Read aggregates the whole file.
func (r *Reader) Read() ([]detectors.Record, error) {
	var data []detectors.Record
	for {
		pkt, err := r.next()
		if err == io.EOF {
			return append(data, r.agg.FlushAll()...), nil
		}
		if err != nil {
			return nil, err
		}
		data = append(data, r.agg.Add(pkt)...)
	}
}

// Stream emits each minute as soon as a packet of a later minute is read.
func (r *Reader) Stream(ctx context.Context) (<-chan detectors.Record, error) {
	out := make(chan detectors.Record, 1000)

	go func() {
		defer close(out)
		for {
			pkt, err := r.next()
			var recs []detectors.Record
			switch {
			case err == io.EOF:
				recs = r.agg.FlushAll()
			case err != nil:
				return
			default:
				recs = r.agg.Add(pkt)
			}
			for _, rec := range recs {
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
			if err == io.EOF {
				return
			}
		}
	}()

	return out, nil
}

func (r *Reader) next() (gopacket.Packet, error) {
	data, ci, err := r.source.ReadPacketData()
	if err != nil {
		return nil, err
	}
	pkt := gopacket.NewPacket(data, r.source.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	pkt.Metadata().CaptureInfo = ci
	return pkt, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Aggregator sums packet lengths into per-minute buckets per entity.
// Packets must arrive in capture order.
type Aggregator struct {
	gateways       map[string]bool
	services       map[uint16]string
	defaultService string

	current time.Time
	buckets map[detectors.EntityID]*[2]float64
	// last is the newest emitted minute per entity, used to fill gaps with
	// zero volume.
	last  map[detectors.EntityID]time.Time
	order []detectors.EntityID
}

// NewAggregator creates an aggregator. At least one gateway is required.
func NewAggregator(opts ...Option) (*Aggregator, error) {
	a := &Aggregator{
		gateways: make(map[string]bool),
		services: DefaultServices,
		buckets:  make(map[detectors.EntityID]*[2]float64),
		last:     make(map[detectors.EntityID]time.Time),
	}
	for _, opt := range opts {
		opt(a)
	}
	if len(a.gateways) == 0 {
		return nil, ErrNoGateways
	}
	return a, nil
}

// Add accounts pkt and returns the records of every minute that is now
// complete.
func (a *Aggregator) Add(pkt gopacket.Packet) []detectors.Record {
	md := pkt.Metadata()
	if md == nil {
		return nil
	}
	minute := md.Timestamp.UTC().Truncate(time.Minute)

	var done []detectors.Record
	if !a.current.IsZero() && minute.After(a.current) {
		done = a.flush()
	}
	if a.current.IsZero() || minute.After(a.current) {
		a.current = minute
	}

	entity, up, ok := a.classify(pkt)
	if !ok {
		return done
	}
	b, seen := a.buckets[entity]
	if !seen {
		b = &[2]float64{}
		a.buckets[entity] = b
		if _, known := a.last[entity]; !known {
			a.order = append(a.order, entity)
		}
	}

	size := float64(md.Length)
	if size == 0 {
		size = float64(len(pkt.Data()))
	}
	if up {
		b[0] += size
	} else {
		b[1] += size
	}
	return done
}

// FlushAll returns the records of the current minute.
func (a *Aggregator) FlushAll() []detectors.Record {
	return a.flush()
}

func (a *Aggregator) flush() []detectors.Record {
	var out []detectors.Record
	for _, entity := range a.order {
		b, ok := a.buckets[entity]
		if !ok {
			continue
		}
		if last, ok := a.last[entity]; ok {
			for ts := last.Add(time.Minute); ts.Before(a.current); ts = ts.Add(time.Minute) {
				out = append(out, detectors.Record{Entity: entity, Time: ts, Values: []float64{0, 0}})
			}
		}
		out = append(out, detectors.Record{Entity: entity, Time: a.current, Values: []float64{b[0], b[1]}})
		a.last[entity] = a.current
	}
	clear(a.buckets)
	return out
}

// classify finds the gateway side and service of pkt. up is true when the
// gateway is the destination.
func (a *Aggregator) classify(pkt gopacket.Packet) (entity detectors.EntityID, up bool, ok bool) {
	var src, dst net.IP
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		src, dst = ip.SrcIP, ip.DstIP
	case *layers.IPv6:
		src, dst = ip.SrcIP, ip.DstIP
	default:
		return entity, false, false
	}

	var srcPort, dstPort uint16
	switch tl := pkt.TransportLayer().(type) {
	case *layers.TCP:
		srcPort, dstPort = uint16(tl.SrcPort), uint16(tl.DstPort)
	case *layers.UDP:
		srcPort, dstPort = uint16(tl.SrcPort), uint16(tl.DstPort)
	}

	var gateway string
	switch {
	case a.gateways[dst.String()]:
		gateway, up = dst.String(), true
	case a.gateways[src.String()]:
		gateway, up = src.String(), false
	default:
		return entity, false, false
	}

	service, found := a.services[dstPort]
	if !found {
		service, found = a.services[srcPort]
	}
	if !found {
		if a.defaultService == "" {
			return entity, false, false
		}
		service = a.defaultService
	}
	return detectors.EntityID{Gateway: gateway, Service: service}, up, true
}
