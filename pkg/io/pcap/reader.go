// Package pcap turns PCAP capture files into per-flow traffic feature tables.
package pcap

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/hed1ad/gotrafficml/pkg/frame"
	trafficio "github.com/hed1ad/gotrafficml/pkg/io"
)

// Reader reads packets from a PCAP file and groups their features by
// traffic key.
//
// With device addresses configured, the group is the device address and
// the direction is "from" for packets it sends and "to" for packets it
// receives; other packets are ignored. Without devices, the group is the
// bidirectional flow, formatted "UDP 10.0.0.2:40000 93.184.216.34:50000", and
// the direction is "from" for packets sent by the lower endpoint.
type Reader struct {
	closer    io.Closer
	source    *gopacket.PacketSource
	extractor *FeatureExtractor
	devices   map[string]struct{}
}

// Option configures a Reader.
type Option func(*Reader)

// WithDevices sets the device addresses that define traffic groups.
func WithDevices(addrs ...net.IP) Option {
	return func(r *Reader) {
		for _, a := range addrs {
			r.devices[a.String()] = struct{}{}
		}
	}
}

// NewFileReader creates a reader for PCAP files.
func NewFileReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r, err := NewReader(file, opts...)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.closer = file
	return r, nil
}

// NewReader creates a reader over a PCAP stream. Close does not close src.
func NewReader(src io.Reader, opts ...Option) (*Reader, error) {
	pr, err := pcapgo.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("open pcap: %w", err)
	}

	r := &Reader{
		source:    gopacket.NewPacketSource(pr, pr.LinkType()),
		extractor: NewFeatureExtractor(),
		devices:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ReadTraffic returns one feature table per traffic key.
func (r *Reader) ReadTraffic() (frame.Traffic, error) {
	if r.source == nil {
		return nil, errors.New("reader not initialized")
	}

	out := make(frame.Traffic)
	for packet := range r.source.Packets() {
		key, ok := r.classify(packet)
		if !ok {
			continue
		}

		features := r.extractor.Extract(key, packet)
		t, ok := out[key]
		if !ok {
			t = &frame.Table{Columns: r.extractor.FeatureNames()}
			out[key] = t
		}
		t.Rows = append(t.Rows, features)
	}

	return out, nil
}

// Read returns every classified packet as one table with the traffic key
// as the row group label.
func (r *Reader) Read() (*frame.Table, error) {
	traffic, err := r.ReadTraffic()
	if err != nil {
		return nil, err
	}

	table := &frame.Table{Columns: r.extractor.FeatureNames(), Groups: []string{}}
	for _, key := range traffic.Keys() {
		for _, row := range traffic[key].Rows {
			table.Rows = append(table.Rows, row)
			table.Groups = append(table.Groups, key.String())
		}
	}
	return table, nil
}

func (r *Reader) classify(packet gopacket.Packet) (frame.Key, bool) {
	network := packet.NetworkLayer()
	if network == nil {
		return frame.Key{}, false
	}
	src, dst := network.NetworkFlow().Endpoints()

	if len(r.devices) > 0 {
		if _, ok := r.devices[src.String()]; ok {
			return frame.Key{Group: src.String(), Direction: frame.DirectionFrom}, true
		}
		if _, ok := r.devices[dst.String()]; ok {
			return frame.Key{Group: dst.String(), Direction: frame.DirectionTo}, true
		}
		return frame.Key{}, false
	}

	srcAddr, dstAddr := src.String(), dst.String()
	var proto string
	if transport := packet.TransportLayer(); transport != nil {
		sp, dp := transport.TransportFlow().Endpoints()
		srcAddr = net.JoinHostPort(srcAddr, sp.String())
		dstAddr = net.JoinHostPort(dstAddr, dp.String())
		proto = transport.LayerType().String()
	}

	lower, upper := srcAddr, dstAddr
	direction := frame.DirectionFrom
	if dst.LessThan(src) || (dst == src && dstAddr < srcAddr) {
		lower, upper = dstAddr, srcAddr
		direction = frame.DirectionTo
	}
	group := lower + " " + upper
	if proto != "" {
		group = proto + " " + group
	}
	return frame.Key{Group: group, Direction: direction}, true
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// FeatureExtractor extracts numerical features from network packets.
// Inter-arrival times are measured within each traffic key.
type FeatureExtractor struct {
	lastTimestamp map[frame.Key]time.Time
}

// NewFeatureExtractor creates a new packet feature extractor.
func NewFeatureExtractor() *FeatureExtractor {
	return &FeatureExtractor{lastTimestamp: make(map[frame.Key]time.Time)}
}

// Extract converts a packet to a feature vector.
// Features: [packet_size, iat, payload_size, ip_ttl]
func (e *FeatureExtractor) Extract(key frame.Key, packet gopacket.Packet) []float64 {
	features := make([]float64, 4)

	// Packet size
	features[0] = float64(len(packet.Data()))

	// Inter-arrival time
	metadata := packet.Metadata()
	if metadata != nil && !metadata.Timestamp.IsZero() {
		if last, ok := e.lastTimestamp[key]; ok {
			features[1] = metadata.Timestamp.Sub(last).Seconds()
		}
		e.lastTimestamp[key] = metadata.Timestamp
	}

	// Payload size
	if appLayer := packet.ApplicationLayer(); appLayer != nil {
		features[2] = float64(len(appLayer.Payload()))
	}

	// IP TTL
	if ipLayer := packet.Layer(layers.LayerTypeIPv4); ipLayer != nil {
		features[3] = float64(ipLayer.(*layers.IPv4).TTL)
	} else if ipLayer := packet.Layer(layers.LayerTypeIPv6); ipLayer != nil {
		features[3] = float64(ipLayer.(*layers.IPv6).HopLimit)
	}

	return features
}

// FeatureNames returns the names of extracted features.
func (e *FeatureExtractor) FeatureNames() []string {
	return []string{
		"packet_size",
		"iat",
		"payload_size",
		"ip_ttl",
	}
}

var (
	_ trafficio.Reader           = (*Reader)(nil)
	_ trafficio.TrafficReader    = (*Reader)(nil)
	_ trafficio.FeatureExtractor = (*FeatureExtractor)(nil)
)
