package ingest

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/navrelay/internal/monitoring"
	"github.com/banshee-data/navrelay/internal/timeutil"
)

var pcapLogf = monitoring.Tagged("PCAP")

// pcapngMagic is the section header block type that opens a pcapng file.
const pcapngMagic = 0x0A0D0D0A

// ReplayOptions controls ReplayPCAP.
type ReplayOptions struct {
	// Realtime sleeps the recorded gap between packets. Otherwise records
	// are submitted as fast as the file can be read.
	Realtime bool
	// MaxGap caps a single realtime sleep so capture pauses do not stall replay.
	MaxGap time.Duration
	Stats  *Stats
	Clock  timeutil.Clock
}

// packetDataSource is satisfied by both pcapgo.Reader and pcapgo.NgReader.
type packetDataSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// ReplayPCAP reads a pcap or pcapng capture and submits the payload of
// every UDP datagram addressed to port, using the same decode rules as the
// live listener. It returns nil at end of file and ctx.Err() on cancellation.
func ReplayPCAP(ctx context.Context, path string, port int, sink Sink, opts ReplayOptions) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()

	src, err := newPacketDataSource(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("failed to read PCAP header from %s: %w", path, err)
	}
	pcapLogf("Replaying %s (link type %v, udp port %d, realtime=%v)", path, src.LinkType(), port, opts.Realtime)

	return replay(ctx, src, port, sink, opts)
}

func newPacketDataSource(r *bufio.Reader) (packetDataSource, error) {
	magic, err := r.Peek(4)
	if err != nil {
		return nil, err
	}
	// The section header block type is palindromic, so byte order does not matter here.
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		return pcapgo.NewNgReader(r, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(r)
}

func replay(ctx context.Context, src packetDataSource, port int, sink Sink, opts ReplayOptions) error {
	if opts.Stats == nil {
		opts.Stats = NewStats("pcap")
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.MaxGap <= 0 {
		opts.MaxGap = time.Second
	}

	var (
		packetCount int
		matched     int
		lastTS      time.Time
		start       = opts.Clock.Now()
	)

	for {
		select {
		case <-ctx.Done():
			pcapLogf("Replay stopping due to context cancellation (processed %d packets)", packetCount)
			return ctx.Err()
		default:
		}

		data, ci, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			pcapLogf("Replay complete: %d packets read, %d matched port %d in %v",
				packetCount, matched, port, opts.Clock.Since(start).Round(time.Millisecond))
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read packet %d: %w", packetCount+1, err)
		}
		packetCount++

		payload, ok := udpPayload(data, src.LinkType(), port)
		if !ok {
			continue
		}
		matched++

		if opts.Realtime {
			if !lastTS.IsZero() {
				if gap := ci.Timestamp.Sub(lastTS); gap > 0 {
					opts.Clock.Sleep(min(gap, opts.MaxGap))
				}
			}
			lastTS = ci.Timestamp
		}

		opts.Stats.AddReceived(len(payload))
		record := DecodePayload(payload)
		if record == nil {
			opts.Stats.AddEmpty()
			continue
		}
		sink.Broadcast(record)
		opts.Stats.AddForwarded()
	}
}

// udpPayload extracts the UDP payload from a captured frame when the
// datagram's destination port matches.
func udpPayload(data []byte, link layers.LinkType, port int) ([]byte, bool) {
	packet := gopacket.NewPacket(data, link, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil, false
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok {
		return nil, false
	}
	if port > 0 && int(udp.DstPort) != port {
		return nil, false
	}
	return udp.Payload, true
}
