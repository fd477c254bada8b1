package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/zaf/g711"
)

// rtpReadBufSize fits any RTP packet on a standard MTU.
const rtpReadBufSize = 1500

// ErrConnectionClosed is returned by operations on a closed RTP connection.
var ErrConnectionClosed = errors.New("rtp connection closed")

// RTPConnection is a single-socket G.711 RTP endpoint. It implements
// Connection: each distinct remote SSRC becomes a Track.
type RTPConnection struct {
	conn   *net.UDPConn
	logger *slog.Logger

	mu          sync.Mutex
	remote      *net.UDPAddr
	payloadType uint8
	dtmfPT      uint8
	state       ConnState
	onTrack     []func(Track)
	onState     []func(ConnState)
	tracks      map[uint32]*rtpTrack
	seq         uint16
	timestamp   uint32
	ssrc        uint32
	closed      bool

	done chan struct{}
}

// ListenRTP binds a UDP socket on addr (use port 0 for an ephemeral port)
// and starts reading.
func ListenRTP(addr string, logger *slog.Logger) (*RTPConnection, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving rtp address: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("binding rtp socket: %w", err)
	}

	c := &RTPConnection{
		conn:        conn,
		logger:      logger.With("subsystem", "rtp", "local", conn.LocalAddr().String()),
		payloadType: PayloadPCMU,
		dtmfPT:      PayloadTelephoneEvent,
		state:       ConnNew,
		tracks:      make(map[uint32]*rtpTrack),
		seq:         uint16(rand.Uint32()),
		timestamp:   rand.Uint32(),
		ssrc:        rand.Uint32(),
		done:        make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// LocalPort returns the bound UDP port.
func (c *RTPConnection) LocalPort() int {
	return c.conn.LocalAddr().(*net.UDPAddr).Port
}

// SetRemote points the connection at the negotiated far end and reports
// the connection as connected.
func (c *RTPConnection) SetRemote(remote *net.UDPAddr, payloadType, dtmfPT uint8) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.remote = remote
	c.payloadType = payloadType
	if dtmfPT != 0 {
		c.dtmfPT = dtmfPT
	}
	c.state = ConnConnected
	cbs := append([]func(ConnState){}, c.onState...)
	c.mu.Unlock()

	c.logger.Debug("rtp remote set", "remote", remote.String(), "payload_type", payloadType)
	for _, cb := range cbs {
		cb(ConnConnected)
	}
}

// Remote returns the negotiated far end, or nil before SetRemote.
func (c *RTPConnection) Remote() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *RTPConnection) OnTrack(cb func(Track)) {
	c.mu.Lock()
	c.onTrack = append(c.onTrack, cb)
	c.mu.Unlock()
}

func (c *RTPConnection) OnStateChange(cb func(ConnState)) {
	c.mu.Lock()
	c.onState = append(c.onState, cb)
	c.mu.Unlock()
}

func (c *RTPConnection) Receivers() []Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Track, 0, len(c.tracks))
	for _, t := range c.tracks {
		out = append(out, t)
	}
	return out
}

// WriteFrame encodes f with the negotiated codec and sends it. Frames
// written before a remote is known are discarded.
func (c *RTPConnection) WriteFrame(f Frame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	remote := c.remote
	if remote == nil {
		c.mu.Unlock()
		return nil
	}
	pt := c.payloadType
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: c.seq,
			Timestamp:      c.timestamp,
			SSRC:           c.ssrc,
		},
		Payload: encodePayload(pt, f),
	}
	c.seq++
	c.timestamp += uint32(len(f))
	c.mu.Unlock()

	data, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshalling rtp packet: %w", err)
	}
	_, err = c.conn.WriteToUDP(data, remote)
	return err
}

func encodePayload(pt uint8, f Frame) []byte {
	if pt == PayloadPCMA {
		out := make([]byte, len(f))
		for i, s := range f {
			out[i] = g711.EncodeAlawFrame(s)
		}
		return out
	}
	return EncodeUlaw(f)
}

// SendDigit sends one RFC 4733 telephone-event for digit lasting d. It
// blocks for the duration of the event.
func (c *RTPConnection) SendDigit(ctx context.Context, digit rune, d time.Duration) error {
	code, ok := DTMFEventCode(digit)
	if !ok {
		return fmt.Errorf("invalid dtmf digit %q", digit)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	remote := c.remote
	if remote == nil {
		c.mu.Unlock()
		return errors.New("rtp remote not set")
	}
	pt := c.dtmfPT
	ts := c.timestamp
	c.mu.Unlock()

	samples := d.Milliseconds() * SampleRate / 1000
	if samples < FrameSamples {
		samples = FrameSamples
	}
	if samples > 0xFFFF {
		samples = 0xFFFF
	}
	total := uint16(samples)
	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()

	elapsed := 0
	first := true
	for {
		elapsed += FrameSamples
		end := elapsed >= int(total)
		if end {
			elapsed = int(total)
		}
		ev := DTMFEvent{Event: code, End: end, Volume: 10, Duration: uint16(elapsed)}
		repeats := 1
		if end {
			repeats = 3
		}
		for i := 0; i < repeats; i++ {
			if err := c.writeEvent(pt, ts, first, ev, remote); err != nil {
				return err
			}
			first = false
		}
		if end {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	c.mu.Lock()
	c.timestamp += uint32(total)
	c.mu.Unlock()
	return nil
}

func (c *RTPConnection) writeEvent(pt uint8, ts uint32, marker bool, ev DTMFEvent, remote *net.UDPAddr) error {
	c.mu.Lock()
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    pt,
			SequenceNumber: c.seq,
			Timestamp:      ts,
			SSRC:           c.ssrc,
		},
		Payload: ev.Marshal(),
	}
	c.seq++
	c.mu.Unlock()

	data, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshalling dtmf packet: %w", err)
	}
	_, err = c.conn.WriteToUDP(data, remote)
	return err
}

// Close stops reading, ends every track and releases the socket.
func (c *RTPConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = ConnClosed
	tracks := c.tracks
	c.tracks = map[uint32]*rtpTrack{}
	cbs := append([]func(ConnState){}, c.onState...)
	c.mu.Unlock()

	err := c.conn.Close()
	<-c.done
	for _, t := range tracks {
		t.close()
	}
	for _, cb := range cbs {
		cb(ConnClosed)
	}
	return err
}

func (c *RTPConnection) readLoop() {
	defer close(c.done)
	buf := make([]byte, rtpReadBufSize)

	for {
		n, _, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("rtp read failed", "error", err)
			}
			return
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}

		c.mu.Lock()
		if pkt.PayloadType == c.dtmfPT {
			c.mu.Unlock()
			continue
		}
		t, ok := c.tracks[pkt.SSRC]
		var cbs []func(Track)
		if !ok {
			t = newRTPTrack(pkt.SSRC)
			c.tracks[pkt.SSRC] = t
			cbs = append(cbs, c.onTrack...)
		}
		c.mu.Unlock()

		for _, cb := range cbs {
			cb(t)
		}

		f, ok := Decode(pkt.PayloadType, pkt.Payload)
		if !ok {
			continue
		}
		t.push(f)
	}
}

type rtpTrack struct {
	id     string
	frames chan Frame

	once   sync.Once
	closed chan struct{}
}

func newRTPTrack(ssrc uint32) *rtpTrack {
	return &rtpTrack{
		id:     strconv.FormatUint(uint64(ssrc), 10),
		frames: make(chan Frame, 16),
		closed: make(chan struct{}),
	}
}

func (t *rtpTrack) ID() string { return t.id }

func (t *rtpTrack) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case f := <-t.frames:
		return f, nil
	case <-t.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *rtpTrack) push(f Frame) {
	select {
	case t.frames <- f:
	default:
	}
}

func (t *rtpTrack) close() {
	t.once.Do(func() { close(t.closed) })
}
