// Package quic carries sandbox channels over QUIC, one bidirectional stream
// per channel, so a tool panel can attach to a coordinator in another
// process or on another machine. Frames are u32 LE length-prefixed CBOR; the
// dialer's first frame is a hello naming its role and content instance.
package quic

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"sandbus/pkg/protocol"
	"sandbus/pkg/protocol/codec"
	"sandbus/pkg/transport"
)

const (
	alpn     = "sandbus"
	maxFrame = 1 << 24
)

// hello is the dialer's first frame on a fresh stream.
type hello struct {
	Name     string  `cbor:"name"`
	Instance *uint32 `cbor:"instance,omitempty"`
}

// Server accepts remote sandbox channels for a coordinator.
type Server struct {
	l    *quicgo.Listener
	wire codec.Codec

	mu      sync.Mutex
	accept  func(ch transport.Channel, instance *uint32)
	pending []pendingAccept
}

type pendingAccept struct {
	ch       *channel
	instance *uint32
}

// Listen binds addr and starts accepting. The listener stops when ctx is
// cancelled.
func Listen(ctx context.Context, addr string) (*Server, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}
	l, err := quicgo.ListenAddr(addr, tlsConf, &quicgo.Config{})
	if err != nil {
		return nil, err
	}
	s := &Server{l: l, wire: codec.CBOR()}
	go s.acceptLoop(ctx)
	go func() { <-ctx.Done(); _ = l.Close() }()
	return s, nil
}

func (s *Server) Addr() net.Addr { return s.l.Addr() }

// OnAccept registers the coordinator-side callback and drains channels that
// finished their hello before registration.
func (s *Server) OnAccept(fn func(ch transport.Channel, instance *uint32)) {
	s.mu.Lock()
	s.accept = fn
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, p := range queued {
		fn(p.ch, p.instance)
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.l.Accept(ctx)
		if err != nil {
			return
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn accepts streams on one connection; each stream becomes one
// channel once its hello arrives.
func (s *Server) handleConn(ctx context.Context, conn *quicgo.Conn) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go func() {
			ch, inst, err := s.acceptStream(stream)
			if err != nil {
				zap.L().Warn("quic channel rejected",
					zap.String("remote", conn.RemoteAddr().String()),
					zap.Error(err))
				stream.CancelRead(0)
				stream.CancelWrite(0)
				return
			}
			s.mu.Lock()
			fn := s.accept
			if fn == nil {
				s.pending = append(s.pending, pendingAccept{ch: ch, instance: inst})
			}
			s.mu.Unlock()
			if fn != nil {
				fn(ch, inst)
			}
		}()
	}
}

func (s *Server) acceptStream(stream *quicgo.Stream) (*channel, *uint32, error) {
	br := bufio.NewReader(stream)
	frame, err := readFrame(br)
	if err != nil {
		return nil, nil, err
	}
	var h hello
	if err := s.wire.Unmarshal(frame, &h); err != nil {
		return nil, nil, err
	}
	if h.Name == "" {
		return nil, nil, errors.New("quic: hello without a role name")
	}
	return newChannel(h.Name, stream, br, s.wire), h.Instance, nil
}

// Dialer opens channels toward one coordinator address. It satisfies the
// relay's dialer contract; the connection is established lazily on the first
// dial and shared by later ones.
type Dialer struct {
	ctx  context.Context
	addr string
	wire codec.Codec

	mu   sync.Mutex
	conn *quicgo.Conn
}

func NewDialer(ctx context.Context, addr string) *Dialer {
	return &Dialer{ctx: ctx, addr: addr, wire: codec.CBOR()}
}

func (d *Dialer) Dial(name string, instance *uint32) (transport.Channel, error) {
	conn, err := d.connect()
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(d.ctx)
	if err != nil {
		return nil, err
	}
	frame, err := d.wire.Marshal(hello{Name: name, Instance: instance})
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriter(stream)
	if err := writeFrame(bw, frame); err != nil {
		stream.CancelRead(0)
		stream.CancelWrite(0)
		return nil, err
	}
	return newChannel(name, stream, bufio.NewReader(stream), d.wire), nil
}

func (d *Dialer) connect() (*quicgo.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return d.conn, nil
	}
	tlsConf := &tls.Config{
		InsecureSkipVerify: true, // the coordinator's certificate is ephemeral
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}
	conn, err := quicgo.DialAddr(d.ctx, d.addr, tlsConf, &quicgo.Config{})
	if err != nil {
		return nil, err
	}
	d.conn = conn
	return conn, nil
}

// channel frames envelopes over one QUIC stream.
type channel struct {
	name   string
	stream *quicgo.Stream
	wire   codec.Codec

	wmu sync.Mutex
	bw  *bufio.Writer

	mu           sync.Mutex
	handler      func(*protocol.Envelope)
	backlog      []*protocol.Envelope
	onDisconnect func()
	closed       bool
}

func newChannel(name string, stream *quicgo.Stream, br *bufio.Reader, wire codec.Codec) *channel {
	c := &channel{
		name:   name,
		stream: stream,
		wire:   wire,
		bw:     bufio.NewWriter(stream),
	}
	go c.readLoop(br)
	return c
}

func (c *channel) Name() string { return c.name }

func (c *channel) Post(env *protocol.Envelope) error {
	frame, err := protocol.EncodeWire(c.wire, env)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return writeFrame(c.bw, frame)
}

func (c *channel) OnMessage(fn func(env *protocol.Envelope)) {
	c.mu.Lock()
	held := c.backlog
	c.backlog = nil
	c.handler = fn
	c.mu.Unlock()
	for _, env := range held {
		fn(env)
	}
}

func (c *channel) OnDisconnect(fn func()) {
	c.mu.Lock()
	fired := c.closed
	c.onDisconnect = fn
	c.mu.Unlock()
	if fired {
		fn()
	}
}

func (c *channel) Close() error {
	c.stream.CancelRead(0)
	return c.stream.Close()
}

func (c *channel) readLoop(br *bufio.Reader) {
	for {
		frame, err := readFrame(br)
		if err != nil {
			c.dead()
			return
		}
		env, err := protocol.DecodeWire(c.wire, frame)
		if err != nil {
			zap.L().Warn("quic frame not decodable", zap.Error(err))
			continue
		}
		c.mu.Lock()
		fn := c.handler
		if fn == nil {
			c.backlog = append(c.backlog, env)
		}
		c.mu.Unlock()
		if fn != nil {
			fn(env)
		}
	}
}

func (c *channel) dead() {
	c.mu.Lock()
	fired := c.closed
	c.closed = true
	fn := c.onDisconnect
	c.mu.Unlock()
	if !fired && fn != nil {
		fn()
	}
}

func writeFrame(bw *bufio.Writer, frame []byte) error {
	if len(frame) > maxFrame {
		return errors.New("quic: frame too large")
	}
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(frame)))
	if _, err := bw.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := bw.Write(frame); err != nil {
		return err
	}
	return bw.Flush()
}

func readFrame(br *bufio.Reader) ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(br, lenbuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(lenbuf[:]))
	if n < 0 || n > maxFrame {
		return nil, errors.New("quic: invalid frame size")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// selfSignedCert generates a short-lived certificate for the listener.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
