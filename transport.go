package rmwadapter

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"google.golang.org/protobuf/encoding/protowire"
)

// wireFrame is what crosses a QUIC stream: a topic key expression, an
// attachment, and an opaque payload, each length-prefixed with a
// protowire varint exactly like the teacher's RemoteFlow framing (see
// google.golang.org/protobuf/encoding/protowire usage grounding). QUIC
// carries only publish samples; request/reply RPC rides serf queries
// instead (see session.go), since a queryable's answer needs the same
// broadcast-then-collect shape serf.Query already provides.
type wireFrame struct {
	keyExpr    string
	attachment []byte // pre-encoded, see attachment.go
	payload    []byte
	fromAddr   string
}

func appendLP(buf []byte, b []byte) []byte {
	buf = protowire.AppendVarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func readLP(r *bufio.Reader) ([]byte, error) {
	size, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := readFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// consumeLP reads one length-prefixed field from the front of buf,
// returning the field and the remaining bytes.
func consumeLP(buf []byte) (field []byte, rest []byte, err error) {
	size, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return nil, nil, fmt.Errorf("%w: bad varint length prefix", ErrMalformedAttachment)
	}
	buf = buf[n:]
	if uint64(len(buf)) < size {
		return nil, nil, fmt.Errorf("%w: truncated field", ErrMalformedAttachment)
	}
	return buf[:size], buf[size:], nil
}

func readVarint(r *bufio.Reader) (uint64, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		buf = append(buf, b)
		if b < 0x80 {
			break
		}
	}
	v, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return 0, fmt.Errorf("%w: bad varint length prefix", ErrTransport)
	}
	return v, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func encodeFrame(f wireFrame) []byte {
	var buf []byte
	buf = appendLP(buf, []byte(f.keyExpr))
	buf = appendLP(buf, f.attachment)
	buf = appendLP(buf, f.payload)
	return buf
}

func decodeFrame(r *bufio.Reader) (wireFrame, error) {
	key, err := readLP(r)
	if err != nil {
		return wireFrame{}, err
	}
	att, err := readLP(r)
	if err != nil {
		return wireFrame{}, err
	}
	payload, err := readLP(r)
	if err != nil {
		return wireFrame{}, err
	}
	return wireFrame{
		keyExpr:    string(key),
		attachment: att,
		payload:    payload,
	}, nil
}

// quicFabricConfig configures the data-plane transport.
type quicFabricConfig struct {
	BindAddr    string
	BindPort    int
	TLSConfig   *tls.Config
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// quicFabric is the point-to-point reliable byte-stream data plane used
// for publish put/subscribe delivery only; query/reply traffic rides
// serf queries (§1 [FULL]). One quicFabric is shared by every entity in the process,
// matching the teacher's single shared Transport per Fabric.
type quicFabric struct {
	cfg      quicFabricConfig
	listener *quic.Listener
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]quic.Connection

	onFrame func(wireFrame)

	closeCh chan struct{}
	wg      sync.WaitGroup
}

func newQUICFabric(cfg quicFabricConfig, onFrame func(wireFrame)) (*quicFabric, error) {
	if cfg.TLSConfig == nil {
		return nil, ErrNoTLSConfig
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	addr := net.JoinHostPort(cfg.BindAddr, fmt.Sprintf("%d", cfg.BindPort))
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	ln, err := quic.Listen(udpConn, cfg.TLSConfig, &quic.Config{})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	tr := &quicFabric{
		cfg:      cfg,
		listener: ln,
		logger:   cfg.Logger,
		conns:    make(map[string]quic.Connection),
		onFrame:  onFrame,
		closeCh:  make(chan struct{}),
	}

	tr.wg.Add(1)
	go tr.acceptLoop()

	return tr, nil
}

// LocalAddr reports the address other peers should dial to reach this
// fabric.
func (tr *quicFabric) LocalAddr() net.Addr {
	return tr.listener.Addr()
}

func (tr *quicFabric) acceptLoop() {
	defer tr.wg.Done()
	for {
		conn, err := tr.listener.Accept(context.Background())
		if err != nil {
			select {
			case <-tr.closeCh:
				return
			default:
				tr.logger.Warn("accept failed", LabelError.L(err))
				return
			}
		}
		tr.wg.Add(1)
		go tr.handleConn(conn)
	}
}

func (tr *quicFabric) handleConn(conn quic.Connection) {
	defer tr.wg.Done()
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		tr.wg.Add(1)
		go tr.handleStream(conn, stream)
	}
}

func (tr *quicFabric) handleStream(conn quic.Connection, stream quic.Stream) {
	defer tr.wg.Done()
	r := bufio.NewReader(stream)
	for {
		frame, err := decodeFrame(r)
		if err != nil {
			return
		}
		frame.fromAddr = conn.RemoteAddr().String()
		if tr.onFrame != nil {
			tr.onFrame(frame)
		}
	}
}

// dial returns a cached connection to addr, dialing a fresh one if
// necessary.
func (tr *quicFabric) dial(ctx context.Context, addr string) (quic.Connection, error) {
	tr.mu.Lock()
	if conn, ok := tr.conns[addr]; ok {
		tr.mu.Unlock()
		return conn, nil
	}
	tr.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, tr.cfg.DialTimeout)
	defer cancel()

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	conn, err := quic.DialAddr(dialCtx, udpAddr.String(), tr.cfg.TLSConfig, &quic.Config{})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	tr.mu.Lock()
	tr.conns[addr] = conn
	tr.mu.Unlock()
	return conn, nil
}

// send opens a fresh unidirectional-in-effect stream to addr and writes
// one frame, matching the teacher's dialFlow-per-message shape.
func (tr *quicFabric) send(ctx context.Context, addr string, frame wireFrame) error {
	conn, err := tr.dial(ctx, addr)
	if err != nil {
		return err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer stream.Close()

	if _, err := stream.Write(encodeFrame(frame)); err != nil {
		return fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}
	return nil
}

func (tr *quicFabric) close() error {
	close(tr.closeCh)
	err := tr.listener.Close()
	tr.mu.Lock()
	for _, c := range tr.conns {
		c.CloseWithError(0, "shutdown")
	}
	tr.mu.Unlock()
	tr.wg.Wait()
	return err
}
