package transport

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/syujy/ikesess/internal/ike/ikeerr"
	"github.com/syujy/ikesess/internal/ike/message"
	"github.com/syujy/ikesess/internal/ike/types"
)

const (
	nonESPMarkerLen = 4
	keepaliveByte   = 0xFF
	outQueueLen     = 1024
	maxPacketSize   = 65536
)

type Packet struct {
	LocalPort  uint16
	RemoteAddr *net.UDPAddr
	Payload    []byte
}

// Receiver handles the inbound packets of one IKE SA. It's called from the
// socket reader and must not block.
type Receiver func(p *Packet)

// Socket is an IKE socket shared by every session bound to the same port.
// All methods are safe for concurrent use.
type Socket interface {
	RegisterSPI(localSPI uint64, r Receiver) error
	UnregisterSPI(localSPI uint64)
	Send(payload []byte, remote *net.UDPAddr)
	SendKeepalive(remote *net.UDPAddr)
	LocalPort() uint16
	IsEncapsulated() bool
}

// Provider hands out reference counted sockets.
type Provider interface {
	Get(encap bool) (Socket, error)
	Release(s Socket)
}

type udpSocket struct {
	log   *logrus.Entry
	conn  *net.UDPConn
	port  uint16
	encap bool
	// map[uint64]Receiver
	receivers sync.Map
	out       chan *Packet
	refs      int
	cancel    context.CancelFunc
	group     *errgroup.Group
}

func listen(log *logrus.Entry, bindAddr string, port uint16, encap bool) (*udpSocket, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(bindAddr, strconv.Itoa(int(port))))
	if err != nil {
		return nil, errors.Wrapf(err, "Resolve UDP address port %d failed", port)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "Listen UDP port %d failed", port)
	}
	port = uint16(conn.LocalAddr().(*net.UDPAddr).Port)
	if encap {
		if err := setUDPEncap(conn); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	s := &udpSocket{
		log:   log.WithField("port", port),
		conn:  conn,
		port:  port,
		encap: encap,
		out:   make(chan *Packet, outQueueLen),
	}
	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())
	s.group, ctx = errgroup.WithContext(ctx)
	s.group.Go(s.reader)
	s.group.Go(func() error { return s.writer(ctx) })
	return s, nil
}

func (s *udpSocket) LocalPort() uint16    { return s.port }
func (s *udpSocket) IsEncapsulated() bool { return s.encap }

func (s *udpSocket) RegisterSPI(localSPI uint64, r Receiver) error {
	if _, loaded := s.receivers.LoadOrStore(localSPI, r); loaded {
		return ikeerr.ErrSpiCollision
	}
	return nil
}

func (s *udpSocket) UnregisterSPI(localSPI uint64) {
	s.receivers.Delete(localSPI)
}

func (s *udpSocket) Send(payload []byte, remote *net.UDPAddr) {
	if s.encap {
		// Prepend non-ESP marker
		payload = append(make([]byte, nonESPMarkerLen), payload...)
	}
	s.enqueue(&Packet{LocalPort: s.port, RemoteAddr: remote, Payload: payload})
}

func (s *udpSocket) SendKeepalive(remote *net.UDPAddr) {
	s.enqueue(&Packet{LocalPort: s.port, RemoteAddr: remote, Payload: []byte{keepaliveByte}})
}

func (s *udpSocket) enqueue(p *Packet) {
	select {
	case s.out <- p:
	default:
		s.log.Warnf("Outbound queue full, drop packet to %s", p.RemoteAddr)
	}
}

func (s *udpSocket) reader() error {
	data := make([]byte, maxPacketSize)
	for {
		n, remoteAddr, err := s.conn.ReadFromUDP(data)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Errorf("ReadFromUDP failed: %+v", err)
			continue
		}
		payload := data[:n]
		if s.encap {
			if n == 1 && payload[0] == keepaliveByte {
				continue
			}
			if n < nonESPMarkerLen || !isAllZero(payload[:nonESPMarkerLen]) {
				s.log.Trace("Received a packet without non-ESP marker, this packet may be the UDP " +
					"encapsulated ESP. The packet will not be handled.")
				continue
			}
			payload = payload[nonESPMarkerLen:]
		}
		s.dispatch(remoteAddr, payload)
	}
}

func (s *udpSocket) dispatch(remoteAddr *net.UDPAddr, payload []byte) {
	spi, ok := message.PeekReceiverSPI(payload)
	if !ok {
		s.log.Warn("Received UDP packet that doesn't follow IKE format. Drop.")
		return
	}
	r, ok := s.receivers.Load(spi)
	if !ok {
		s.log.Debugf("No IKE SA for SPI 0x%016x, drop packet from %s", spi, remoteAddr)
		return
	}
	p := &Packet{
		LocalPort:  s.port,
		RemoteAddr: remoteAddr,
		Payload:    append([]byte(nil), payload...),
	}
	r.(Receiver)(p)
}

func (s *udpSocket) writer(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-s.out:
			n, err := s.conn.WriteToUDP(p.Payload, p.RemoteAddr)
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				s.log.Errorf("WriteToUDP failed: %+v", err)
				continue
			}
			if n != len(p.Payload) {
				s.log.Errorf("Not all of the data is sent. Total length: %d. Sent: %d.", len(p.Payload), n)
			}
		}
	}
}

func (s *udpSocket) close() error {
	s.cancel()
	err := s.conn.Close()
	if werr := s.group.Wait(); werr != nil && err == nil {
		err = werr
	}
	return err
}

func isAllZero(b []byte) bool {
	for _, value := range b {
		if value != 0 {
			return false
		}
	}
	return true
}

// UDPProvider owns the sockets on the IKE port and the NAT-T port of one
// bind address.
type UDPProvider struct {
	log      *logrus.Entry
	bindAddr string
	ikePort  uint16
	nattPort uint16

	mu      sync.Mutex
	sockets map[bool]*udpSocket
}

func NewUDPProvider(log *logrus.Entry, bindAddr string) *UDPProvider {
	return &UDPProvider{
		log:      log,
		bindAddr: bindAddr,
		ikePort:  types.IKEPort,
		nattPort: types.NATTPort,
		sockets:  make(map[bool]*udpSocket),
	}
}

// WithPorts overrides the well-known ports, 0 picks an ephemeral one.
func (p *UDPProvider) WithPorts(ike, natt uint16) *UDPProvider {
	p.ikePort, p.nattPort = ike, natt
	return p
}

func (p *UDPProvider) Get(encap bool) (Socket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sockets[encap]; ok {
		s.refs++
		return s, nil
	}
	port := p.ikePort
	if encap {
		port = p.nattPort
	}
	s, err := listen(p.log, p.bindAddr, port, encap)
	if err != nil {
		return nil, err
	}
	s.refs = 1
	p.sockets[encap] = s
	return s, nil
}

func (p *UDPProvider) Release(sock Socket) {
	s, ok := sock.(*udpSocket)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s.refs--
	if s.refs > 0 {
		return
	}
	delete(p.sockets, s.encap)
	if err := s.close(); err != nil {
		p.log.Warnf("Close socket on port %d failed: %+v", s.port, err)
	}
}
