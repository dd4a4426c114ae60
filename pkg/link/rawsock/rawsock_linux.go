//go:build linux

// Package rawsock is the one concrete non-virtual Link: an AF_PACKET raw
// socket bound to a named interface, filtered to the EtherCAT ethertype.
// It is intentionally thin — a handful of syscalls wrapped to satisfy
// link.Link — since the actual capture binding is an external collaborator
// per the core specification; nothing in pkg/master imports this package
// directly, only cmd/ecmaster wires it in by name via the link registry,
// exactly as the teacher's cmd/canopen wires in pkg/can/socketcan.
package rawsock

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/samsamfire/goethercat/pkg/frame"
	"github.com/samsamfire/goethercat/pkg/link"
)

func init() {
	link.RegisterInterface("raw", func(channel string) (link.Link, error) {
		return New(channel), nil
	})
}

// Bus is an AF_PACKET raw socket bound to one network interface.
type Bus struct {
	logger    *slog.Logger
	ifaceName string

	mu      sync.Mutex
	fd      int
	handler link.Handler
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New constructs an unconnected raw-socket Link for the given interface
// name (e.g. "eth0").
func New(ifaceName string) *Bus {
	return &Bus{logger: slog.Default(), ifaceName: ifaceName, fd: -1}
}

// htons converts a uint16 from host to network byte order, the way
// pkg/link/rawsock needs for the AF_PACKET protocol field (mirrors teacher's
// use of golang.org/x/sys/unix for the equivalent socketcan/SFF masking).
func htons(v uint16) uint16 {
	return (v<<8)&0xff00 | v>>8
}

func (b *Bus) Connect(...any) error {
	proto := htons(frame.EtherType)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(proto))
	if err != nil {
		return fmt.Errorf("rawsock: socket: %w", err)
	}

	iface, err := net.InterfaceByName(b.ifaceName)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("rawsock: lookup interface %s: %w", b.ifaceName, err)
	}

	addr := unix.SockaddrLinklayer{
		Protocol: proto,
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("rawsock: bind %s: %w", b.ifaceName, err)
	}

	b.mu.Lock()
	b.fd = fd
	b.stop = make(chan struct{})
	b.mu.Unlock()
	return nil
}

func (b *Bus) Send(raw []byte) error {
	b.mu.Lock()
	fd := b.fd
	b.mu.Unlock()
	if fd < 0 {
		return fmt.Errorf("rawsock: not connected")
	}
	_, err := unix.Write(fd, raw)
	return err
}

func (b *Bus) Subscribe(h link.Handler) error {
	b.mu.Lock()
	b.handler = h
	fd := b.fd
	stop := b.stop
	b.mu.Unlock()
	if fd < 0 {
		return fmt.Errorf("rawsock: not connected")
	}

	b.wg.Add(1)
	go b.readLoop(fd, stop)
	return nil
}

func (b *Bus) readLoop(fd int, stop chan struct{}) {
	defer b.wg.Done()
	buf := make([]byte, 2048)
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := unix.Read(fd, buf)
		if err != nil {
			continue
		}
		if n < frame.EthernetHeaderLen+frame.EtherCATHeaderLen {
			continue
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])

		b.mu.Lock()
		handler := b.handler
		b.mu.Unlock()
		if handler != nil {
			handler.Handle(raw)
		}
	}
}

func (b *Bus) Close() error {
	b.mu.Lock()
	fd := b.fd
	stop := b.stop
	b.fd = -1
	b.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	if fd >= 0 {
		_ = unix.Close(fd)
	}
	b.wg.Wait()
	return nil
}
