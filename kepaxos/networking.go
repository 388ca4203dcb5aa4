package kepaxos

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const meshDialTimeout = time.Second
const meshWriteTimeout = time.Second
const meshFrameMax = 1 << 24

// meshLink serializes writes to one peer connection.
type meshLink struct {
	mutex sync.Mutex
	conn  net.Conn
}

// Mesh is the first-party transport: one TCP link per named peer with
// u32 big-endian length-prefixed frames. The embedder may plug any Send
// implementation instead; the engine only ever sees the callback.
type Mesh struct {
	name      string
	addresses map[string]string
	links     *BlockingMap[string, *meshLink]
	listener  net.Listener
	replica   *Replica
	quit      atomic.Bool
	group     sync.WaitGroup

	inboundLock sync.Mutex
	inbound     []net.Conn
}

func meshControl(network, address string, conn syscall.RawConn) error {
	var reason error
	if inner := conn.Control(func(fd uintptr) {
		reason = unix.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1)
	}); inner != nil {
		return inner
	}
	return reason
}

// ListenMesh binds the local peer's address and starts accepting links.
// addresses maps every peer name, ours included, to host:port.
func ListenMesh(name string, addresses map[string]string) (*Mesh, error) {
	var local, present = addresses[name]
	if !present {
		return nil, fmt.Errorf("mesh: no address for %s", name)
	}
	var config = net.ListenConfig{Control: meshControl}
	listener, reason := config.Listen(context.Background(), "tcp", local)
	if reason != nil {
		return nil, fmt.Errorf("binding mesh to %s: %w", local, reason)
	}
	var mesh = &Mesh{
		name:      name,
		addresses: addresses,
		links:     NewBlockingMap[string, *meshLink](),
		listener:  listener,
	}
	mesh.group.Add(1)
	go mesh.accept()
	return mesh, nil
}

// Attach wires inbound frames into a replica. Frames arriving before the
// attach are dropped, the protocol tolerates the loss.
func (mesh *Mesh) Attach(replica *Replica) {
	mesh.replica = replica
}

func (mesh *Mesh) accept() {
	defer mesh.group.Done()
	for {
		conn, reason := mesh.listener.Accept()
		if reason != nil {
			return
		}
		mesh.inboundLock.Lock()
		mesh.inbound = append(mesh.inbound, conn)
		mesh.inboundLock.Unlock()
		mesh.group.Add(1)
		go mesh.serve(conn)
	}
}

func (mesh *Mesh) serve(conn net.Conn) {
	defer mesh.group.Done()
	defer conn.Close()
	var header = make([]byte, 4)
	for !mesh.quit.Load() {
		if _, reason := io.ReadFull(conn, header); reason != nil {
			return
		}
		var length = binary.BigEndian.Uint32(header)
		if length == 0 || length > meshFrameMax {
			return
		}
		var payload = make([]byte, length)
		if _, reason := io.ReadFull(conn, payload); reason != nil {
			return
		}
		mesh.deliver(payload)
	}
}

func (mesh *Mesh) deliver(payload []byte) {
	var replica = mesh.replica
	if replica == nil {
		return
	}
	msg, reason := parseMessage(payload)
	if reason != nil {
		return
	}
	switch msg.mtype {
	case msgPreAcceptResponse, msgAcceptResponse:
		replica.ReceivedResponse(payload)
	default:
		response, reason := replica.ReceivedCommand(payload)
		if reason == nil && len(response) > 0 {
			mesh.Send([]string{msg.peer}, response)
		}
	}
}

func (mesh *Mesh) link(peer string) (*meshLink, error) {
	if link, present := mesh.links.Get(peer); present {
		return link, nil
	}
	var address, known = mesh.addresses[peer]
	if !known {
		return nil, fmt.Errorf("mesh: unknown peer %s", peer)
	}
	var dialer = net.Dialer{Control: meshControl, Timeout: meshDialTimeout}
	conn, reason := dialer.Dial("tcp", address)
	if reason != nil {
		// someone else may have raced the dial and won
		if link, present := mesh.links.WaitFor(peer, 10*time.Millisecond); present {
			return link, nil
		}
		return nil, reason
	}
	var link = &meshLink{conn: conn}
	mesh.links.Set(peer, link)
	return link, nil
}

// Send ships the payload to each named recipient, best effort. Failures
// are collected per peer and returned together; a peer that cannot be
// reached does not stop delivery to the rest of the group.
func (mesh *Mesh) Send(recipients []string, payload []byte) error {
	var frame = make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	var group sync.WaitGroup
	var lock sync.Mutex
	var reasons error
	group.Add(len(recipients))
	for _, recipient := range recipients {
		go func(recipient string) {
			defer group.Done()
			var reason = mesh.write(recipient, frame)
			if reason != nil {
				lock.Lock()
				reasons = multierr.Append(reasons, fmt.Errorf("sending to %s: %w", recipient, reason))
				lock.Unlock()
			}
		}(recipient)
	}
	group.Wait()
	return reasons
}

func (mesh *Mesh) write(recipient string, frame []byte) error {
	link, reason := mesh.link(recipient)
	if reason != nil {
		return reason
	}
	link.mutex.Lock()
	defer link.mutex.Unlock()
	if reason := link.conn.SetWriteDeadline(time.Now().Add(meshWriteTimeout)); reason != nil {
		return reason
	}
	var start = 0
	for start != len(frame) {
		amount, reason := link.conn.Write(frame[start:])
		if reason != nil {
			// a broken link gets redialed on the next send
			mesh.links.Delete(recipient)
			link.conn.Close()
			return reason
		}
		start += amount
	}
	return nil
}

func (mesh *Mesh) Close() error {
	mesh.quit.Store(true)
	var reasons = mesh.listener.Close()
	mesh.inboundLock.Lock()
	for _, conn := range mesh.inbound {
		reasons = multierr.Append(reasons, conn.Close())
	}
	mesh.inbound = nil
	mesh.inboundLock.Unlock()
	for _, peer := range mesh.peers() {
		if link, present := mesh.links.Get(peer); present {
			reasons = multierr.Append(reasons, link.conn.Close())
			mesh.links.Delete(peer)
		}
	}
	mesh.group.Wait()
	return reasons
}

func (mesh *Mesh) peers() []string {
	var peers = make([]string, 0, len(mesh.addresses))
	for peer := range mesh.addresses {
		peers = append(peers, peer)
	}
	return peers
}
