package replication

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/nexusreplica/replapplier/core"
)

// ReplicaSession is an opaque handle returned by ReplicaClient.Connect and
// threaded through ReadReplicationSequence/Apply/Close for the remainder of
// one cycle (§6 "Replica client interface").
type ReplicaSession interface{}

// ReplicaClient is the external collaborator the driver hands bytes to. It
// is deliberately out of scope for interpretation of those bytes (§1).
type ReplicaClient interface {
	Connect(ctx context.Context, dbName, user string) (ReplicaSession, error)
	ReadReplicationSequence(ctx context.Context, session ReplicaSession) (uint64, error)
	Apply(ctx context.Context, session ReplicaSession, payload []byte) error
	Close(ctx context.Context, session ReplicaSession) error
}

// tcpSession wraps the live connection to a replica endpoint.
type tcpSession struct {
	conn net.Conn
}

// TCPReplicaClient implements ReplicaClient over the length-prefixed,
// CRC32-checksummed frame protocol defined in wire.go (§6.1).
type TCPReplicaClient struct {
	Address        string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

// NewTCPReplicaClient returns a client dialing addr, with a 5s dial timeout
// and a 10s request timeout.
func NewTCPReplicaClient(addr string) *TCPReplicaClient {
	return &TCPReplicaClient{
		Address:        addr,
		DialTimeout:    5 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

func (c *TCPReplicaClient) Connect(ctx context.Context, dbName, user string) (ReplicaSession, error) {
	dialer := net.Dialer{Timeout: c.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.Address)
	if err != nil {
		return nil, fmt.Errorf("replapplier: dial replica %s: %w", c.Address, err)
	}

	payload := make([]byte, 2+len(dbName)+2+len(user))
	binary.BigEndian.PutUint16(payload[0:2], uint16(len(dbName)))
	copy(payload[2:], dbName)
	off := 2 + len(dbName)
	binary.BigEndian.PutUint16(payload[off:off+2], uint16(len(user)))
	copy(payload[off+2:], user)

	if err := c.roundTrip(conn, cmdConnect, payload); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &tcpSession{conn: conn}, nil
}

func (c *TCPReplicaClient) ReadReplicationSequence(ctx context.Context, session ReplicaSession) (uint64, error) {
	s, ok := session.(*tcpSession)
	if !ok {
		return 0, fmt.Errorf("replapplier: invalid replica session type %T", session)
	}

	if err := writeFrame(s.conn, cmdReadSequence, nil); err != nil {
		return 0, err
	}
	cmd, payload, err := readFrame(s.conn)
	if err != nil {
		return 0, err
	}
	if err := checkResponse(cmd, cmdReadSequence, payload); err != nil {
		return 0, err
	}
	if len(payload) < 9 {
		return 0, fmt.Errorf("replapplier: short read-sequence response")
	}
	return binary.BigEndian.Uint64(payload[1:9]), nil
}

func (c *TCPReplicaClient) Apply(ctx context.Context, session ReplicaSession, payload []byte) error {
	s, ok := session.(*tcpSession)
	if !ok {
		return fmt.Errorf("replapplier: invalid replica session type %T", session)
	}
	return c.roundTrip(s.conn, cmdApply, payload)
}

func (c *TCPReplicaClient) Close(ctx context.Context, session ReplicaSession) error {
	s, ok := session.(*tcpSession)
	if !ok {
		return nil
	}
	_ = writeFrame(s.conn, cmdClose, nil)
	return s.conn.Close()
}

// roundTrip sends a request frame and expects a single status-prefixed
// response frame of the same command, translating a respError status byte
// into core.ErrReplicaRejected-wrapped error.
func (c *TCPReplicaClient) roundTrip(conn net.Conn, cmd command, payload []byte) error {
	if c.RequestTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.RequestTimeout))
	}
	if err := writeFrame(conn, cmd, payload); err != nil {
		return err
	}
	respCmd, respPayload, err := readFrame(conn)
	if err != nil {
		return err
	}
	return checkResponse(respCmd, cmd, respPayload)
}

func checkResponse(got, want command, payload []byte) error {
	if got != want {
		return fmt.Errorf("replapplier: unexpected response command %v, want %v", got, want)
	}
	if len(payload) == 0 {
		return fmt.Errorf("replapplier: empty response payload")
	}
	if payload[0] == respError {
		msg := "replica rejected request"
		if len(payload) > 1 {
			msg = string(payload[1:])
		}
		return fmt.Errorf("%w: %s", core.ErrReplicaRejected, msg)
	}
	return nil
}
