package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// Sentinel errors surfaced by connection-scoped helpers.
var (
	ErrConnectionRefused = errors.New("bus: connection request refused")
	ErrConnectionAborted = errors.New("bus: connection dropped before release")
)

// Client is the local-process half of the bus: it joins the multicast
// notification group and sends unicast requests to the gateway.
type Client struct {
	notifyConn *net.UDPConn
	reqConn    *net.UDPConn
	reqAddr    *net.UDPAddr
}

// NewClient joins multicastAddr's group for notifications and dials the
// gateway's unicast request port (multicastAddr's port + 1).
func NewClient(multicastAddr string) (*Client, error) {
	groupAddr, err := net.ResolveUDPAddr("udp4", multicastAddr)
	if err != nil {
		return nil, fmt.Errorf("bus: resolving multicast addr: %w", err)
	}
	notifyConn, err := net.ListenMulticastUDP("udp4", nil, groupAddr)
	if err != nil {
		return nil, fmt.Errorf("bus: joining multicast group: %w", err)
	}
	notifyConn.SetReadBuffer(MaxMessageBytes * 16)

	reqAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: groupAddr.Port + DefaultRequestPort}
	reqConn, err := net.DialUDP("udp4", nil, reqAddr)
	if err != nil {
		notifyConn.Close()
		return nil, fmt.Errorf("bus: dialing gateway request socket: %w", err)
	}

	return &Client{notifyConn: notifyConn, reqConn: reqConn, reqAddr: reqAddr}, nil
}

// Close releases both sockets.
func (c *Client) Close() error {
	err1 := c.notifyConn.Close()
	err2 := c.reqConn.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// SendRequest sends req to the gateway. The bus is fire-and-forget over UDP;
// callers that need a reply correlate it out of the notification stream.
func (c *Client) SendRequest(req Request) error {
	data, err := MarshalRequest(req)
	if err != nil {
		return fmt.Errorf("bus: marshaling request: %w", err)
	}
	_, err = c.reqConn.Write(data)
	return err
}

// RecvNotification blocks until a notification arrives or timeout elapses.
// A zero timeout blocks indefinitely.
func (c *Client) RecvNotification(timeout time.Duration) (Notification, error) {
	if timeout > 0 {
		if err := c.notifyConn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return Notification{}, err
		}
	} else {
		c.notifyConn.SetReadDeadline(time.Time{})
	}

	buf := make([]byte, MaxMessageBytes)
	n, err := c.notifyConn.Read(buf)
	if err != nil {
		return Notification{}, err
	}
	var notif Notification
	if err := json.Unmarshal(buf[:n], &notif); err != nil {
		return Notification{}, fmt.Errorf("bus: decoding notification: %w", err)
	}
	return notif, nil
}

// SendEpacket is a convenience wrapper around SendRequest for an already
// built EPACKET_SEND request.
func (c *Client) SendEpacket(req Request) error {
	if req.Type != RequestEpacketSend {
		return fmt.Errorf("bus: SendEpacket called with request type %s", req.Type)
	}
	return c.SendRequest(req)
}

// WithConnection requests a connection to infuseID, waits for it to be
// created (or refused), runs fn while the connection is assumed live, and
// releases it afterwards regardless of fn's outcome. It returns
// ErrConnectionRefused if the gateway reports CONNECTION_FAILED for this id,
// ctx's error if ctx is done before CONNECTION_CREATED or CONNECTION_FAILED
// arrives, and ErrConnectionAborted if a CONNECTION_DROPPED notification for
// this id arrives while fn is running.
func (c *Client) WithConnection(ctx context.Context, infuseID uint64, dataTypeMask uint32, fn func(ctx context.Context) error) error {
	if err := c.SendRequest(ConnectionRequestMessage(infuseID, dataTypeMask)); err != nil {
		return fmt.Errorf("bus: sending connection request: %w", err)
	}

	if err := c.waitForConnectionUp(ctx, infuseID); err != nil {
		return err
	}
	defer c.SendRequest(ConnectionReleaseMessage(infuseID))

	dropped := make(chan struct{})
	fnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.watchForDrop(fnCtx, infuseID, dropped)

	errCh := make(chan error, 1)
	go func() { errCh <- fn(fnCtx) }()

	select {
	case err := <-errCh:
		return err
	case <-dropped:
		cancel()
		<-errCh
		return ErrConnectionAborted
	case <-ctx.Done():
		cancel()
		<-errCh
		return ctx.Err()
	}
}

func (c *Client) waitForConnectionUp(ctx context.Context, infuseID uint64) error {
	for {
		remaining := time.Until(deadlineOr(ctx, time.Now().Add(30*time.Second)))
		if remaining <= 0 {
			return ctx.Err()
		}
		notif, err := c.RecvNotification(remaining)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		if notif.ConnectionID != infuseID {
			continue
		}
		switch notif.Type {
		case NotifyConnectionCreated:
			return nil
		case NotifyConnectionFailed:
			return ErrConnectionRefused
		}
	}
}

func (c *Client) watchForDrop(ctx context.Context, infuseID uint64, dropped chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		notif, err := c.RecvNotification(250 * time.Millisecond)
		if err != nil {
			continue
		}
		if notif.ConnectionID == infuseID && notif.Type == NotifyConnectionDropped {
			close(dropped)
			return
		}
	}
}

func deadlineOr(ctx context.Context, fallback time.Time) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return fallback
}
