package bus

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Server is the gateway-side half of the bus: it broadcasts notifications
// to the multicast group and serves unicast requests from local clients.
// Plain net.UDPConn rather than a pub/sub broker: clients must be able to
// talk to a local gateway without any service running besides the gateway
// itself.
type Server struct {
	notifyConn *net.UDPConn
	notifyAddr *net.UDPAddr
	reqConn    *net.UDPConn
}

// NewServer binds the multicast notification socket (send-only, using the
// group's interface) and the unicast request socket at multicastAddr's
// port+1 on loopback.
func NewServer(multicastAddr string) (*Server, error) {
	notifyAddr, err := net.ResolveUDPAddr("udp4", multicastAddr)
	if err != nil {
		return nil, fmt.Errorf("bus: resolving multicast addr: %w", err)
	}
	notifyConn, err := net.DialUDP("udp4", nil, notifyAddr)
	if err != nil {
		return nil, fmt.Errorf("bus: dialing multicast group: %w", err)
	}

	reqAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: notifyAddr.Port + DefaultRequestPort}
	reqConn, err := net.ListenUDP("udp4", reqAddr)
	if err != nil {
		notifyConn.Close()
		return nil, fmt.Errorf("bus: listening for requests on %s: %w", reqAddr, err)
	}

	return &Server{notifyConn: notifyConn, notifyAddr: notifyAddr, reqConn: reqConn}, nil
}

// Close releases both sockets.
func (s *Server) Close() error {
	err1 := s.notifyConn.Close()
	err2 := s.reqConn.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Broadcast publishes a notification to every listening client.
func (s *Server) Broadcast(n Notification) error {
	data, err := MarshalNotification(n)
	if err != nil {
		return fmt.Errorf("bus: marshaling notification: %w", err)
	}
	_, err = s.notifyConn.Write(data)
	return err
}

// RecvRequest blocks until a client request arrives or timeout elapses.
// A zero timeout blocks indefinitely.
func (s *Server) RecvRequest(timeout time.Duration) (Request, net.Addr, error) {
	if timeout > 0 {
		if err := s.reqConn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return Request{}, nil, err
		}
	} else {
		s.reqConn.SetReadDeadline(time.Time{})
	}

	buf := make([]byte, MaxMessageBytes)
	n, addr, err := s.reqConn.ReadFromUDP(buf)
	if err != nil {
		return Request{}, nil, err
	}
	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		return Request{}, addr, fmt.Errorf("bus: decoding request: %w", err)
	}
	return req, addr, nil
}

// RequestPort returns the bound local port of the request socket, useful
// for tests that bind an ephemeral port.
func (s *Server) RequestPort() int {
	return s.reqConn.LocalAddr().(*net.UDPAddr).Port
}
