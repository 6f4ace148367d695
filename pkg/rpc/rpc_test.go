package rpc

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/infuse-iot/gateway/pkg/epacket"
)

// loopbackSender lets a test drive a Client's Dispatch loop directly,
// standing in for a real transport/TX-worker round trip.
type loopbackSender struct {
	sent    chan epacket.PacketOutput
	closeCh chan struct{}
}

func newLoopbackSender() *loopbackSender {
	return &loopbackSender{sent: make(chan epacket.PacketOutput, 16), closeCh: make(chan struct{})}
}

func (s *loopbackSender) Send(pkt epacket.PacketOutput) error {
	select {
	case s.sent <- pkt:
		return nil
	case <-s.closeCh:
		return nil
	}
}

func testRoute() []epacket.HopOutput {
	return []epacket.HopOutput{{InfuseID: 0xAB, Interface: epacket.InterfaceSerial, Auth: epacket.AuthDevice}}
}

func TestStandardRoundTrip(t *testing.T) {
	sender := newLoopbackSender()
	client := NewClient(sender, testRoute(), epacket.AuthDevice)

	go func() {
		out := <-sender.sent
		hdr, err := decodeRequestHeader(out.Payload)
		if err != nil {
			t.Errorf("decodeRequestHeader: %v", err)
			return
		}
		rsp := make([]byte, responseHeaderSize)
		copy(rsp, mustResponseHeaderBytes(hdr.RequestID, hdr.CommandID, 0))
		rsp = append(rsp, []byte("ok")...)
		client.Dispatch(epacket.PacketReceived{Type: epacket.TypeRPCRsp, Payload: rsp})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	body, err := client.Standard(ctx, 42, []byte("ping"))
	if err != nil {
		t.Fatalf("Standard: %v", err)
	}
	if string(body) != "ok" {
		t.Errorf("body = %q, want %q", body, "ok")
	}
}

func TestStandardReturnCodeError(t *testing.T) {
	sender := newLoopbackSender()
	client := NewClient(sender, testRoute(), epacket.AuthDevice)

	go func() {
		out := <-sender.sent
		hdr, _ := decodeRequestHeader(out.Payload)
		rsp := mustResponseHeaderBytes(hdr.RequestID, hdr.CommandID, -22)
		client.Dispatch(epacket.PacketReceived{Type: epacket.TypeRPCRsp, Payload: rsp})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := client.Standard(ctx, 7, nil)
	rc, ok := err.(*ReturnCodeError)
	if !ok {
		t.Fatalf("err = %v (%T), want *ReturnCodeError", err, err)
	}
	if rc.ReturnCode != -22 {
		t.Errorf("ReturnCode = %d, want -22", rc.ReturnCode)
	}
}

func TestDataSendChunkingAndAck(t *testing.T) {
	sender := newLoopbackSender()
	client := NewClient(sender, testRoute(), epacket.AuthDevice)
	bulk := bytes.Repeat([]byte{0x42}, 1000)

	go func() {
		cmdOut := <-sender.sent
		hdr, _ := decodeRequestHeader(cmdOut.Payload)

		client.Dispatch(epacket.PacketReceived{Type: epacket.TypeRPCDataAck, Payload: dataHeader{RequestID: hdr.RequestID}.encode()})

		received, chunks := 0, 0
		for received < len(bulk) {
			chunk := <-sender.sent
			dh, err := decodeDataHeader(chunk.Payload)
			if err != nil {
				t.Errorf("decodeDataHeader: %v", err)
				return
			}
			received += len(chunk.Payload) - dataHeaderSize
			chunks++
			// The device acks once per ack period (2 chunks, as requested below).
			if chunks%2 == 0 {
				client.Dispatch(epacket.PacketReceived{Type: epacket.TypeRPCDataAck, Payload: dataHeader{RequestID: dh.RequestID, Offset: dh.Offset}.encode()})
			}
		}

		rsp := mustResponseHeaderBytes(hdr.RequestID, hdr.CommandID, 0)
		client.Dispatch(epacket.PacketReceived{Type: epacket.TypeRPCRsp, Payload: rsp})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.DataSend(ctx, 99, []byte("hdr"), bulk, 2, 128)
	if err != nil {
		t.Fatalf("DataSend: %v", err)
	}
}

func TestDataRecvAccumulation(t *testing.T) {
	sender := newLoopbackSender()
	client := NewClient(sender, testRoute(), epacket.AuthDevice)
	want := []byte("streamed-payload-bytes")

	go func() {
		cmdOut := <-sender.sent
		hdr, _ := decodeRequestHeader(cmdOut.Payload)

		client.Dispatch(epacket.PacketReceived{Type: epacket.TypeRPCData, Payload: append(dataHeader{RequestID: hdr.RequestID, Offset: 0}.encode(), want[:10]...)})
		client.Dispatch(epacket.PacketReceived{Type: epacket.TypeRPCData, Payload: append(dataHeader{RequestID: hdr.RequestID, Offset: 10}.encode(), want[10:]...)})
		client.Dispatch(epacket.PacketReceived{Type: epacket.TypeRPCRsp, Payload: mustResponseHeaderBytes(hdr.RequestID, hdr.CommandID, 0)})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := client.DataRecv(ctx, 11, nil)
	if err != nil {
		t.Fatalf("DataRecv: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func mustResponseHeaderBytes(requestID uint32, commandID uint16, returnCode int16) []byte {
	b := requestHeader{RequestID: requestID, CommandID: commandID}.encode()
	rc := uint16(returnCode)
	return append(b, byte(rc), byte(rc>>8))
}
