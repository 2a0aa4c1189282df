package core

import (
	"context"
	"testing"

	"github.com/benbjohnson/clock"
)

func TestDispatcherRegisterResultRejectsVoidProtocol(t *testing.T) {
	d := NewDispatcher(clock.NewMock(), nil)
	err := d.RegisterResult(HeartbeatV1, func(ctx context.Context, from *Connection, msg *P2PMessage) ([]byte, error) {
		return []byte("x"), nil
	})
	if err == nil {
		t.Fatalf("expected RegisterResult to refuse binding to a no-response protocol")
	}
}

func TestDispatcherRegisterVoidRejectsResultProtocol(t *testing.T) {
	d := NewDispatcher(clock.NewMock(), nil)
	err := d.RegisterVoid(TxV1, func(ctx context.Context, from *Connection, msg *P2PMessage) {})
	if err == nil {
		t.Fatalf("expected RegisterVoid to refuse binding to a response-declaring protocol")
	}
}

func TestDispatcherDispatchRoutesToResultHandler(t *testing.T) {
	d := NewDispatcher(clock.NewMock(), nil)
	if err := d.RegisterResult(TxV1, func(ctx context.Context, from *Connection, msg *P2PMessage) ([]byte, error) {
		return []byte("ack:" + string(msg.Payload)), nil
	}); err != nil {
		t.Fatalf("RegisterResult: %v", err)
	}

	msg, _ := newRequest([32]byte{}, TxV1, []byte("tx-bytes"))
	resp, err := d.Dispatch(context.Background(), nil, msg)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if string(resp) != "ack:tx-bytes" {
		t.Fatalf("unexpected response: %q", resp)
	}
}

func TestDispatcherDispatchEnforcesNonEmptyResultContract(t *testing.T) {
	d := NewDispatcher(clock.NewMock(), nil)
	d.RegisterResult(TxV1, func(ctx context.Context, from *Connection, msg *P2PMessage) ([]byte, error) {
		return nil, nil
	})
	msg, _ := newRequest([32]byte{}, TxV1, nil)
	if _, err := d.Dispatch(context.Background(), nil, msg); err != ErrHandlerContract {
		t.Fatalf("expected ErrHandlerContract for an empty response, got %v", err)
	}
}

func TestDispatcherDispatchUnknownProtocol(t *testing.T) {
	d := NewDispatcher(clock.NewMock(), nil)
	msg := &P2PMessage{Type: ProtocolCode(0xffff)}
	if _, err := d.Dispatch(context.Background(), nil, msg); err != ErrUnknownProtocol {
		t.Fatalf("expected ErrUnknownProtocol, got %v", err)
	}
}

func TestDispatcherDispatchNoHandlerRegistered(t *testing.T) {
	d := NewDispatcher(clock.NewMock(), nil)
	msg, _ := newNormal([32]byte{}, ZeroV1, nil)
	if _, err := d.Dispatch(context.Background(), nil, msg); err != ErrNoHandler {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}
}

func TestRequestWaiterResolvesOnMatchingResponse(t *testing.T) {
	clk := clock.NewMock()
	c := newConnection(1, clk, nil)

	replyCh := c.registerWaiter(timeID128{1}, 1000000000)
	c.resolveWaiter(timeID128{1}, []byte("payload"))

	select {
	case got := <-replyCh:
		if string(got) != "payload" {
			t.Fatalf("unexpected payload: %q", got)
		}
	default:
		t.Fatalf("expected resolveWaiter to deliver immediately without blocking")
	}
}

func TestRequestWaiterTimesOutAndClosesChannel(t *testing.T) {
	clk := clock.NewMock()
	c := newConnection(1, clk, nil)

	replyCh := c.registerWaiter(timeID128{2}, 1000000) // 1ms
	clk.Add(2000000)

	_, ok := <-replyCh
	if ok {
		t.Fatalf("expected reply channel to be closed after timeout")
	}
}
