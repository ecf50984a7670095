package gattfake

import (
	"context"
	"errors"
	"testing"

	"github.com/nordicsemi/go-secure-dfu/internal/gatt"
)

func TestConnectionDiscoverAndWrite(t *testing.T) {
	ch := NewCharacteristic()
	conn := NewConnection().WithCharacteristic(gatt.DFUServiceUUID, gatt.ControlPointCharUUID, ch)

	found, err := conn.DiscoverCharacteristic(gatt.DFUServiceUUID, gatt.ControlPointCharUUID)
	if err != nil {
		t.Fatalf("DiscoverCharacteristic: %v", err)
	}
	if err := found.Write([]byte{0x01, 0x02}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	writes := ch.Writes()
	if len(writes) != 1 || string(writes[0]) != "\x01\x02" {
		t.Fatalf("Writes() = %v", writes)
	}
}

func TestDiscoverCharacteristicUnknownFails(t *testing.T) {
	conn := NewConnection()
	if _, err := conn.DiscoverCharacteristic(gatt.DFUServiceUUID, gatt.PacketCharUUID); err == nil {
		t.Fatal("expected an error discovering an unregistered characteristic")
	}
}

func TestFailDiscoveryFor(t *testing.T) {
	conn := NewConnection().WithCharacteristic(gatt.DFUServiceUUID, gatt.ControlPointCharUUID, NewCharacteristic())
	wantErr := errors.New("boom")
	conn.FailDiscoveryFor(gatt.DFUServiceUUID, gatt.ControlPointCharUUID, wantErr)

	_, err := conn.DiscoverCharacteristic(gatt.DFUServiceUUID, gatt.ControlPointCharUUID)
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}

func TestCharacteristicNotify(t *testing.T) {
	ch := NewCharacteristic()
	received := make(chan []byte, 1)
	if err := ch.EnableNotifications(func(data []byte) { received <- data }); err != nil {
		t.Fatalf("EnableNotifications: %v", err)
	}
	ch.Notify([]byte("hello"))
	select {
	case data := <-received:
		if string(data) != "hello" {
			t.Fatalf("got %q", data)
		}
	default:
		t.Fatal("Notify did not invoke the callback")
	}

	if err := ch.DisableNotifications(); err != nil {
		t.Fatalf("DisableNotifications: %v", err)
	}
	ch.Notify([]byte("ignored"))
	select {
	case <-received:
		t.Fatal("callback fired after DisableNotifications")
	default:
	}
}

func TestConnectionDisconnect(t *testing.T) {
	conn := NewConnection()
	fired := false
	conn.OnDisconnect(func() { fired = true })
	conn.SimulateDisconnect()
	if !fired {
		t.Fatal("OnDisconnect callback was not invoked")
	}
	if !conn.IsDisconnected() {
		t.Fatal("IsDisconnected should report true after SimulateDisconnect")
	}
}

func TestAdapterScanAndConnect(t *testing.T) {
	devices := []gatt.Device{{ID: "AA:BB", Name: "nRF52"}}
	conn := NewConnection()
	adapter := NewAdapter(devices, conn)

	got, err := adapter.Scan(context.Background(), gatt.DFUServiceUUID)
	if err != nil || len(got) != 1 || got[0].ID != "AA:BB" {
		t.Fatalf("Scan = %v, %v", got, err)
	}

	c, err := adapter.Connect(context.Background(), "AA:BB")
	if err != nil || c != conn {
		t.Fatalf("Connect = %v, %v, want the configured connection", c, err)
	}
}

func TestAdapterFailConnect(t *testing.T) {
	adapter := NewAdapter(nil, nil)
	wantErr := errors.New("no radio")
	adapter.FailConnect(wantErr)
	if _, err := adapter.Connect(context.Background(), "x"); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}
