package grpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"avl-svr/internal/pipeline"
)

// SendDataMethod es el RPC unario del forwarder. El request viaja como
// google.protobuf.Struct {device_id, payload} y la respuesta es un BoolValue.
const SendDataMethod = "/forwarder.Forwarder/SendData"

var ErrRejected = errors.New("forwarder rejected payload")

type Forwarder struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

func NewForwarder(addr string, timeout time.Duration) (*Forwarder, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", addr, err)
	}
	return NewForwarderConn(conn, timeout), nil
}

// NewForwarderConn usa una conexión ya armada (bufconn en tests).
func NewForwarderConn(conn *grpc.ClientConn, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Forwarder{conn: conn, timeout: timeout}
}

func (f *Forwarder) Close() error { return f.conn.Close() }

func (f *Forwarder) Name() string { return "grpc" }

func (f *Forwarder) SendData(ctx context.Context, deviceID, payload string) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := structpb.NewStruct(map[string]any{
		"device_id": deviceID,
		"payload":   payload,
	})
	if err != nil {
		return err
	}
	res := &wrapperspb.BoolValue{}
	if err := f.conn.Invoke(ctx, SendDataMethod, req, res); err != nil {
		return fmt.Errorf("forwarder SendData %s: %w", deviceID, err)
	}
	if !res.GetValue() {
		return fmt.Errorf("%w: device %s", ErrRejected, deviceID)
	}
	return nil
}

// Publish manda cada tracking del batch como JSON; corta en el primer error.
func (f *Forwarder) Publish(ctx context.Context, batch []*pipeline.TrackingObject) error {
	for _, tr := range batch {
		b, err := json.Marshal(tr)
		if err != nil {
			return err
		}
		if err := f.SendData(ctx, tr.IMEI, string(b)); err != nil {
			return err
		}
	}
	return nil
}
