package grpcclient

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"avl-svr/internal/pipeline"
)

type fakeForwarder struct {
	mu     sync.Mutex
	accept bool
	got    []*structpb.Struct
}

func (f *fakeForwarder) sendData(_ context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, req)
	return wrapperspb.Bool(f.accept), nil
}

type forwarderServer interface {
	sendData(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error)
}

var forwarderDesc = grpc.ServiceDesc{
	ServiceName: "forwarder.Forwarder",
	HandlerType: (*forwarderServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "SendData",
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			return srv.(forwarderServer).sendData(ctx, in)
		},
	}},
}

func startForwarder(t *testing.T, fake *fakeForwarder) *Forwarder {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&forwarderDesc, fake)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	fwd := NewForwarderConn(conn, time.Second)
	t.Cleanup(func() { _ = fwd.Close() })
	return fwd
}

func TestForwarder_Publish(t *testing.T) {
	fake := &fakeForwarder{accept: true}
	fwd := startForwarder(t, fake)

	batch := []*pipeline.TrackingObject{
		{IMEI: "356307042441013", Lat: 19.5, Lon: -99.1, Fix: 1},
		{IMEI: "356307042441013", Lat: 19.6, Lon: -99.2, Fix: 1},
	}
	require.NoError(t, fwd.Publish(context.Background(), batch))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.got, 2)
	fields := fake.got[1].GetFields()
	assert.Equal(t, "356307042441013", fields["device_id"].GetStringValue())

	var tr pipeline.TrackingObject
	require.NoError(t, json.Unmarshal([]byte(fields["payload"].GetStringValue()), &tr))
	assert.InDelta(t, 19.6, tr.Lat, 1e-9)
}

func TestForwarder_Rejected(t *testing.T) {
	fwd := startForwarder(t, &fakeForwarder{accept: false})
	err := fwd.SendData(context.Background(), "356307042441013", "{}")
	require.ErrorIs(t, err, ErrRejected)
}

func TestForwarder_Name(t *testing.T) {
	fwd := startForwarder(t, &fakeForwarder{})
	assert.Equal(t, "grpc", fwd.Name())
}
