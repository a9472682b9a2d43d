package session

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avl-svr/internal/codec"
	"avl-svr/internal/framing"
)

const testIMEI = "123456789012345"

type recordingIngestor struct {
	mu      sync.Mutex
	batches [][]codec.AVLRecord
	imeis   []string
	err     error
}

func (r *recordingIngestor) Ingest(_ context.Context, imei string, records []codec.AVLRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.batches = append(r.batches, records)
	r.imeis = append(r.imeis, imei)
	return nil
}

func (r *recordingIngestor) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

type recordingResponses struct {
	got []codec.CommandResponse
}

func (r *recordingResponses) HandleResponse(_ string, resp codec.CommandResponse) {
	r.got = append(r.got, resp)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func identFrame(imei string) []byte {
	out := binary.BigEndian.AppendUint16(nil, uint16(len(imei)))
	return append(out, imei...)
}

func avlFrame(t *testing.T, records int) []byte {
	t.Helper()
	recs := make([]codec.AVLRecord, records)
	for i := range recs {
		recs[i] = codec.AVLRecord{
			TimestampMs: 1700000000000 + uint64(i)*1000,
			GPS:         codec.NewGPSFix(-990000000, 195000000, 2240, 90, 8, 40),
			IO: codec.IOPayload{Elements: []codec.IOElement{
				{ID: 1, Width: codec.Width1, Value: 0x05},
				{ID: 67, Width: codec.Width2, Value: 12500},
			}},
		}
	}
	b, err := codec.Encode(recs)
	require.NoError(t, err)
	return b
}

func corrupt(frame []byte) []byte {
	out := append([]byte(nil), frame...)
	out[len(out)-1] ^= 0xFF // crc
	return out
}

type transition struct{ prev, next State }

func newTestSession(auth Authenticator, ing Ingestor, opts ...Option) (*Session, *[]transition) {
	var seen []transition
	opts = append([]Option{
		WithLogger(quietLogger()),
		WithStateChangeHandler(func(_ *Session, prev, next State) {
			seen = append(seen, transition{prev, next})
		}),
	}, opts...)
	return New(DefaultConfig(), auth, ing, opts...), &seen
}

func TestSession_HandshakeAndAck(t *testing.T) {
	ing := &recordingIngestor{}
	s, seen := newTestSession(AcceptAll, ing)
	ctx := context.Background()

	assert.Equal(t, AwaitingIdentification, s.State())

	reply, err := s.Handle(ctx, identFrame(testIMEI))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, reply)
	assert.Equal(t, Authenticated, s.State())
	assert.Equal(t, testIMEI, s.IMEI())

	reply, err = s.Handle(ctx, avlFrame(t, 5))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 5}, reply)
	assert.Equal(t, Streaming, s.State())

	require.Equal(t, 1, ing.calls())
	assert.Len(t, ing.batches[0], 5)
	assert.Equal(t, testIMEI, ing.imeis[0])
	assert.True(t, ing.batches[0][0].Telemetry.DigitalInputs.Input3)

	assert.Equal(t, []transition{
		{AwaitingIdentification, Authenticated},
		{Authenticated, Streaming},
	}, *seen)
}

func TestSession_RejectClosesAndDropsFrames(t *testing.T) {
	ing := &recordingIngestor{}
	deny := AuthorizeFunc(func(context.Context, string) (bool, error) { return false, nil })
	s, seen := newTestSession(deny, ing)
	ctx := context.Background()

	reply, err := s.Handle(ctx, identFrame(testIMEI))
	require.ErrorIs(t, err, ErrIdentificationRejected)
	assert.Equal(t, []byte{0x00}, reply)
	assert.Equal(t, Closed, s.State())
	assert.Equal(t, []transition{{AwaitingIdentification, Closed}}, *seen)

	reply, err = s.Handle(ctx, avlFrame(t, 1))
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Zero(t, ing.calls())
	assert.ErrorIs(t, s.CloseErr(), ErrIdentificationRejected)
}

func TestSession_RejectDropsBytesInSameChunk(t *testing.T) {
	ing := &recordingIngestor{}
	deny := AuthorizeFunc(func(context.Context, string) (bool, error) { return false, nil })
	s, _ := newTestSession(deny, ing)

	chunk := append(identFrame(testIMEI), avlFrame(t, 2)...)
	reply, err := s.Handle(context.Background(), chunk)
	require.ErrorIs(t, err, ErrIdentificationRejected)
	assert.Equal(t, []byte{0x00}, reply)
	assert.Zero(t, ing.calls())
}

func TestSession_RejectMalformedIMEI(t *testing.T) {
	called := false
	auth := AuthorizeFunc(func(context.Context, string) (bool, error) {
		called = true
		return true, nil
	})
	s, _ := newTestSession(auth, &recordingIngestor{})

	reply, err := s.Handle(context.Background(), identFrame("12345678901234X"))
	require.ErrorIs(t, err, ErrIdentificationRejected)
	assert.Equal(t, []byte{0x00}, reply)
	assert.False(t, called)
}

func TestSession_AuthenticatorError(t *testing.T) {
	boom := errors.New("redis down")
	auth := AuthorizeFunc(func(context.Context, string) (bool, error) { return false, boom })
	s, _ := newTestSession(auth, &recordingIngestor{})

	reply, err := s.Handle(context.Background(), identFrame(testIMEI))
	require.ErrorIs(t, err, ErrIdentificationRejected)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []byte{0x00}, reply)
}

func TestSession_HandshakeAndFrameInOneChunk(t *testing.T) {
	ing := &recordingIngestor{}
	s, _ := newTestSession(AcceptAll, ing)

	chunk := append(identFrame(testIMEI), avlFrame(t, 2)...)
	reply, err := s.Handle(context.Background(), chunk)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0, 0, 0, 2}, reply)
	assert.Equal(t, Streaming, s.State())
}

func TestSession_ChunkedStream(t *testing.T) {
	ing := &recordingIngestor{}
	s, _ := newTestSession(AcceptAll, ing)
	ctx := context.Background()

	stream := append(identFrame(testIMEI), avlFrame(t, 3)...)
	stream = append(stream, avlFrame(t, 1)...)

	var replies []byte
	for i := 0; i < len(stream); i += 7 {
		end := min(i+7, len(stream))
		out, err := s.Handle(ctx, stream[i:end])
		require.NoError(t, err)
		replies = append(replies, out...)
	}
	assert.Equal(t, []byte{0x01, 0, 0, 0, 3, 0, 0, 0, 1}, replies)
	assert.Equal(t, 2, ing.calls())
}

func TestSession_DecodeFailureSendsNoAck(t *testing.T) {
	ing := &recordingIngestor{}
	s, _ := newTestSession(AcceptAll, ing)
	ctx := context.Background()
	_, err := s.Handle(ctx, identFrame(testIMEI))
	require.NoError(t, err)

	reply, err := s.Handle(ctx, corrupt(avlFrame(t, 2)))
	require.NoError(t, err)
	assert.Empty(t, reply)
	assert.Equal(t, 1, s.ConsecutiveFailures())
	assert.Equal(t, Streaming, s.State())
	assert.Zero(t, ing.calls())

	// la retransmisión correcta se confirma y resetea el contador
	reply, err = s.Handle(ctx, avlFrame(t, 2))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 2}, reply)
	assert.Equal(t, 0, s.ConsecutiveFailures())
}

func TestSession_IngestFailureSendsNoAck(t *testing.T) {
	ing := &recordingIngestor{err: errors.New("sink unavailable")}
	s, _ := newTestSession(AcceptAll, ing)
	ctx := context.Background()
	_, err := s.Handle(ctx, identFrame(testIMEI))
	require.NoError(t, err)

	reply, err := s.Handle(ctx, avlFrame(t, 1))
	require.NoError(t, err)
	assert.Empty(t, reply)
	assert.Equal(t, 1, s.ConsecutiveFailures())
}

func TestSession_ConsecutiveFailuresConcurrentRead(t *testing.T) {
	s, _ := newTestSession(AcceptAll, &recordingIngestor{})
	ctx := context.Background()
	_, err := s.Handle(ctx, identFrame(testIMEI))
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = s.ConsecutiveFailures()
			}
		}
	}()

	for range 3 {
		_, err := s.Handle(ctx, corrupt(avlFrame(t, 1)))
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, 3, s.ConsecutiveFailures())
}

func TestSession_TooManyFailuresCloses(t *testing.T) {
	ing := &recordingIngestor{}
	s, _ := newTestSession(AcceptAll, ing)
	ctx := context.Background()
	_, err := s.Handle(ctx, identFrame(testIMEI))
	require.NoError(t, err)

	bad := corrupt(avlFrame(t, 1))
	for i := 1; i < DefaultConfig().MaxConsecutiveFailures; i++ {
		_, err := s.Handle(ctx, bad)
		require.NoError(t, err, "failure %d must not be fatal", i)
	}
	_, err = s.Handle(ctx, bad)
	require.ErrorIs(t, err, ErrTooManyFailures)
	require.ErrorIs(t, err, codec.ErrChecksumMismatch)
	assert.Equal(t, Closed, s.State())

	reply, err := s.Handle(ctx, avlFrame(t, 1))
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Zero(t, ing.calls())
}

func TestSession_FramingErrorCloses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits = framing.Limits{MaxFrameLen: 64}
	s := New(cfg, AcceptAll, &recordingIngestor{}, WithLogger(quietLogger()))
	ctx := context.Background()
	_, err := s.Handle(ctx, identFrame(testIMEI))
	require.NoError(t, err)

	hdr := binary.BigEndian.AppendUint32([]byte{0, 0, 0, 0}, 65)
	_, err = s.Handle(ctx, hdr)
	require.ErrorIs(t, err, codec.ErrFraming)
	assert.Equal(t, Closed, s.State())
}

func TestSession_FramingErrorOnIdentification(t *testing.T) {
	s, _ := newTestSession(AcceptAll, &recordingIngestor{})
	reply, err := s.Handle(context.Background(), []byte{0x00, 0x00})
	require.ErrorIs(t, err, codec.ErrFraming)
	assert.Nil(t, reply)
	assert.Equal(t, Closed, s.State())
}

func TestSession_ProtocolMismatchIsRetryable(t *testing.T) {
	ing := &recordingIngestor{}
	s, _ := newTestSession(AcceptAll, ing)
	ctx := context.Background()
	_, err := s.Handle(ctx, identFrame(testIMEI))
	require.NoError(t, err)

	// frame Codec 8 (0x08): bien formado pero no soportado
	body := []byte{0x08, 0x00, 0x00}
	frame := binary.BigEndian.AppendUint32([]byte{0, 0, 0, 0}, uint32(len(body)))
	frame = append(frame, body...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(codec.CRC16IBM(body)))

	reply, err := s.Handle(ctx, frame)
	require.NoError(t, err)
	assert.Empty(t, reply)
	assert.Equal(t, Streaming, s.State())
	assert.Equal(t, 1, s.ConsecutiveFailures())
}

func TestSession_CommandResponseRouted(t *testing.T) {
	responses := &recordingResponses{}
	s, _ := newTestSession(AcceptAll, &recordingIngestor{}, WithResponseHandler(responses))
	ctx := context.Background()
	_, err := s.Handle(ctx, identFrame(testIMEI))
	require.NoError(t, err)

	reply, err := s.Handle(ctx, codec.EncodeCommandResponse("Ver:03.27.07_E Hw:FMB920"))
	require.NoError(t, err)
	assert.Empty(t, reply)
	assert.Equal(t, 0, s.ConsecutiveFailures())
	require.Len(t, responses.got, 1)
	assert.Equal(t, "Ver:03.27.07_E Hw:FMB920", responses.got[0].Text)
}

func TestSession_CloseByTransport(t *testing.T) {
	s, seen := newTestSession(AcceptAll, &recordingIngestor{})
	_, err := s.Handle(context.Background(), identFrame(testIMEI))
	require.NoError(t, err)

	s.Close(nil)
	assert.Equal(t, Closed, s.State())
	assert.ErrorIs(t, s.CloseErr(), ErrClosedByTransport)

	s.Close(errors.New("again"))
	assert.ErrorIs(t, s.CloseErr(), ErrClosedByTransport)
	assert.Len(t, *seen, 2)
}

func TestSession_LastActivity(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := New(DefaultConfig(), AcceptAll, &recordingIngestor{}, WithLogger(quietLogger()), WithClock(clock))
	assert.Equal(t, now, s.LastActivity())

	now = now.Add(time.Minute)
	_, err := s.Handle(context.Background(), identFrame(testIMEI)[:1])
	require.NoError(t, err)
	assert.Equal(t, now, s.LastActivity())
}

func TestValidIMEI(t *testing.T) {
	assert.True(t, ValidIMEI("123456789012345"))
	assert.True(t, ValidIMEI("35209308142915"))
	assert.True(t, ValidIMEI("35209308142915012"))
	assert.False(t, ValidIMEI("1234"))
	assert.False(t, ValidIMEI("12345678901234a"))
	assert.False(t, ValidIMEI("123456789012345678"))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, canTransition(AwaitingIdentification, Authenticated))
	assert.False(t, canTransition(AwaitingIdentification, Streaming))
	assert.True(t, canTransition(Authenticated, Streaming))
	assert.True(t, canTransition(Streaming, Closed))
	assert.False(t, canTransition(Closed, Closed))
	assert.False(t, canTransition(Closed, AwaitingIdentification))
	assert.Equal(t, "streaming", Streaming.String())
}
