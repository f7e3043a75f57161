package grpcserver

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"sessionmeta/internal/event"
	"sessionmeta/internal/pipeline"
	"sessionmeta/internal/session"
)

type fakePipeline struct {
	mu   sync.Mutex
	envs []pipeline.Envelope
	subs []chan pipeline.Result
	err  error
}

func (f *fakePipeline) Submit(env pipeline.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.envs = append(f.envs, env)
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan pipeline.Result, 8)
	f.subs = append(f.subs, ch)
	return ch, func() {}
}

func (f *fakePipeline) publish(res pipeline.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- res:
		default:
		}
	}
}

func dial(t *testing.T, fp *fakePipeline) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewIngestServer(fp, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
	})
	return conn
}

func sampleMessage() event.Message {
	return event.Message{
		Type: event.TypeImageSaved,
		Image: &event.ImageSaved{
			ImageType:      event.TypeLight,
			ExposureNumber: 7,
			ExposureStart:  time.Date(2021, 6, 1, 22, 15, 0, 0, time.UTC),
			Duration:       300,
			PathToImage:    "/data/NGC7000/frame.fits",
			Target:         event.Target{Name: "NGC 7000"},
		},
	}
}

func TestSubmitQueuesEnvelope(t *testing.T) {
	fp := &fakePipeline{}
	client := NewClient(dial(t, fp))

	id, err := client.Submit(context.Background(), sampleMessage())
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Len(t, fp.envs, 1)
	env := fp.envs[0]
	assert.Equal(t, id, env.ID)
	assert.Equal(t, SourceGRPC, env.Source)
	assert.Equal(t, 7, env.Image.ExposureNumber)
	assert.Equal(t, "NGC 7000", env.Image.Target.Name)
	assert.True(t, env.Image.ExposureStart.Equal(time.Date(2021, 6, 1, 22, 15, 0, 0, time.UTC)))
}

func TestSubmitInvalidArgument(t *testing.T) {
	fp := &fakePipeline{}
	conn := dial(t, fp)

	req, err := structpb.NewStruct(map[string]any{"type": "image-saved", "payload": map[string]any{"imageType": "LIGHT"}})
	require.NoError(t, err)
	err = conn.Invoke(context.Background(), submitMethod, req, new(structpb.Struct))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Empty(t, fp.envs)
}

func TestSubmitQueueFull(t *testing.T) {
	fp := &fakePipeline{err: pipeline.ErrQueueFull}
	client := NewClient(dial(t, fp))

	_, err := client.Submit(context.Background(), sampleMessage())
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestHealth(t *testing.T) {
	conn := dial(t, &fakePipeline{})
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestWatchStreamsSummaries(t *testing.T) {
	fp := &fakePipeline{}
	client := NewClient(dial(t, fp))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	recv, err := client.Watch(ctx)
	require.NoError(t, err)

	// The server subscribes once the stream handler runs.
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fp.publish(pipeline.Result{
					Envelope: pipeline.Envelope{ID: "evt-9", Type: event.TypeImageSaved},
					Outcome:  session.Outcome{Skipped: session.SkipNotLight},
				})
			}
		}
	}()

	got, err := recv()
	require.NoError(t, err)
	assert.Equal(t, "evt-9", got["id"])
	assert.Equal(t, "skipped", got["status"])
	assert.Equal(t, string(session.SkipNotLight), got["skipped"])
}
