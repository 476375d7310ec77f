package upload

import (
	"context"
	"io"
	"log"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
)

type activityServer struct {
	err      error
	id       string
	received *structpb.Struct
	auth     []string
}

func (s *activityServer) create(ctx context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	s.auth = md.Get("authorization")
	s.received = req
	if s.err != nil {
		return nil, s.err
	}
	return wrapperspb.String(s.id), nil
}

func serviceDesc(srv *activityServer) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "CreateActivity",
			Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				req := &structpb.Struct{}
				if err := dec(req); err != nil {
					return nil, err
				}
				return srv.create(ctx, req)
			},
		}},
	}
}

func startServer(t *testing.T, srv *activityServer) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	gs.RegisterService(serviceDesc(srv), srv)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	client, err := NewClient(
		Config{Target: "passthrough:///bufnet", Insecure: true, Timeout: 2 * time.Second},
		StaticTokenSource("secret"),
		log.New(io.Discard, "", 0),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testActivity() *model.FinishedActivity {
	start := time.Date(2026, 4, 2, 6, 30, 0, 0, time.UTC)
	return &model.FinishedActivity{
		SessionID: "s-1",
		Category:  model.CategoryBike,
		Location:  model.LocationIndoor,
		StartedAt: start,
		EndedAt:   start.Add(time.Hour),
		Summary: model.ActivitySummary{
			AvgPower:   200,
			MovingTime: 50 * time.Minute,
			PowerZones: []model.ZoneTime{{Zone: 1, Lower: 0, Upper: 110, Seconds: 60}},
		},
		Streams: []model.CompressedStream{{
			Metric:      model.MetricPower,
			SampleCount: 3,
			Min:         190,
			Max:         210,
			Start:       start,
			End:         start.Add(2 * time.Second),
			Encoding:    "delta-varint+zstd",
			Data:        []byte{1, 2, 3},
		}},
	}
}

func TestUploadReturnsActivityID(t *testing.T) {
	srv := &activityServer{id: "act-42"}
	client := startServer(t, srv)

	id, err := client.Upload(context.Background(), testActivity())
	require.NoError(t, err)
	assert.Equal(t, "act-42", id)
	assert.Equal(t, []string{"Bearer secret"}, srv.auth)

	fields := srv.received.GetFields()
	activity := fields["activity"].GetStructValue().GetFields()
	assert.Equal(t, "s-1", activity["session_id"].GetStringValue())
	assert.Equal(t, 200.0, activity["avg_power"].GetNumberValue())
	assert.Equal(t, 3000.0, activity["moving_s"].GetNumberValue())

	streams := fields["activity_streams"].GetListValue().GetValues()
	require.Len(t, streams, 1)
	stream := streams[0].GetStructValue().GetFields()
	assert.Equal(t, "power", stream["metric"].GetStringValue())
	assert.Equal(t, "AQID", stream["data"].GetStringValue())
}

func TestUploadClassifiesErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"invalid argument", status.Error(codes.InvalidArgument, "bad summary"), ErrValidation},
		{"failed precondition", status.Error(codes.FailedPrecondition, "no streams"), ErrValidation},
		{"unavailable", status.Error(codes.Unavailable, "down"), ErrNetwork},
		{"internal", status.Error(codes.Internal, "boom"), ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := startServer(t, &activityServer{err: tt.err})
			_, err := client.Upload(context.Background(), testActivity())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, status.Code(tt.err), status.Code(err))
		})
	}
}

func TestUploadEmptyIDIsRejected(t *testing.T) {
	client := startServer(t, &activityServer{id: ""})
	_, err := client.Upload(context.Background(), testActivity())
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNewClientRequiresTarget(t *testing.T) {
	_, err := NewClient(Config{}, nil, log.New(io.Discard, "", 0))
	assert.Error(t, err)
}

func TestUnconfiguredKeepsActivitiesPending(t *testing.T) {
	_, err := Unconfigured{}.Upload(context.Background(), &model.FinishedActivity{SessionID: "s1"})
	assert.ErrorIs(t, err, ErrNetwork)
	assert.NotErrorIs(t, err, ErrValidation)
}
