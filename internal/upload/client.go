// Package upload sends finished activities across the remote boundary. The
// boundary is an opaque unary RPC taking a struct payload and returning the
// created activity id.
package upload

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/lowaak/smart-trainer/activity-recorder/internal/model"
)

const (
	ServiceName          = "activityrecorder.v1.ActivityService"
	CreateActivityMethod = "/" + ServiceName + "/CreateActivity"
)

var (
	// ErrValidation means the boundary rejected the payload. Retrying the
	// same payload will not help.
	ErrValidation = errors.New("upload rejected")
	// ErrNetwork covers every other failure; the upload may be retried.
	ErrNetwork = errors.New("upload failed")
)

// Config configures the upload client.
type Config struct {
	Target   string        `mapstructure:"target"`
	Insecure bool          `mapstructure:"insecure"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// AccessToken is a static bearer token. Empty disables authentication.
	AccessToken string `mapstructure:"access_token"`
}

// Client calls the activity service.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	logger  *log.Logger
}

// bearerCredentials attaches an OAuth2 bearer token to every call.
type bearerCredentials struct {
	source oauth2.TokenSource
	secure bool
}

func (c bearerCredentials) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	token, err := c.source.Token()
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return map[string]string{"authorization": token.Type() + " " + token.AccessToken}, nil
}

func (c bearerCredentials) RequireTransportSecurity() bool {
	return c.secure
}

// StaticTokenSource returns a token source for a fixed access token, or nil
// when token is empty.
func StaticTokenSource(token string) oauth2.TokenSource {
	if token == "" {
		return nil
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}

// NewClient creates a client for cfg.Target. tokens may be nil. Extra dial
// options are appended, which tests use to dial an in-memory listener.
func NewClient(cfg Config, tokens oauth2.TokenSource, logger *log.Logger, opts ...grpc.DialOption) (*Client, error) {
	if logger == nil {
		panic("Client: logger cannot be nil")
	}
	if cfg.Target == "" {
		return nil, errors.New("upload target is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	dialOpts := []grpc.DialOption{}
	if cfg.Insecure {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	}
	if tokens != nil {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(bearerCredentials{source: tokens, secure: !cfg.Insecure}))
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(cfg.Target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload client for %s: %w", cfg.Target, err)
	}
	logger.Printf("Upload: client for %s created", cfg.Target)
	return &Client{conn: conn, timeout: cfg.Timeout, logger: logger}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Upload sends the activity and returns the id assigned by the boundary.
func (c *Client) Upload(ctx context.Context, activity *model.FinishedActivity) (string, error) {
	req, err := EncodeActivity(activity)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := &wrapperspb.StringValue{}
	if err := c.conn.Invoke(ctx, CreateActivityMethod, req, resp); err != nil {
		return "", classify(err)
	}
	if resp.GetValue() == "" {
		return "", fmt.Errorf("%w: empty activity id in response", ErrValidation)
	}
	c.logger.Printf("Upload: session %s created as activity %s", activity.SessionID, resp.GetValue())
	return resp.GetValue(), nil
}

func classify(err error) error {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.AlreadyExists, codes.OutOfRange:
		return fmt.Errorf("%w: %w", ErrValidation, err)
	default:
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
}

// EncodeActivity builds the request payload
// {activity: summary, activity_streams: [...]}.
func EncodeActivity(a *model.FinishedActivity) (*structpb.Struct, error) {
	if a == nil {
		return nil, errors.New("nil activity")
	}
	s := a.Summary
	activity := map[string]any{
		"session_id":        a.SessionID,
		"category":          string(a.Category),
		"location":          string(a.Location),
		"plan_name":         a.PlanName,
		"started_at":        a.StartedAt.UTC().Format(time.RFC3339Nano),
		"ended_at":          a.EndedAt.UTC().Format(time.RFC3339Nano),
		"distance_m":        s.DistanceMeters,
		"elapsed_s":         s.ElapsedTime.Seconds(),
		"moving_s":          s.MovingTime.Seconds(),
		"avg_heart_rate":    s.AvgHeartRate,
		"max_heart_rate":    s.MaxHeartRate,
		"avg_power":         s.AvgPower,
		"max_power":         s.MaxPower,
		"normalized_power":  s.NormalizedPower,
		"intensity_factor":  s.IntensityFactor,
		"tss":               s.TSS,
		"variability_index": s.VariabilityIndex,
		"work_kj":           s.WorkKJ,
		"calories":          s.Calories,
		"avg_cadence":       s.AvgCadence,
		"avg_speed":         s.AvgSpeed,
		"max_speed":         s.MaxSpeed,
		"elevation_gain":    s.ElevationGain,
		"elevation_loss":    s.ElevationLoss,
		"avg_grade":         s.AvgGrade,
		"max_grade":         s.MaxGrade,
		"efficiency_factor": s.EfficiencyFactor,
		"decoupling":        s.Decoupling,
		"trimp":             s.TRIMP,
		"power_zones":       zonesValue(s.PowerZones),
		"heart_rate_zones":  zonesValue(s.HeartRateZones),
	}

	streams := make([]any, 0, len(a.Streams))
	for _, cs := range a.Streams {
		streams = append(streams, map[string]any{
			"metric":       string(cs.Metric),
			"sample_count": cs.SampleCount,
			"min":          cs.Min,
			"max":          cs.Max,
			"start":        cs.Start.UTC().Format(time.RFC3339Nano),
			"end":          cs.End.UTC().Format(time.RFC3339Nano),
			"encoding":     cs.Encoding,
			"data":         cs.Data,
		})
	}

	return structpb.NewStruct(map[string]any{
		"activity":         activity,
		"activity_streams": streams,
	})
}

func zonesValue(zones []model.ZoneTime) []any {
	out := make([]any, 0, len(zones))
	for _, z := range zones {
		out = append(out, map[string]any{
			"zone":    z.Zone,
			"lower":   z.Lower,
			"upper":   z.Upper,
			"seconds": z.Seconds,
		})
	}
	return out
}

// Unconfigured is used when no upload target is set. Every upload fails as a
// network error so finished activities stay pending and are retried on the
// next run.
type Unconfigured struct{}

func (Unconfigured) Upload(context.Context, *model.FinishedActivity) (string, error) {
	return "", fmt.Errorf("%w: no upload target configured", ErrNetwork)
}
