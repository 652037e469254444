package overlay

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/voicelens/internal/vision"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "voicelens.overlay.v1.Overlay"

const streamMethod = "/" + ServiceName + "/Stream"

// StreamService is the server side of the Overlay service. Frames travel as
// google.protobuf.Struct so no generated code is needed on either side.
type StreamService interface {
	Stream(req *emptypb.Empty, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StreamService)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       streamHandler,
			ServerStreams: true,
		},
	},
	Metadata: "voicelens/overlay/v1/overlay.proto",
}

func streamHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(emptypb.Empty)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(StreamService).Stream(req, stream)
}

// Ensure Server implements the service interface.
var _ StreamService = (*Server)(nil)

// Server streams overlays from a Publisher.
type Server struct {
	publisher *Publisher
}

// NewServer creates a new gRPC server.
func NewServer(publisher *Publisher) *Server {
	return &Server{publisher: publisher}
}

// Register adds the Overlay service to s.
func (s *Server) Register(gs grpc.ServiceRegistrar) {
	gs.RegisterService(&serviceDesc, s)
}

// Stream sends every overlay the publisher renders until the client goes
// away or the publisher is closed.
func (s *Server) Stream(_ *emptypb.Empty, stream grpc.ServerStream) error {
	id, ch, err := s.publisher.Subscribe()
	if err != nil {
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	defer s.publisher.Unsubscribe(id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ov, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := EncodeFrame(ov)
			if err != nil {
				opsf("encode overlay %d: %v", ov.Seq, err)
				return status.Errorf(codes.Internal, "encode overlay: %v", err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// EncodeFrame converts an overlay to its wire form.
func EncodeFrame(ov vision.Overlay) (*structpb.Struct, error) {
	items := make([]interface{}, 0, len(ov.Items))
	for _, it := range ov.Items {
		items = append(items, map[string]interface{}{
			"label":      it.Label,
			"track_id":   it.TrackID,
			"confidence": it.Confidence,
			"x":          it.Rect.X,
			"y":          it.Rect.Y,
			"w":          it.Rect.W,
			"h":          it.Rect.H,
		})
	}
	return structpb.NewStruct(map[string]interface{}{
		"seq":             float64(ov.Seq),
		"generation":      float64(ov.Generation),
		"visible":         ov.Visible,
		"viewport_width":  ov.Viewport.Width,
		"viewport_height": ov.Viewport.Height,
		"items":           items,
	})
}

// DecodeFrame converts a wire frame back to an overlay.
func DecodeFrame(msg *structpb.Struct) (vision.Overlay, error) {
	f := msg.GetFields()
	if f == nil {
		return vision.Overlay{}, fmt.Errorf("empty overlay frame")
	}
	ov := vision.Overlay{
		Seq:        uint64(f["seq"].GetNumberValue()),
		Generation: uint64(f["generation"].GetNumberValue()),
		Visible:    f["visible"].GetBoolValue(),
		Viewport: vision.Viewport{
			Width:  f["viewport_width"].GetNumberValue(),
			Height: f["viewport_height"].GetNumberValue(),
		},
	}
	for i, v := range f["items"].GetListValue().GetValues() {
		item := v.GetStructValue().GetFields()
		if item == nil {
			return vision.Overlay{}, fmt.Errorf("overlay item %d is not an object", i)
		}
		ov.Items = append(ov.Items, vision.OverlayItem{
			Label:      item["label"].GetStringValue(),
			TrackID:    item["track_id"].GetStringValue(),
			Confidence: item["confidence"].GetNumberValue(),
			Rect: vision.ScreenRect{
				X: item["x"].GetNumberValue(),
				Y: item["y"].GetNumberValue(),
				W: item["w"].GetNumberValue(),
				H: item["h"].GetNumberValue(),
			},
		})
	}
	return ov, nil
}

// Client receives overlays from a remote Overlay service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a client connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// FrameStream is an open Stream call.
type FrameStream struct {
	cs grpc.ClientStream
}

// Stream opens a server stream of overlays.
func (c *Client) Stream(ctx context.Context, opts ...grpc.CallOption) (*FrameStream, error) {
	cs, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], streamMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &FrameStream{cs: cs}, nil
}

// Recv blocks for the next overlay.
func (s *FrameStream) Recv() (vision.Overlay, error) {
	msg := new(structpb.Struct)
	if err := s.cs.RecvMsg(msg); err != nil {
		return vision.Overlay{}, err
	}
	return DecodeFrame(msg)
}
