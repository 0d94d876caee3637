package diagnostics

import (
	"context"
	"io"
	"strconv"

	"github.com/op/go-logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"krypt.co/piperpc/common/version"
)

//	VersionHeader is set on every Echo and Ping response.
const VersionHeader = "piperpc-version"

const CountTrailer = "piperpc-count"

const MaxCount = 10000

type Service struct {
	log *logging.Logger
}

var _ DiagnosticsServer = (*Service)(nil)

func NewService(log *logging.Logger) *Service {
	return &Service{log: log}
}

func versionHeader() metadata.MD {
	return metadata.Pairs(VersionHeader, version.CURRENT_VERSION.String())
}

func (s *Service) Echo(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	if err := grpc.SetHeader(ctx, versionHeader()); err != nil {
		return nil, err
	}
	return wrapperspb.String(in.GetValue()), nil
}

func (s *Service) Ping(ctx context.Context, in *emptypb.Empty) (*wrapperspb.StringValue, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if clientVersions := md.Get(VersionHeader); len(clientVersions) > 0 {
			if peer, err := version.Parse(clientVersions[0]); err != nil || !version.Compatible(peer) {
				s.log.Warning("ping from incompatible client version", clientVersions[0])
			}
		}
	}
	if err := grpc.SetHeader(ctx, versionHeader()); err != nil {
		return nil, err
	}
	return wrapperspb.String(version.CURRENT_VERSION.String()), nil
}

//	Count streams 1 through n.
func (s *Service) Count(in *wrapperspb.Int32Value, stream CountServer) error {
	n := in.GetValue()
	switch {
	case n < 0:
		return status.Errorf(codes.InvalidArgument, "cannot count to %d", n)
	case n > MaxCount:
		return status.Errorf(codes.OutOfRange, "cannot count past %d", MaxCount)
	}
	for i := int32(1); i <= n; i++ {
		if err := stream.Context().Err(); err != nil {
			return err
		}
		if err := stream.Send(wrapperspb.Int32(i)); err != nil {
			return err
		}
	}
	stream.SetTrailer(metadata.Pairs(CountTrailer, strconv.Itoa(int(n))))
	return nil
}

func (s *Service) Sum(stream SumServer) error {
	var total int32
	for {
		in, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(wrapperspb.Int32(total))
		} else if err != nil {
			return err
		}
		total += in.GetValue()
	}
}

func (s *Service) Chat(stream ChatServer) error {
	for {
		in, err := stream.Recv()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		if err = stream.Send(in); err != nil {
			return err
		}
	}
}
