package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joshp123/pecronhub/internal/fleet"
)

const (
	ServiceName = "pecronhub.fleet.v1.FleetService"
	fleetProto  = "pecronhub/fleet/v1/fleet.proto"
)

func stringField(name string, number int32) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:     proto.String(name),
		JsonName: proto.String(name),
		Number:   proto.Int32(number),
		Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:     descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(),
	}
}

func request(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
}

func method(name, input string, stream bool) *descriptorpb.MethodDescriptorProto {
	return &descriptorpb.MethodDescriptorProto{
		Name:            proto.String(name),
		InputType:       proto.String(".pecronhub.fleet.v1." + input),
		OutputType:      proto.String(".google.protobuf.Struct"),
		ServerStreaming: proto.Bool(stream),
	}
}

// fleetFile describes the service so reflection clients such as grpcurl can
// build requests. Responses are Structs carrying the JSON snapshots.
var fleetFile = func() protoreflect.FileDescriptor {
	account := stringField("account", 1)
	deviceID := func() *descriptorpb.FieldDescriptorProto { return stringField("device_id", 2) }
	value := &descriptorpb.FieldDescriptorProto{
		Name:     proto.String("value"),
		JsonName: proto.String("value"),
		Number:   proto.Int32(4),
		Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:     descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum(),
		TypeName: proto.String(".google.protobuf.Value"),
	}

	fdp := &descriptorpb.FileDescriptorProto{
		Name:       proto.String(fleetProto),
		Package:    proto.String("pecronhub.fleet.v1"),
		Dependency: []string{"google/protobuf/struct.proto"},
		Syntax:     proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			request("ListAccountsRequest"),
			request("ListDevicesRequest", account),
			request("GetDeviceRequest", account, deviceID()),
			request("SetPropertyRequest", account, deviceID(), stringField("code", 3), value),
			request("ListNotificationsRequest", account),
			request("RefreshRequest", account),
			request("WatchRequest", account),
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("FleetService"),
			Method: []*descriptorpb.MethodDescriptorProto{
				method("ListAccounts", "ListAccountsRequest", false),
				method("ListDevices", "ListDevicesRequest", false),
				method("GetDevice", "GetDeviceRequest", false),
				method("SetProperty", "SetPropertyRequest", false),
				method("ListNotifications", "ListNotificationsRequest", false),
				method("Refresh", "RefreshRequest", false),
				method("Watch", "WatchRequest", true),
			},
		}},
	}

	fd, err := protodesc.NewFile(fdp, protoregistry.GlobalFiles)
	if err != nil {
		panic(fmt.Sprintf("build %s: %v", fleetProto, err))
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
		panic(fmt.Sprintf("register %s: %v", fleetProto, err))
	}
	return fd
}()

func requestDescriptor(name string) protoreflect.MessageDescriptor {
	return fleetFile.Messages().ByName(protoreflect.Name(name))
}

func str(m *dynamicpb.Message, field string) string {
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(field))
	if fd == nil {
		return ""
	}
	return m.Get(fd).String()
}

// toStruct converts any JSON-encodable value into a Struct. Non-object
// values are wrapped under "items".
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, err
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		obj = map[string]any{"items": decoded}
	}
	return structpb.NewStruct(obj)
}

func rpcError(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(grpcCode(err), err.Error())
}

// fleetServer exists so grpc can check the registered implementation.
type fleetServer interface {
	isFleetService()
}

// FleetService serves the fleet over gRPC.
type FleetService struct {
	f            *Fleet
	writeTimeout time.Duration
}

func NewFleetService(f *Fleet) *FleetService {
	return &FleetService{f: f, writeTimeout: defaultWriteTimeout}
}

func (*FleetService) isFleetService() {}

// Register attaches the service to a gRPC server.
func (s *FleetService) Register(server *grpc.Server) {
	server.RegisterService(&fleetServiceDesc, s)
}

type unaryFunc func(s *FleetService, ctx context.Context, req *dynamicpb.Message) (any, error)

func unary(name, input string, fn unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := dynamicpb.NewMessage(requestDescriptor(input))
			if err := dec(req); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, r any) (any, error) {
				out, err := fn(srv.(*FleetService), ctx, r.(*dynamicpb.Message))
				if err != nil {
					return nil, rpcError(err)
				}
				st, err := toStruct(out)
				if err != nil {
					return nil, status.Errorf(grpcCode(err), "encode response: %v", err)
				}
				return st, nil
			}
			if interceptor == nil {
				return call(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, req, info, call)
		},
	}
}

var fleetServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*fleetServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("ListAccounts", "ListAccountsRequest", func(s *FleetService, _ context.Context, _ *dynamicpb.Message) (any, error) {
			return map[string]any{"accounts": s.f.Accounts(), "status": s.f.Health()}, nil
		}),
		unary("ListDevices", "ListDevicesRequest", func(s *FleetService, _ context.Context, req *dynamicpb.Message) (any, error) {
			devices, err := s.f.Devices(str(req, "account"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"devices": devices}, nil
		}),
		unary("GetDevice", "GetDeviceRequest", func(s *FleetService, _ context.Context, req *dynamicpb.Message) (any, error) {
			return s.f.Device(str(req, "account"), str(req, "device_id"))
		}),
		unary("SetProperty", "SetPropertyRequest", (*FleetService).setProperty),
		unary("ListNotifications", "ListNotificationsRequest", func(s *FleetService, _ context.Context, req *dynamicpb.Message) (any, error) {
			list, err := s.f.Notifications(str(req, "account"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"notifications": list}, nil
		}),
		unary("Refresh", "RefreshRequest", func(s *FleetService, ctx context.Context, req *dynamicpb.Message) (any, error) {
			account := str(req, "account")
			if err := s.f.Refresh(ctx, account); err != nil {
				return nil, err
			}
			devices, _ := s.f.Devices(account)
			return map[string]any{"devices": devices}, nil
		}),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Watch",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			return srv.(*FleetService).watch(stream)
		},
	}},
	Metadata: fleetProto,
}

func (s *FleetService) setProperty(ctx context.Context, req *dynamicpb.Message) (any, error) {
	fd := req.Descriptor().Fields().ByName("value")
	if !req.Has(fd) {
		return nil, fmt.Errorf("%w: value is required", errMissingValue)
	}
	raw, err := proto.Marshal(req.Get(fd).Message().Interface())
	if err != nil {
		return nil, err
	}
	value := &structpb.Value{}
	if err := proto.Unmarshal(raw, value); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()
	return s.f.SetProperty(ctx, str(req, "account"), str(req, "device_id"), str(req, "code"), value.AsInterface())
}

func (s *FleetService) watch(stream grpc.ServerStream) error {
	req := dynamicpb.NewMessage(requestDescriptor("WatchRequest"))
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	var ids []string
	if account := str(req, "account"); account != "" {
		ids = append(ids, account)
	}

	events := make(chan fleet.Event, 64)
	unsub, err := s.f.Subscribe(func(ev fleet.Event) {
		select {
		case events <- ev:
		default:
		}
	}, ids...)
	if err != nil {
		return rpcError(err)
	}
	defer unsub()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			st, err := toStruct(wireEvent(ev))
			if err != nil {
				return rpcError(err)
			}
			if err := stream.SendMsg(st); err != nil {
				return err
			}
		}
	}
}

func logUnary(log logr.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			log.Info("rpc failed", "method", info.FullMethod, "code", status.Code(err).String(), "error", err.Error(), "took", time.Since(start))
		} else {
			log.V(1).Info("rpc", "method", info.FullMethod, "took", time.Since(start))
		}
		return resp, err
	}
}
