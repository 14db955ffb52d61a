package grpc

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Bala333sr/IntelliAttend-sub000/internal/apperr"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/login"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/model"
)

const (
	DeviceTrustServiceName          = "intelliattend.devicetrust.v1.DeviceTrustQueryService"
	ValidateStudentDeviceFullMethod = "/" + DeviceTrustServiceName + "/ValidateStudentDevice"
)

// Messages are carried as google.protobuf.Struct:
//
//	request:  {student_id, device_id}
//	response: {is_valid, can_mark_attendance, status}
type DeviceTrustQueryServer interface {
	ValidateStudentDevice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type StatusReader interface {
	Status(ctx context.Context, studentID, deviceID string) (login.Result, error)
}

type DeviceTrustServer struct {
	status StatusReader
	log    *zap.Logger
}

func NewDeviceTrustServer(reader StatusReader, log *zap.Logger) *DeviceTrustServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &DeviceTrustServer{status: reader, log: log}
}

// ValidateStudentDevice answers whether deviceID may currently mark
// attendance for studentID. It never changes device state.
func (s *DeviceTrustServer) ValidateStudentDevice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	studentID := stringField(req, "student_id")
	deviceID := stringField(req, "device_id")
	if studentID == "" {
		return nil, status.Error(codes.InvalidArgument, "student_id required")
	}
	if deviceID == "" {
		return nil, status.Error(codes.InvalidArgument, "device_id required")
	}

	result, err := s.status.Status(ctx, studentID, deviceID)
	if err != nil {
		switch apperr.CodeOf(err) {
		case apperr.ErrNotFound:
			return nil, status.Error(codes.NotFound, "student not found")
		case apperr.ErrValidation:
			return nil, status.Error(codes.InvalidArgument, err.Error())
		default:
			s.log.Error("validate student device failed", zap.String("student_id", studentID), zap.Error(err))
			return nil, status.Error(codes.Internal, "device lookup failed")
		}
	}

	return structpb.NewStruct(map[string]any{
		"is_valid":            result.DeviceStatus == model.DeviceStatusActive,
		"can_mark_attendance": result.CanMarkAttendance,
		"status":              string(result.DeviceStatus),
	})
}

func RegisterDeviceTrustQueryServer(s grpc.ServiceRegistrar, srv DeviceTrustQueryServer) {
	s.RegisterService(&DeviceTrustQueryServiceDesc, srv)
}

var DeviceTrustQueryServiceDesc = grpc.ServiceDesc{
	ServiceName: DeviceTrustServiceName,
	HandlerType: (*DeviceTrustQueryServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ValidateStudentDevice",
			Handler:    validateStudentDeviceHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "intelliattend/devicetrust/v1/devicetrust.proto",
}

func validateStudentDeviceHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DeviceTrustQueryServer).ValidateStudentDevice(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ValidateStudentDeviceFullMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DeviceTrustQueryServer).ValidateStudentDevice(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// DeviceValidation is the decoded ValidateStudentDevice response.
type DeviceValidation struct {
	IsValid           bool
	CanMarkAttendance bool
	Status            string
}

// DeviceTrustClient is what the attendance service uses before accepting a
// mark.
type DeviceTrustClient struct {
	cc grpc.ClientConnInterface
}

func NewDeviceTrustClient(cc grpc.ClientConnInterface) *DeviceTrustClient {
	return &DeviceTrustClient{cc: cc}
}

func (c *DeviceTrustClient) ValidateStudentDevice(ctx context.Context, studentID, deviceID string, opts ...grpc.CallOption) (DeviceValidation, error) {
	in, err := structpb.NewStruct(map[string]any{"student_id": studentID, "device_id": deviceID})
	if err != nil {
		return DeviceValidation{}, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ValidateStudentDeviceFullMethod, in, out, opts...); err != nil {
		return DeviceValidation{}, err
	}
	fields := out.GetFields()
	return DeviceValidation{
		IsValid:           fields["is_valid"].GetBoolValue(),
		CanMarkAttendance: fields["can_mark_attendance"].GetBoolValue(),
		Status:            fields["status"].GetStringValue(),
	}, nil
}

func stringField(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(s.GetFields()[key].GetStringValue())
}
