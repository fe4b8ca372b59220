package simple

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/AnishMulay/ubidevice/internal/communication"
	grpccomm "github.com/AnishMulay/ubidevice/internal/communication/grpc"
	"github.com/AnishMulay/ubidevice/internal/log_service"
	us "github.com/AnishMulay/ubidevice/internal/server"
	"github.com/AnishMulay/ubidevice/internal/ubi_device"
)

// DeviceCreator resolves a partition name, optionally formats it and
// returns the attached device.
type DeviceCreator func(mtdName string, formatFirst bool) (ubi_device.UbiDevice, error)

// SimpleUbiServer owns at most one device and serializes every operation on it.
type SimpleUbiServer struct {
	comm   *grpccomm.GRPCCommunicator
	create DeviceCreator
	ls     log_service.LogService

	mu      sync.Mutex
	device  ubi_device.UbiDevice
	mtdName string
}

func NewSimpleUbiServer(comm *grpccomm.GRPCCommunicator, create DeviceCreator, ls log_service.LogService) *SimpleUbiServer {
	return &SimpleUbiServer{
		comm:   comm,
		create: create,
		ls:     ls,
	}
}

func (s *SimpleUbiServer) Start() error {
	s.ls.Info(log_service.LogEvent{Message: "Starting Simple UBI Server"})

	s.registerPayloads()

	if err := s.comm.Start(s.handleMessage); err != nil {
		return fmt.Errorf("%w: %v", us.ErrServerStartFailed, err)
	}
	return nil
}

// Stop shuts the transport down and detaches the device, if any.
func (s *SimpleUbiServer) Stop() error {
	s.ls.Info(log_service.LogEvent{Message: "Stopping Simple UBI Server"})
	err := s.comm.Stop()

	s.mu.Lock()
	s.destroyLocked()
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: %v", us.ErrServerStopFailed, err)
	}
	return nil
}

// Address is where the server listens.
func (s *SimpleUbiServer) Address() string {
	return s.comm.Address()
}

func (s *SimpleUbiServer) registerPayloads() {
	s.comm.RegisterPayloadType(us.MsgInit, reflect.TypeOf(us.InitRequest{}))
	s.comm.RegisterPayloadType(us.MsgMakeVolume, reflect.TypeOf(us.MakeVolumeRequest{}))
	s.comm.RegisterPayloadType(us.MsgRemoveVolume, reflect.TypeOf(us.RemoveVolumeRequest{}))
	s.comm.RegisterPayloadType(us.MsgUpdateVolume, reflect.TypeOf(us.UpdateVolumeRequest{}))
	s.comm.RegisterPayloadType(us.MsgVolumePath, reflect.TypeOf(us.VolumePathRequest{}))
	s.comm.RegisterPayloadType(us.MsgMountVolume, reflect.TypeOf(us.MountVolumeRequest{}))
	s.comm.RegisterPayloadType(us.MsgUnmountVolume, reflect.TypeOf(us.UnmountVolumeRequest{}))
}

// Central Router for all incoming messages
func (s *SimpleUbiServer) handleMessage(ctx context.Context, msg communication.Message) (*communication.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reqID := uuid.NewString()
	s.ls.Debug(log_service.LogEvent{
		Message:  "Handling message",
		Metadata: map[string]any{"type": msg.Type, "from": msg.From, "request": reqID},
	})

	switch msg.Type {
	case us.MsgInit:
		req, ok := msg.Payload.(us.InitRequest)
		if !ok {
			return s.badPayload(msg)
		}
		return s.respond(nil, s.initLocked(req, reqID))

	case us.MsgDestroy:
		s.destroyLocked()
		return s.respond(nil, nil)

	case us.MsgStatus:
		return s.respond(s.statusLocked(), nil)
	}

	if s.device == nil {
		s.ls.Error(log_service.LogEvent{
			Message:  "Ubi device wasn't created by the server",
			Metadata: map[string]any{"type": msg.Type, "request": reqID},
		})
		return s.respond(nil, us.ErrDeviceNotCreated)
	}

	switch msg.Type {
	case us.MsgFormat:
		return s.respond(nil, s.device.Format())

	case us.MsgAttach:
		return s.respond(nil, s.device.Attach())

	case us.MsgDetach:
		return s.respond(nil, s.device.Detach())

	case us.MsgMakeVolume:
		req, ok := msg.Payload.(us.MakeVolumeRequest)
		if !ok {
			return s.badPayload(msg)
		}
		return s.respond(nil, s.device.MakeVolume(req.Name, req.SizeInBytes))

	case us.MsgRemoveVolume:
		req, ok := msg.Payload.(us.RemoveVolumeRequest)
		if !ok {
			return s.badPayload(msg)
		}
		return s.respond(nil, s.device.RemoveVolume(req.Name, req.PrintErrors))

	case us.MsgUpdateVolume:
		req, ok := msg.Payload.(us.UpdateVolumeRequest)
		if !ok {
			return s.badPayload(msg)
		}
		return s.respond(nil, s.device.UpdateVolume(req.Name, req.ImagePath, req.SkipBytes, req.Size))

	case us.MsgVolumePath:
		req, ok := msg.Payload.(us.VolumePathRequest)
		if !ok {
			return s.badPayload(msg)
		}
		path, err := s.device.GetVolumeBlockPath(req.Name)
		if err != nil {
			return s.respond(nil, err)
		}
		return s.respond(us.VolumePathResponse{Path: path}, nil)

	case us.MsgMountVolume:
		req, ok := msg.Payload.(us.MountVolumeRequest)
		if !ok {
			return s.badPayload(msg)
		}
		return s.respond(nil, s.device.MountVolume(req.Name, req.TargetDir))

	case us.MsgUnmountVolume:
		req, ok := msg.Payload.(us.UnmountVolumeRequest)
		if !ok {
			return s.badPayload(msg)
		}
		return s.respond(nil, s.device.UnmountVolume(req.TargetDir))

	default:
		return &communication.Response{
			Code: communication.CodeBadRequest,
			Body: []byte("unknown message type: " + msg.Type),
		}, nil
	}
}

// initLocked replaces the current device. The old one is detached first, so
// a failed init leaves no device behind.
func (s *SimpleUbiServer) initLocked(req us.InitRequest, reqID string) error {
	s.destroyLocked()

	dev, err := s.create(req.MtdName, req.FormatFirst)
	if err != nil {
		code, _ := communication.ErrorCode(err)
		s.ls.Error(log_service.LogEvent{
			Message:  "Ubi device failed to be created",
			Metadata: map[string]any{"mtdName": req.MtdName, "format": req.FormatFirst, "code": code, "error": err.Error(), "request": reqID},
		})
		return err
	}

	s.device = dev
	s.mtdName = req.MtdName
	s.ls.Info(log_service.LogEvent{
		Message:  "Ubi device successfully created",
		Metadata: map[string]any{"mtdName": req.MtdName, "device": dev.DevicePath(), "request": reqID},
	})
	return nil
}

func (s *SimpleUbiServer) destroyLocked() {
	if s.device == nil {
		return
	}
	s.device.Close()
	s.ls.Info(log_service.LogEvent{
		Message:  "Ubi device destroyed",
		Metadata: map[string]any{"mtdName": s.mtdName},
	})
	s.device = nil
	s.mtdName = ""
}

func (s *SimpleUbiServer) statusLocked() us.StatusResponse {
	if s.device == nil {
		return us.StatusResponse{MtdNum: -1}
	}
	return us.StatusResponse{
		Created:    true,
		MtdName:    s.mtdName,
		MtdNum:     s.device.MtdNum(),
		Attached:   s.device.IsAttached(),
		DevicePath: s.device.DevicePath(),
	}
}

func (s *SimpleUbiServer) badPayload(msg communication.Message) (*communication.Response, error) {
	s.ls.Warn(log_service.LogEvent{
		Message:  "Invalid payload type",
		Metadata: map[string]any{"type": msg.Type, "payload": fmt.Sprintf("%T", msg.Payload)},
	})
	return &communication.Response{
		Code: communication.CodeBadRequest,
		Body: []byte(fmt.Sprintf("%v: %s", us.ErrInvalidPayloadType, msg.Type)),
	}, nil
}

// respond turns device errors into handler errors, which the transport
// reports with their numeric code. Results are JSON encoded.
func (s *SimpleUbiServer) respond(data any, err error) (*communication.Response, error) {
	if err != nil {
		return nil, err
	}

	if data == nil {
		return &communication.Response{Code: communication.CodeOK}, nil
	}

	bytes, marshalErr := json.Marshal(data)
	if marshalErr != nil {
		return &communication.Response{
			Code: communication.CodeInternal,
			Body: []byte("failed to marshal response: " + marshalErr.Error()),
		}, nil
	}

	return &communication.Response{
		Code: communication.CodeOK,
		Body: bytes,
	}, nil
}
