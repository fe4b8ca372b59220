package grpccomm

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"reflect"
	"sync"

	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/AnishMulay/ubidevice/internal/communication"
	"github.com/AnishMulay/ubidevice/internal/log_service"
)

const (
	serviceName       = "ubidevice.MessageService"
	sendMessageMethod = "/" + serviceName + "/SendMessage"
)

// requestEnvelope and responseEnvelope travel as JSON inside a BytesValue.
type requestEnvelope struct {
	From    string          `json:"from"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type responseEnvelope struct {
	Code    communication.SandCode `json:"code"`
	Body    []byte                 `json:"body,omitempty"`
	Headers map[string]string      `json:"headers,omitempty"`
}

type messageServiceServer interface {
	SendMessage(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var messageServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*messageServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SendMessage", Handler: sendMessageHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "communication.proto",
}

func sendMessageHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(messageServiceServer).SendMessage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sendMessageMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(messageServiceServer).SendMessage(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

type GRPCCommunicator struct {
	listenAddress string
	handler       communication.MessageHandler
	grpcServer    *grpc.Server
	listener      net.Listener
	ls            log_service.LogService

	clientLock   sync.RWMutex
	clients      map[string]*grpc.ClientConn
	payloadLock  sync.RWMutex
	payloadTypes map[string]reflect.Type
	stopped      bool
	stopMutex    sync.RWMutex
}

var _ communication.Communicator = (*GRPCCommunicator)(nil)

func NewGRPCCommunicator(addr string, ls log_service.LogService) *GRPCCommunicator {
	return &GRPCCommunicator{
		listenAddress: addr,
		ls:            ls,
		clients:       make(map[string]*grpc.ClientConn),
		payloadTypes:  make(map[string]reflect.Type),
	}
}

// RegisterPayloadType tells the receiving side which struct to decode the
// payload of msgType into.
func (c *GRPCCommunicator) RegisterPayloadType(msgType string, payloadType reflect.Type) {
	c.payloadLock.Lock()
	defer c.payloadLock.Unlock()
	c.payloadTypes[msgType] = payloadType
}

// Address returns the bound address once started, the configured one before.
func (c *GRPCCommunicator) Address() string {
	if c.listener != nil {
		return c.listener.Addr().String()
	}
	return c.listenAddress
}

func (c *GRPCCommunicator) Start(handler communication.MessageHandler) error {
	c.ls.Info(log_service.LogEvent{
		Message:  "Starting GRPC communicator",
		Metadata: map[string]any{"address": c.listenAddress},
	})

	lis, err := net.Listen("tcp", c.listenAddress)
	if err != nil {
		c.ls.Error(log_service.LogEvent{
			Message:  "Failed to listen on address",
			Metadata: map[string]any{"address": c.listenAddress, "error": err.Error()},
		})
		return fmt.Errorf("%w: %s: %v", communication.ErrGRPCListenFailed, c.listenAddress, err)
	}

	c.handler = handler
	c.listener = lis
	c.grpcServer = grpc.NewServer()
	c.grpcServer.RegisterService(&messageServiceDesc, &grpcServer{comm: c})

	c.ls.Info(log_service.LogEvent{
		Message:  "GRPC communicator started successfully",
		Metadata: map[string]any{"address": lis.Addr().String()},
	})

	go func() {
		if err := c.grpcServer.Serve(lis); err != nil {
			c.ls.Error(log_service.LogEvent{
				Message:  "GRPC server error",
				Metadata: map[string]any{"address": c.listenAddress, "error": err.Error()},
			})
		}
	}()
	return nil
}

func (c *GRPCCommunicator) Stop() error {
	c.stopMutex.Lock()
	defer c.stopMutex.Unlock()

	if c.stopped {
		c.ls.Debug(log_service.LogEvent{
			Message:  "GRPC communicator already stopped, skipping",
			Metadata: map[string]any{"address": c.listenAddress},
		})
		return nil
	}

	c.ls.Info(log_service.LogEvent{
		Message:  "Stopping GRPC communicator",
		Metadata: map[string]any{"address": c.Address()},
	})

	if c.grpcServer != nil {
		c.grpcServer.GracefulStop()
	}

	var errs error
	c.clientLock.Lock()
	for to, conn := range c.clients {
		errs = multierr.Append(errs, conn.Close())
		delete(c.clients, to)
	}
	c.clientLock.Unlock()

	c.stopped = true
	if errs != nil {
		c.ls.Warn(log_service.LogEvent{
			Message:  "Failed to close GRPC client connections",
			Metadata: map[string]any{"error": errs.Error()},
		})
		return fmt.Errorf("%w: %v", communication.ErrServerStopFailed, errs)
	}

	c.ls.Info(log_service.LogEvent{
		Message:  "GRPC communicator stopped successfully",
		Metadata: map[string]any{"address": c.listenAddress},
	})
	return nil
}

func (c *GRPCCommunicator) conn(to string) (*grpc.ClientConn, error) {
	c.clientLock.RLock()
	conn, ok := c.clients[to]
	c.clientLock.RUnlock()
	if ok {
		return conn, nil
	}

	c.ls.Debug(log_service.LogEvent{
		Message:  "Creating new GRPC client",
		Metadata: map[string]any{"to": to},
	})

	conn, err := grpc.NewClient(to, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		c.ls.Error(log_service.LogEvent{
			Message:  "Failed to create GRPC client",
			Metadata: map[string]any{"to": to, "error": err.Error()},
		})
		return nil, fmt.Errorf("%w: %s: %v", communication.ErrClientCreateFailed, to, err)
	}

	c.clientLock.Lock()
	defer c.clientLock.Unlock()
	if existing, ok := c.clients[to]; ok {
		conn.Close()
		return existing, nil
	}
	c.clients[to] = conn
	return conn, nil
}

// Send delivers msg to the communicator listening on to. A handler failure
// that carries a numeric code comes back as *communication.RemoteError.
func (c *GRPCCommunicator) Send(ctx context.Context, to string, msg communication.Message) (*communication.Response, error) {
	c.ls.Debug(log_service.LogEvent{
		Message:  "Sending GRPC message",
		Metadata: map[string]any{"to": to, "type": msg.Type, "from": msg.From},
	})

	conn, err := c.conn(to)
	if err != nil {
		return nil, err
	}

	env := requestEnvelope{From: msg.From, Type: msg.Type}
	if msg.Payload != nil {
		env.Payload, err = json.Marshal(msg.Payload)
		if err != nil {
			c.ls.Error(log_service.LogEvent{
				Message:  "Failed to marshal payload",
				Metadata: map[string]any{"to": to, "type": msg.Type, "error": err.Error()},
			})
			return nil, fmt.Errorf("%w: %v", communication.ErrPayloadMarshalFailed, err)
		}
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", communication.ErrMessageMarshalFailed, err)
	}

	out := new(wrapperspb.BytesValue)
	if err := conn.Invoke(ctx, sendMessageMethod, wrapperspb.Bytes(raw), out); err != nil {
		if remote := remoteError(err); remote != nil {
			c.ls.Debug(log_service.LogEvent{
				Message:  "GRPC message failed remotely",
				Metadata: map[string]any{"to": to, "type": msg.Type, "code": remote.ErrCode, "error": remote.Message},
			})
			return nil, remote
		}
		c.ls.Error(log_service.LogEvent{
			Message:  "Failed to send GRPC message",
			Metadata: map[string]any{"to": to, "type": msg.Type, "error": err.Error()},
		})
		return nil, fmt.Errorf("%w: %v", communication.ErrMessageSendFailed, err)
	}

	var resp responseEnvelope
	if err := json.Unmarshal(out.GetValue(), &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", communication.ErrPayloadUnmarshalFailed, err)
	}

	c.ls.Debug(log_service.LogEvent{
		Message:  "GRPC message sent successfully",
		Metadata: map[string]any{"to": to, "type": msg.Type, "responseCode": resp.Code},
	})

	return &communication.Response{
		Code:    resp.Code,
		Body:    resp.Body,
		Headers: resp.Headers,
	}, nil
}

func remoteError(err error) *communication.RemoteError {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Aborted {
		return nil
	}
	for _, d := range st.Details() {
		if v, ok := d.(*wrapperspb.Int32Value); ok {
			return &communication.RemoteError{ErrCode: v.GetValue(), Message: st.Message()}
		}
	}
	return nil
}

type grpcServer struct {
	comm *GRPCCommunicator
}

func (s *grpcServer) decodePayload(env requestEnvelope) (any, error) {
	s.comm.payloadLock.RLock()
	payloadType, ok := s.comm.payloadTypes[env.Type]
	s.comm.payloadLock.RUnlock()

	if !ok {
		if len(env.Payload) == 0 || string(env.Payload) == "null" {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: no payload type for %q", communication.ErrPayloadUnmarshalFailed, env.Type)
	}
	if len(env.Payload) == 0 {
		return reflect.Zero(payloadType).Interface(), nil
	}

	payload := reflect.New(payloadType).Interface()
	if err := json.Unmarshal(env.Payload, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", communication.ErrPayloadUnmarshalFailed, err)
	}
	return reflect.ValueOf(payload).Elem().Interface(), nil
}

func (s *grpcServer) SendMessage(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	if s.comm.handler == nil {
		return nil, status.Error(codes.Unavailable, communication.ErrHandlerNotSet.Error())
	}

	var env requestEnvelope
	if err := json.Unmarshal(req.GetValue(), &env); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	payload, err := s.decodePayload(env)
	if err != nil {
		s.comm.ls.Warn(log_service.LogEvent{
			Message:  "Rejected message payload",
			Metadata: map[string]any{"type": env.Type, "from": env.From, "error": err.Error()},
		})
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	resp, err := s.comm.handler(ctx, communication.Message{From: env.From, Type: env.Type, Payload: payload})
	if err != nil {
		s.comm.ls.Error(log_service.LogEvent{
			Message:  "Message handler failed",
			Metadata: map[string]any{"type": env.Type, "error": err.Error()},
		})
		return nil, handlerStatus(err)
	}
	if resp == nil {
		resp = &communication.Response{Code: communication.CodeInternal, Body: []byte("handler returned nil response")}
	}

	raw, err := json.Marshal(responseEnvelope{Code: resp.Code, Body: resp.Body, Headers: resp.Headers})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(raw), nil
}

func handlerStatus(err error) error {
	code, ok := communication.ErrorCode(err)
	if !ok {
		return status.Error(codes.Internal, err.Error())
	}
	st, detailErr := status.New(codes.Aborted, err.Error()).WithDetails(wrapperspb.Int32(code))
	if detailErr != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return st.Err()
}
