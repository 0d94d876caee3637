package server

import (
	"errors"
	"fmt"
	"reflect"

	"google.golang.org/grpc"

	"krypt.co/piperpc/common/protocol"
)

var (
	ErrServerStarted   = errors.New("server: services must be registered before Start")
	ErrDuplicateMethod = errors.New("server: method already registered")
)

type methodHandler struct {
	fullName string
	service  interface{}
	unary    *grpc.MethodDesc
	stream   *grpc.StreamDesc
}

func (h *methodHandler) kind() protocol.MethodKind {
	if h.stream != nil {
		return protocol.KindOf(h.stream.ClientStreams, h.stream.ServerStreams)
	}
	return protocol.Unary
}

func fullMethodName(service, method string) string {
	return "/" + service + "/" + method
}

//	Register adds every method of sd, served by impl.
func (s *Server) Register(sd *grpc.ServiceDesc, impl interface{}) (err error) {
	if impl != nil && sd.HandlerType != nil {
		handlerType := reflect.TypeOf(sd.HandlerType).Elem()
		if implType := reflect.TypeOf(impl); !implType.Implements(handlerType) {
			return fmt.Errorf("server: %v does not implement %v", implType, handlerType)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killed {
		return ErrServerKilled
	}
	if s.running {
		return ErrServerStarted
	}

	added := map[string]*methodHandler{}
	for i := range sd.Methods {
		name := fullMethodName(sd.ServiceName, sd.Methods[i].MethodName)
		added[name] = &methodHandler{fullName: name, service: impl, unary: &sd.Methods[i]}
	}
	for i := range sd.Streams {
		name := fullMethodName(sd.ServiceName, sd.Streams[i].StreamName)
		added[name] = &methodHandler{fullName: name, service: impl, stream: &sd.Streams[i]}
	}
	for name := range added {
		if _, ok := s.handlers[name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateMethod, name)
		}
	}
	for name, h := range added {
		s.handlers[name] = h
	}
	s.log.Debug("registered service", sd.ServiceName)
	return
}

//	RegisterService satisfies grpc.ServiceRegistrar; failures are logged.
func (s *Server) RegisterService(sd *grpc.ServiceDesc, impl interface{}) {
	if err := s.Register(sd, impl); err != nil {
		s.log.Error("RegisterService", sd.ServiceName, "failed:", err)
	}
}

func (s *Server) handler(method string) *methodHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[method]
}
