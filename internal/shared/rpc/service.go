package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	masterService  = "quincy.Master"
	workerService  = "quincy.Worker"
	consoleService = "quincy.Console"
)

// MasterServer is implemented by the master's gRPC endpoint.
type MasterServer interface {
	SubmitJob(ctx context.Context, req *JobCreate) (*Reply, error)
	AbortJob(ctx context.Context, req *JobAbort) (*Reply, error)
	ActionStatus(ctx context.Context, req *ActionStatus) (*Reply, error)
	RegisterWorker(ctx context.Context, req *RegisterWorker) (*RegisterReply, error)
	Heartbeat(ctx context.Context, req *Heartbeat) (*Reply, error)
}

// WorkerServer is implemented by workers; the master only dials it.
type WorkerServer interface {
	CreateTask(ctx context.Context, req *TaskCreate) (*Reply, error)
	AbortTask(ctx context.Context, req *TaskAbort) (*Reply, error)
	TransferFile(ctx context.Context, req *FileXfer) (*Reply, error)
	DeleteFiles(ctx context.Context, req *FileDelete) (*Reply, error)
}

// ConsoleServer receives job diagnostics.
type ConsoleServer interface {
	Diag(ctx context.Context, req *DiagMsg) (*Reply, error)
}

func fullMethod(service, method string) string {
	return "/" + service + "/" + method
}

func unary[S any, Req any, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(service, method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// MasterServiceDesc describes quincy.Master.
var MasterServiceDesc = grpc.ServiceDesc{
	ServiceName: masterService,
	HandlerType: (*MasterServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(masterService, "SubmitJob", MasterServer.SubmitJob),
		unary(masterService, "AbortJob", MasterServer.AbortJob),
		unary(masterService, "ActionStatus", MasterServer.ActionStatus),
		unary(masterService, "RegisterWorker", MasterServer.RegisterWorker),
		unary(masterService, "Heartbeat", MasterServer.Heartbeat),
	},
	Metadata: "quincy/master",
}

// WorkerServiceDesc describes quincy.Worker.
var WorkerServiceDesc = grpc.ServiceDesc{
	ServiceName: workerService,
	HandlerType: (*WorkerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(workerService, "CreateTask", WorkerServer.CreateTask),
		unary(workerService, "AbortTask", WorkerServer.AbortTask),
		unary(workerService, "TransferFile", WorkerServer.TransferFile),
		unary(workerService, "DeleteFiles", WorkerServer.DeleteFiles),
	},
	Metadata: "quincy/worker",
}

// ConsoleServiceDesc describes quincy.Console.
var ConsoleServiceDesc = grpc.ServiceDesc{
	ServiceName: consoleService,
	HandlerType: (*ConsoleServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(consoleService, "Diag", ConsoleServer.Diag),
	},
	Metadata: "quincy/console",
}

// RegisterMasterServer attaches srv to s.
func RegisterMasterServer(s grpc.ServiceRegistrar, srv MasterServer) {
	s.RegisterService(&MasterServiceDesc, srv)
}

// RegisterWorkerServer attaches srv to s.
func RegisterWorkerServer(s grpc.ServiceRegistrar, srv WorkerServer) {
	s.RegisterService(&WorkerServiceDesc, srv)
}

// RegisterConsoleServer attaches srv to s.
func RegisterConsoleServer(s grpc.ServiceRegistrar, srv ConsoleServer) {
	s.RegisterService(&ConsoleServiceDesc, srv)
}
