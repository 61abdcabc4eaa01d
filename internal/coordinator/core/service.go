package core

import (
	"context"

	"github.com/nemanja-m/quincy/internal/shared/rpc"
)

// WorkerClient dispatches actions to worker servers.
type WorkerClient interface {
	CreateTask(ctx context.Context, server string, req *rpc.TaskCreate) error
	AbortTask(ctx context.Context, server string, req *rpc.TaskAbort) error
	TransferFile(ctx context.Context, server string, req *rpc.FileXfer) error
	DeleteFiles(ctx context.Context, server string, req *rpc.FileDelete) error
}

// Notifier delivers job diagnostics to an end-user console.
type Notifier interface {
	Diag(ctx context.Context, console string, msg *rpc.DiagMsg) error
}
