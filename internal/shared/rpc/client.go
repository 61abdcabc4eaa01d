package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// ErrRejected is returned when a peer answers with a non-OK reply.
var ErrRejected = errors.New("request rejected")

// ConnPool keeps one client connection per peer address.
type ConnPool struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn

	keepaliveTime    time.Duration
	keepaliveTimeout time.Duration
}

func NewConnPool(keepaliveTime, keepaliveTimeout time.Duration) *ConnPool {
	return &ConnPool{
		conns:            make(map[string]*grpc.ClientConn),
		keepaliveTime:    keepaliveTime,
		keepaliveTimeout: keepaliveTimeout,
	}
}

// Get returns the connection for addr, creating it on first use.
func (p *ConnPool) Get(addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[addr]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
		grpc.WithKeepaliveParams(
			keepalive.ClientParameters{
				Time:                p.keepaliveTime,
				Timeout:             p.keepaliveTimeout,
				PermitWithoutStream: true,
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	p.conns[addr] = conn
	return conn, nil
}

// Close closes every pooled connection.
func (p *ConnPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for addr, conn := range p.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
		delete(p.conns, addr)
	}
	return errors.Join(errs...)
}

func (p *ConnPool) invoke(ctx context.Context, addr, method string, in any, out *Reply) error {
	conn, err := p.Get(addr)
	if err != nil {
		return err
	}
	if err := conn.Invoke(ctx, method, in, out); err != nil {
		return fmt.Errorf("%s on %s: %w", method, addr, err)
	}
	if !out.OK {
		return fmt.Errorf("%s on %s: %w: %d %s", method, addr, ErrRejected, out.Code, out.Message)
	}
	return nil
}

// WorkerClient sends master requests to worker servers.
type WorkerClient struct {
	pool *ConnPool
}

func NewWorkerClient(pool *ConnPool) *WorkerClient {
	return &WorkerClient{pool: pool}
}

func (c *WorkerClient) CreateTask(ctx context.Context, server string, req *TaskCreate) error {
	return c.pool.invoke(ctx, server, fullMethod(workerService, "CreateTask"), req, &Reply{})
}

func (c *WorkerClient) AbortTask(ctx context.Context, server string, req *TaskAbort) error {
	return c.pool.invoke(ctx, server, fullMethod(workerService, "AbortTask"), req, &Reply{})
}

func (c *WorkerClient) TransferFile(ctx context.Context, server string, req *FileXfer) error {
	return c.pool.invoke(ctx, server, fullMethod(workerService, "TransferFile"), req, &Reply{})
}

func (c *WorkerClient) DeleteFiles(ctx context.Context, server string, req *FileDelete) error {
	return c.pool.invoke(ctx, server, fullMethod(workerService, "DeleteFiles"), req, &Reply{})
}

// ConsoleClient delivers diagnostics to end-user consoles.
type ConsoleClient struct {
	pool *ConnPool
}

func NewConsoleClient(pool *ConnPool) *ConsoleClient {
	return &ConsoleClient{pool: pool}
}

func (c *ConsoleClient) Diag(ctx context.Context, console string, msg *DiagMsg) error {
	return c.pool.invoke(ctx, console, fullMethod(consoleService, "Diag"), msg, &Reply{})
}

// MasterClient talks to a running master, from the CLI or a worker agent.
type MasterClient struct {
	pool *ConnPool
	addr string
}

func NewMasterClient(pool *ConnPool, addr string) *MasterClient {
	return &MasterClient{pool: pool, addr: addr}
}

func (c *MasterClient) SubmitJob(ctx context.Context, req *JobCreate) error {
	return c.pool.invoke(ctx, c.addr, fullMethod(masterService, "SubmitJob"), req, &Reply{})
}

func (c *MasterClient) AbortJob(ctx context.Context, jobID string) error {
	return c.pool.invoke(ctx, c.addr, fullMethod(masterService, "AbortJob"), &JobAbort{JobID: jobID}, &Reply{})
}

// RegisterWorker announces a worker and returns the heartbeat interval the
// master expects.
func (c *MasterClient) RegisterWorker(ctx context.Context, req *RegisterWorker) (time.Duration, error) {
	conn, err := c.pool.Get(c.addr)
	if err != nil {
		return 0, err
	}
	method := fullMethod(masterService, "RegisterWorker")
	var out RegisterReply
	if err := conn.Invoke(ctx, method, req, &out); err != nil {
		return 0, fmt.Errorf("%s on %s: %w", method, c.addr, err)
	}
	if !out.OK {
		return 0, fmt.Errorf("%s on %s: %w: %d %s", method, c.addr, ErrRejected, out.Code, out.Message)
	}
	return time.Duration(out.HeartbeatIntervalSeconds) * time.Second, nil
}

func (c *MasterClient) Heartbeat(ctx context.Context, req *Heartbeat) error {
	return c.pool.invoke(ctx, c.addr, fullMethod(masterService, "Heartbeat"), req, &Reply{})
}
