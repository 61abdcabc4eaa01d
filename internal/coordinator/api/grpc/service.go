package grpc

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc/peer"

	"github.com/nemanja-m/quincy/internal/coordinator/core"
	"github.com/nemanja-m/quincy/internal/coordinator/service"
	"github.com/nemanja-m/quincy/internal/shared/logging"
	"github.com/nemanja-m/quincy/internal/shared/rpc"
)

// Reply codes, modelled on HTTP status codes.
const (
	CodeBadRequest  = 400
	CodeNotFound    = 404
	CodeConflict    = 409
	CodeInternal    = 500
	CodeUnavailable = 503
)

// JobService is what the master endpoint needs from the job layer.
type JobService interface {
	SubmitJob(spec core.JobSpec) error
	AbortJob(id string) bool
	UpdateStatus(st *rpc.ActionStatus) bool
}

// WorkerService is what the master endpoint needs from the worker registry.
type WorkerService interface {
	RegisterWorker(worker *core.Worker) error
	RecordHeartbeat(name string, load int) error
}

// MasterService implements rpc.MasterServer.
type MasterService struct {
	heartbeatInterval time.Duration
	advertise         string
	jobService        JobService
	workerService     WorkerService
	logger            logging.Logger
}

func NewMasterService(
	heartbeatInterval time.Duration,
	advertise string,
	jobService JobService,
	workerService WorkerService,
	logger logging.Logger,
) *MasterService {
	return &MasterService{
		heartbeatInterval: heartbeatInterval,
		advertise:         advertise,
		jobService:        jobService,
		workerService:     workerService,
		logger:            logger,
	}
}

func ok() *rpc.Reply {
	return &rpc.Reply{OK: true, Message: "OK"}
}

func fail(code int, err error) *rpc.Reply {
	return &rpc.Reply{Code: code, Message: err.Error()}
}

func (s *MasterService) SubmitJob(ctx context.Context, req *rpc.JobCreate) (*rpc.Reply, error) {
	spec := ToJobSpec(req)
	spec.Console = completeConsole(ctx, spec.Console)
	spec.Master = s.advertise

	s.logger.Debug("Received job", "job_id", spec.ID, "console", spec.Console, "phases", len(spec.Phases))

	if err := s.jobService.SubmitJob(spec); err != nil {
		s.logger.Warn("Job rejected", "job_id", spec.ID, "error", err)
		switch {
		case errors.Is(err, service.ErrInvalidJob):
			return fail(CodeBadRequest, err), nil
		case errors.Is(err, service.ErrDuplicateJob):
			return fail(CodeConflict, err), nil
		case errors.Is(err, service.ErrShuttingDown):
			return fail(CodeUnavailable, err), nil
		default:
			return fail(CodeInternal, err), nil
		}
	}
	return ok(), nil
}

func (s *MasterService) AbortJob(ctx context.Context, req *rpc.JobAbort) (*rpc.Reply, error) {
	if !s.jobService.AbortJob(req.JobID) {
		return fail(CodeNotFound, service.ErrJobNotFound), nil
	}
	s.logger.Info("Abort requested", "job_id", req.JobID)
	return ok(), nil
}

func (s *MasterService) ActionStatus(ctx context.Context, req *rpc.ActionStatus) (*rpc.Reply, error) {
	if !s.jobService.UpdateStatus(req) {
		return fail(CodeNotFound, service.ErrJobNotFound), nil
	}
	return ok(), nil
}

func (s *MasterService) RegisterWorker(ctx context.Context, req *rpc.RegisterWorker) (*rpc.RegisterReply, error) {
	if req.Name == "" || req.Address == "" {
		s.logger.Error("Invalid worker registration", "name", req.Name, "address", req.Address)
		return &rpc.RegisterReply{
			Reply: rpc.Reply{Code: CodeBadRequest, Message: "worker name and address are required"},
		}, nil
	}

	worker := &core.Worker{
		Name:     req.Name,
		Address:  completeAddr(ctx, req.Address),
		CPUCores: req.CPUCores,
	}
	if err := s.workerService.RegisterWorker(worker); err != nil {
		s.logger.Error("Failed to register worker", "name", worker.Name, "error", err)
		return &rpc.RegisterReply{Reply: *fail(CodeInternal, err)}, nil
	}

	s.logger.Info("Worker registered successfully", "name", worker.Name, "address", worker.Address)
	return &rpc.RegisterReply{
		Reply:                    *ok(),
		HeartbeatIntervalSeconds: int(s.heartbeatInterval / time.Second),
	}, nil
}

func (s *MasterService) Heartbeat(ctx context.Context, req *rpc.Heartbeat) (*rpc.Reply, error) {
	if err := s.workerService.RecordHeartbeat(req.Name, req.Load); err != nil {
		s.logger.Warn("Failed to record heartbeat", "name", req.Name, "error", err)
		if errors.Is(err, core.ErrWorkerNotFound) {
			return fail(CodeNotFound, err), nil
		}
		return fail(CodeInternal, err), nil
	}
	s.logger.Debug("Heartbeat received", "name", req.Name, "load", req.Load)
	return ok(), nil
}

// ToJobSpec converts a wire submission into a job description.
func ToJobSpec(req *rpc.JobCreate) core.JobSpec {
	spec := core.JobSpec{
		ID:          req.JobID,
		TraceInfo:   req.TraceInfo,
		Options:     req.Options,
		Console:     req.Console,
		SubmittedAt: time.Now(),
	}
	if req.Priority != nil {
		p := int64(*req.Priority)
		spec.Priority = &p
	}
	for _, sec := range req.Sections {
		spec.Phases = append(spec.Phases, core.PhaseSpec{
			Name:    sec.Phase,
			Src:     sec.Src,
			MaxRun:  sec.MaxRun,
			Timeout: sec.Timeout,
			Width:   sec.Width,
		})
	}
	return spec
}

// completeConsole fills in the caller's IP for a console given as ":port".
func completeConsole(ctx context.Context, console string) string {
	if console == "" {
		return ""
	}
	return completeAddr(ctx, console)
}

func completeAddr(ctx context.Context, addr string) string {
	if !strings.HasPrefix(addr, ":") {
		return addr
	}
	p, found := peer.FromContext(ctx)
	if !found || p.Addr == nil {
		return addr
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return addr
	}
	return net.JoinHostPort(host, strings.TrimPrefix(addr, ":"))
}
