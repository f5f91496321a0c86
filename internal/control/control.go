// Package control implements the supervisor's gRPC control plane: the
// external RPC surface SPEC_FULL.md §6 adds on top of spec.md's job
// state machine core (EmitEvent, ListJobs/GetJob, StartJob/StopJob,
// ReloadConfig).
//
// The example pack carries no generated protobuf stubs for this
// project's own service (there is no .proto describing a job
// supervisor), so rather than hand-fabricate a "generated" pb.go this
// registers a grpc.ServiceDesc directly against google.golang.org/grpc
// — the same call teacher's internal/server.go and tjper/teleport's
// serve.go both make, just with the service definition written out
// instead of produced by protoc — and uses
// google.golang.org/protobuf/types/known/structpb.Struct, a real
// generated message type already vendored by the protobuf module, for
// every request/response body.
package control

import (
	"context"
	"fmt"
	"net"
	"sort"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/coreinit/initd/internal/eventstore"
	"github.com/coreinit/initd/internal/jobtable"
	"github.com/coreinit/initd/internal/logging"
	"github.com/coreinit/initd/pkg/event"
	"github.com/coreinit/initd/pkg/job"
)

var log = logging.Default()

const serviceName = "initd.v1.Control"

// Server implements the control plane's RPC methods. It holds direct
// references to loop-owned state (EventStore, JobTable); per spec §5
// every method here runs on the gRPC transport's own goroutine, so
// handlers must only enqueue work for the main loop to pick up on its
// next pass rather than mutate Job/EventStore state directly — the one
// exception is read-only ListJobs/GetJob, which take a stable snapshot.
type Server struct {
	Events *eventstore.Store
	Jobs   *jobtable.Table

	// ReloadFn is called synchronously from ReloadConfig's handler; the
	// main loop supplies a closure that re-reads job YAML and diffs it
	// against the JobTable on its own next iteration.
	ReloadFn func() error
}

// New returns a control Server.
func New(events *eventstore.Store, jobs *jobtable.Table, reload func() error) *Server {
	return &Server{Events: events, Jobs: jobs, ReloadFn: reload}
}

// EmitEvent enqueues an edge or level event, exactly as a signal handler
// or job script completion would (spec §4.1). req must contain "name"
// and optionally "value"/"args"/"env".
func (s *Server) EmitEvent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	name, ok := fields["name"]
	if !ok || name.GetStringValue() == "" {
		return nil, fmt.Errorf("control: EmitEvent requires a non-empty \"name\"")
	}

	args := stringSlice(fields["args"])
	env := stringSlice(fields["env"])

	var e event.Event
	if v, ok := fields["value"]; ok && v.GetStringValue() != "" {
		e, _ = s.Events.EmitLevel(name.GetStringValue(), v.GetStringValue(), args, env)
	} else {
		e = s.Events.EmitEdge(name.GetStringValue(), args, env)
	}

	// request_id has no bearing on dispatch; it only lets a caller
	// correlate this call with the log line EmitEvent produced, since
	// the actual event processing happens asynchronously on the next
	// main-loop pass rather than inside this handler.
	reqID := uuid.NewString()
	log.Info("control: event queued", "request_id", reqID, "event", e.Name)

	return structpb.NewStruct(map[string]interface{}{
		"name":       e.Name,
		"request_id": reqID,
	})
}

// ListJobs returns a snapshot of every job's key, goal, and state.
func (s *Server) ListJobs(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	jobs := s.Jobs.All()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Key() < jobs[j].Key() })

	list := make([]interface{}, 0, len(jobs))
	for _, j := range jobs {
		list = append(list, jobSummary(j))
	}
	return structpb.NewStruct(map[string]interface{}{"jobs": list})
}

// GetJob returns one job's full status by key, or an error if it is not
// in the table.
func (s *Server) GetJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key := req.GetFields()["key"].GetStringValue()
	j, ok := s.Jobs.Get(key)
	if !ok {
		return nil, fmt.Errorf("control: no such job %q", key)
	}
	return structpb.NewStruct(jobSummary(j))
}

// StartJob emits an edge event named "<key>/control-start" — a
// synthetic cause a job can name in its own `start on` stanza — rather
// than mutating goal directly, keeping every goal change flowing
// through the Dispatcher (spec §4.7) on the main loop.
func (s *Server) StartJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key := req.GetFields()["key"].GetStringValue()
	if _, ok := s.Jobs.Get(key); !ok {
		return nil, fmt.Errorf("control: no such job %q", key)
	}
	s.Events.EmitEdge(key+"/control-start", nil, nil)
	return structpb.NewStruct(map[string]interface{}{"accepted": true})
}

// StopJob is StartJob's mirror image, emitting "<key>/control-stop".
func (s *Server) StopJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key := req.GetFields()["key"].GetStringValue()
	if _, ok := s.Jobs.Get(key); !ok {
		return nil, fmt.Errorf("control: no such job %q", key)
	}
	s.Events.EmitEdge(key+"/control-stop", nil, nil)
	return structpb.NewStruct(map[string]interface{}{"accepted": true})
}

// ReloadConfig re-reads job definitions from disk via the supervisor's
// ReloadFn. It runs synchronously on the RPC goroutine by design — the
// closure itself is responsible for only touching JobTable/EventStore
// in a way safe to call concurrently with the main loop (in practice:
// the supervisor arms a flag the loop checks each iteration, same as
// SIGHUP — see internal/supervisor).
func (s *Server) ReloadConfig(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.ReloadFn == nil {
		return structpb.NewStruct(map[string]interface{}{"reloaded": false})
	}
	if err := s.ReloadFn(); err != nil {
		log.Error("reload failed", "error", err)
		return nil, err
	}
	return structpb.NewStruct(map[string]interface{}{"reloaded": true})
}

func jobSummary(j *job.Job) map[string]interface{} {
	emits := make([]interface{}, len(j.Config.Emits))
	for i, name := range j.Config.Emits {
		emits[i] = name
	}
	return map[string]interface{}{
		"key":         j.Key(),
		"path":        escapeJobPath(j.Key()),
		"goal":        j.Goal.String(),
		"state":       j.State.String(),
		"failed":      j.Failed,
		"exit_status": float64(j.ExitStatus),
		"main_pid":    float64(j.Slot.MainPid),
		"emits":       emits,
	}
}

func stringSlice(v *structpb.Value) []string {
	if v == nil {
		return nil
	}
	lv := v.GetListValue()
	if lv == nil {
		return nil
	}
	out := make([]string, 0, len(lv.Values))
	for _, item := range lv.Values {
		out = append(out, item.GetStringValue())
	}
	return out
}

// serviceDesc wires Server's methods into a grpc.ServiceDesc by hand —
// the unary-RPC equivalent of what protoc-gen-go-grpc would emit from a
// .proto file defining these six methods over google.protobuf.Struct.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("EmitEvent", func(s *Server, ctx context.Context, r *structpb.Struct) (*structpb.Struct, error) {
			return s.EmitEvent(ctx, r)
		}),
		unaryMethod("ListJobs", func(s *Server, ctx context.Context, r *structpb.Struct) (*structpb.Struct, error) {
			return s.ListJobs(ctx, r)
		}),
		unaryMethod("GetJob", func(s *Server, ctx context.Context, r *structpb.Struct) (*structpb.Struct, error) {
			return s.GetJob(ctx, r)
		}),
		unaryMethod("StartJob", func(s *Server, ctx context.Context, r *structpb.Struct) (*structpb.Struct, error) {
			return s.StartJob(ctx, r)
		}),
		unaryMethod("StopJob", func(s *Server, ctx context.Context, r *structpb.Struct) (*structpb.Struct, error) {
			return s.StopJob(ctx, r)
		}),
		unaryMethod("ReloadConfig", func(s *Server, ctx context.Context, r *structpb.Struct) (*structpb.Struct, error) {
			return s.ReloadConfig(ctx, r)
		}),
	},
	Metadata: "initd/control.proto",
}

func unaryMethod(name string, call func(*Server, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			req := new(structpb.Struct)
			if err := dec(req); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return call(s, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/" + serviceName + "/" + name}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(s, ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, req, info, handler)
		},
	}
}

// Register attaches Server to a *grpc.Server.
func Register(grpcServer *grpc.Server, s *Server) {
	grpcServer.RegisterService(&serviceDesc, s)
}

// Serve starts a gRPC server bound to addr and blocks until it stops or
// the context is canceled. TLS is intentionally out of scope: the
// control socket is meant for localhost/operator use, the same trust
// boundary as a Unix pid file or `initctl`.
func Serve(ctx context.Context, addr string, s *Server) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control: listen on %s: %w", addr, err)
	}
	defer lis.Close()

	grpcServer := grpc.NewServer()
	Register(grpcServer, s)

	errCh := make(chan error, 1)
	go func() { errCh <- grpcServer.Serve(lis) }()

	select {
	case <-ctx.Done():
		grpcServer.GracefulStop()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
