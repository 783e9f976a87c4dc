package agent

import (
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/simulator/internal/agent/configuration"
	"github.com/G-Research/simulator/internal/common/simcontext"
	"github.com/G-Research/simulator/internal/common/simerrors"
	"github.com/G-Research/simulator/internal/operation"
	"github.com/G-Research/simulator/internal/protocol"
	"github.com/G-Research/simulator/internal/worker"
	workerconfig "github.com/G-Research/simulator/internal/worker/configuration"
)

// WorkerLauncher starts workers. The agent connects to the returned endpoint.
type WorkerLauncher interface {
	Launch(ctx *simcontext.Context, address protocol.Address, settings operation.WorkerSettings) (WorkerHandle, error)
}

// WorkerHandle controls a started worker.
type WorkerHandle interface {
	// Endpoint is the host:port the worker listens on.
	Endpoint() string
	// Exited is closed once the worker has stopped.
	Exited() <-chan struct{}
	Kill() error
}

// NewLauncher returns the launcher named by config.Launcher. workerConfig and workloads are used by
// the in-process launcher only.
func NewLauncher(config configuration.WorkerConfig, workerConfig workerconfig.Configuration, workloads worker.Workloads, registerer prometheus.Registerer) (WorkerLauncher, error) {
	switch config.Launcher {
	case "", "process":
		return &ProcessLauncher{
			Binary:   config.Binary,
			Args:     config.Args,
			Host:     config.Host,
			BasePort: config.BasePort,
		}, nil
	case "inprocess":
		return &InProcessLauncher{Workloads: workloads, Config: workerConfig, Registerer: registerer}, nil
	default:
		return nil, errors.WithStack(&simerrors.ErrInvalidArgument{
			Name:    "launcher",
			Value:   config.Launcher,
			Message: "must be process or inprocess",
		})
	}
}

// ProcessLauncher starts every worker as a child process running the simulator's worker command.
type ProcessLauncher struct {
	Binary   string
	Args     []string
	Host     string
	BasePort uint16
}

func (l *ProcessLauncher) Launch(ctx *simcontext.Context, address protocol.Address, settings operation.WorkerSettings) (WorkerHandle, error) {
	binary := l.Binary
	if binary == "" {
		executable, err := os.Executable()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		binary = executable
	}
	port := l.BasePort + uint16(settings.WorkerIndex)

	cmd := exec.Command(binary, workerArgs(l.Args, address, port, settings)...)
	log := ctx.Log.WithField("worker", address.String())
	cmd.Stdout = log.WriterLevel(logrus.InfoLevel)
	cmd.Stderr = log.WriterLevel(logrus.WarnLevel)
	if err := cmd.Start(); err != nil {
		return nil, errors.WithMessagef(err, "could not start worker %s", address)
	}
	log.Infof("started worker process %d listening on port %d", cmd.Process.Pid, port)

	h := &processHandle{
		cmd:      cmd,
		endpoint: net.JoinHostPort(l.Host, strconv.Itoa(int(port))),
		exited:   make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		log.WithError(err).Infof("worker process %d exited", cmd.Process.Pid)
		close(h.exited)
	}()
	return h, nil
}

// workerArgs returns the command line of the worker command.
func workerArgs(base []string, address protocol.Address, port uint16, settings operation.WorkerSettings) []string {
	args := append(slices.Clone(base),
		"--address", address.String(),
		"--port", strconv.Itoa(int(port)),
		"--type", string(settings.Type),
	)
	if len(settings.Parameters) > 0 {
		keys := maps.Keys(settings.Parameters)
		slices.Sort(keys)
		parameters := make([]string, len(keys))
		for i, k := range keys {
			parameters[i] = k + "=" + settings.Parameters[k]
		}
		args = append(args, "--parameters", strings.Join(parameters, ","))
	}
	return args
}

type processHandle struct {
	cmd      *exec.Cmd
	endpoint string
	exited   chan struct{}
}

func (h *processHandle) Endpoint() string {
	return h.endpoint
}

func (h *processHandle) Exited() <-chan struct{} {
	return h.exited
}

func (h *processHandle) Kill() error {
	select {
	case <-h.exited:
		return nil
	default:
	}
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.WithStack(err)
	}
	return nil
}

// InProcessLauncher runs workers inside the agent's process, each listening on an ephemeral local port.
type InProcessLauncher struct {
	Workloads  worker.Workloads
	Config     workerconfig.Configuration
	Registerer prometheus.Registerer
}

func (l *InProcessLauncher) Launch(ctx *simcontext.Context, address protocol.Address, settings operation.WorkerSettings) (WorkerHandle, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	config := l.Config
	config.Address = address.String()
	config.Port = uint16(listener.Addr().(*net.TCPAddr).Port)
	config.Type = string(settings.Type)
	config.Parameters = settings.Parameters
	w := worker.New(ctx, address, l.Workloads, config, l.Registerer)
	go func() {
		if err := w.Serve(listener); err != nil {
			ctx.Log.WithError(err).Warnf("worker %s stopped serving", address)
		}
	}()
	return &inProcessHandle{worker: w, endpoint: listener.Addr().String()}, nil
}

type inProcessHandle struct {
	worker   *worker.Worker
	endpoint string
	once     sync.Once
}

func (h *inProcessHandle) Endpoint() string {
	return h.endpoint
}

func (h *inProcessHandle) Exited() <-chan struct{} {
	return h.worker.Done()
}

func (h *inProcessHandle) Kill() error {
	h.once.Do(func() {
		go h.worker.Shutdown()
	})
	return nil
}
