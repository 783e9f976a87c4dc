package coordinator

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/G-Research/simulator/internal/agent"
	agentconfig "github.com/G-Research/simulator/internal/agent/configuration"
	"github.com/G-Research/simulator/internal/common/simcontext"
	"github.com/G-Research/simulator/internal/common/simerrors"
	"github.com/G-Research/simulator/internal/coordinator/configuration"
)

// RemoteExecutor runs a shell command on a host and returns its combined output.
type RemoteExecutor interface {
	Run(ctx *simcontext.Context, host string, command string) ([]byte, error)
}

// LocalExecutor runs commands on this machine, whatever the host.
type LocalExecutor struct{}

func (LocalExecutor) Run(ctx *simcontext.Context, _ string, command string) ([]byte, error) {
	output, err := exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
	if err != nil {
		return output, errors.WithMessagef(err, "command %q failed: %s", command, bytes.TrimSpace(output))
	}
	return output, nil
}

// SSHExecutor runs commands over ssh, authenticating with a private key.
type SSHExecutor struct {
	config *ssh.ClientConfig
	port   uint16
}

// NewSSHExecutor reads the private key and known hosts files of config. Both paths may start with ~.
func NewSSHExecutor(config configuration.SshConfig) (*SSHExecutor, error) {
	keyFile, err := homedir.Expand(config.PrivateKeyFile)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	key, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not parse %s", keyFile)
	}
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if config.KnownHostsFile != "" {
		knownHostsFile, err := homedir.Expand(config.KnownHostsFile)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		hostKeyCallback, err = knownhosts.New(knownHostsFile)
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}
	port := config.Port
	if port == 0 {
		port = 22
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SSHExecutor{
		config: &ssh.ClientConfig{
			User:            config.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         timeout,
		},
		port: port,
	}, nil
}

func (e *SSHExecutor) Run(ctx *simcontext.Context, host string, command string) ([]byte, error) {
	client, err := ssh.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(e.port))), e.config)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not connect to %s", host)
	}
	defer client.Close()
	session, err := client.NewSession()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer session.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = client.Close()
		case <-done:
		}
	}()
	output, err := session.CombinedOutput(command)
	if err != nil {
		return output, errors.WithMessagef(err, "command %q failed on %s: %s", command, host, bytes.TrimSpace(output))
	}
	return output, nil
}

// AgentStarter starts and stops the agent processes. Start returns the endpoint the coordinator connects to.
type AgentStarter interface {
	Start(ctx *simcontext.Context, agent AgentData) (string, error)
	Stop(ctx *simcontext.Context, agent AgentData) error
}

// RemoteAgentStarter starts every agent in the background on its machine and stops it through its pid file.
type RemoteAgentStarter struct {
	Executor RemoteExecutor
	Config   configuration.RemoteConfig
}

func (s *RemoteAgentStarter) files(a AgentData) (string, string) {
	dir := s.Config.WorkDir
	if dir == "" {
		dir = "."
	}
	name := "agent-" + a.Address.String()
	return path.Join(dir, name+".log"), path.Join(dir, name+".pid")
}

func (s *RemoteAgentStarter) Start(ctx *simcontext.Context, a AgentData) (string, error) {
	logFile, pidFile := s.files(a)
	command := fmt.Sprintf("mkdir -p %s && nohup %s agent --address %s --port %d > %s 2>&1 & echo $! > %s",
		path.Dir(logFile), s.Config.Command, a.Address, a.Port, logFile, pidFile)
	ctx.Log.Infof("starting agent %s on %s", a.Address, a.PublicAddress)
	if _, err := s.Executor.Run(ctx, a.PublicAddress, command); err != nil {
		return "", errors.WithMessagef(err, "could not start agent %s", a.Address)
	}
	return a.Endpoint(), nil
}

func (s *RemoteAgentStarter) Stop(ctx *simcontext.Context, a AgentData) error {
	_, pidFile := s.files(a)
	command := fmt.Sprintf("test -f %[1]s && kill $(cat %[1]s); rm -f %[1]s", pidFile)
	if _, err := s.Executor.Run(ctx, a.PublicAddress, command); err != nil {
		return errors.WithMessagef(err, "could not stop agent %s", a.Address)
	}
	if s.Config.HarakiriMonitorCommand != "" {
		if _, err := s.Executor.Run(ctx, a.PublicAddress, s.Config.HarakiriMonitorCommand); err != nil {
			ctx.Log.WithError(err).Warnf("could not start harakiri monitor on %s", a.PublicAddress)
		}
	}
	return nil
}

// InProcessAgentStarter runs the agents inside the coordinator's process. Agents listen on their
// configured port, or on an ephemeral one if it is zero.
type InProcessAgentStarter struct {
	Config     agentconfig.Configuration
	Launcher   agent.WorkerLauncher
	Registerer prometheus.Registerer

	mu      sync.Mutex
	running map[string]*inProcessAgent
}

type inProcessAgent struct {
	agent  *agent.Agent
	cancel func()
}

func (s *InProcessAgentStarter) Start(ctx *simcontext.Context, a AgentData) (string, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(a.PrivateAddress, strconv.Itoa(int(a.Port))))
	if err != nil {
		return "", errors.WithMessagef(err, "could not start agent %s", a.Address)
	}
	config := s.Config
	config.Address = a.Address.String()
	config.Port = uint16(listener.Addr().(*net.TCPAddr).Port)
	serveCtx, cancel := simcontext.WithCancel(ctx)
	ag := agent.New(serveCtx, a.Address, s.Launcher, config, s.Registerer)
	go func() {
		if err := ag.Serve(serveCtx, listener); err != nil {
			serveCtx.Log.WithError(err).Debugf("agent %s stopped serving", a.Address)
		}
	}()

	s.mu.Lock()
	if s.running == nil {
		s.running = make(map[string]*inProcessAgent)
	}
	s.running[a.Address.String()] = &inProcessAgent{agent: ag, cancel: cancel}
	s.mu.Unlock()
	return listener.Addr().String(), nil
}

func (s *InProcessAgentStarter) Stop(_ *simcontext.Context, a AgentData) error {
	s.mu.Lock()
	running, ok := s.running[a.Address.String()]
	delete(s.running, a.Address.String())
	s.mu.Unlock()
	if !ok {
		return nil
	}
	running.cancel()
	running.agent.Shutdown()
	return nil
}

// Agent returns the running agent at address, for tests.
func (s *InProcessAgentStarter) Agent(address string) (*agent.Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	running, ok := s.running[address]
	if !ok {
		return nil, false
	}
	return running.agent, true
}

// NewAgentStarter returns the starter selected by config.Remote.Mode. In "inprocess" mode the agents
// run inside this process with agentConfig and launch their workers with launcher.
func NewAgentStarter(config configuration.Configuration, agentConfig agentconfig.Configuration, launcher agent.WorkerLauncher, registerer prometheus.Registerer) (AgentStarter, error) {
	switch config.Remote.Mode {
	case "", "inprocess":
		return &InProcessAgentStarter{Config: agentConfig, Launcher: launcher, Registerer: registerer}, nil
	case "local":
		return &RemoteAgentStarter{Executor: LocalExecutor{}, Config: config.Remote}, nil
	case "ssh":
		executor, err := NewSSHExecutor(config.Remote.Ssh)
		if err != nil {
			return nil, err
		}
		return &RemoteAgentStarter{Executor: executor, Config: config.Remote}, nil
	default:
		return nil, errors.WithStack(&simerrors.ErrInvalidArgument{
			Name:    "remote.mode",
			Value:   config.Remote.Mode,
			Message: "must be inprocess, local or ssh",
		})
	}
}
