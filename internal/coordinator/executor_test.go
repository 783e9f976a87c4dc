package coordinator

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentconfig "github.com/G-Research/simulator/internal/agent/configuration"
	"github.com/G-Research/simulator/internal/common/simcontext"
	"github.com/G-Research/simulator/internal/coordinator/configuration"
	"github.com/G-Research/simulator/internal/protocol"
)

type recordingExecutor struct {
	mu       sync.Mutex
	hosts    []string
	commands []string
}

func (e *recordingExecutor) Run(_ *simcontext.Context, host string, command string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hosts = append(e.hosts, host)
	e.commands = append(e.commands, command)
	return nil, nil
}

func TestRemoteAgentStarter(t *testing.T) {
	executor := &recordingExecutor{}
	starter := &RemoteAgentStarter{
		Executor: executor,
		Config: configuration.RemoteConfig{
			Command:                "/opt/simulator/simulator",
			WorkDir:                "/var/simulator",
			HarakiriMonitorCommand: "harakiri-monitor",
		},
	}
	a := AgentData{Address: protocol.Agent(2), PublicAddress: "10.0.0.2", Port: 9100}

	endpoint, err := starter.Start(simcontext.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:9100", endpoint)
	require.NoError(t, starter.Stop(simcontext.Background(), a))

	assert.Equal(t, []string{"10.0.0.2", "10.0.0.2", "10.0.0.2"}, executor.hosts)
	assert.Equal(t,
		"mkdir -p /var/simulator && nohup /opt/simulator/simulator agent --address C_A2 --port 9100 > /var/simulator/agent-C_A2.log 2>&1 & echo $! > /var/simulator/agent-C_A2.pid",
		executor.commands[0])
	assert.Equal(t, "test -f /var/simulator/agent-C_A2.pid && kill $(cat /var/simulator/agent-C_A2.pid); rm -f /var/simulator/agent-C_A2.pid", executor.commands[1])
	assert.Equal(t, "harakiri-monitor", executor.commands[2])
}

func TestLocalExecutor(t *testing.T) {
	output, err := LocalExecutor{}.Run(simcontext.Background(), "ignored", "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(output))

	_, err = LocalExecutor{}.Run(simcontext.Background(), "ignored", "echo oops >&2; exit 3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oops")
}

func TestNewAgentStarter(t *testing.T) {
	tests := map[string]struct {
		mode    string
		check   func(t *testing.T, starter AgentStarter)
		wantErr bool
	}{
		"inprocess": {
			mode: "inprocess",
			check: func(t *testing.T, starter AgentStarter) {
				assert.IsType(t, &InProcessAgentStarter{}, starter)
			},
		},
		"local": {
			mode: "local",
			check: func(t *testing.T, starter AgentStarter) {
				require.IsType(t, &RemoteAgentStarter{}, starter)
				assert.Equal(t, LocalExecutor{}, starter.(*RemoteAgentStarter).Executor)
			},
		},
		"ssh without key": {
			mode:    "ssh",
			wantErr: true,
		},
		"unknown": {
			mode:    "kubernetes",
			wantErr: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			config := configuration.Configuration{Remote: configuration.RemoteConfig{
				Mode: tc.mode,
				Ssh:  configuration.SshConfig{PrivateKeyFile: "/nonexistent/id_rsa"},
			}}
			starter, err := NewAgentStarter(config, agentconfig.Configuration{}, nil, nil)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tc.check(t, starter)
		})
	}
}

func TestNewSSHExecutor_ExpandsHomeDirectory(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	homedir.DisableCache = true
	defer func() { homedir.DisableCache = false }()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	encoded := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".ssh"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".ssh", "id_rsa"), encoded, 0o600))

	executor, err := NewSSHExecutor(configuration.SshConfig{User: "simulator", PrivateKeyFile: "~/.ssh/id_rsa"})
	require.NoError(t, err)
	assert.Equal(t, uint16(22), executor.port)
	assert.Equal(t, "simulator", executor.config.User)
	assert.Equal(t, 30*time.Second, executor.config.Timeout)

	_, err = NewSSHExecutor(configuration.SshConfig{PrivateKeyFile: "~/.ssh/missing"})
	assert.Error(t, err)
}
