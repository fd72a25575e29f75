package container

import (
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"becomeroot/config"
	"becomeroot/handshake"
	"becomeroot/idmap"
	"becomeroot/namespace"
)

func start(t *testing.T, name string, args ...string) int {
	t.Helper()
	cmd := exec.Command(name, args...)
	require.NoError(t, cmd.Start())
	return cmd.Process.Pid
}

func TestExitCodeExited(t *testing.T) {
	pid := start(t, "sh", "-c", "exit 7")
	ws, err := waitDesignated(pid, false)
	require.NoError(t, err)
	assert.Equal(t, 7, ExitCode(ws))
}

func TestExitCodeSignaled(t *testing.T) {
	pid := start(t, "sleep", "30")
	require.NoError(t, syscall.Kill(pid, syscall.SIGKILL))

	ws, err := waitDesignated(pid, false)
	require.NoError(t, err)
	assert.Equal(t, 128+int(syscall.SIGKILL), ExitCode(ws))
}

func TestWaitDesignatedReapsOthers(t *testing.T) {
	orphan := start(t, "true")
	pid := start(t, "sh", "-c", "sleep 0.2; exit 3")

	ws, err := waitDesignated(pid, true)
	require.NoError(t, err)
	assert.Equal(t, 3, ExitCode(ws))

	// orphan 已经被回收
	err = syscall.Kill(orphan, 0)
	assert.ErrorIs(t, err, syscall.ESRCH)
}

func TestWaitDesignatedNoChild(t *testing.T) {
	_, err := waitDesignated(-1, true)
	assert.ErrorIs(t, err, syscall.ECHILD)
}

func TestForward(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())

	stop := Forward(cmd.Process.Pid)
	defer stop()
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGHUP))

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
		ws := cmd.ProcessState.Sys().(syscall.WaitStatus)
		assert.Equal(t, 128+int(syscall.SIGHUP), ExitCode(ws))
	case <-time.After(5 * time.Second):
		cmd.Process.Kill()
		t.Fatal("signal was not forwarded")
	}
}

func TestWorkloadEnv(t *testing.T) {
	environ := []string{"PATH=/bin", "_CONTAINERS_ROOTLESS_UID=1", "HOME=/root"}
	env := workloadEnv(environ, &idmap.Mapping{UID: 1000, GID: 100}, 5)

	assert.Equal(t, []string{
		"PATH=/bin",
		"HOME=/root",
		"_CONTAINERS_USERNS_CONFIGURED=done",
		"_CONTAINERS_ROOTLESS_UID=1000",
		"_CONTAINERS_ROOTLESS_GID=100",
		"BECOME_ROOT_NETWORK_FD=5",
	}, env)
}

func TestWorkloadEnvWithoutNetwork(t *testing.T) {
	env := workloadEnv(nil, nil, -1)
	assert.Equal(t, []string{"_CONTAINERS_USERNS_CONFIGURED=done"}, env)
}

func TestAssumeRootRequiresHandshake(t *testing.T) {
	err := assumeRoot(handshake.Token{}, false)
	assert.Error(t, err)
}

func TestNewInnerProcess(t *testing.T) {
	ready, readyW, err := handshake.Pipe("ready")
	require.NoError(t, err)
	defer ready.Close()
	defer readyW.Close()
	doneR, doneW, err := handshake.Pipe("done")
	require.NoError(t, err)
	defer doneR.Close()
	defer doneW.Close()

	spec := config.NamespaceSpec{Namespaces: namespace.NewSet(namespace.PID, namespace.Mount)}
	p, err := NewInnerProcess(spec, readyW, doneR, nil)
	require.NoError(t, err)
	defer p.child.Close()
	defer p.bootstrap.Close()

	assert.Equal(t, []string{"/proc/self/exe", InitStage, strconv.Itoa(config.BootstrapFd)}, p.Args)
	assert.Equal(t, spec.Namespaces.Cloneflags(), p.SysProcAttr.Cloneflags)
	assert.Equal(t, 4, p.Fds.Ready)
	assert.Equal(t, 5, p.Fds.Done)
	assert.Equal(t, -1, p.Fds.NetworkControl)
	assert.Len(t, p.ExtraFiles, 3)
}

func TestNewMapperProcessWithNetwork(t *testing.T) {
	var files []interface{ Close() error }
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	pipe := func(name string) (*handshake.Receiver, *handshake.Sender) {
		r, w, err := handshake.Pipe(name)
		require.NoError(t, err)
		files = append(files, r, w)
		return r, w
	}
	readyR, _ := pipe("ready")
	_, doneW := pipe("done")
	netReady, netNotify := pipe("network-ready")
	control, _ := pipe("network-control")

	p, err := NewMapperProcess(readyR, doneW, &NetworkPipes{Ready: netReady, Notify: netNotify, Control: control})
	require.NoError(t, err)
	defer p.child.Close()
	defer p.bootstrap.Close()

	assert.Equal(t, config.Fds{Ready: 4, Done: 5, Start: -1, NetworkReady: 6, NetworkNotify: 7, NetworkControl: 8}, p.Fds)
	assert.Zero(t, p.SysProcAttr.Cloneflags)
}

func TestPayloadFileLargerThanPipeBuffer(t *testing.T) {
	long := strings.Repeat("a", 70000)
	p := &config.Payload{
		Config: config.Config{Command: []string{"true", long}},
		Fds:    config.NoFds(),
	}
	f, err := payloadFile(p)
	require.NoError(t, err)
	defer f.Close()

	flags, err := unix.FcntlInt(f.Fd(), unix.F_GETFD, 0)
	require.NoError(t, err)
	assert.Zero(t, flags&unix.FD_CLOEXEC)

	fd, err := unix.Dup(int(f.Fd()))
	require.NoError(t, err)
	got, err := config.ReadPayload(fd)
	require.NoError(t, err)
	assert.Equal(t, []string{"true", long}, got.Config.Command)
}
