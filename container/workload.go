package container

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"becomeroot/capabilities"
	"becomeroot/config"
	"becomeroot/handshake"
	"becomeroot/idmap"
	"becomeroot/mount"
	"becomeroot/namespace"
	"becomeroot/network"
)

// 最终命令能看到的环境变量
const (
	EnvUsernsConfigured = "_CONTAINERS_USERNS_CONFIGURED"
	EnvRootlessUID      = "_CONTAINERS_ROOTLESS_UID"
	EnvRootlessGID      = "_CONTAINERS_ROOTLESS_GID"
	// EnvNetworkFd 是网络 helper 控制管道写端的编号，关闭它 helper 就会退出
	EnvNetworkFd = "BECOME_ROOT_NETWORK_FD"
)

// RunWorkloadProcess 是 workload 阶段：等待 start，然后成为最终的命令。
// 成功时不会返回
func RunWorkloadProcess(fd int) error {
	// capset 和 PR_SET_NO_NEW_PRIVS 只作用于当前线程，exec 必须在同一个线程上
	runtime.LockOSThread()

	payload, err := config.ReadPayload(fd)
	if err != nil {
		return err
	}
	SetLogLevel(payload.Config.LogLevel)

	start, err := handshake.OpenReceiver("start", payload.Fds.Start)
	if err != nil {
		return err
	}
	tok, err := start.Wait(context.Background())
	start.Close()
	if err != nil {
		return err
	}

	var control *handshake.Sender
	if payload.Fds.NetworkControl >= 0 {
		if control, err = handshake.OpenSender("network-control", payload.Fds.NetworkControl); err != nil {
			return err
		}
	}
	return runWorkload(tok, &payload.Config, control)
}

func runWorkload(tok handshake.Token, cfg *config.Config, control *handshake.Sender) error {
	log := logrus.WithField("role", "workload")

	argv, err := cfg.Argv()
	if err != nil {
		return err
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("exec look path error: %w", err)
	}
	log.Debugf("find path %s", path)

	controlFd := -1
	if control != nil {
		if controlFd, err = control.Detach(); err != nil {
			return err
		}
	}
	env := workloadEnv(os.Environ(), cfg.Mapping, controlFd)

	if err := assumeRoot(tok, cfg.Spec.KeepGroups); err != nil {
		return err
	}
	if err := capabilities.Elevate(tok); err != nil {
		return err
	}
	if cfg.Spec.Namespaces.Has(namespace.Network) {
		if err := network.SetLoopbackUp(); err != nil {
			return err
		}
	}
	if err := mount.Setup(cfg.Spec); err != nil {
		return err
	}

	if err := syscall.Exec(path, argv, env); err != nil {
		return os.NewSyscallError("exec "+path, err)
	}
	return nil
}

// assumeRoot 切换到 namespace 中的 root，需要映射已经写好
func assumeRoot(tok handshake.Token, keepGroups bool) error {
	if !tok.Valid() {
		return fmt.Errorf("cannot become root before the id mappings are written")
	}
	if err := syscall.Setresgid(0, 0, 0); err != nil {
		return os.NewSyscallError("setresgid", err)
	}
	if err := syscall.Setresuid(0, 0, 0); err != nil {
		return os.NewSyscallError("setresuid", err)
	}
	if !keepGroups {
		if err := syscall.Setgroups(nil); err != nil {
			return os.NewSyscallError("setgroups", err)
		}
	}
	return nil
}

// workloadEnv 在 environ 后面追加标记，已经存在的同名变量会被覆盖
func workloadEnv(environ []string, m *idmap.Mapping, controlFd int) []string {
	set := map[string]string{EnvUsernsConfigured: "done"}
	if m != nil {
		set[EnvRootlessUID] = strconv.Itoa(m.UID)
		set[EnvRootlessGID] = strconv.Itoa(m.GID)
	}
	if controlFd >= 0 {
		set[EnvNetworkFd] = strconv.Itoa(controlFd)
	}

	env := make([]string, 0, len(environ)+len(set))
	for _, kv := range environ {
		name, _, _ := strings.Cut(kv, "=")
		if _, ok := set[name]; !ok {
			env = append(env, kv)
		}
	}
	for _, name := range []string{EnvUsernsConfigured, EnvRootlessUID, EnvRootlessGID, EnvNetworkFd} {
		if v, ok := set[name]; ok {
			env = append(env, name+"="+v)
		}
	}
	return env
}
