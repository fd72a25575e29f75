package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"becomeroot/config"
	"becomeroot/handshake"
	"becomeroot/namespace"
)

/*
RunContainerInitProcess 在新的 namespace 中执行，这是 inner 进程的第一段代码。
1.从 bootstrap 管道读取配置，打开继承下来的握手管道
2.通知 mapper 已经就绪，然后等待映射写完
3.没有 pid namespace 时 exec 成为 workload，否则作为 pid 1 启动 workload 子进程并等待它
返回值是 pid 1 的退出码
*/
func RunContainerInitProcess(fd int) (int, error) {
	// Pdeathsig 跟随创建子进程的线程
	runtime.LockOSThread()

	payload, err := config.ReadPayload(fd)
	if err != nil {
		return 1, err
	}
	SetLogLevel(payload.Config.LogLevel)
	cfg := &payload.Config

	role := handshake.NewRole("inner", handshake.Signaling)
	ready, err := handshake.OpenSender("ready", payload.Fds.Ready)
	if err != nil {
		return 1, err
	}
	done, err := handshake.OpenReceiver("done", payload.Fds.Done)
	if err != nil {
		ready.Close()
		return 1, err
	}
	var control *handshake.Sender
	if payload.Fds.NetworkControl >= 0 {
		if control, err = handshake.OpenSender("network-control", payload.Fds.NetworkControl); err != nil {
			ready.Close()
			done.Close()
			return 1, err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	tok, err := awaitMappings(ctx, role, ready, done)
	stop()
	if err != nil {
		control.Close()
		return 1, role.Abort(err)
	}
	role.Enter(handshake.Acting)
	role.Log().Debugf("mappings ready (%s)", tok.From())

	if !cfg.Spec.Namespaces.Has(namespace.PID) {
		return 1, execWorkload(cfg, control)
	}
	return runNamespaceInit(role, cfg, control)
}

func awaitMappings(ctx context.Context, role *handshake.Role, ready *handshake.Sender, done *handshake.Receiver) (handshake.Token, error) {
	defer done.Close()
	if err := ready.Signal(); err != nil {
		return handshake.Token{}, err
	}
	role.Enter(handshake.AwaitingSignal)
	return done.Wait(ctx)
}

// execWorkload 用 workload 阶段替换当前进程。映射已经写好，
// 这次 exec 之后进程在 namespace 中是 root，拥有完整的能力集
func execWorkload(cfg *config.Config, control *handshake.Sender) error {
	start, startW, err := handshake.Pipe("start")
	if err != nil {
		return err
	}
	defer startW.Close()

	fds := config.NoFds()
	if fds.Start, err = start.Detach(); err != nil {
		return err
	}
	if control != nil {
		if fds.NetworkControl, err = control.Detach(); err != nil {
			return err
		}
	}

	// exec 之前没有读者，payload 不能经过管道
	payload, err := payloadFile(&config.Payload{Config: *cfg, Fds: fds})
	if err != nil {
		return err
	}
	defer payload.Close()
	if err := startW.Signal(); err != nil {
		return err
	}

	argv := []string{os.Args[0], WorkloadStage, strconv.Itoa(int(payload.Fd()))}
	err = syscall.Exec("/proc/self/exe", argv, os.Environ())
	runtime.KeepAlive(payload)
	return os.NewSyscallError("exec "+WorkloadStage, err)
}

// payloadFile 把 payload 写进一个没有 close-on-exec 的 memfd，读写位置回到开头
func payloadFile(p *config.Payload) (*os.File, error) {
	fd, err := unix.MemfdCreate("become-root-payload", 0)
	if err != nil {
		return nil, os.NewSyscallError("memfd_create", err)
	}
	f := os.NewFile(uintptr(fd), "payload")
	if err := config.EncodePayload(f, p); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek payload: %w", err)
	}
	return f, nil
}

// runNamespaceInit 是 pid namespace 中的 pid 1：启动 workload 子进程，
// 转发信号，等待它结束。-r 时回收所有被收养的孤儿
func runNamespaceInit(role *handshake.Role, cfg *config.Config, control *handshake.Sender) (int, error) {
	defer control.Close()
	if cfg.Spec.Reaper {
		if err := SetChildSubreaper(); err != nil {
			return 1, err
		}
	}

	start, startW, err := handshake.Pipe("start")
	if err != nil {
		return 1, err
	}
	defer startW.Close()

	child, err := newWorkloadProcess(start, control)
	if err != nil {
		start.Close()
		return 1, err
	}
	role.Enter(handshake.Signaling)
	err = child.Start(cfg, 0)
	start.Close()
	control.Close()
	if err != nil {
		return 1, fmt.Errorf("cannot start workload: %w", err)
	}
	pid := child.Process.Pid

	stopForward := Forward(pid)
	defer stopForward()
	if err := startW.Signal(); err != nil {
		return 1, err
	}
	role.Enter(handshake.Done)
	role.Log().Debugf("workload started as %d", pid)

	ws, err := waitDesignated(pid, cfg.Spec.Reaper)
	if err != nil {
		return 1, err
	}
	return ExitCode(ws), nil
}

// SetLogLevel 设置阶段进程的日志级别，level 为空或者无法解析时保持不变
func SetLogLevel(level string) {
	if level == "" {
		return
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.Warnf("invalid log level %q", level)
		return
	}
	logrus.SetLevel(lvl)
}
