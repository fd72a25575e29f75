package network

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/kballard/go-shellquote"
	"github.com/sirupsen/logrus"
)

const helperMTU = 65520

// SlirpDriver 使用 slirp4netns 为用户态的 network namespace 提供网络
type SlirpDriver struct {
}

func (d *SlirpDriver) Name() string {
	return DefaultDriver
}

// HelperArgs 返回 helper 的参数，ready/exit 管道是 helper 的 fd 3 和 fd 4
func HelperArgs(pid int, tap string) []string {
	return []string{
		"--configure",
		"--mtu=" + strconv.Itoa(helperMTU),
		"--disable-host-loopback",
		"--ready-fd=3",
		"--exit-fd=4",
		strconv.Itoa(pid),
		tap,
	}
}

// Connect 启动 helper 并一直阻塞到它就绪。
// helper 在新的 session 中运行，不等待它退出：mapper 退出后它会被重新收养，
// 并一直运行到控制管道的写端关闭，也就是 namespace 中的 workload 退出。
func (d *SlirpDriver) Connect(ctx context.Context, t *Target) error {
	if err := CheckTarget(t.Pid); err != nil {
		return err
	}

	args := HelperArgs(t.Pid, t.TapDevice)
	cmd := exec.Command(t.Helper, args...)
	// Stdin/Stdout/Stderr 为 nil 时 os/exec 会把它们连接到 /dev/null
	cmd.ExtraFiles = append(cmd.ExtraFiles, t.Notify.File(), t.Control.File())
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	logrus.Debugf("starting network helper: %s", shellquote.Join(append([]string{t.Helper}, args...)...))
	if err := cmd.Start(); err != nil {
		t.Notify.Close()
		t.Control.Close()
		return fmt.Errorf("cannot start %s: %w", filepath.Base(t.Helper), err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		logrus.Debugf("release network helper %d: %v", pid, err)
	}

	// 关闭 helper 持有的那一端，否则 helper 提前退出时这里读不到 EOF
	t.Notify.Close()
	t.Control.Close()

	// slirp4netns 写入 '1'，其他 helper 可能写入 '0'，任何一个字节都表示就绪
	if _, err := t.Ready.WaitAny(ctx); err != nil {
		return fmt.Errorf("network helper %d did not become ready: %v", pid, err)
	}
	logrus.Debugf("network helper %d ready", pid)
	return nil
}
