package container

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ForwardedSignals 是转发给子进程的终止信号
var ForwardedSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT}

// ExitCode 把 wait 状态转换成退出码：正常退出时是退出码，被信号杀死时是 128+信号
func ExitCode(ws syscall.WaitStatus) int {
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return 128 + int(ws.Signal())
	}
	return 1
}

// Forward 把收到的 ForwardedSignals 转发给 pid，返回的函数停止转发
func Forward(pid int) (stop func()) {
	sigs := make(chan os.Signal, len(ForwardedSignals))
	signal.Notify(sigs, ForwardedSignals...)
	quit := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigs:
				logrus.Debugf("forwarding %s to %d", sig, pid)
				if err := syscall.Kill(pid, sig.(syscall.Signal)); err != nil {
					logrus.Debugf("forward %s to %d: %v", sig, pid, err)
				}
			case <-quit:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(quit)
	}
}

// SetChildSubreaper 让孤儿进程被重新收养到当前进程
func SetChildSubreaper() error {
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return os.NewSyscallError("prctl(PR_SET_CHILD_SUBREAPER)", err)
	}
	return nil
}

// waitDesignated 等待 pid 结束。reap 为 true 时等待任意子进程，
// 顺带回收被收养的孤儿，直到 pid 的状态到达或者没有子进程了
func waitDesignated(pid int, reap bool) (syscall.WaitStatus, error) {
	wpid := pid
	if reap {
		wpid = -1
	}
	for {
		var ws syscall.WaitStatus
		got, err := syscall.Wait4(wpid, &ws, 0, nil)
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return ws, os.NewSyscallError("wait4", err)
		}
		if got == pid {
			return ws, nil
		}
		logrus.Debugf("reaped orphan %d with status %d", got, ExitCode(ws))
	}
}
