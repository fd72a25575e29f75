package main

import (
	"fmt"
	"os"
	"runtime"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"becomeroot/config"
	"becomeroot/container"
	"becomeroot/handshake"
	"becomeroot/idmap"
)

// closer 记录当前进程持有的管道端，每一端在交给子进程之后立刻关闭
type closer []interface{ Close() error }

func (c closer) Close() {
	for _, f := range c {
		f.Close()
	}
}

/*
Run 会先 clone 出来一个 namespace 隔离的 inner 进程，然后在 namespace 外面启动 mapper，
mapper 为 inner 写好映射之后 inner 才会继续，最终成为 workload。
1.解析身份映射，找不到从属 ID 时在创建任何 namespace 之前失败
2.创建 ready/done 管道，需要网络时还有 helper 的两个管道
3.启动 inner，再启动 mapper，每次启动之后关闭子进程持有的那一端
4.把终止信号转发给 inner，等待 mapper 和 inner 退出
返回值是 inner 的退出码，被信号杀死时是 128+信号
*/
func Run(cfg *config.Config) (int, error) {
	// inner 和 mapper 的 Pdeathsig 跟随启动它们的线程
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	resolver := &idmap.Resolver{SubUIDFile: cfg.Paths.SubUIDFile, SubGIDFile: cfg.Paths.SubGIDFile}
	mapping, err := resolver.Resolve(os.Getuid(), os.Getgid())
	if err != nil {
		return 1, err
	}
	cfg.Mapping = mapping
	logrus.Debugf("mapping: uid %d gid %d subuid %+v subgid %+v keep %v",
		mapping.UID, mapping.GID, mapping.SubUID, mapping.SubGID, mapping.Keep)

	restore := saveTerminal(int(os.Stdin.Fd()))
	defer restore()

	var owned closer
	defer func() { owned.Close() }()

	readyR, readyW, err := handshake.Pipe("ready")
	if err != nil {
		return 1, err
	}
	owned = append(owned, readyR, readyW)
	doneR, doneW, err := handshake.Pipe("done")
	if err != nil {
		return 1, err
	}
	owned = append(owned, doneR, doneW)

	var net *container.NetworkPipes
	var controlW *handshake.Sender
	if cfg.Spec.Network {
		net = &container.NetworkPipes{}
		if net.Ready, net.Notify, err = handshake.Pipe("network-ready"); err != nil {
			return 1, err
		}
		owned = append(owned, net.Ready, net.Notify)
		if net.Control, controlW, err = handshake.Pipe("network-control"); err != nil {
			return 1, err
		}
		owned = append(owned, net.Control, controlW)
	}

	inner, err := container.NewInnerProcess(cfg.Spec, readyW, doneR, controlW)
	if err != nil {
		return 1, err
	}
	if err := inner.Start(cfg, 0); err != nil {
		return 1, fmt.Errorf("cannot start init process: %w", err)
	}
	readyW.Close()
	doneR.Close()
	controlW.Close()
	logrus.Debugf("init process %d in namespaces %s", inner.Process.Pid, cfg.Spec.Namespaces)

	mapper, err := container.NewMapperProcess(readyR, doneW, net)
	if err == nil {
		err = mapper.Start(cfg, inner.Process.Pid)
	}
	// 无论 mapper 是否启动成功，inner 都会读到 EOF 然后退出
	owned.Close()
	if err != nil {
		inner.Wait()
		return 1, fmt.Errorf("cannot start mapper process: %w", err)
	}

	stop := container.Forward(inner.Process.Pid)
	defer stop()

	// mapper 失败时已经自己报告过了
	if err := mapper.Wait(); err != nil {
		logrus.Debugf("mapper process: %v", err)
	}

	err = inner.Wait()
	if inner.ProcessState == nil {
		return 1, err
	}
	ws, ok := inner.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		return 1, err
	}
	return container.ExitCode(ws), nil
}

// saveTerminal 在 fd 是终端时保存它的状态，返回的函数把它恢复，
// 被杀死的交互式 shell 可能把终端留在 raw 模式
func saveTerminal(fd int) (restore func()) {
	if !term.IsTerminal(fd) {
		return func() {}
	}
	state, err := term.GetState(fd)
	if err != nil {
		logrus.Debugf("cannot save terminal state: %v", err)
		return func() {}
	}
	return func() {
		if err := term.Restore(fd, state); err != nil {
			logrus.Debugf("cannot restore terminal state: %v", err)
		}
	}
}
