package container

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"

	"becomeroot/config"
	"becomeroot/handshake"
)

// 阶段命令，都是隐藏的内部命令，禁止外部调用
const (
	InitStage     = "become-root-init"
	MapperStage   = "become-root-mapper"
	WorkloadStage = "become-root-workload"
)

// Stages 返回所有阶段命令名
func Stages() []string {
	return []string{InitStage, MapperStage, WorkloadStage}
}

/*
Process 是通过 /proc/self/exe 重新执行自己得到的阶段进程
1.args 的第一个参数是阶段命令，调用对应的隐藏命令去初始化
2.ExtraFiles 的第一个文件是 bootstrap 管道的读端，也就是子进程的 fd 3，
Start 之后父进程把 Payload 写进去
3.后面的文件是这个阶段持有的握手管道，它们在子进程中的编号记录在 Fds 里
*/
type Process struct {
	*exec.Cmd
	Fds config.Fds

	bootstrap *os.File
	child     *os.File
}

func newProcess(stage string) (*Process, error) {
	readPipe, writePipe, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("new pipe error: %w", err)
	}
	cmd := exec.Command("/proc/self/exe", stage, strconv.Itoa(config.BootstrapFd))
	cmd.ExtraFiles = []*os.File{readPipe}
	return &Process{
		Cmd:       cmd,
		Fds:       config.NoFds(),
		bootstrap: writePipe,
		child:     readPipe,
	}, nil
}

// pass 把 f 交给子进程，返回它在子进程中的编号
func (p *Process) pass(f *os.File) int {
	p.ExtraFiles = append(p.ExtraFiles, f)
	return len(p.ExtraFiles) + 2
}

// Start 启动进程并写入 Payload。无论成功与否，子进程那一端的 bootstrap 管道都会被关闭
func (p *Process) Start(cfg *config.Config, targetPid int) error {
	if err := p.Cmd.Start(); err != nil {
		p.child.Close()
		p.bootstrap.Close()
		return err
	}
	p.child.Close()

	payload := &config.Payload{Config: *cfg, Fds: p.Fds, TargetPid: targetPid}
	return config.WritePayload(p.bootstrap, payload)
}

// NewInnerProcess 创建 inner 进程，一次 clone 创建所有请求的 namespace。
// control 不为 nil 时，网络 helper 控制管道的写端交给 inner，最终留在 workload 里。
func NewInnerProcess(spec config.NamespaceSpec, ready *handshake.Sender, done *handshake.Receiver, control *handshake.Sender) (*Process, error) {
	logrus.Debugf("NewInnerProcess: namespaces %s", spec.Namespaces)

	p, err := newProcess(InitStage)
	if err != nil {
		return nil, err
	}
	p.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: spec.Namespaces.Cloneflags(),
		// 父进程退出时 inner 也要退出
		Pdeathsig: syscall.SIGKILL,
	}
	p.Stdin = os.Stdin
	p.Stdout = os.Stdout
	p.Stderr = os.Stderr

	p.Fds.Ready = p.pass(ready.File())
	p.Fds.Done = p.pass(done.File())
	if control != nil {
		p.Fds.NetworkControl = p.pass(control.File())
	}
	return p, nil
}

// NetworkPipes 是 mapper 交给网络 helper 的管道
type NetworkPipes struct {
	Ready   *handshake.Receiver
	Notify  *handshake.Sender
	Control *handshake.Receiver
}

// NewMapperProcess 创建 mapper 进程，它留在所有 namespace 之外。
// mapper 不使用标准输入输出，只把日志写到 stderr
func NewMapperProcess(ready *handshake.Receiver, done *handshake.Sender, net *NetworkPipes) (*Process, error) {
	p, err := newProcess(MapperStage)
	if err != nil {
		return nil, err
	}
	p.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
	p.Stderr = os.Stderr

	p.Fds.Ready = p.pass(ready.File())
	p.Fds.Done = p.pass(done.File())
	if net != nil {
		p.Fds.NetworkReady = p.pass(net.Ready.File())
		p.Fds.NetworkNotify = p.pass(net.Notify.File())
		p.Fds.NetworkControl = p.pass(net.Control.File())
	}
	return p, nil
}

// newWorkloadProcess 创建 namespace init 的子进程，它在收到 start 之后成为 workload
func newWorkloadProcess(start *handshake.Receiver, control *handshake.Sender) (*Process, error) {
	p, err := newProcess(WorkloadStage)
	if err != nil {
		return nil, err
	}
	p.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
	p.Stdin = os.Stdin
	p.Stdout = os.Stdout
	p.Stderr = os.Stderr

	p.Fds.Start = p.pass(start.File())
	if control != nil {
		p.Fds.NetworkControl = p.pass(control.File())
	}
	return p, nil
}
