package namespace

import (
	"fmt"
	"os"
	"strings"
	"syscall"
)

// Kind 表示一种可以被创建的 namespace
type Kind uint

const (
	//1.User Namespace 隔离用户和用户组 ID，每次都会创建
	User Kind = iota
	//2.Mount Namespace 隔离各个进程看到的挂载点视图
	Mount
	//3.Network Namespace 隔离网络设备、IP 地址、端口等
	Network
	//4.IPC Namespace 隔离 System V IPC 和 POSIX message queues
	IPC
	//5.PID Namespace 隔离进程 ID
	PID
	//6.UTS Namespace 隔离 hostname 和 domainname
	UTS
	//7.Cgroup Namespace 隔离 cgroup 根目录视图
	Cgroup

	kindCount
)

var kindInfo = [kindCount]struct {
	name  string
	proc  string
	clone uintptr
}{
	User:    {"user", "user", syscall.CLONE_NEWUSER},
	Mount:   {"mount", "mnt", syscall.CLONE_NEWNS},
	Network: {"network", "net", syscall.CLONE_NEWNET},
	IPC:     {"ipc", "ipc", syscall.CLONE_NEWIPC},
	PID:     {"pid", "pid", syscall.CLONE_NEWPID},
	UTS:     {"uts", "uts", syscall.CLONE_NEWUTS},
	Cgroup:  {"cgroup", "cgroup", syscall.CLONE_NEWCGROUP},
}

// Kinds 按 clone 顺序返回所有 namespace 类型
func Kinds() []Kind {
	kinds := make([]Kind, 0, kindCount)
	for k := Kind(0); k < kindCount; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

func (k Kind) String() string {
	if k >= kindCount {
		return fmt.Sprintf("Kind(%d)", uint(k))
	}
	return kindInfo[k].name
}

// ProcName 返回 /proc/PID/ns 下对应的文件名
func (k Kind) ProcName() string {
	return kindInfo[k].proc
}

// Set 使用位图来表示一组 namespace 类型，User 总是包含在内
type Set uint

const (
	// All 是所有可以创建的 namespace
	All Set = 1<<kindCount - 1
)

// NewSet 创建一个包含 User 和 kinds 的集合
func NewSet(kinds ...Kind) Set {
	s := Set(1 << User)
	for _, k := range kinds {
		s = s.Add(k)
	}
	return s
}

// Add 返回加入了 k 的新集合
func (s Set) Add(k Kind) Set {
	return s | 1<<k
}

// Has 判断集合中是否包含 k
func (s Set) Has(k Kind) bool {
	return s&(1<<k) != 0
}

// Kinds 返回集合中的 namespace 类型
func (s Set) Kinds() []Kind {
	var kinds []Kind
	for _, k := range Kinds() {
		if s.Has(k) {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Cloneflags 把集合转换成一次 clone 所需的全部 CLONE_NEW* 标志
func (s Set) Cloneflags() uintptr {
	var flags uintptr
	for _, k := range s.Kinds() {
		flags |= kindInfo[k].clone
	}
	return flags
}

func (s Set) String() string {
	var names []string
	for _, k := range s.Kinds() {
		names = append(names, k.String())
	}
	return strings.Join(names, ",")
}

// ID 读取进程 pid 的 namespace 标识，例如 "net:[4026531840]"，pid 为 0 时表示当前进程
func ID(pid int, k Kind) (string, error) {
	p := "self"
	if pid != 0 {
		p = fmt.Sprint(pid)
	}
	return os.Readlink(fmt.Sprintf("/proc/%s/ns/%s", p, k.ProcName()))
}
