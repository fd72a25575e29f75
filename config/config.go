package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"becomeroot/idmap"
	"becomeroot/namespace"
)

const (
	// BootstrapFd 是新启动的阶段进程读取 Payload 的管道，也就是 ExtraFiles 的第一个。
	// 通过 exec 替换自身时管道编号会作为参数传过去
	BootstrapFd = 3

	DefaultNetworkHelper = "slirp4netns"
	DefaultTapDevice     = "tap0"
)

// NamespaceSpec 描述要创建的 namespace 以及创建之后的动作，构造之后只读
type NamespaceSpec struct {
	Namespaces namespace.Set `json:"namespaces"`

	MountProc   bool `json:"mount_proc"`
	MountSys    bool `json:"mount_sys"`
	MountCgroup bool `json:"mount_cgroup"`
	// Network 表示需要运行外部的网络 helper
	Network    bool `json:"network"`
	KeepGroups bool `json:"keep_groups"`
	Reaper     bool `json:"reaper"`
}

// AllWithFreshMounts 是 -A: 所有 namespace，加上新的 /proc 和 /sys
func AllWithFreshMounts() NamespaceSpec {
	return NamespaceSpec{
		Namespaces: namespace.All,
		MountProc:  true,
		MountSys:   true,
	}
}

// Normalize 补全隐含的 namespace：挂载需要 mount namespace，
// helper 需要 network namespace，reaper 需要 pid namespace
func (s NamespaceSpec) Normalize() NamespaceSpec {
	s.Namespaces = s.Namespaces.Add(namespace.User)
	if s.MountProc || s.MountSys || s.MountCgroup {
		s.Namespaces = s.Namespaces.Add(namespace.Mount)
	}
	if s.Network {
		s.Namespaces = s.Namespaces.Add(namespace.Network)
	}
	if s.Reaper {
		s.Namespaces = s.Namespaces.Add(namespace.PID)
	}
	return s
}

// Paths 是外部程序的路径，可以通过环境变量覆盖
type Paths struct {
	NewUIDMap     string `json:"newuidmap"`
	NewGIDMap     string `json:"newgidmap"`
	NetworkHelper string `json:"network_helper"`
	TapDevice     string `json:"tap_device"`
	SubUIDFile    string `json:"subuid_file"`
	SubGIDFile    string `json:"subgid_file"`
}

// Config 是一次调用的全部配置，显式地传给每个组件和每个阶段进程
type Config struct {
	Spec    NamespaceSpec  `json:"spec"`
	Mapping *idmap.Mapping `json:"mapping"`
	Paths   Paths          `json:"paths"`
	// Command 为空时使用 Shell
	Command  []string `json:"command"`
	Shell    string   `json:"shell"`
	LogLevel string   `json:"log_level"`
}

// Argv 返回最终要 exec 的命令
func (c *Config) Argv() ([]string, error) {
	if len(c.Command) > 0 {
		return c.Command, nil
	}
	if c.Shell != "" {
		return splitShell(c.Shell)
	}
	return nil, fmt.Errorf("please specify a command")
}

// Fds 是阶段进程继承的文件描述符编号，-1 表示没有
type Fds struct {
	Ready          int `json:"ready"`
	Done           int `json:"done"`
	Start          int `json:"start"`
	NetworkReady   int `json:"network_ready"`
	NetworkNotify  int `json:"network_notify"`
	NetworkControl int `json:"network_control"`
}

// NoFds 返回全部为 -1 的 Fds
func NoFds() Fds {
	return Fds{Ready: -1, Done: -1, Start: -1, NetworkReady: -1, NetworkNotify: -1, NetworkControl: -1}
}

// Payload 是父进程通过 bootstrap 管道交给阶段进程的全部内容
type Payload struct {
	Config Config `json:"config"`
	Fds    Fds    `json:"fds"`
	// TargetPid 是 mapper 需要写映射的 inner 进程
	TargetPid int `json:"target_pid,omitempty"`
}

// WritePayload 把 payload 写入管道然后关闭，子进程读到 EOF 就表示读完了
func WritePayload(w io.WriteCloser, p *Payload) error {
	defer w.Close()
	return EncodePayload(w, p)
}

// EncodePayload 把 payload 写入 w，不关闭 w
func EncodePayload(w io.Writer, p *Payload) error {
	if err := json.NewEncoder(w).Encode(p); err != nil {
		return fmt.Errorf("cannot write payload: %w", err)
	}
	return nil
}

// ReadPayload 从 fd 读取 Payload，读完之后关闭 fd
func ReadPayload(fd int) (*Payload, error) {
	pipe := os.NewFile(uintptr(fd), "bootstrap")
	defer pipe.Close()

	msg, err := io.ReadAll(pipe)
	if err != nil {
		return nil, fmt.Errorf("init read pipe error: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(msg, &p); err != nil {
		return nil, fmt.Errorf("cannot decode payload: %w", err)
	}
	return &p, nil
}
