package mapper

import (
	"context"
	"fmt"

	"becomeroot/config"
	"becomeroot/handshake"
	"becomeroot/idmap"
	"becomeroot/network"
)

// IDWriter 为 pid 写入 uid/gid 映射
type IDWriter interface {
	WriteUserGroupMappings(m *idmap.Mapping, pid int) error
}

// keepWriter 是调用者已经是 root 时使用的 IDWriter
type keepWriter struct {
}

func (keepWriter) WriteUserGroupMappings(_ *idmap.Mapping, pid int) error {
	return idmap.CopyMappings(pid)
}

// mappingDone 只能由 writeMappings 产生，有了它才能发送 done
type mappingDone struct {
	pid int
}

// Mapper 在 namespace 外面为 inner 进程写映射，必要时启动网络 helper
type Mapper struct {
	Config *config.Config
	// Pid 是 inner 进程
	Pid    int
	Writer IDWriter

	Ready *handshake.Receiver
	Done  *handshake.Sender
	// Network 为 nil 表示不需要配置网络
	Network *network.Target

	role *handshake.Role
}

// New 创建 Mapper，keep 模式下直接复制映射，否则使用 newuidmap/newgidmap
func New(cfg *config.Config, pid int, ready *handshake.Receiver, done *handshake.Sender) *Mapper {
	var w IDWriter = keepWriter{}
	if !cfg.Mapping.Keep {
		w = &idmap.Writer{NewUIDMap: cfg.Paths.NewUIDMap, NewGIDMap: cfg.Paths.NewGIDMap}
	}
	return &Mapper{
		Config: cfg,
		Pid:    pid,
		Writer: w,
		Ready:  ready,
		Done:   done,
	}
}

// FromPayload 使用 payload 中继承的管道创建 Mapper
func FromPayload(p *config.Payload) (*Mapper, error) {
	if p.Config.Mapping == nil {
		return nil, fmt.Errorf("mapper: no identity mapping")
	}
	if p.TargetPid <= 0 {
		return nil, fmt.Errorf("mapper: invalid target pid %d", p.TargetPid)
	}

	ready, err := handshake.OpenReceiver("ready", p.Fds.Ready)
	if err != nil {
		return nil, err
	}
	done, err := handshake.OpenSender("done", p.Fds.Done)
	if err != nil {
		ready.Close()
		return nil, err
	}
	m := New(&p.Config, p.TargetPid, ready, done)

	if p.Config.Spec.Network {
		t := &network.Target{
			Pid:       p.TargetPid,
			Helper:    orDefault(p.Config.Paths.NetworkHelper, config.DefaultNetworkHelper),
			TapDevice: orDefault(p.Config.Paths.TapDevice, config.DefaultTapDevice),
		}
		if t.Ready, err = handshake.OpenReceiver("network-ready", p.Fds.NetworkReady); err != nil {
			m.close()
			return nil, err
		}
		if t.Notify, err = handshake.OpenSender("network-notify", p.Fds.NetworkNotify); err != nil {
			t.Ready.Close()
			m.close()
			return nil, err
		}
		if t.Control, err = handshake.OpenReceiver("network-control", p.Fds.NetworkControl); err != nil {
			t.Ready.Close()
			t.Notify.Close()
			m.close()
			return nil, err
		}
		m.Network = t
	}
	return m, nil
}

// Run 等待 inner 就绪，写入 uid 和 gid 映射，配置网络，最后发送 done。
// 任何一步失败都不会发送 done，inner 读到 EOF 之后会自己退出。
func (m *Mapper) Run(ctx context.Context) error {
	m.role = handshake.NewRole("mapper", handshake.AwaitingSignal)
	defer m.close()

	if _, err := m.Ready.Wait(ctx); err != nil {
		return m.role.Abort(err)
	}
	m.role.Enter(handshake.Acting)

	tok, err := m.writeMappings()
	if err != nil {
		return m.role.Abort(err)
	}

	if m.Network != nil {
		if err := network.Connect(ctx, network.DefaultDriver, m.Network); err != nil {
			return m.role.Abort(err)
		}
	}

	m.role.Enter(handshake.Signaling)
	if err := m.signal(tok); err != nil {
		return m.role.Abort(err)
	}
	m.role.Enter(handshake.Done)
	return nil
}

func (m *Mapper) writeMappings() (mappingDone, error) {
	if err := m.Writer.WriteUserGroupMappings(m.Config.Mapping, m.Pid); err != nil {
		return mappingDone{}, fmt.Errorf("cannot write id mappings for %d: %w", m.Pid, err)
	}
	m.role.Log().Debugf("wrote id mappings for %d", m.Pid)
	return mappingDone{pid: m.Pid}, nil
}

func (m *Mapper) signal(tok mappingDone) error {
	if tok.pid != m.Pid {
		return fmt.Errorf("mapper: mappings were not written for %d", m.Pid)
	}
	return m.Done.Signal()
}

func (m *Mapper) close() {
	m.Ready.Close()
	m.Done.Close()
	if m.Network != nil {
		m.Network.Ready.Close()
		m.Network.Notify.Close()
		m.Network.Control.Close()
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
