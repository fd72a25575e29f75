package network

import (
	"fmt"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// CheckTarget 确认 pid 在一个和当前进程不同的 network namespace 中
func CheckTarget(pid int) error {
	self, err := netns.Get()
	if err != nil {
		return fmt.Errorf("cannot get current network namespace: %w", err)
	}
	defer self.Close()

	target, err := netns.GetFromPid(pid)
	if err != nil {
		return fmt.Errorf("cannot get network namespace of %d: %w", pid, err)
	}
	defer target.Close()

	if self.Equal(target) {
		return fmt.Errorf("process %d shares our network namespace %s", pid, self.UniqueId())
	}
	return nil
}

// SetLoopbackUp 启动新 network namespace 中的 lo，等价于 ip link set lo up
func SetLoopbackUp() error {
	return setInterfaceUp("lo")
}

// 设置网络接口为up状态
func setInterfaceUp(name string) error {
	//通过netlink的LinkByName方法找到需要设置得网络接口
	iface, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("error get interface %s: %v", name, err)
	}

	//通过netlink的LinkSetUp方法设置网络接口为up状态
	if err := netlink.LinkSetUp(iface); err != nil {
		return fmt.Errorf("error set interface %s up: %v", name, err)
	}
	return nil
}
