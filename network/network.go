package network

import (
	"context"
	"fmt"
	"sort"

	"becomeroot/handshake"
)

// DefaultDriver 是 -N 使用的驱动
const DefaultDriver = "slirp4netns"

var drivers = map[string]Configurator{}

// Target 是需要配置网络的 namespace 以及和 helper 之间的管道
type Target struct {
	// Pid 是 network namespace 中的 inner 进程
	Pid int
	// Helper 是 helper 程序的路径
	Helper    string
	TapDevice string

	// Ready 由 mapper 持有，helper 就绪时从 Notify 写入一个字节
	Ready  *handshake.Receiver
	Notify *handshake.Sender
	// Control 是控制管道的读端，写端留在最终的 workload 中，关闭时 helper 退出
	Control *handshake.Receiver
}

// Configurator 网络配置驱动
type Configurator interface {
	Name() string                                 //驱动名
	Connect(ctx context.Context, t *Target) error //启动 helper 并等待就绪
}

func init() {
	register(&SlirpDriver{})
}

func register(d Configurator) {
	drivers[d.Name()] = d
}

// Drivers 返回已注册的驱动名
func Drivers() []string {
	var names []string
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connect 使用名为 driver 的驱动配置 t 的网络
func Connect(ctx context.Context, driver string, t *Target) error {
	d, ok := drivers[driver]
	if !ok {
		return fmt.Errorf("no such network driver: %s", driver)
	}
	return d.Connect(ctx, t)
}
