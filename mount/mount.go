package mount

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"becomeroot/config"
	"becomeroot/namespace"
)

//MS_NOEXEC 在本文件系统中不允许运行其他程序
//MS_NOSUID 在本系统中运行程序的时候，不允许set-user-ID或set-group-ID
//MS_NODEV 不允许访问设备文件
const defaultMountFlags = unix.MS_NOEXEC | unix.MS_NOSUID | unix.MS_NODEV

// Point 是一次挂载
type Point struct {
	Source string
	Target string
	FSType string
	Flags  uintptr
}

// Plan 按顺序返回需要执行的挂载，mount namespace 中首先把 / 设置为私有
func Plan(spec config.NamespaceSpec) []Point {
	var points []Point
	if spec.Namespaces.Has(namespace.Mount) {
		points = append(points, Point{Target: "/", Flags: unix.MS_REC | unix.MS_PRIVATE})
	}
	if spec.MountProc {
		points = append(points, Point{Source: "proc", Target: "/proc", FSType: "proc", Flags: defaultMountFlags})
	}
	if spec.MountSys {
		points = append(points, Point{Source: "sysfs", Target: "/sys", FSType: "sysfs", Flags: defaultMountFlags})
	}
	if spec.MountCgroup {
		points = append(points, Point{Source: "cgroup2", Target: "/sys/fs/cgroup", FSType: "cgroup2", Flags: defaultMountFlags})
	}
	return points
}

// Setup 依次执行挂载，任何一个失败都直接返回
func Setup(spec config.NamespaceSpec) error {
	if spec.MountCgroup {
		if mp := FindMountpoint("cgroup2"); mp != "" {
			logrus.Debugf("cgroup2 currently mounted at %s", mp)
		}
	}

	for _, p := range Plan(spec) {
		if p.FSType != "" {
			if err := os.MkdirAll(p.Target, 0755); err != nil {
				return fmt.Errorf("mkdir %s: %w", p.Target, err)
			}
		}
		if err := unix.Mount(p.Source, p.Target, p.FSType, p.Flags, ""); err != nil {
			return fmt.Errorf("mount %s on %s: %w", describe(p), p.Target, err)
		}
		logrus.Debugf("mounted %s on %s", describe(p), p.Target)
	}
	return nil
}

func describe(p Point) string {
	if p.FSType == "" {
		return "(propagation)"
	}
	return p.FSType
}
