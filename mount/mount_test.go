package mount

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"

	"becomeroot/config"
	"becomeroot/namespace"
)

func TestPlanOrder(t *testing.T) {
	spec := config.NamespaceSpec{MountProc: true, MountSys: true, MountCgroup: true}.Normalize()

	var targets []string
	for _, p := range Plan(spec) {
		targets = append(targets, p.Target)
	}
	assert.Equal(t, []string{"/", "/proc", "/sys", "/sys/fs/cgroup"}, targets)
}

func TestPlanPrivateRoot(t *testing.T) {
	points := Plan(config.NamespaceSpec{Namespaces: namespace.NewSet(namespace.Mount)})
	assert.Len(t, points, 1)
	assert.Equal(t, uintptr(unix.MS_REC|unix.MS_PRIVATE), points[0].Flags)
}

func TestPlanNothing(t *testing.T) {
	assert.Empty(t, Plan(config.NamespaceSpec{Namespaces: namespace.NewSet(namespace.PID)}))
}

const mountinfo = `22 1 8:1 / / rw,relatime shared:1 - ext4 /dev/sda1 rw
23 22 0:21 / /proc rw,nosuid,nodev,noexec,relatime shared:12 - proc proc rw
24 22 0:22 / /sys rw,nosuid,nodev,noexec,relatime shared:2 - sysfs sysfs rw
25 24 0:23 / /sys/fs/cgroup rw,nosuid,nodev,noexec,relatime shared:4 - cgroup2 cgroup2 rw,nsdelegate
`

func TestFindMountpoint(t *testing.T) {
	assert.Equal(t, "/sys/fs/cgroup", findMountpoint(strings.NewReader(mountinfo), "cgroup2"))
	assert.Equal(t, "/proc", findMountpoint(strings.NewReader(mountinfo), "proc"))
	assert.Equal(t, "", findMountpoint(strings.NewReader(mountinfo), "tmpfs"))
}
