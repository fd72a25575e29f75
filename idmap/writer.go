package idmap

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/sirupsen/logrus"
)

const (
	DefaultNewUIDMap = "/usr/bin/newuidmap"
	DefaultNewGIDMap = "/usr/bin/newgidmap"
)

// Writer 调用外部的 newuidmap/newgidmap 写入子进程的映射表
type Writer struct {
	NewUIDMap string
	NewGIDMap string
}

// WriterArgs 返回映射程序的参数: PID 0 HOST_ID 1 1 FIRST_SUBID N_SUBIDS
func WriterArgs(pid, hostID int, r Range) []string {
	return []string{
		strconv.Itoa(pid),
		"0", strconv.Itoa(hostID), "1",
		"1", strconv.FormatUint(uint64(r.Start), 10), strconv.FormatUint(uint64(r.Count), 10),
	}
}

// WriteUserGroupMappings 先写 uid 再写 gid，每次都等待外部程序退出
func (w *Writer) WriteUserGroupMappings(m *Mapping, pid int) error {
	if err := run(orDefault(w.NewUIDMap, DefaultNewUIDMap), WriterArgs(pid, m.UID, m.SubUID)); err != nil {
		return err
	}
	return run(orDefault(w.NewGIDMap, DefaultNewGIDMap), WriterArgs(pid, m.GID, m.SubGID))
}

func run(program string, args []string) error {
	logrus.Debugf("running %s", shellquote.Join(append([]string{program}, args...)...))

	out, err := exec.Command(program, args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return fmt.Errorf("%s: %w: %s", program, err, msg)
		}
		return fmt.Errorf("%s: %w", program, err)
	}
	return nil
}

// CopyMappings 是 keep 模式：把当前进程自己的 uid_map/gid_map 原样复制给 pid
func CopyMappings(pid int) error {
	for _, kind := range []string{"uid_map", "gid_map"} {
		self, err := ReadProcMap("/proc/self/" + kind)
		if err != nil {
			return err
		}
		target := fmt.Sprintf("/proc/%d/%s", pid, kind)
		if err := WriteProcMap(target, Rebase(self)); err != nil {
			return err
		}
	}
	return nil
}
