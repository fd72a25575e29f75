package mount

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// FindMountpoint 通过 /proc/self/mountinfo 找出第一个文件系统类型为 fstype 的挂载点
func FindMountpoint(fstype string) string {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return ""
	}
	defer f.Close()

	return findMountpoint(f, fstype)
}

// mountinfo 的格式为:
// 36 35 98:0 /mnt1 /mnt2 rw,noatime master:1 - ext3 /dev/root rw,errors=continue
// 分隔符 "-" 之后的第一个字段是文件系统类型，第5个字段是挂载点
func findMountpoint(r io.Reader, fstype string) string {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), " ")
		if len(fields) < 5 {
			continue
		}
		for i, field := range fields {
			if field == "-" && i+1 < len(fields) {
				if fields[i+1] == fstype {
					return fields[4]
				}
				break
			}
		}
	}
	return ""
}
