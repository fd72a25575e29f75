package idmap

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Entry 是 uid_map/gid_map 中的一行：namespace 内 ID、父 namespace 中的 ID、长度
type Entry struct {
	NsID   uint32
	HostID uint32
	Length uint32
}

func (e Entry) String() string {
	return fmt.Sprintf("%d %d %d", e.NsID, e.HostID, e.Length)
}

// ReadProcMap 读取 /proc/PID/uid_map 或 gid_map
func ReadProcMap(fname string) ([]Entry, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, err := ParseProcMap(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fname, err)
	}
	return entries, nil
}

// ParseProcMap 解析内核输出的映射表，每行三列，列之间可能有多个空格
func ParseProcMap(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return nil, fmt.Errorf("line %q has %d fields, not 3", scanner.Text(), len(fields))
		}

		var vals [3]uint32
		for i, field := range fields {
			v, err := strconv.ParseUint(field, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("parsing %q in line %q: %w", field, scanner.Text(), err)
			}
			vals[i] = uint32(v)
		}
		entries = append(entries, Entry{NsID: vals[0], HostID: vals[1], Length: vals[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("namespace doesn't have any map set")
	}
	return entries, nil
}

// Rebase 把当前进程自己的映射表转换成写给子 namespace 的映射表。
// 对子 namespace 来说，父 namespace 中的 ID 就是我们这一侧的 NsID，
// 新的 NsID 从 0 开始按长度累加。
func Rebase(self []Entry) []Entry {
	out := make([]Entry, 0, len(self))
	var offset uint32
	for _, e := range self {
		out = append(out, Entry{NsID: offset, HostID: e.NsID, Length: e.Length})
		offset += e.Length
	}
	return out
}

// Format 把映射表序列化成内核要求的格式，必须一次写入
func Format(entries []Entry) []byte {
	var b bytes.Buffer
	for _, e := range entries {
		fmt.Fprintf(&b, "%s\n", e)
	}
	return b.Bytes()
}

// WriteProcMap 把 entries 写入 fname (/proc/PID/uid_map 或 gid_map)
func WriteProcMap(fname string, entries []Entry) error {
	f, err := os.OpenFile(fname, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(Format(entries)); err != nil {
		return fmt.Errorf("writing %s: %w", fname, err)
	}
	return nil
}
