package idmap

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
)

const (
	DefaultSubUIDFile = "/etc/subuid"
	DefaultSubGIDFile = "/etc/subgid"
)

// ErrNoRange 表示在 subuid/subgid 文件中找不到调用者的条目
var ErrNoRange = errors.New("no subordinate id range")

// Range 是一段连续的从属 ID
type Range struct {
	Start uint32 `json:"start"`
	Count uint32 `json:"count"`
}

// Mapping 是启动时解析好的身份映射，解析之后不再改变
type Mapping struct {
	UID int `json:"uid"`
	GID int `json:"gid"`

	SubUID Range `json:"subuid"`
	SubGID Range `json:"subgid"`

	// Keep 表示调用者已经是 root，直接复制当前的映射表
	Keep bool `json:"keep"`
}

// Resolver 从 subuid/subgid 文件中查找调用者的从属 ID 段
type Resolver struct {
	SubUIDFile string
	SubGIDFile string

	// LookupName 根据 uid 找到登录名，为 nil 时使用 os/user
	LookupName func(uid int) (string, error)
}

// Resolve 解析 uid/gid 的身份映射，uid 为 0 时进入 keep 模式，不需要从属 ID
func (r *Resolver) Resolve(uid, gid int) (*Mapping, error) {
	m := &Mapping{UID: uid, GID: gid}
	if uid == 0 {
		m.Keep = true
		return m, nil
	}

	lookup := r.LookupName
	if lookup == nil {
		lookup = lookupName
	}
	name, err := lookup(uid)
	if err != nil {
		return nil, fmt.Errorf("cannot find the user %d: %w", uid, err)
	}

	m.SubUID, err = findRange(orDefault(r.SubUIDFile, DefaultSubUIDFile), name, uid)
	if err != nil {
		return nil, fmt.Errorf("cannot read subuid file or find the user: %w", err)
	}

	// subgid 同样按用户名或 uid 查找，newgidmap 也是这样检查的
	m.SubGID, err = findRange(orDefault(r.SubGIDFile, DefaultSubGIDFile), name, uid)
	if err != nil {
		return nil, fmt.Errorf("cannot read subgid file or find the user: %w", err)
	}
	return m, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func lookupName(uid int) (string, error) {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

// findRange 返回 fname 中第一个属于 name 或 uid 的条目，格式为 name-or-uid:start:count
func findRange(fname, name string, uid int) (Range, error) {
	f, err := os.Open(fname)
	if err != nil {
		return Range{}, err
	}
	defer f.Close()

	id := strconv.Itoa(uid)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		//跳过注释
		s := strings.SplitN(scanner.Text(), "#", 2)
		line := strings.TrimSpace(s[0])
		if line == "" {
			continue
		}

		fields := strings.Split(line, ":")
		if len(fields) < 3 {
			return Range{}, fmt.Errorf("unexpected values in %q: %q", fname, line)
		}
		if fields[0] != name && fields[0] != id {
			continue
		}

		start, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return Range{}, fmt.Errorf("invalid start in %q: %q", fname, line)
		}
		count, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return Range{}, fmt.Errorf("invalid count in %q: %q", fname, line)
		}
		if count == 0 {
			continue
		}
		return Range{Start: uint32(start), Count: uint32(count)}, nil
	}
	if err := scanner.Err(); err != nil {
		return Range{}, err
	}
	return Range{}, fmt.Errorf("%w for %q in %s", ErrNoRange, name, fname)
}
