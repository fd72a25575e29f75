package capabilities

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"

	"becomeroot/handshake"
)

// Elevate 把当前线程的能力集提升为完整的 root 能力，exec 之后依然保留。
// 调用者必须已经 runtime.LockOSThread，因为 capset 只作用于当前线程。
//
// 顺序不能改变：
//  1. PR_SET_KEEPCAPS，切换身份时不丢掉能力
//  2. PR_SET_NO_NEW_PRIVS，禁止通过 exec 获得更多权限
//  3. capset 设置 effective/permitted/inheritable
//  4. 逐个提升 ambient，ambient 要求能力已经在 permitted 和 inheritable 中
func Elevate(tok handshake.Token) error {
	if !tok.Valid() {
		return fmt.Errorf("capabilities: elevation requires a completed handshake")
	}

	if err := unix.Prctl(unix.PR_SET_KEEPCAPS, 1, 0, 0, 0); err != nil {
		return os.NewSyscallError("prctl(PR_SET_KEEPCAPS)", err)
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return os.NewSyscallError("prctl(PR_SET_NO_NEW_PRIVS)", err)
	}

	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("capabilities: %w", err)
	}
	caps.Clear(capability.CAPS)
	caps.Set(capability.CAPS, All()...)
	if err := caps.Apply(capability.CAPS); err != nil {
		return os.NewSyscallError("capset", err)
	}

	raised, err := RaiseAmbient(prctlAmbientRaise)
	if err != nil {
		return err
	}
	logrus.Debugf("raised %d ambient capabilities", raised)
	return nil
}

// All 返回内核支持的所有能力
func All() []capability.Cap {
	var caps []capability.Cap
	for _, c := range capability.List() {
		if c > capability.CAP_LAST_CAP {
			continue
		}
		caps = append(caps, c)
	}
	return caps
}

func prctlAmbientRaise(c int) error {
	return unix.Prctl(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_RAISE, uintptr(c), 0, 0)
}

// RaiseAmbient 从 0 开始逐个提升 ambient 能力：EINVAL 表示没有更多的能力，停止；
// EPERM 表示这个能力没有被授予，跳过；其他错误直接返回
func RaiseAmbient(raise func(c int) error) (int, error) {
	raised := 0
	for c := 0; ; c++ {
		err := raise(c)
		switch {
		case err == nil:
			raised++
		case errors.Is(err, unix.EINVAL):
			return raised, nil
		case errors.Is(err, unix.EPERM):
			logrus.Debugf("ambient capability %d not permitted, skipping", c)
		default:
			return raised, os.NewSyscallError(fmt.Sprintf("prctl(PR_CAP_AMBIENT_RAISE, %d)", c), err)
		}
	}
}
