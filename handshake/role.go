package handshake

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// State 是每个角色在握手协议中的状态
type State int

const (
	AwaitingSignal State = iota
	Acting
	Signaling
	Done
	Aborted
)

func (s State) String() string {
	switch s {
	case AwaitingSignal:
		return "awaiting-signal"
	case Acting:
		return "acting"
	case Signaling:
		return "signaling"
	case Done:
		return "done"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// 合法的状态转换，Aborted 可以从任何未结束的状态进入
var transitions = map[State][]State{
	AwaitingSignal: {Acting, Aborted},
	Acting:         {Signaling, Done, Aborted},
	Signaling:      {AwaitingSignal, Acting, Done, Aborted},
}

// Role 记录一个进程角色的握手状态，角色在 fork 时确定之后不会改变
type Role struct {
	Name  string
	state State
	log   *logrus.Entry
}

// NewRole 创建一个处于 initial 状态的角色
func NewRole(name string, initial State) *Role {
	return &Role{
		Name:  name,
		state: initial,
		log:   logrus.WithField("role", name),
	}
}

// State 返回当前状态
func (r *Role) State() State {
	return r.state
}

// Log 返回带有角色字段的日志入口
func (r *Role) Log() *logrus.Entry {
	return r.log
}

// Enter 转换到 next 状态，非法的转换会 panic，这是编程错误
func (r *Role) Enter(next State) {
	for _, s := range transitions[r.state] {
		if s == next {
			r.log.Debugf("%s -> %s", r.state, next)
			r.state = next
			return
		}
	}
	panic(fmt.Sprintf("%s: illegal transition %s -> %s", r.Name, r.state, next))
}

// Abort 进入 Aborted 状态并原样返回 err，已经结束的角色保持不变
func (r *Role) Abort(err error) error {
	if r.state != Done && r.state != Aborted {
		r.log.Debugf("%s -> %s: %v", r.state, Aborted, err)
		r.state = Aborted
	}
	return err
}
