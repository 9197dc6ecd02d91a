package camera

import "sync"

// Transition はライフサイクル遷移の種類
type Transition string

const (
	TransitionOpen    Transition = "open"
	TransitionStart   Transition = "start"
	TransitionStop    Transition = "stop"
	TransitionClose   Transition = "close"
	TransitionDestroy Transition = "destroy"
)

type transitionRule struct {
	from []DeviceState
	to   DeviceState
	// noop の状態では遷移せずに成功とする
	noop []DeviceState
}

// 遷移表。ここに無い組み合わせは全て StateError
var transitionTable = map[Transition]transitionRule{
	TransitionOpen:    {from: []DeviceState{StateEmpty, StateClosed}, to: StateWaiting},
	TransitionStart:   {from: []DeviceState{StateWaiting}, to: StateRunning},
	TransitionStop:    {from: []DeviceState{StateRunning}, to: StateWaiting, noop: []DeviceState{StateWaiting}},
	TransitionClose:   {from: []DeviceState{StateWaiting, StateRunning}, to: StateClosed, noop: []DeviceState{StateClosed}},
	TransitionDestroy: {from: []DeviceState{StateEmpty, StateClosed, StateWaiting, StateRunning}, to: StateDeleting, noop: []DeviceState{StateDeleting}},
}

// StateMachine はデバイス状態を遷移表に従って管理する
type StateMachine struct {
	mu    sync.RWMutex
	state DeviceState
}

// NewStateMachine は Empty 状態の StateMachine を作成する
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateEmpty}
}

// State は現在の状態を返す
func (m *StateMachine) State() DeviceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Check は遷移 t が現在の状態から可能かを調べる。
// noop が true の場合、遷移は不要で操作は何もせず成功する
func (m *StateMachine) Check(t Transition) (noop bool, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return check(t, m.state)
}

// Apply は遷移 t を実行し、遷移後の状態を返す
func (m *StateMachine) Apply(t Transition) (DeviceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	noop, err := check(t, m.state)
	if err != nil {
		return m.state, err
	}
	if !noop {
		m.state = transitionTable[t].to
	}
	return m.state, nil
}

// Require は現在の状態が states のいずれかであることを確認する
func (m *StateMachine) Require(op string, states ...DeviceState) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if contains(states, m.state) {
		return nil
	}
	return &StateError{Op: op, State: m.state}
}

// RequireOpen は Waiting または Running であることを確認する
func (m *StateMachine) RequireOpen(op string) error {
	return m.Require(op, StateWaiting, StateRunning)
}

func check(t Transition, current DeviceState) (bool, error) {
	rule, ok := transitionTable[t]
	if !ok {
		return false, &StateError{Op: string(t), State: current}
	}
	if contains(rule.noop, current) {
		return true, nil
	}
	if contains(rule.from, current) {
		return false, nil
	}
	return false, &StateError{Op: string(t), State: current}
}

func contains(states []DeviceState, s DeviceState) bool {
	for _, v := range states {
		if v == s {
			return true
		}
	}
	return false
}
