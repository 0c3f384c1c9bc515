package ui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/franksops/gridxfer/engine"
)

// Sender is satisfied by *tea.Program.
type Sender interface {
	Send(msg tea.Msg)
}

// ProgramListener forwards manager events into a running bubbletea program.
type ProgramListener struct {
	s Sender
}

var _ engine.Listener = (*ProgramListener)(nil)

func NewProgramListener(s Sender) *ProgramListener {
	return &ProgramListener{s: s}
}

func (l *ProgramListener) RunningStatusChanged(s engine.RunningStatus) {
	l.s.Send(RunningStatusMsg(s))
}

func (l *ProgramListener) ErrorStatusChanged(s engine.ErrorStatus) {
	l.s.Send(ErrorStatusMsg(s))
}

func (l *ProgramListener) ItemStatus(s engine.TransferStatus) {
	l.s.Send(ItemStatusMsg(s))
}

func (l *ProgramListener) OverallStatus(s engine.TransferStatus) {
	l.s.Send(OverallStatusMsg(s))
}
