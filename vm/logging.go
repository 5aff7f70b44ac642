package ionvm

/*
	Structured, leveled debug logging: one line per spawn, process exit,
	and receive timeout. Sends, receives and per-pass scheduling decisions
	are not logged.

	debug=false installs zap.NewNop() so every call site below stays
	unconditional: SugaredLogger.Debugw on a nop core costs a few function
	calls, never a string allocation.
*/

import (
	"github.com/davecgh/go-spew/spew"
	"go.uber.org/zap"
)

func newSchedulerLogger(debug bool) *zap.SugaredLogger {
	if !debug {
		return zap.NewNop().Sugar()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		// zap.NewDevelopment only fails on a broken encoder/sink config,
		// which this fixed construction never hits; fall back to a nop
		// rather than let a logging failure take the scheduler down with it.
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}

// DumpProcess renders a structured snapshot of one process's frames,
// registers and mailbox; VM.Dump returns it.
func DumpProcess(p *Process) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := struct {
		Pid     Pid
		Status  Status
		Alive   bool
		Mailbox []Value
		Frames  []frameSnapshot
	}{
		Pid:     p.Pid,
		Status:  p.status,
		Alive:   p.Alive,
		Mailbox: p.Mailbox,
	}
	for _, f := range p.Stack {
		snap.Frames = append(snap.Frames, frameSnapshot{
			FuncName: f.Fn.Name,
			IP:       f.IP,
			Regs:     f.Regs,
		})
	}
	return spew.Sdump(snap)
}

type frameSnapshot struct {
	FuncName string
	IP       int
	Regs     []Value
}
