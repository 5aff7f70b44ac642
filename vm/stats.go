package ionvm

/*
	Reduction/mailbox metrics. The counters stay sync/atomic values
	snapshot through Stats() rather than pushed anywhere — this core has
	no metrics exporter to report to.
*/

import "sync/atomic"

// Stats is a point-in-time snapshot of a Scheduler's (or
// MultiScheduler's) owned counters.
type Stats struct {
	ProcessesAlive    int64
	TotalReductions   uint64
	MessagesDelivered uint64
	SchedulerPasses   uint64
}

// statCounters is the atomically-maintained counter set a Scheduler embeds.
type statCounters struct {
	processesAlive    atomic.Int64
	totalReductions   atomic.Uint64
	messagesDelivered atomic.Uint64
	schedulerPasses   atomic.Uint64
}

func (c *statCounters) snapshot() Stats {
	return Stats{
		ProcessesAlive:    c.processesAlive.Load(),
		TotalReductions:   c.totalReductions.Load(),
		MessagesDelivered: c.messagesDelivered.Load(),
		SchedulerPasses:   c.schedulerPasses.Load(),
	}
}

func addStats(dst *Stats, src Stats) {
	dst.ProcessesAlive += src.ProcessesAlive
	dst.TotalReductions += src.TotalReductions
	dst.MessagesDelivered += src.MessagesDelivered
	dst.SchedulerPasses += src.SchedulerPasses
}
