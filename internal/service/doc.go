// Package service runs collection episodes.
//
// An episode is a single run of a fresh engine.Engine over the jobs of all
// configured inputs:
//
//	Supervisor          Collector                 Engine
//	    |                   |                        |
//	  start ------------> Collect()                  |
//	    |                   | sinks, registry, jobs  |
//	    |                   | Start(ctx, jobs) ----->| ReportJob -> PollJob ... -> EmitJob
//	    |                   |<-----------------------| no work left / shutdown
//	    |                   | close sinks            |
//	    |<---- Episode -----|                        |
//
// The Supervisor runs a single episode in manual mode. In timer mode a
// gocron scheduler triggers episodes; triggers arriving while an episode
// runs are coalesced, so episodes never overlap.
//
// Cancelling the context of Supervisor.Do shuts the running engine down and
// waits for its teardown.
package service
