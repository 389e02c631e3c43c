// Package demux implements the realtime MPEG-2 transport stream demuxer
// and output router described in spec §2 and §4.6: a single event-loop
// driven [Engine] that tracks PSI state, selects per-output PID sets, and
// fans out every incoming transport packet to its subscribing outputs.
//
// Engine is the encapsulated replacement for DVBlast's dozens of
// module-level globals (spec §9's "Global mutable state" redesign note):
// every piece of demuxer state — the PID table, service registry, table
// trackers, output vector, CA coordinator — is a field constructed once by
// [New] and torn down with the process, rather than package-level state.
package demux
