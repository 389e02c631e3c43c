// Package ca implements the outbound conditional-access coordinator
// boundary of spec §4.9: notifying an external CAM of PMT add/update/
// delete for services that need descrambling, and replaying adds on a CAM
// reset. The EN 50221 transport/session/MMI state machine itself is out of
// scope (spec §1) — this package is the interface and the add/update/
// delete decision rule only.
package ca

import "github.com/zsiec/dvbroute/internal/table"

// Coordinator is the interface the demuxer drives; a concrete EN 50221
// session implementation lives outside this repo's core.
type Coordinator interface {
	AddPMT(sid uint16, pmt table.PMT) error
	UpdatePMT(sid uint16, pmt table.PMT) error
	DeletePMT(sid uint16) error
}

// Tracker applies spec §4.9's decision rule: add on first subscriber,
// update while subscribed and the PMT changes, delete when the last
// subscriber leaves, and replay every currently-descrambling service's
// add on Reset.
type Tracker struct {
	coord       Coordinator
	subscribers map[uint16]int // sid -> count of outputs currently selecting it
	current     map[uint16]table.PMT
}

// NewTracker returns a Tracker driving coord.
func NewTracker(coord Coordinator) *Tracker {
	return &Tracker{
		coord:       coord,
		subscribers: make(map[uint16]int),
		current:     make(map[uint16]table.PMT),
	}
}

// Subscribe registers one more output selecting sid's descrambled service,
// calling AddPMT the first time any output subscribes.
func (t *Tracker) Subscribe(sid uint16, pmt table.PMT) error {
	t.subscribers[sid]++
	if t.subscribers[sid] == 1 {
		t.current[sid] = pmt
		return t.coord.AddPMT(sid, pmt)
	}
	return nil
}

// Unsubscribe removes one output's selection of sid, calling DeletePMT once
// the last subscriber leaves.
func (t *Tracker) Unsubscribe(sid uint16) error {
	if t.subscribers[sid] == 0 {
		return nil
	}
	t.subscribers[sid]--
	if t.subscribers[sid] == 0 {
		delete(t.subscribers, sid)
		delete(t.current, sid)
		return t.coord.DeletePMT(sid)
	}
	return nil
}

// NotifyPMTChanged is called whenever the tracked PMT for sid changes,
// while at least one output still selects it; it calls UpdatePMT only if
// there are active subscribers (a change with zero subscribers is a no-op,
// since the service isn't being descrambled for anyone).
func (t *Tracker) NotifyPMTChanged(sid uint16, pmt table.PMT) error {
	if t.subscribers[sid] == 0 {
		return nil
	}
	t.current[sid] = pmt
	return t.coord.UpdatePMT(sid, pmt)
}

// Reset replays AddPMT for every currently-descrambling service, per spec
// §4.9's "on a CA reset event the demuxer replays add_pmt for all currently
// descrambling services."
func (t *Tracker) Reset() error {
	for sid, pmt := range t.current {
		if err := t.coord.AddPMT(sid, pmt); err != nil {
			return err
		}
	}
	return nil
}
