package child

import (
	"github.com/syujy/ikesess/internal/ike/sa"
	"github.com/syujy/ikesess/internal/ike/scheduler"
)

func copyKey(k []byte) []byte {
	return append([]byte(nil), k...)
}

// wrap builds the transforms of a new record and arms its lifetime.
func (c *Session) wrap(rec *sa.ChildSaRecord) *childSa {
	ike := c.ike
	in := &Transform{
		SPI:       rec.LocalSPI,
		Direction: DirectionIn,
		Suite:     rec.Suite,
		EncrKey:   copyKey(rec.InboundEncrKey),
		IntegKey:  copyKey(rec.InboundIntegKey),
		Transport: rec.Transport,
		Src:       ike.RemoteAddr,
		Dst:       ike.LocalAddr,
		Encap:     ike.Encap,
		SrcPort:   ike.RemotePort,
		DstPort:   ike.LocalPort,
		LocalTS:   rec.LocalTS,
		RemoteTS:  rec.RemoteTS,
	}
	out := &Transform{
		SPI:       rec.RemoteSPI,
		Direction: DirectionOut,
		Suite:     rec.Suite,
		EncrKey:   copyKey(rec.OutboundEncrKey),
		IntegKey:  copyKey(rec.OutboundIntegKey),
		Transport: rec.Transport,
		Src:       ike.LocalAddr,
		Dst:       ike.RemoteAddr,
		Encap:     ike.Encap,
		SrcPort:   ike.LocalPort,
		DstPort:   ike.RemotePort,
		LocalTS:   rec.LocalTS,
		RemoteTS:  rec.RemoteTS,
	}
	return &childSa{rec: rec, in: in, out: out}
}

func (c *Session) startLifetime(s *childSa) {
	if c.sched == nil {
		return
	}
	target := s.rec.RemoteSPI
	request := func(p scheduler.Procedure) func() {
		return func() {
			c.post(Event{Kind: EventLocalRequest, Request: &scheduler.LocalRequest{
				Procedure:      p,
				TargetChildSPI: target,
				Child:          c.cb,
			}})
		}
	}
	s.rec.StartLifetime(c.sched, c.params.SoftLifetime, c.params.HardLifetime,
		request(scheduler.ProcedureRekeyChild), request(scheduler.ProcedureDeleteChild))
}

func (c *Session) notifyCreated(s *childSa, dir Direction) {
	t := s.in
	if dir == DirectionOut {
		t = s.out
	}
	if c.sink != nil {
		if err := c.sink.TransformCreated(t); err != nil {
			c.log.Errorf("Install %s transform 0x%08x failed: %+v", dir, t.SPI, err)
		}
	}
	if dir == DirectionIn {
		s.inCreated = true
	} else {
		s.outCreated = true
	}
	c.cb.OnTransformCreated(t, dir)
}

// release announces the deletion of the created transforms of s and closes
// its record.
func (c *Session) release(s *childSa) {
	if s == nil || s.rec.Closed() {
		return
	}
	for _, d := range []struct {
		t       *Transform
		dir     Direction
		created bool
	}{{s.in, DirectionIn, s.inCreated}, {s.out, DirectionOut, s.outCreated}} {
		if !d.created {
			continue
		}
		if c.sink != nil {
			c.sink.TransformDeleted(d.t)
		}
		c.cb.OnTransformDeleted(d.t, d.dir)
	}
	s.rec.Close()
}
