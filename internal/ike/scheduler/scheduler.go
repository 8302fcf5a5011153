package scheduler

import (
	"fmt"
)

type Procedure int

// Locally initiated procedures
const (
	ProcedureCreateIke Procedure = iota
	ProcedureDeleteIke
	ProcedureRekeyIke
	ProcedureInfo
	ProcedureDpd
	ProcedureCreateChild
	ProcedureDeleteChild
	ProcedureRekeyChild
)

func (p Procedure) String() string {
	switch p {
	case ProcedureCreateIke:
		return "CREATE_IKE"
	case ProcedureDeleteIke:
		return "DELETE_IKE"
	case ProcedureRekeyIke:
		return "REKEY_IKE"
	case ProcedureInfo:
		return "INFO"
	case ProcedureDpd:
		return "DPD"
	case ProcedureCreateChild:
		return "CREATE_CHILD"
	case ProcedureDeleteChild:
		return "DELETE_CHILD"
	case ProcedureRekeyChild:
		return "REKEY_CHILD"
	default:
		return fmt.Sprintf("PROCEDURE(%d)", int(p))
	}
}

func (p Procedure) IsChildProcedure() bool {
	return p >= ProcedureCreateChild
}

// LocalRequest describes a procedure waiting to be started.
type LocalRequest struct {
	Procedure Procedure
	// TargetIkeSPI is the local SPI of the IKE SA the request was made
	// for, 0 for the current one.
	TargetIkeSPI uint64
	// TargetChildSPI is the remote SPI of the Child SA the request was made
	// for, 0 when it's identified by Child.
	TargetChildSPI uint32
	// Child identifies the child session (its callback) for child
	// procedures and ChildParams carries its parameters on creation.
	Child       interface{}
	ChildParams interface{}

	wakeLock WakeLock
}

func (r *LocalRequest) String() string {
	return fmt.Sprintf("%s(ike=0x%x, child=0x%x)", r.Procedure, r.TargetIkeSPI, r.TargetChildSPI)
}

// releaseWakeLock is idempotent
func (r *LocalRequest) releaseWakeLock() {
	if r.wakeLock != nil {
		r.wakeLock.Release()
		r.wakeLock = nil
	}
}

// Scheduler queues local requests and hands at most one to the consumer
// per ReadyForNextProcedure call. It is owned by one session and must only
// be used from the session worker.
type Scheduler struct {
	queue     []*LocalRequest
	consumer  func(*LocalRequest)
	wakeLocks WakeLockFactory
}

func New(consumer func(*LocalRequest), wakeLocks WakeLockFactory) *Scheduler {
	if wakeLocks == nil {
		wakeLocks = NewCountingWakeLocks()
	}
	return &Scheduler{consumer: consumer, wakeLocks: wakeLocks}
}

func (s *Scheduler) acquire(r *LocalRequest) {
	r.wakeLock = s.wakeLocks.NewWakeLock(r.Procedure.String())
	r.wakeLock.Acquire()
}

// AddRequest enqueues at the tail.
func (s *Scheduler) AddRequest(r *LocalRequest) {
	s.acquire(r)
	s.queue = append(s.queue, r)
}

// AddRequestAtFront enqueues at the head. Only deleting the IKE session may
// preempt the pending requests.
func (s *Scheduler) AddRequestAtFront(r *LocalRequest) {
	s.acquire(r)
	s.queue = append([]*LocalRequest{r}, s.queue...)
}

// ReadyForNextProcedure dispatches the head request, if any. The consumer
// must not call it again before the dispatched procedure is finished.
func (s *Scheduler) ReadyForNextProcedure() bool {
	if len(s.queue) == 0 {
		return false
	}
	r := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	r.releaseWakeLock()
	s.consumer(r)
	return true
}

func (s *Scheduler) Len() int {
	return len(s.queue)
}

// ReleaseAllLocalRequestWakeLocks flushes the queue without dispatching.
func (s *Scheduler) ReleaseAllLocalRequestWakeLocks() {
	for _, r := range s.queue {
		r.releaseWakeLock()
	}
	s.queue = nil
}
