package session

import (
	"github.com/syujy/ikesess/internal/ike/message"
	"github.com/syujy/ikesess/internal/ike/types"
)

func (s *Session) startDeleteIke() {
	s.log.Infof("Deleting IKE SA 0x%016x", s.sc.current.LocalSPI())
	s.transitionTo(&stateDeleteIkeLocalDelete{})
	if err := s.sendRequest(s.sc.current, types.INFORMATIONAL, message.Payloads{message.NewDeleteIKE()}); err != nil {
		s.fatal(err)
	}
}

// startDpd checks the peer is alive with an empty INFORMATIONAL request.
func (s *Session) startDpd() {
	s.log.Debug("Dead peer detection")
	s.transitionTo(&stateDpdIkeLocalInfo{})
	if err := s.sendRequest(s.sc.current, types.INFORMATIONAL, nil); err != nil {
		s.fatal(err)
	}
}
