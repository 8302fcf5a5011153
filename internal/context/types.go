package context

import (
	"github.com/sirupsen/logrus"

	"github.com/syujy/ikesess/internal/ike/child"
	"github.com/syujy/ikesess/internal/ike/session"
)

type IKESessContext struct {
	// Configs
	Log         *Log
	BindAddress string
	IKEPort     uint16
	NATTPort    uint16
	TM          TaskManager
	Sessions    []*SessionContext
}

type Log struct {
	LogPath      string
	DebugLevel   logrus.Level
	ReportCaller bool
}

type TaskManager struct {
	Workers     int
	QueueLength int
}

// SessionContext is one configured IKE session with its child sessions.
type SessionContext struct {
	Name        string
	Params      *session.Params
	EapIdentity []byte
	EapPassword []byte
	Children    []*ChildContext
}

type ChildContext struct {
	Name   string
	Params *child.Params
	Xfrm   *XfrmContext
}

type XfrmContext struct {
	Mark uint32
	IfID int
}

// Session looks a configured session up by name.
func (c *IKESessContext) Session(name string) *SessionContext {
	for _, s := range c.Sessions {
		if s.Name == name {
			return s
		}
	}
	return nil
}
