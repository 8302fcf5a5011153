package service

import (
	"github.com/sirupsen/logrus"

	"github.com/syujy/ikesess/internal/ike/child"
	"github.com/syujy/ikesess/internal/ike/session"
)

type sessionObserver struct {
	e   *IKESess
	m   *managed
	log *logrus.Entry
}

func (o *sessionObserver) OnOpened(c *session.Configuration) {
	o.log.Infof("Session opened, local %s remote %s", c.LocalAddr, c.RemoteAddr)
	if c.LocalNat || c.RemoteNat {
		o.log.Infof("NAT detected, local %t remote %t", c.LocalNat, c.RemoteNat)
	}
	for _, ip := range c.InternalAddresses {
		o.log.Infof("Internal address %s", ip)
	}
	for _, ip := range c.DNSServers {
		o.log.Infof("DNS server %s", ip)
	}
}

func (o *sessionObserver) OnClosed() {
	o.log.Info("Session closed")
	o.e.closed(o.m)
}

func (o *sessionObserver) OnClosedExceptionally(err error) {
	o.log.Errorf("Session closed: %+v", err)
	o.e.closed(o.m)
}

type childObserver struct {
	name string
	log  *logrus.Entry
}

func (o *childObserver) OnOpened(c *child.Configuration) {
	o.log.Infof("Child session opened, SPI in 0x%08x out 0x%08x", c.InboundSPI, c.OutboundSPI)
}

func (o *childObserver) OnClosed() {
	o.log.Info("Child session closed")
}

func (o *childObserver) OnClosedExceptionally(err error) {
	o.log.Warnf("Child session closed: %+v", err)
}

func (o *childObserver) OnTransformCreated(t *child.Transform, dir child.Direction) {
	o.log.Debugf("Transform 0x%08x %s created", t.SPI, dir)
}

func (o *childObserver) OnTransformDeleted(t *child.Transform, dir child.Direction) {
	o.log.Debugf("Transform 0x%08x %s deleted", t.SPI, dir)
}
