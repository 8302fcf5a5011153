package service

import (
	stdctx "context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/syujy/ikesess/internal/config"
	"github.com/syujy/ikesess/internal/context"
	"github.com/syujy/ikesess/internal/ike/eap"
	"github.com/syujy/ikesess/internal/ike/registry"
	"github.com/syujy/ikesess/internal/ike/scheduler"
	"github.com/syujy/ikesess/internal/ike/session"
	"github.com/syujy/ikesess/internal/ike/transport"
	"github.com/syujy/ikesess/internal/ikesess_exclusive"
	"github.com/syujy/ikesess/internal/projenv"
	"github.com/syujy/ikesess/internal/xfrm"
)

const shutdownTimeout = 5 * time.Second

func Start(configPath string) error {
	d := new(IKESess)
	if err := d.init(configPath); err != nil {
		return err
	}
	if err := d.start(); err != nil {
		return err
	}
	d.openConfigured()
	d.signalHandler()
	return nil
}

// handle is the part of a running IKE session the daemon drives.
type handle interface {
	CloseSession()
	KillSession()
}

type managed struct {
	name       string
	sess       handle
	installers []*xfrm.Installer
}

type IKESess struct {
	c          *config.Config
	configPath string
	ikesess_exclusive.Common
	// Log
	log *logrus.Entry
	// Services
	provider  *transport.UDPProvider
	registry  *registry.Registry
	wakeLocks *scheduler.CountingWakeLocks
	// Sessions
	mu       sync.Mutex
	sessions map[string]*managed
	// open starts one configured session into m, replaced in tests.
	open func(sc *context.SessionContext, m *managed) error
}

func (e *IKESess) init(configPath string) error {
	if configPath != "" {
		e.configPath = configPath
	} else {
		e.configPath = projenv.DefaultConfigFile
	}
	c, err := readConfig(e.configPath)
	if err != nil {
		return err
	}
	e.c = c
	return nil
}

func readConfig(path string) (*config.Config, error) {
	c := new(config.Config)
	if err := c.ReadConfigFile(path); err != nil {
		return nil, err
	}
	if !c.CheckConfigVersion() {
		return nil, fmt.Errorf("Config version mismatch, expected %s", config.IKESESS_EXPECTED_CONFIG_VERSION)
	}
	return c, nil
}

// Validate reads and checks the configuration at path without starting
// anything.
func Validate(path string) (*context.IKESessContext, error) {
	c, err := readConfig(path)
	if err != nil {
		return nil, err
	}
	ctx := new(context.IKESessContext)
	if err := ctx.Init(c); err != nil {
		return nil, err
	}
	return ctx, nil
}

func (e *IKESess) start() error {
	if e.c == nil {
		return errors.New("Configuration not initialized.")
	}
	// context
	if err := e.InitCtx(e.c); err != nil {
		return err
	}
	// logger
	if err := e.InitLog(e.Ctx.Log.LogPath); err != nil {
		return err
	}
	e.Log.SetLogLevel(e.Ctx.Log.DebugLevel)
	e.Log.SetReportCaller(e.Ctx.Log.ReportCaller)

	// Task Manager
	if err := e.InitTaskManager(e.Ctx.TM.QueueLength, e.Ctx.TM.Workers); err != nil {
		return err
	}

	e.setup()
	e.provider = transport.NewUDPProvider(e.Log.Category("Socket"), e.Ctx.BindAddress).
		WithPorts(e.Ctx.IKEPort, e.Ctx.NATTPort)
	return nil
}

// setup builds what doesn't touch the network.
func (e *IKESess) setup() {
	e.log = e.Log.Category("Service")
	e.registry = registry.New(e.Log.Category("Registry"))
	e.wakeLocks = scheduler.NewCountingWakeLocks()
	e.sessions = make(map[string]*managed)
	if e.open == nil {
		e.open = e.openSession
	}
}

func (e *IKESess) openConfigured() {
	for _, sc := range e.Ctx.Sessions {
		e.openOne(sc)
	}
}

func (e *IKESess) openOne(sc *context.SessionContext) {
	// The entry goes in first, the session may close before open returns.
	m := &managed{name: sc.Name}
	e.mu.Lock()
	if _, running := e.sessions[sc.Name]; running {
		e.mu.Unlock()
		return
	}
	e.sessions[sc.Name] = m
	e.mu.Unlock()
	if err := e.open(sc, m); err != nil {
		e.log.Errorf("Open session %s failed: %+v", sc.Name, err)
		e.closed(m)
	}
}

func (e *IKESess) openSession(sc *context.SessionContext, m *managed) error {
	log := e.Log.Category("IKE").WithField("name", sc.Name)

	var sink *xfrm.Installer
	for _, cc := range sc.Children {
		if cc.Xfrm == nil {
			continue
		}
		inst := xfrm.NewInstaller(e.Log.Category("XFRM").WithField("name", cc.Name), cc.Xfrm.Mark, cc.Xfrm.IfID)
		m.installers = append(m.installers, inst)
		if sink == nil {
			sink = inst
		} else {
			log.Warnf("Child %s xfrm settings ignored, session installs with the first child's", cc.Name)
		}
	}

	deps := session.Deps{
		Log:       log,
		Registry:  e.registry,
		Provider:  e.provider,
		Executor:  e.TM,
		Clock:     clockwork.NewRealClock(),
		Rand:      rand.Reader,
		WakeLocks: e.wakeLocks,
	}
	if sink != nil {
		deps.Sink = sink
	}
	if sc.Params.Auth == session.AuthEAP {
		identity, password := sc.EapIdentity, sc.EapPassword
		deps.EapFactory = func() eap.Authenticator { return eap.NewPeer(identity, password) }
	}

	first := sc.Children[0]
	s := session.New(deps, sc.Params, &sessionObserver{e: e, m: m, log: log},
		first.Params, &childObserver{name: first.Name, log: log.WithField("child", first.Name)})
	m.sess = s
	s.OpenSession()
	for _, cc := range sc.Children[1:] {
		if err := s.OpenChildSession(cc.Params, &childObserver{name: cc.Name, log: log.WithField("child", cc.Name)}); err != nil {
			log.Errorf("Open child session %s failed: %+v", cc.Name, err)
		}
	}
	return nil
}

// closed is called once the session is gone. A newer session under the same
// name is left alone.
func (e *IKESess) closed(m *managed) {
	e.mu.Lock()
	if e.sessions[m.name] == m {
		delete(e.sessions, m.name)
	}
	e.mu.Unlock()
	for _, inst := range m.installers {
		inst.Flush()
	}
}

// reload opens the sessions new in the configuration and closes the ones
// removed from it. Running sessions keep their parameters.
func (e *IKESess) reload() {
	ctx, err := Validate(e.configPath)
	if err != nil {
		e.log.Errorf("Reload failed: %+v", err)
		return
	}
	e.apply(ctx)
}

func (e *IKESess) apply(ctx *context.IKESessContext) {
	e.mu.Lock()
	var gone []*managed
	for name, m := range e.sessions {
		if ctx.Session(name) == nil {
			gone = append(gone, m)
		}
	}
	e.mu.Unlock()
	for _, m := range gone {
		if m.sess == nil {
			continue
		}
		e.log.Infof("Session %s removed from configuration, closing", m.name)
		m.sess.CloseSession()
	}
	for _, sc := range ctx.Sessions {
		e.openOne(sc)
	}
	e.Ctx.Sessions = ctx.Sessions
}

func (e *IKESess) signalHandler() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		unix.SIGHUP,
		unix.SIGINT,
		unix.SIGQUIT,
		unix.SIGTERM)

	for {
		sig := <-sigChan
		e.log.Infof("Received %s", sig)
		switch sig {
		case unix.SIGHUP:
			e.reload()
		case unix.SIGINT, unix.SIGQUIT, unix.SIGTERM:
			e.stop()
		}
	}
}

// shutdown kills every session and removes what they installed.
func (e *IKESess) shutdown() {
	ctx, cancel := stdctx.WithTimeout(stdctx.Background(), shutdownTimeout)
	defer cancel()
	if err := e.registry.Shutdown(ctx); err != nil {
		e.log.Warnf("Shutdown: %+v", err)
	}
	e.mu.Lock()
	left := e.sessions
	e.sessions = make(map[string]*managed)
	e.mu.Unlock()
	for _, m := range left {
		for _, inst := range m.installers {
			inst.Flush()
		}
	}
	if n := e.wakeLocks.Held(); n != 0 {
		e.log.Debugf("%d wake locks still held", n)
	}
}

func (e *IKESess) stop() {
	e.shutdown()
	// Remove pid file
	if err := os.Remove(projenv.PidFile); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	os.Exit(0)
}
