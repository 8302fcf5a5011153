package ikesess_exclusive

import (
	"errors"
	"io"

	"github.com/syujy/ikesess/internal/config"
	"github.com/syujy/ikesess/internal/context"
	"github.com/syujy/ikesess/internal/logger"
	"github.com/syujy/ikesess/internal/task_manager"
)

// Common is what every long-lived part of the daemon shares.
type Common struct {
	Log *logger.IKELog
	Ctx *context.IKESessContext
	TM  *task_manager.Task_manager
}

func (e *Common) InitLog(logPath string) error {
	if e.Log != nil {
		return errors.New("Log exists.")
	}
	e.Log = new(logger.IKELog)
	if err := e.Log.Init(logPath); err != nil {
		e.Log = nil
		return err
	}
	return nil
}

// InitLogWriter is InitLog for a plain writer.
func (e *Common) InitLogWriter(w io.Writer) error {
	if e.Log != nil {
		return errors.New("Log exists.")
	}
	e.Log = new(logger.IKELog)
	e.Log.InitWriter(w)
	return nil
}

func (e *Common) InitCtx(c *config.Config) error {
	if e.Ctx != nil {
		return errors.New("Ctx exists.")
	}
	ctx := new(context.IKESessContext)
	if err := ctx.Init(c); err != nil {
		return err
	}
	e.Ctx = ctx
	return nil
}

func (e *Common) InitTaskManager(queueLen, workerNumber int) error {
	if e.TM != nil {
		return errors.New("TM exists.")
	}
	e.TM = new(task_manager.Task_manager)
	e.TM.Init(queueLen, workerNumber)
	e.TM.Run()
	return nil
}
