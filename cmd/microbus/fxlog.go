package main

import (
	"github.com/curtisnewbie/microbus/flow"
	"github.com/curtisnewbie/microbus/version"
	"go.uber.org/fx/fxevent"
)

// fx events logged through flow.
type fxLogger struct {
	rail flow.Rail
}

func newFxLogger() fxevent.Logger {
	return &fxLogger{rail: flow.EmptyRail()}
}

func (l *fxLogger) LogEvent(event fxevent.Event) {
	switch e := event.(type) {
	case *fxevent.Provided:
		if e.Err != nil {
			l.rail.Errorf("Failed to provide %v, %v", e.ConstructorName, e.Err)
			return
		}
		l.rail.Debugf("Provided %v by %v", e.OutputTypeNames, e.ConstructorName)
	case *fxevent.Invoked:
		if e.Err != nil {
			l.rail.Errorf("Failed to invoke %v, %v", e.FunctionName, e.Err)
		}
	case *fxevent.OnStartExecuted:
		if e.Err != nil {
			l.rail.Errorf("OnStart hook %v failed, %v", e.FunctionName, e.Err)
			return
		}
		l.rail.Debugf("OnStart hook %v executed, took: %v", e.FunctionName, e.Runtime)
	case *fxevent.OnStopExecuted:
		if e.Err != nil {
			l.rail.Errorf("OnStop hook %v failed, %v", e.FunctionName, e.Err)
			return
		}
		l.rail.Debugf("OnStop hook %v executed, took: %v", e.FunctionName, e.Runtime)
	case *fxevent.RollingBack:
		l.rail.Errorf("Start failed, rolling back, %v", e.StartErr)
	case *fxevent.Started:
		if e.Err != nil {
			l.rail.Errorf("Failed to start, %v", e.Err)
			return
		}
		l.rail.Infof("microbus (%v) started", version.Version)
	case *fxevent.Stopping:
		l.rail.Infof("Received OS signal: %v, exiting", e.Signal)
	case *fxevent.Stopped:
		if e.Err != nil {
			l.rail.Errorf("Failed to stop cleanly, %v", e.Err)
			return
		}
		l.rail.Info("microbus stopped")
	}
}
