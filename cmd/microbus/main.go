// microbus runs the event bus demo.
//
//	microbus configFile=conf.yml bus.transport=redis
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/curtisnewbie/microbus/app"
	"github.com/curtisnewbie/microbus/bus"
	"github.com/curtisnewbie/microbus/config"
	"github.com/curtisnewbie/microbus/flow"
	"go.uber.org/fx"

	_ "go.uber.org/automaxprocs"
)

func main() {
	args := os.Args[1:]
	if err := config.LoadConfig(config.GuessConfigFilePath(args, ""), args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	closeLog := configureLogging()
	defer closeLog()

	// give the bus enough time to finish in-flight messages
	stopTimeout := config.GetPropDur(bus.PropBusShutdownTimeoutSec, time.Second) + 5*time.Second

	fx.New(
		app.Module(),
		app.DemoModule(),
		fx.StopTimeout(stopTimeout),
		fx.WithLogger(newFxLogger),
	).Run()
}

func configureLogging() func() {
	flow.SetLogLevel(config.GetPropStr(config.PropLoggingLevel))
	file := config.GetPropStr(config.PropLoggingFile)
	if file == "" {
		return func() {}
	}
	c := flow.SetLogFile(flow.RollingLogFileParam{
		Filename:   file,
		MaxSize:    config.GetPropInt(config.PropLoggingMaxSizeMb),
		MaxBackups: config.GetPropInt(config.PropLoggingMaxBackups),
	})
	return func() { _ = c.Close() }
}
