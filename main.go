package main

import (
	"errors"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"becomeroot/handshake"
)

const usage = `run a command as root in new unprivileged namespaces.
					         The caller's uid becomes root inside a new user namespace and its
							 subordinate ids from /etc/subuid and /etc/subgid are mapped after it`

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	app := newApp()
	if err := app.Run(args); err != nil {
		// 握手被对端中止时，对端已经报告过原因
		if errors.Is(err, handshake.ErrAborted) {
			logrus.Debugf("aborted: %v", err)
			return 1
		}
		logrus.Error(err)
		return 1
	}
	return 0
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Usage = usage
	app.Name = "become-root"
	app.UsageText = "become-root [-AacimnNpuPSCkr] COMMAND [ARGS...]"
	app.HideHelp = true
	app.HideVersion = true
	app.UseShortOptionHandling = true

	app.Flags = rootFlags
	app.Action = rootAction
	app.Commands = []cli.Command{
		initCommand,
		mapperCommand,
		workloadCommand,
	}

	app.Before = func(context *cli.Context) error {
		logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
		logrus.SetOutput(os.Stderr)
		level, err := logrus.ParseLevel(context.String("log-level"))
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		return nil
	}
	return app
}
