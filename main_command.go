package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"becomeroot/config"
	"becomeroot/container"
	"becomeroot/idmap"
	"becomeroot/mapper"
	"becomeroot/namespace"
)

// 单字母的 namespace 参数，可以组合使用，比如 -pmu
var kindFlags = map[string]namespace.Kind{
	"c": namespace.Cgroup,
	"i": namespace.IPC,
	"m": namespace.Mount,
	"n": namespace.Network,
	"p": namespace.PID,
	"u": namespace.UTS,
}

var rootFlags = []cli.Flag{
	cli.BoolFlag{Name: "A", Usage: "unshare all namespaces and mount fresh /proc and /sys"},
	cli.BoolFlag{Name: "a", Usage: "unshare all namespaces"},
	cli.BoolFlag{Name: "c", Usage: "unshare the cgroup namespace"},
	cli.BoolFlag{Name: "i", Usage: "unshare the IPC namespace"},
	cli.BoolFlag{Name: "m", Usage: "unshare the mount namespace"},
	cli.BoolFlag{Name: "n", Usage: "unshare the network namespace"},
	cli.BoolFlag{Name: "N", Usage: "unshare the network namespace and connect it with slirp4netns"},
	cli.BoolFlag{Name: "p", Usage: "unshare the PID namespace"},
	cli.BoolFlag{Name: "u", Usage: "unshare the UTS namespace"},
	cli.BoolFlag{Name: "P", Usage: "mount a fresh /proc"},
	cli.BoolFlag{Name: "S", Usage: "mount a fresh /sys"},
	cli.BoolFlag{Name: "C", Usage: "mount cgroup2 at /sys/fs/cgroup"},
	cli.BoolFlag{Name: "k", Usage: "keep supplementary groups"},
	cli.BoolFlag{Name: "r", Usage: "run a reaper as PID 1 (implies -p)"},

	cli.BoolFlag{Name: "help", Usage: "show help"},
	cli.StringFlag{
		Name:   "log-level",
		Value:  "warning",
		EnvVar: "BECOME_ROOT_LOG_LEVEL",
		Usage:  "log level: debug, info, warning or error",
	},
	cli.StringFlag{Name: "subuid-file", Value: idmap.DefaultSubUIDFile, Usage: "subordinate uid file"},
	cli.StringFlag{Name: "subgid-file", Value: idmap.DefaultSubGIDFile, Usage: "subordinate gid file"},
	cli.StringFlag{Name: "tap-device", Value: config.DefaultTapDevice, Hidden: true},
	cli.StringFlag{Name: "newuidmap", Value: idmap.DefaultNewUIDMap, EnvVar: "BECOME_ROOT_NEWUIDMAP", Hidden: true},
	cli.StringFlag{Name: "newgidmap", Value: idmap.DefaultNewGIDMap, EnvVar: "BECOME_ROOT_NEWGIDMAP", Hidden: true},
	cli.StringFlag{Name: "slirp4netns", Value: config.DefaultNetworkHelper, EnvVar: "BECOME_ROOT_SLIRP4NETNS", Hidden: true},
	cli.StringFlag{Name: "shell", EnvVar: "BECOME_ROOT_SHELL,SHELL", Hidden: true},
}

/*
rootAction 是真正执行的函数
1.根据参数构造 Config
2.没有指定命令时使用 shell
3.调用 Run 启动 namespace，退出码就是 workload 的退出码
*/
func rootAction(context *cli.Context) error {
	if context.Bool("help") {
		return cli.ShowAppHelp(context)
	}

	cfg, err := configFromContext(context)
	if err != nil {
		return err
	}
	logrus.Debugf("namespaces: %s", cfg.Spec.Namespaces)

	code, err := Run(cfg)
	if err != nil {
		return err
	}
	return exitCode(code)
}

// configFromContext 把命令行参数转换成 Config，隐含的 namespace 在这里补全
func configFromContext(context *cli.Context) (*config.Config, error) {
	var spec config.NamespaceSpec
	if context.Bool("A") {
		spec = config.AllWithFreshMounts()
	}
	if context.Bool("a") {
		spec.Namespaces |= namespace.All
	}
	for name, kind := range kindFlags {
		if context.Bool(name) {
			spec.Namespaces = spec.Namespaces.Add(kind)
		}
	}
	spec.Network = context.Bool("N")
	spec.MountProc = spec.MountProc || context.Bool("P")
	spec.MountSys = spec.MountSys || context.Bool("S")
	spec.MountCgroup = context.Bool("C")
	spec.KeepGroups = context.Bool("k")
	spec.Reaper = context.Bool("r")

	cfg := &config.Config{
		Spec:    spec.Normalize(),
		Command: context.Args(),
		Shell:   context.String("shell"),
		Paths: config.Paths{
			NewUIDMap:     context.String("newuidmap"),
			NewGIDMap:     context.String("newgidmap"),
			NetworkHelper: context.String("slirp4netns"),
			TapDevice:     context.String("tap-device"),
			SubUIDFile:    context.String("subuid-file"),
			SubGIDFile:    context.String("subgid-file"),
		},
		LogLevel: context.String("log-level"),
	}
	if _, err := cfg.Argv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// 下面是内部阶段命令，由 Run 通过 /proc/self/exe 调用，禁止外部调用。
// 唯一的参数是 bootstrap 管道的 fd

var initCommand = cli.Command{
	Name:            container.InitStage,
	Usage:           "Init namespace process. Do not call it outside",
	Hidden:          true,
	SkipFlagParsing: true,
	Action: func(context *cli.Context) error {
		fd, err := stageFd(context)
		if err != nil {
			return err
		}
		code, err := container.RunContainerInitProcess(fd)
		if err != nil {
			return err
		}
		return exitCode(code)
	},
}

var mapperCommand = cli.Command{
	Name:            container.MapperStage,
	Usage:           "Write id mappings for the init process. Do not call it outside",
	Hidden:          true,
	SkipFlagParsing: true,
	Action: func(c *cli.Context) error {
		fd, err := stageFd(c)
		if err != nil {
			return err
		}
		payload, err := config.ReadPayload(fd)
		if err != nil {
			return err
		}
		container.SetLogLevel(payload.Config.LogLevel)

		m, err := mapper.FromPayload(payload)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return m.Run(ctx)
	},
}

var workloadCommand = cli.Command{
	Name:            container.WorkloadStage,
	Usage:           "Become the workload. Do not call it outside",
	Hidden:          true,
	SkipFlagParsing: true,
	Action: func(context *cli.Context) error {
		fd, err := stageFd(context)
		if err != nil {
			return err
		}
		return container.RunWorkloadProcess(fd)
	},
}

func stageFd(context *cli.Context) (int, error) {
	fd, err := strconv.Atoi(context.Args().First())
	if err != nil || fd < 0 {
		return -1, fmt.Errorf("invalid bootstrap fd %q", context.Args().First())
	}
	return fd, nil
}

// exitCode 让 app.Run 以 code 退出，不打印任何内容
func exitCode(code int) error {
	if code == 0 {
		return nil
	}
	return cli.NewExitError("", code)
}
