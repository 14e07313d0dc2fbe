package main

import (
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"go.aporeto.io/capfilter/controller"
	"go.aporeto.io/capfilter/controller/pkg/counters"
	"go.aporeto.io/capfilter/controller/pkg/device"
	"go.aporeto.io/capfilter/controller/pkg/device/emulator"
	"go.aporeto.io/capfilter/controller/pkg/device/streamchannel"
	"go.aporeto.io/capfilter/controller/pkg/rulesetfile"
	"go.aporeto.io/capfilter/utils/panicrecovery"
	"go.uber.org/zap"
)

const unixPrefix = "unix:"

// openChannel opens the adapter named by --device.
func openChannel(path string) (device.Channel, error) {

	if strings.HasPrefix(path, unixPrefix) {
		conn, err := net.Dial("unix", strings.TrimPrefix(path, unixPrefix))
		if err != nil {
			return nil, err
		}
		return streamchannel.New(conn, device.KindIPF), nil
	}

	return openDevice(path)
}

// newManager opens the device and wraps it in a manager configured from the
// global flags.
func newManager(context *cli.Context) (*controller.Manager, error) {

	ch, err := openChannel(context.GlobalString("device"))
	if err != nil {
		return nil, err
	}

	ctrs := counters.NewCounters()

	opts := []controller.Option{
		controller.OptionRequestTimeout(context.GlobalDuration("timeout")),
		controller.OptionMaxRangeFilters(context.GlobalInt("max-ranges")),
		controller.OptionCounters(ctrs),
	}

	if collector := serveMetrics(context, ctrs); collector != nil {
		opts = append(opts, controller.OptionObserver(collector))
	}

	m, err := controller.New(ch, opts...)
	if err != nil {
		ch.Close() // nolint errcheck
		return nil, err
	}

	return m, nil
}

var ifaceFlag = cli.UintFlag{
	Name:  "iface, i",
	Usage: "adapter interface",
}

var stateFlag = cli.StringFlag{
	Name:  "state",
	Usage: "file keeping the device rulesets downloaded by this tool",
}

var downloadCommand = cli.Command{
	Name:  "download",
	Usage: "download a ruleset to an interface of the adapter",
	ArgsUsage: `<ruleset.yaml>

The ruleset stays on the device when the command exits. Use --state to record
it so a later purge can free it.`,
	Flags: []cli.Flag{
		ifaceFlag,
		stateFlag,
		cli.BoolFlag{
			Name:  "activate, a",
			Usage: "activate the ruleset once downloaded",
		},
		cli.DurationFlag{
			Name:  "watch",
			Usage: "print rule statistics at this interval until interrupted",
		},
	},
	Action: func(context *cli.Context) error {
		if context.NArg() != 1 {
			return cli.NewExitError("download needs a ruleset file", 2)
		}

		rs, err := rulesetfile.LoadFile(context.Args().First())
		if err != nil {
			return err
		}

		m, err := newManager(context)
		if err != nil {
			return err
		}
		defer m.Close() // nolint errcheck
		defer panicrecovery.HandleEventualPanic("download", func() { m.Close() }) // nolint errcheck

		id, err := m.Download(rs, uint8(context.Uint("iface")))
		if err != nil {
			return err
		}

		if context.Bool("activate") {
			if err := m.Activate(rs); err != nil {
				return err
			}
		}

		fmt.Printf("ruleset %s downloaded as device ruleset %d (%s)\n", rs.ID(), id, m.State(rs))

		if path := context.String("state"); path != "" {
			data, err := m.Snapshot()
			if err != nil {
				return err
			}
			if err := ioutil.WriteFile(path, data, 0600); err != nil {
				return err
			}
		}

		interval := context.Duration("watch")
		if interval <= 0 {
			return nil
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-sig:
				return nil
			case <-ticker.C:
				for i, r := range rs.Rules() {
					stats, err := m.RuleStatistics(rs, r)
					if err != nil {
						return err
					}
					fmt.Printf("rule %d tag %d: %d packets %d bytes\n", i, r.Tag(), stats.Packets, stats.Bytes)
				}
			}
		}
	},
}

var clearCommand = cli.Command{
	Name:  "clear",
	Usage: "remove every ruleset of an interface and leave it unfiltered",
	Flags: []cli.Flag{
		ifaceFlag,
	},
	Action: func(context *cli.Context) error {
		m, err := newManager(context)
		if err != nil {
			return err
		}
		defer m.Close() // nolint errcheck

		return m.RemoveAll(uint8(context.Uint("iface")))
	},
}

var purgeCommand = cli.Command{
	Name:  "purge",
	Usage: "free the device rulesets recorded in a state file",
	Flags: []cli.Flag{
		stateFlag,
	},
	Action: func(context *cli.Context) error {
		path := context.String("state")
		if path == "" {
			return cli.NewExitError("purge needs --state", 2)
		}

		data, err := ioutil.ReadFile(path)
		if err != nil {
			return err
		}

		m, err := newManager(context)
		if err != nil {
			return err
		}
		defer m.Close() // nolint errcheck

		if err := m.Restore(data); err != nil {
			return err
		}

		if err := m.PurgeRestored(); err != nil {
			return err
		}

		return os.Remove(path)
	},
}

var emulateCommand = cli.Command{
	Name:      "emulate",
	Usage:     "serve an emulated adapter on a unix socket",
	ArgsUsage: `<socket path>`,
	Flags: []cli.Flag{
		cli.IntFlag{
			Name:  "interfaces",
			Value: 4,
			Usage: "number of adapter interfaces",
		},
	},
	Action: func(context *cli.Context) error {
		if context.NArg() != 1 {
			return cli.NewExitError("emulate needs a socket path", 2)
		}

		path := context.Args().First()

		l, err := net.Listen("unix", path)
		if err != nil {
			return err
		}
		defer os.Remove(path) // nolint errcheck

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sig
			l.Close() // nolint errcheck
		}()

		d := emulator.New(
			emulator.OptionInterfaces(context.Int("interfaces")),
			emulator.OptionMaxRanges(context.GlobalInt("max-ranges")),
		)

		zap.L().Info("Emulated adapter listening", zap.String("socket", path))

		for {
			conn, err := l.Accept()
			if err != nil {
				zap.L().Info("Emulated adapter stopped", zap.Int("rulesets", d.RulesetCount()))
				return nil
			}

			go func() {
				ch := streamchannel.New(conn, device.KindIPF)
				defer ch.Close() // nolint errcheck
				defer panicrecovery.HandleEventualPanic("emulated adapter", func() { os.Remove(path) }) // nolint errcheck

				if err := d.Serve(ch); err != nil {
					zap.L().Debug("Connection closed", zap.Error(err))
				}
			}()
		}
	},
}
