package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli"
	"go.aporeto.io/capfilter/controller/pkg/classifier"
	"go.aporeto.io/capfilter/controller/pkg/partition"
	"go.aporeto.io/capfilter/controller/pkg/ruleset"
	"go.aporeto.io/capfilter/controller/pkg/rulesetfile"
)

var checkCommand = cli.Command{
	Name:      "check",
	Usage:     "load a ruleset and show how it is laid out on a device",
	ArgsUsage: `<ruleset.yaml>`,
	Action: func(context *cli.Context) error {
		if context.NArg() != 1 {
			return cli.NewExitError("check needs a ruleset file", 2)
		}

		rs, err := rulesetfile.LoadFile(context.Args().First())
		if err != nil {
			return err
		}

		capacity := context.GlobalInt("max-ranges")

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "#\tPRIORITY\tFAMILY\tACTION\tPROTOCOL\tTAG\tSTEERING\tSNAP\tINSTANCES") // nolint errcheck

		total := 0
		for i, r := range rs.Rules() {
			plan, err := partition.NewPlan(r, capacity)
			if err != nil {
				return fmt.Errorf("rule %d: %s", i, err)
			}
			total += plan.Instances()

			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%d\t%s\t%d\t%d\n", // nolint errcheck
				i, r.Priority(), r.Family(), r.Action(), r.Protocol(), r.Tag(), r.Steering(), r.SnapLength(), plan.Instances())
		}

		if err := w.Flush(); err != nil {
			return err
		}

		fmt.Printf("%d rules, %d device rule instances\n", rs.Len(), total)

		return nil
	},
}

var replayCommand = cli.Command{
	Name:      "replay",
	Usage:     "classify every packet of a pcap capture against a ruleset",
	ArgsUsage: `<ruleset.yaml> <capture.pcap>`,
	Action: func(context *cli.Context) error {
		if context.NArg() != 2 {
			return cli.NewExitError("replay needs a ruleset file and a capture", 2)
		}

		rs, err := rulesetfile.LoadFile(context.Args().Get(0))
		if err != nil {
			return err
		}

		f, err := os.Open(context.Args().Get(1))
		if err != nil {
			return err
		}
		defer f.Close() // nolint errcheck

		report, err := classifier.Replay(rs, f)
		if err != nil {
			return err
		}

		printReport(rs, report)

		return nil
	},
}

func printReport(rs *ruleset.Ruleset, report *classifier.Report) {

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "#\tPRIORITY\tACTION\tTAG\tHITS") // nolint errcheck

	for i, r := range rs.Rules() {
		fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%d\n", i, r.Priority(), r.Action(), r.Tag(), report.Hits[r]) // nolint errcheck
	}

	w.Flush() // nolint errcheck

	fmt.Printf("%d packets, %d accepted, %d dropped\n", report.Packets, report.Accepted, report.Dropped)
}
