package main

import (
	"fmt"
	"strings"

	"github.com/iti/p2pnet"
	"github.com/spf13/cobra"
)

var tcpType string

var delayRampCmd = &cobra.Command{
	Use:   "delay-ramp",
	Short: "Two stream sources sharing a bottleneck while one access link slows down",
	Long: `delay-ramp runs two on/off stream sources, on n0 and n3, into sinks on n1 ` +
		`for 50 s while the delay of the n3-n0 link grows by 1 ms every second, and ` +
		`reports the throughput each sink saw.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		variant, err := p2pnet.ParseTcpVariant(tcpType)
		if err != nil {
			return err
		}

		cfg := p2pnet.DefaultDelayRampConfig()
		cfg.Variant = variant
		prefix := cfg.Output.Prefix
		cfg.Output = outputConfig()
		cfg.Output.Prefix = prefix

		report, done := progressReporter(cfg.Stop)
		cfg.Output.Progress = report
		rslt, err := p2pnet.RunDelayRamp(cmd.Context(), cfg)
		done()
		if err != nil {
			return err
		}
		if rslt.RampErr != nil {
			return rslt.RampErr
		}

		w := cmd.OutOrStdout()
		for _, tp := range rslt.Throughputs {
			fmt.Fprintf(w, "Throughput %s: %g Mbps\n", strings.ReplaceAll(tp.Tag, "-", " "), tp.Mbps())
		}
		return nil
	},
}

func init() {
	delayRampCmd.Flags().StringVar(&tcpType, "tcp", p2pnet.NewReno.String(),
		"Tcp type: 'NewReno', 'Tahoe', 'Reno', or 'Rfc793'")
}
