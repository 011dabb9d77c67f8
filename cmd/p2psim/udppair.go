package main

import (
	"fmt"
	"time"

	"github.com/iti/p2pnet"
	"github.com/spf13/cobra"
)

var udpPair = p2pnet.DefaultUdpPairConfig()

var udpPairCmd = &cobra.Command{
	Use:   "udp-pair",
	Short: "A udp client sending to a server across one link",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := udpPair
		prefix := cfg.Output.Prefix
		cfg.Output = outputConfig()
		cfg.Output.Prefix = prefix

		report, done := progressReporter(11 * time.Second)
		cfg.Output.Progress = report
		rslt, err := p2pnet.RunUdpPair(cmd.Context(), cfg)
		done()
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Flow %d (%s -> %s)\n", rslt.Flow, rslt.Tuple.Src, rslt.Tuple.Dst)
		fmt.Fprintf(w, "  Tx Bytes:   %d\n", rslt.TxBytes)
		fmt.Fprintf(w, "  Rx Bytes:   %d\n", rslt.RxBytes)
		fmt.Fprintf(w, "  Throughput: %g Mbps\n", rslt.Throughput)
		return nil
	},
}

func init() {
	f := udpPairCmd.Flags()
	f.Float64Var(&udpPair.LatencyMs, "latency", udpPair.LatencyMs, "link latency in milliseconds")
	f.Float64Var(&udpPair.Rate, "rate", udpPair.Rate, "link data rate in bps")
	f.Float64Var(&udpPair.Interval, "interval", udpPair.Interval, "udp client packet interval in seconds")
}
