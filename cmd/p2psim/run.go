package main

import (
	"fmt"
	"time"

	"github.com/iti/p2pnet"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	topoFile   string
	runStop    float64
	runTcpType string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a topology described in a yaml or json file",
	Long: `run builds the nodes, links and applications of a topology file and runs ` +
		`it until the stop time, then reports what every sink received and every ` +
		`flow the flow monitor saw.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if topoFile == "" {
			return errors.New("a topology file is required (--topo)")
		}
		variant, err := p2pnet.ParseTcpVariant(runTcpType)
		if err != nil {
			return err
		}
		stop := time.Duration(runStop * float64(time.Second))

		cfg := p2pnet.TopologyConfig{File: topoFile, Variant: variant, Stop: stop, Output: outputConfig()}
		report, done := progressReporter(stop)
		cfg.Output.Progress = report
		rslt, err := p2pnet.RunTopology(cmd.Context(), cfg)
		done()
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		for _, tp := range rslt.Sinks {
			fmt.Fprintf(w, "Throughput %s: %g Mbps\n", tp.Tag, tp.Mbps())
		}
		for _, fr := range rslt.Flows {
			fmt.Fprintf(w, "Flow %d (%s)\n", fr.ID, fr.Tuple)
			fmt.Fprintf(w, "  Tx Bytes:   %d\n", fr.TxBytes)
			fmt.Fprintf(w, "  Rx Bytes:   %d\n", fr.RxBytes)
			fmt.Fprintf(w, "  Throughput: %g Mbps\n", fr.Throughput)
		}
		return nil
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&topoFile, "topo", "", "topology file, yaml (.yaml, .yml) or json")
	f.Float64Var(&runStop, "stop", 10, "simulated seconds to run")
	f.StringVar(&runTcpType, "tcp", p2pnet.NewReno.String(), "Tcp type: 'NewReno', 'Tahoe', 'Reno', or 'Rfc793'")
}
