package main

import (
	"os"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/iti/p2pnet"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

// traceDirEnv names the variable, also read from .env, that sets the
// default output directory
const traceDirEnv = "P2PSIM_TRACE_DIR"

var (
	traceDir    string
	withAscii   bool
	withPcap    bool
	withFlowmon bool
	withMetrics bool
	withDump    bool
	progress    bool
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "p2psim",
	Short: "Run point-to-point network experiments",
	Long: `p2psim runs canned experiments, or a topology read from a file, on a ` +
		`simulated point-to-point network ` +
		`and reports throughput, optionally writing ascii traces, pcap captures, ` +
		`flow monitor statistics and metrics.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.SetHandler(cli.Default)
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
		p2pnet.Logger = log.Log

		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "loading .env")
		}
		if !cmd.Flags().Changed("trace-dir") {
			if dir := os.Getenv(traceDirEnv); dir != "" {
				traceDir = dir
			}
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&traceDir, "trace-dir", "", "directory output files are written to (default $"+traceDirEnv+" or .)")
	pf.BoolVar(&withAscii, "ascii", false, "write an ascii trace of device events")
	pf.BoolVar(&withPcap, "pcap", false, "write a pcap capture per device")
	pf.BoolVar(&withFlowmon, "flowmon", false, "write flow monitor statistics as xml")
	pf.BoolVar(&withMetrics, "metrics", false, "write prometheus metrics in text format")
	pf.BoolVar(&withDump, "dump", false, "write every traced event as yaml")
	pf.BoolVar(&progress, "progress", false, "show simulated time progress")
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(udpPairCmd, delayRampCmd, runCmd)
}

// outputConfig gathers the shared flags.  The trace manager is closed at
// exit, whichever way the process ends.
func outputConfig() p2pnet.OutputConfig {
	oc := p2pnet.OutputConfig{
		Dir:     traceDir,
		Ascii:   withAscii,
		Pcap:    withPcap,
		FlowMon: withFlowmon,
		Metrics: withMetrics,
		Dump:    withDump,
	}
	tm := p2pnet.CreateTraceManager("p2psim", false)
	atexit.Register(func() {
		if err := tm.Close(); err != nil {
			log.WithError(err).Warn("closing trace files")
		}
	})
	oc.TraceMgr = tm
	return oc
}

// progressReporter returns a callback driving a progress bar over the
// simulated run, and a func that completes the bar
func progressReporter(stop time.Duration) (func(now, stop time.Duration), func()) {
	if !progress {
		return nil, func() {}
	}
	bar := progressbar.NewOptions64(
		int64(stop.Seconds()),
		progressbar.OptionSetDescription("simulated seconds"),
		progressbar.OptionShowDescriptionAtLineEnd(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionSetWriter(os.Stderr),
	)
	report := func(now, stop time.Duration) {
		_ = bar.Set64(int64(now.Seconds()))
	}
	return report, func() { _ = bar.Finish() }
}
