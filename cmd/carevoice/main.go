package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/code-100-precent/carevoice/cmd/bootstrap"
	"github.com/code-100-precent/carevoice/pkg/config"
	"github.com/code-100-precent/carevoice/pkg/logger"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

type options struct {
	verbose bool
	banner  string
	cfg     *config.Config
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "carevoice",
		Short: "Multilingual, emergency-aware hospital voice receptionist",
		Long: `CareVoice runs realtime voice sessions against a speech backend,
identifies the caller's language on every utterance and scores it for
medical emergencies, alerting hospital staff when needed.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return opts.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Sync()
		},
	}
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log to the console as well as the log file")
	root.PersistentFlags().StringVar(&opts.banner, "banner", "", "Banner file printed before a talk session")

	root.AddCommand(
		newVersionCmd(),
		newAnalyzeCmd(opts),
		newDetectCmd(opts),
		newDevicesCmd(opts),
		newTalkCmd(opts),
	)
	return root
}

func (o *options) setup() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	mode := "production"
	if o.verbose {
		mode = "dev"
	}
	if err := logger.Init(&cfg.Log, mode); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	o.cfg = cfg
	return nil
}

func (o *options) services() (*bootstrap.Services, error) {
	return bootstrap.Build(o.cfg, logger.L())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "carevoice %s (%s, %s)\n", version, commit, buildDate)
		},
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
