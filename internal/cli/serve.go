package cli

import (
	"github.com/spf13/cobra"

	"github.com/car-repair/estimator/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&serveNoWorker, "no-worker", false, "Serve the API without processing jobs")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
}

var (
	serveHost     string
	servePort     int
	serveNoWorker bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and the job worker",
	Long:  `Start the HTTP API (default 127.0.0.1:8080) and, unless disabled, the job worker.`,
	RunE:  runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the job worker",
	RunE:  runWorker,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}

	// Override config from flags
	if serveHost != "" {
		cfg.API.Host = serveHost
	}
	if servePort > 0 {
		cfg.API.Port = servePort
	}
	if serveNoWorker {
		cfg.Worker.Enabled = false
	}

	d, err := newDaemon(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	return d.Serve(cmd.Context())
}

func runWorker(cmd *cobra.Command, args []string) error {
	d, err := openDaemon(cmd.Context())
	if err != nil {
		return err
	}
	return d.RunWorker(cmd.Context())
}
