package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	serveNumLayers int
	serveNumHeads  int
	serveHidden    int
	serveVocab     int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load config, register GPUs, and run the continuous batcher loop",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel()

		cfg, err := loadConfig()
		if err != nil {
			logrus.Fatalf("loading config: %v", err)
		}
		shape, err := parseModelShapeFlags(serveNumLayers, serveNumHeads, serveHidden, serveVocab)
		if err != nil {
			logrus.Fatalf("invalid model shape: %v", err)
		}

		rt, err := wireRuntime(cfg, shape)
		if err != nil {
			logrus.Fatalf("wiring runtime: %v", err)
		}
		logStartup(rt, shape)

		rt.pool.StartMonitor()
		defer rt.pool.StopMonitor()

		go rt.batcher.Run()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		logrus.Info("shutting down")
		rt.batcher.Stop()
	},
}

func init() {
	serveCmd.Flags().IntVar(&serveNumLayers, "num-layers", 8, "demo model: number of transformer layers")
	serveCmd.Flags().IntVar(&serveNumHeads, "num-heads", 8, "demo model: number of attention heads")
	serveCmd.Flags().IntVar(&serveHidden, "hidden-size", 512, "demo model: hidden size")
	serveCmd.Flags().IntVar(&serveVocab, "vocab-size", 256, "demo model: vocabulary size")
}
