package cmd

import (
	"bufio"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vramcore/vramcore/internal/batcher"
)

var (
	submitMaxNewTokens int
	submitTemperature  float64
	submitTopK         int
	submitTopP         float64
	submitNumLayers    int
	submitNumHeads     int
	submitHidden       int
	submitVocab        int
)

// submitCmd is the stdin-driven debug command named in SPEC_FULL.md §2:
// it wires up the same in-process core serve does, feeds it one prompt
// read from stdin, prints the streamed tokens, and exits — exercising
// ContinuousBatcher.submit end to end without a network-facing server.
var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit one prompt (read from stdin) to an in-process batcher and print the completion",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel()

		cfg, err := loadConfig()
		if err != nil {
			logrus.Fatalf("loading config: %v", err)
		}
		shape, err := parseModelShapeFlags(submitNumLayers, submitNumHeads, submitHidden, submitVocab)
		if err != nil {
			logrus.Fatalf("invalid model shape: %v", err)
		}

		rt, err := wireRuntime(cfg, shape)
		if err != nil {
			logrus.Fatalf("wiring runtime: %v", err)
		}

		scanner := bufio.NewScanner(os.Stdin)
		fmt.Fprint(os.Stderr, "prompt> ")
		if !scanner.Scan() {
			logrus.Fatal("no prompt read from stdin")
		}
		prompt := scanner.Text()

		sampling := batcher.SamplingParams{Temperature: submitTemperature, TopK: submitTopK, TopP: submitTopP}
		handle, err := rt.batcher.Submit(prompt, submitMaxNewTokens, sampling, func(text string) {
			fmt.Fprint(os.Stdout, text)
		})
		if err != nil {
			logrus.Fatalf("submit: %v", err)
		}

		go rt.batcher.Run()
		res := handle.Wait()
		rt.batcher.Stop()

		fmt.Println()
		if res.Err != nil {
			logrus.Fatalf("generation failed: %v", res.Err)
		}
	},
}

func init() {
	submitCmd.Flags().IntVar(&submitMaxNewTokens, "max-new-tokens", 32, "maximum tokens to generate")
	submitCmd.Flags().Float64Var(&submitTemperature, "temperature", 1.0, "sampling temperature")
	submitCmd.Flags().IntVar(&submitTopK, "top-k", 50, "sampling top-k")
	submitCmd.Flags().Float64Var(&submitTopP, "top-p", 1.0, "sampling top-p")
	submitCmd.Flags().IntVar(&submitNumLayers, "num-layers", 8, "demo model: number of transformer layers")
	submitCmd.Flags().IntVar(&submitNumHeads, "num-heads", 8, "demo model: number of attention heads")
	submitCmd.Flags().IntVar(&submitHidden, "hidden-size", 512, "demo model: hidden size")
	submitCmd.Flags().IntVar(&submitVocab, "vocab-size", 256, "demo model: vocabulary size")
}
