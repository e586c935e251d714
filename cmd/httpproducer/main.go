package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:   "httpproducer",
		Usage:  "Deliver messages to an HTTP endpoint, plain or as compressed chunked batches",
		Flags:  globalFlags(),
		Before: loadEnvFile,
		Commands: []*cli.Command{
			{
				Name:   "produce",
				Usage:  "Send lines from a file or stdin, or generated messages, to an HTTP endpoint",
				Flags:  concat(producerFlags(), metricsFlags(), produceFlags()),
				Action: runProduce,
			},
			{
				Name:   "k2http",
				Usage:  "Forward the records of a Kafka topic to an HTTP endpoint",
				Flags:  concat(producerFlags(), metricsFlags(), kafkaFlags()),
				Action: runBridge,
			},
			{
				Name:   "sink",
				Usage:  "Run an HTTP endpoint that accepts and counts deliveries",
				Flags:  sinkFlags(),
				Action: runSink,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadEnvFile loads the --env-file before any command reads the
// environment. Variables already set take precedence.
func loadEnvFile(c *cli.Context) error {
	path := c.String("env-file")
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func concat(groups ...[]cli.Flag) []cli.Flag {
	var out []cli.Flag
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
