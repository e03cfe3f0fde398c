package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/common-nighthawk/go-figure"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/accelforge/aicore/internal/config"
	"github.com/accelforge/aicore/pkg/aiclient"
)

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func infoCommand(cfg **config.Config, log **zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Print device capabilities",
		Action: func(c *cli.Context) error {
			client, err := aiclient.Open(*cfg, *log)
			if err != nil {
				return err
			}
			defer client.Close()

			info, err := client.Info()
			if err != nil {
				return err
			}
			return printJSON(info)
		},
	}
}

func statsCommand(cfg **config.Config, log **zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Print device counters",
		Action: func(c *cli.Context) error {
			client, err := aiclient.Open(*cfg, *log)
			if err != nil {
				return err
			}
			defer client.Close()

			stats, err := client.Stats()
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
}

func benchCommand(cfg **config.Config, log **zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "Run inference jobs against the simulated engines and report throughput",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "dim", Value: 256, Usage: "Model dimension (square weight matrix)"},
			&cli.IntFlag{Name: "iters", Value: 100, Usage: "Number of inference jobs"},
		},
		Action: func(c *cli.Context) error {
			client, err := aiclient.Open(*cfg, *log)
			if err != nil {
				return err
			}
			defer client.Close()

			n := c.Int("dim")
			iters := c.Int("iters")
			l := (*log).Named("bench")

			weights := make([]byte, 4*n*n)
			for i := 0; i < n*n; i++ {
				binary.LittleEndian.PutUint32(weights[4*i:], math.Float32bits(rand.Float32()-0.5))
			}
			model, err := client.LoadModelFromMemory(weights)
			if err != nil {
				return err
			}
			in, err := client.AllocBuffer(int64(4 * n))
			if err != nil {
				return err
			}
			out, err := client.AllocBuffer(int64(4 * n))
			if err != nil {
				return err
			}

			input := make([]byte, 4*n)
			for i := 0; i < n; i++ {
				binary.LittleEndian.PutUint32(input[4*i:], math.Float32bits(rand.Float32()))
			}
			if err := client.CopyToDevice(in, input, 0); err != nil {
				return err
			}

			l.Info("starting benchmark", zap.Int("dim", n), zap.Int("iters", iters))
			start := time.Now()
			for i := 0; i < iters; i++ {
				if err := client.RunInference(model, in, out, nil); err != nil {
					return err
				}
			}
			elapsed := time.Since(start)

			stats, err := client.Stats()
			if err != nil {
				return err
			}
			fmt.Printf("ran %d jobs of dim %d in %v (%.1f jobs/s, avg latency %v)\n",
				iters, n, elapsed.Round(time.Microsecond),
				float64(iters)/elapsed.Seconds(), stats.AverageLatency.Round(time.Nanosecond))
			return nil
		},
	}
}

func serveCommand(cfg **config.Config, log **zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Expose device info, counters and Prometheus metrics over HTTP",
		Action: func(c *cli.Context) error {
			banner := figure.NewFigure("aicore", "", true)
			banner.Print()

			client, err := aiclient.Open(*cfg, *log)
			if err != nil {
				return err
			}
			defer client.Close()
			l := (*log).Named("serve")

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.HandleFunc("/v1/info", func(w http.ResponseWriter, r *http.Request) {
				serveJSON(w, l, func() (any, error) {
					info, err := client.Info()
					return info, err
				})
			})
			mux.HandleFunc("/v1/stats", func(w http.ResponseWriter, r *http.Request) {
				serveJSON(w, l, func() (any, error) {
					stats, err := client.Stats()
					return stats, err
				})
			})

			addr := (*cfg).Metrics.ListenAddress
			l.Info("starting server", zap.String("address", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				l.Fatal("failed to start server", zap.Error(err))
			}
			return nil
		},
	}
}

func serveJSON(w http.ResponseWriter, log *zap.Logger, fn func() (any, error)) {
	v, err := fn()
	if err != nil {
		log.Warn("request failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to encode response", zap.Error(err))
	}
}
