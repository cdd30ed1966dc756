package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/VanDung-dev/HieraMesh/network"
)

// PingTestConfig holds configuration for the ping test.
type PingTestConfig struct {
	Target      string
	Concurrency int
	Count       int
	Duration    time.Duration
	Interval    time.Duration
	Timeout     time.Duration
	ReportFile  string
}

// PingTestResult holds the results of a ping test.
type PingTestResult struct {
	Sent          int64
	Received      int64
	Lost          int64
	TotalDuration time.Duration
	AvgRTT        time.Duration
	MinRTT        time.Duration
	MaxRTT        time.Duration
}

var config PingTestConfig

var rootCmd = &cobra.Command{
	Use:   "pingtest",
	Short: "Measure Ping/Pong round trips against a HieraMesh UDP node",
	Long: `pingtest opens one UDP socket per worker, sends unreliable Ping messages
to a running node and measures the time until the matching Pong arrives.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		fmt.Println("=== HieraMesh Ping Test ===")
		fmt.Printf("Target: %s\n", config.Target)
		fmt.Printf("Concurrency: %d workers\n", config.Concurrency)
		if config.Count > 0 {
			fmt.Printf("Count: %d pings per worker\n", config.Count)
		} else {
			fmt.Printf("Duration: %v\n", config.Duration)
		}
		fmt.Println()

		result, err := runPingTest(cmd.Context(), config)
		if err != nil {
			return err
		}
		printResults(result)

		if config.ReportFile != "" {
			return saveReport(config, result)
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&config.Target, "target", "a", "127.0.0.1:7946", "Node UDP address")
	rootCmd.Flags().IntVarP(&config.Concurrency, "concurrency", "c", 4, "Number of concurrent workers")
	rootCmd.Flags().IntVarP(&config.Count, "count", "n", 0, "Pings per worker (0 = run for --duration)")
	rootCmd.Flags().DurationVarP(&config.Duration, "duration", "d", 10*time.Second, "Duration of test")
	rootCmd.Flags().DurationVarP(&config.Interval, "interval", "i", 100*time.Millisecond, "Pause between pings of one worker")
	rootCmd.Flags().DurationVar(&config.Timeout, "timeout", time.Second, "Time to wait for each Pong")
	rootCmd.Flags().StringVarP(&config.ReportFile, "output", "o", "", "Output report file (JSON)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// stats aggregates worker measurements.
type stats struct {
	sent     atomic.Int64
	received atomic.Int64
	lost     atomic.Int64
	rttSum   atomic.Int64
	minRTT   atomic.Int64
	maxRTT   atomic.Int64
}

func (s *stats) record(rtt time.Duration) {
	s.received.Add(1)
	s.rttSum.Add(int64(rtt))

	lat := int64(rtt)
	for {
		old := s.minRTT.Load()
		if lat >= old || s.minRTT.CompareAndSwap(old, lat) {
			break
		}
	}
	for {
		old := s.maxRTT.Load()
		if lat <= old || s.maxRTT.CompareAndSwap(old, lat) {
			break
		}
	}
}

func runPingTest(ctx context.Context, config PingTestConfig) (PingTestResult, error) {
	if config.Count <= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Duration)
		defer cancel()
	}

	st := &stats{}
	st.minRTT.Store(1<<63 - 1)

	transports := make([]*network.UDPTransport, 0, config.Concurrency)
	for i := 0; i < config.Concurrency; i++ {
		tr, err := network.NewUDPTransport("0.0.0.0:0")
		if err != nil {
			for _, t := range transports {
				_ = t.Close()
			}
			return PingTestResult{}, err
		}
		transports = append(transports, tr)
	}

	start := time.Now()
	var wg sync.WaitGroup
	for _, tr := range transports {
		wg.Add(1)
		go func(tr *network.UDPTransport) {
			defer wg.Done()
			defer tr.Close()
			runWorker(ctx, tr, config, st)
		}(tr)
	}
	wg.Wait()

	result := PingTestResult{
		Sent:          st.sent.Load(),
		Received:      st.received.Load(),
		Lost:          st.lost.Load(),
		TotalDuration: time.Since(start),
	}
	if result.Received > 0 {
		result.AvgRTT = time.Duration(st.rttSum.Load() / result.Received)
		result.MinRTT = time.Duration(st.minRTT.Load())
		result.MaxRTT = time.Duration(st.maxRTT.Load())
	}
	return result, nil
}

func runWorker(ctx context.Context, tr *network.UDPTransport, config PingTestConfig, st *stats) {
	codec := network.NewCodec(network.DefaultCompressThreshold)

	for i := 0; config.Count <= 0 || i < config.Count; i++ {
		if ctx.Err() != nil {
			return
		}

		rtt, err := ping(ctx, tr, codec, config)
		if err != nil && ctx.Err() != nil {
			// the test ended while waiting
			return
		}
		st.sent.Add(1)
		if err != nil {
			st.lost.Add(1)
		} else {
			st.record(rtt)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(config.Interval):
		}
	}
}

// ping sends one Ping and waits for a Pong, skipping anything else.
func ping(ctx context.Context, tr *network.UDPTransport, codec *network.Codec, config PingTestConfig) (time.Duration, error) {
	msg, err := network.NewMessage(network.Ping, nil)
	if err != nil {
		return 0, err
	}
	msg.SenderAddress = tr.LocalAddr()
	data, err := codec.Encode(msg)
	if err != nil {
		return 0, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	start := time.Now()
	if err := tr.Send(waitCtx, config.Target, data); err != nil {
		return 0, err
	}
	for {
		d, err := tr.Receive(waitCtx)
		if err != nil {
			return 0, err
		}
		reply, err := codec.Decode(d.Data)
		if err != nil {
			continue
		}
		if reply.Type == network.Pong {
			return time.Since(start), nil
		}
	}
}

func printResults(result PingTestResult) {
	var lossPct float64
	if result.Sent > 0 {
		lossPct = float64(result.Lost) / float64(result.Sent) * 100
	}
	fmt.Println("=== Results ===")
	fmt.Printf("Duration:   %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Sent:       %d\n", result.Sent)
	fmt.Printf("Received:   %d\n", result.Received)
	fmt.Printf("Lost:       %d (%.2f%%)\n", result.Lost, lossPct)
	fmt.Printf("Avg RTT:    %v\n", result.AvgRTT.Round(time.Microsecond))
	fmt.Printf("Min RTT:    %v\n", result.MinRTT.Round(time.Microsecond))
	fmt.Printf("Max RTT:    %v\n", result.MaxRTT.Round(time.Microsecond))
}

func saveReport(config PingTestConfig, result PingTestResult) error {
	report := map[string]any{
		"config": map[string]any{
			"target":      config.Target,
			"concurrency": config.Concurrency,
			"count":       config.Count,
			"duration":    config.Duration.String(),
		},
		"results": map[string]any{
			"sent":       result.Sent,
			"received":   result.Received,
			"lost":       result.Lost,
			"avg_rtt_ms": float64(result.AvgRTT.Microseconds()) / 1000,
			"min_rtt_ms": float64(result.MinRTT.Microseconds()) / 1000,
			"max_rtt_ms": float64(result.MaxRTT.Microseconds()) / 1000,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(config.ReportFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	fmt.Printf("Report saved to: %s\n", config.ReportFile)
	return nil
}
