package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/vietddude/httpguard/internal/control"
	"github.com/vietddude/httpguard/internal/infra/rpc"
	"github.com/vietddude/httpguard/internal/infra/rpc/hostmetrics"
)

var (
	probePath        string
	probeRequests    int
	probeConcurrency int
	probeRate        float64
	probeAsync       bool
)

var probeCmd = &cobra.Command{
	Use:   "probe [service]",
	Short: "Send a burst of guarded requests to a service and report per-host timings",
	Args:  cobra.ExactArgs(1),
	Run:   runProbe,
}

func init() {
	probeCmd.Flags().StringVar(&probePath, "path", "", "request path relative to the node (default from config)")
	probeCmd.Flags().IntVar(&probeRequests, "requests", 0, "number of requests (default from config)")
	probeCmd.Flags().IntVar(&probeConcurrency, "concurrency", 0, "concurrent workers (default from config)")
	probeCmd.Flags().Float64Var(&probeRate, "rate", -1, "requests per second, 0 = unpaced (default from config)")
	probeCmd.Flags().BoolVar(&probeAsync, "async", false, "use the asynchronous call path")
	rootCmd.AddCommand(probeCmd)
}

type probeResult struct {
	ok, qos, failed atomic.Int64
}

func runProbe(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	svc, ok := cfg.Service(args[0])
	if !ok {
		slog.Error("Unknown service", "service", args[0])
		os.Exit(1)
	}
	if probePath == "" {
		probePath = cfg.Probe.Path
	}
	if probeRequests <= 0 {
		probeRequests = cfg.Probe.Requests
	}
	if probeConcurrency <= 0 {
		probeConcurrency = cfg.Probe.Concurrency
	}
	if probeRate < 0 {
		probeRate = cfg.Probe.Rate
	}

	clientCfg, err := control.ClientConfig(svc)
	if err != nil {
		slog.Error("Invalid service config", "error", err)
		os.Exit(1)
	}
	hosts := rpc.NewHostMetricsRegistry()
	client, err := rpc.NewClient(clientCfg, rpc.WithHostMetrics(hosts))
	if err != nil {
		slog.Error("Failed to create client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	limit := rate.Inf
	if probeRate > 0 {
		limit = rate.Limit(probeRate)
	}
	pacer := rate.NewLimiter(limit, 1)

	var res probeResult
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for i := 0; i < probeRequests; i++ {
		if err := pacer.Wait(gctx); err != nil {
			break
		}
		g.Go(func() error {
			res.record(probeOnce(gctx, client))
			return nil
		})
	}
	_ = g.Wait()

	elapsed := time.Since(start)
	fmt.Printf("%s: %d ok, %d qos, %d failed in %s\n\n",
		svc.Name, res.ok.Load(), res.qos.Load(), res.failed.Load(), elapsed.Round(time.Millisecond))
	printHostTable(hosts.Metrics())
}

func probeOnce(ctx context.Context, client *rpc.Client) error {
	req, err := http.NewRequest(http.MethodGet, probePath, nil)
	if err != nil {
		return err
	}

	var resp *http.Response
	if probeAsync {
		future, err := client.DoAsync(ctx, req, nil)
		if err != nil {
			return err
		}
		resp, err = future.Wait(ctx)
		if err != nil {
			return err
		}
	} else {
		resp, err = client.Do(ctx, req)
		if err != nil {
			return err
		}
	}
	return resp.Body.Close()
}

func (r *probeResult) record(err error) {
	var qe *rpc.QosError
	switch {
	case err == nil:
		r.ok.Add(1)
	case errors.As(err, &qe):
		r.qos.Add(1)
		slog.Debug("Probe hit QoS condition", "error", err)
	default:
		r.failed.Add(1)
		slog.Debug("Probe failed", "error", err)
	}
}

func printHostTable(snaps []hostmetrics.Snapshot) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "HOST\tCALLS\t2XX\t4XX\t5XX\tIO ERR\tMEAN\tP50\tP95\tP99")
	for _, s := range snaps {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\t%s\t%s\n",
			s.Hostname,
			s.Total.Count,
			s.Family(hostmetrics.Family2xx).Count,
			s.Family(hostmetrics.Family4xx).Count,
			s.Family(hostmetrics.Family5xx).Count,
			s.IOErrors,
			s.Total.Mean().Round(time.Microsecond),
			s.Total.P50.Round(time.Microsecond),
			s.Total.P95.Round(time.Microsecond),
			s.Total.P99.Round(time.Microsecond),
		)
	}
	_ = w.Flush()
}
