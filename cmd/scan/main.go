// Command scan runs the opportunity pipeline once and prints the ranked
// table without placing orders. Useful for sizing a config before letting
// the keeper trade it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"funding_keeper/internal/config"
	"funding_keeper/internal/core"
	"funding_keeper/internal/history"
	"funding_keeper/internal/trading/aggregator"
	"funding_keeper/internal/venue"
	"funding_keeper/pkg/cli"
	"funding_keeper/pkg/concurrency"
	"funding_keeper/pkg/logging"
)

func main() {
	configPath := flag.String("config", "configs/keeper.yaml", "Path to configuration file")
	symbolsFlag := flag.String("symbols", "", "Comma-separated symbol override")
	timeout := flag.Duration("timeout", 30*time.Second, "Scan deadline")
	flag.Parse()

	if err := cli.ValidateInput(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config path: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	symbols := cfg.TradableSymbols()
	if *symbolsFlag != "" {
		symbols = strings.Split(*symbolsFlag, ",")
		for _, s := range symbols {
			if err := cli.ValidateInput(s); err != nil {
				fmt.Fprintf(os.Stderr, "Invalid symbol %q: %v\n", s, err)
				os.Exit(1)
			}
		}
	}

	// Scans are read-only; never let a scan config place live orders.
	cfg.App.DryRun = true

	logger, err := logging.NewZapLogger("WARN")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	registry, err := venue.Build(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build venues: %v\n", err)
		os.Exit(1)
	}

	var perps []core.IVenue
	for _, v := range registry.Perps() {
		perps = append(perps, v)
	}

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "scan",
		MaxWorkers: 8,
	}, logger)
	agg := aggregator.New(aggregator.Config{
		MinSpread: core.RateFromFloat(cfg.Strategy.MinSpread),
	}, perps, nil, aggregator.NewAliases(), history.New(history.Options{}), pool, logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	opps, err := agg.Scan(ctx, symbols)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Scan failed: %v\n", err)
		os.Exit(1)
	}
	if len(opps) == 0 {
		fmt.Println("No opportunities above the spread gate.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tLONG\tSHORT\tSPREAD\tAPR\tMIN OI (USD)")
	for _, o := range opps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s%%\t%s\n",
			o.Symbol,
			o.LongVenue,
			o.ShortVenue,
			o.Spread.Decimal.StringFixed(6),
			o.ExpectedAPR.StringFixed(2),
			o.MinOI().StringFixed(0),
		)
	}
	w.Flush()
}
