package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"decision_core/internal/bootstrap"
	"decision_core/internal/core"
	"decision_core/internal/logging"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	app, err := bootstrap.NewApp(*configPath, &logExecutor{}, &staticMarketData{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
		os.Exit(1)
	}
	if err := app.Run(); err != nil {
		os.Exit(1)
	}
}

// logExecutor stands in for the external execution layer: it accepts
// every approved decision and logs the handoff. Real deployments
// replace it with a broker adapter implementing core.IExecutor.
type logExecutor struct{}

func (e *logExecutor) Execute(d *core.ApprovedDecision) error {
	logging.Info("Approved decision handed off",
		"decision_id", d.DecisionID,
		"position_id", d.PositionID,
		"instrument", d.Signal.Instrument,
		"strategy", d.Signal.StrategyID,
		"direction", d.Signal.Direction,
		"fraction", d.Size.Fraction,
		"regime", d.Verdict.Regime.String())
	return nil
}

// staticMarketData serves a fixed single-instrument snapshot; the real
// provider is wired in by the host deployment's ingestion layer.
type staticMarketData struct{}

func (m *staticMarketData) Snapshot() map[string]*core.MarketSnapshot {
	return map[string]*core.MarketSnapshot{
		"EURUSD": {
			Instrument: "EURUSD",
			Timestamp:  time.Now(),
			Close:      decimal.NewFromFloat(1.0850),
			Features:   map[string]float64{},
		},
	}
}

func (m *staticMarketData) Features() map[string]map[string]float64 {
	return map[string]map[string]float64{}
}
