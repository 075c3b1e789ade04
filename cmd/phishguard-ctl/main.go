// Command phishguard-ctl is an operator CLI for scripted health checks
// against a phishguard deployment: governance status, canary promotion
// eligibility, trusted-domain manifest integrity, and calibration
// regression detection — each exits non-zero on failure so it can be
// wired into a deploy pipeline or cron health check without parsing
// JSON by hand.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/phishguard/phishguard/internal/audit"
	"github.com/phishguard/phishguard/internal/calibration"
	"github.com/phishguard/phishguard/internal/config"
	"github.com/phishguard/phishguard/internal/governance"
	"github.com/phishguard/phishguard/internal/trustgate"
)

func main() {
	status := flag.Bool("status", false, "print governance safety status and exit non-zero if frozen")
	checkCanary := flag.String("check-canary", "", "check canary promotion eligibility for the given domain")
	verifyManifest := flag.Bool("verify-manifest", false, "load and validate the trusted-domain manifest")
	checkRegressions := flag.Bool("check-regressions", false, "exit non-zero if the calibration monitor reports a regression")
	flag.Parse()

	switch {
	case *status:
		os.Exit(runStatus())
	case *checkCanary != "":
		os.Exit(runCheckCanary(*checkCanary))
	case *verifyManifest:
		os.Exit(runVerifyManifest())
	case *checkRegressions:
		os.Exit(runCheckRegressions())
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func newGovernanceController(cfg *config.Config) (*governance.Controller, error) {
	auditor, err := audit.NewSyncWriter(cfg.Phishguard.AuditSyncLogPath)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return governance.NewController(
		cfg.Phishguard.GovernanceStateDir+"/governance_state.json",
		cfg.Phishguard.GovernanceStateDir+"/domain_trust_timestamps.json",
		cfg.Phishguard.LockTimeoutSec, cfg.Phishguard.LockRetryCeiling,
		cfg.Phishguard.SharedReadTimeoutSec, cfg.Phishguard.StateCacheTTLSec,
		governance.Budgets{
			MaxOverridesPerHour:      cfg.Phishguard.MaxOverridesPerHour,
			MaxOverridesPerDay:       cfg.Phishguard.MaxOverridesPerDay,
			MaxCanaryFailures:        cfg.Phishguard.MaxCanaryFailures,
			CanaryMinTestRuns:        cfg.Phishguard.CanaryMinTestRuns,
			CanaryMinSampleSize:      cfg.Phishguard.CanaryMinSampleSize,
			CanaryMinConsecutivePass: cfg.Phishguard.CanaryMinConsecutivePass,
			CanaryRequiredPassRate:   1.0,
		},
		auditor, audit.EnvLocal,
	), nil
}

func runStatus() int {
	cfg := config.Get()
	gov, err := newGovernanceController(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "phishguard-ctl: %v\n", err)
		return 1
	}
	status, err := gov.GetSafetyStatus()
	if err != nil {
		fmt.Fprintf(os.Stderr, "phishguard-ctl: status unavailable: %v\n", err)
		return 1
	}
	fmt.Printf("frozen=%v reason=%q overrides_this_hour=%d/%d canary_failures=%d\n",
		status.Freeze.IsFrozen, status.Freeze.FreezeReason,
		status.Budget.OverrideCountHourly, cfg.Phishguard.MaxOverridesPerHour,
		status.Budget.CanaryFailures)
	if status.Freeze.IsFrozen {
		return 1
	}
	return 0
}

func runCheckCanary(domain string) int {
	cfg := config.Get()
	gov, err := newGovernanceController(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "phishguard-ctl: %v\n", err)
		return 1
	}
	eligibility, err := gov.CheckPromotionEligibility(domain)
	if err != nil {
		fmt.Fprintf(os.Stderr, "phishguard-ctl: eligibility check failed: %v\n", err)
		return 1
	}
	fmt.Printf("domain=%s eligible=%v requires_approval=%v reasons=%v\n",
		eligibility.Domain, eligibility.Eligible, eligibility.RequiresApproval, eligibility.Reasons)
	if !eligibility.Eligible {
		return 1
	}
	return 0
}

func runVerifyManifest() int {
	cfg := config.Get()
	auditor, err := audit.NewSyncWriter(cfg.Phishguard.AuditSyncLogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "phishguard-ctl: %v\n", err)
		return 1
	}
	gov := governance.NewController(
		cfg.Phishguard.GovernanceStateDir+"/governance_state.json",
		cfg.Phishguard.GovernanceStateDir+"/domain_trust_timestamps.json",
		cfg.Phishguard.LockTimeoutSec, cfg.Phishguard.LockRetryCeiling,
		cfg.Phishguard.SharedReadTimeoutSec, cfg.Phishguard.StateCacheTTLSec,
		governance.Budgets{}, auditor, audit.EnvLocal,
	)
	gate, err := trustgate.NewGate(cfg.Phishguard.TrustManifestPath, cfg.Phishguard.SnapshotPath, gov)
	if err != nil {
		fmt.Fprintf(os.Stderr, "phishguard-ctl: manifest invalid: %v\n", err)
		return 1
	}
	fmt.Printf("manifest OK: %d trusted domains loaded\n", gate.Size())
	return 0
}

func runCheckRegressions() int {
	cfg := config.Get()
	monitor := calibration.NewMonitor(cfg.Phishguard.CalibrationPath, calibration.DefaultThresholds(), 0)
	snap, err := monitor.Snapshot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "phishguard-ctl: calibration snapshot unavailable: %v\n", err)
		return 1
	}
	fmt.Printf("status=%s brier=%.3f cal_error=%.3f samples=%d\n",
		snap.CalibrationStatus, snap.BrierScore, snap.CalibrationError, snap.SampleCount)
	if snap.CalibrationStatus != governance.CalibrationHealthy {
		return 1
	}
	return 0
}
