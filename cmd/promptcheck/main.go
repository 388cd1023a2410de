// Command promptcheck runs the order analyzer once against a description
// from the command line and prints the JSON result. With DATABASE_URL and
// LLM credentials configured it exercises the stored prompt template and
// the real completion chain; with neither it shows what the rules engine
// would decide on its own.
//
//	promptcheck -modality MRI "MRI brain with and without contrast"
//	promptcheck -modality CT -cpt 74178 "CT abdomen pelvis w contrast"
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apexrad/radsched/cmd/mainconfig"
	"github.com/apexrad/radsched/internal/analyzer"
	"github.com/apexrad/radsched/internal/app/bootstrap"
	appconfig "github.com/apexrad/radsched/internal/config"
	"github.com/apexrad/radsched/internal/orders"
	"github.com/apexrad/radsched/pkg/logging"
)

func main() {
	modality := flag.String("modality", orders.ModalityMRI, "order modality code (CT, MRI, MG, US, XR, NM, PET, FL)")
	cpt := flag.String("cpt", "", "optional CPT code")
	flag.Parse()

	description := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if description == "" {
		fmt.Fprintln(os.Stderr, "usage: promptcheck [-modality CODE] [-cpt CODE] <order description>")
		os.Exit(appconfig.ExitConfigError)
	}
	if !orders.ValidModality(*modality) {
		fmt.Fprintf(os.Stderr, "promptcheck: unknown modality %q\n", *modality)
		os.Exit(appconfig.ExitConfigError)
	}

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// The database is optional here. Without it there is no stored prompt
	// template, so the analyzer skips the LLM entirely.
	var promptPool analyzer.PgxPool
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err == nil {
			err = pool.Ping(ctx)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "promptcheck: database unavailable, running rules only: %v\n", err)
			if pool != nil {
				pool.Close()
			}
		} else {
			defer pool.Close()
			promptPool = pool
		}
	} else {
		fmt.Fprintln(os.Stderr, "promptcheck: DATABASE_URL not set, running rules only")
	}

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(appconfig.ExitConfigError)
	}

	a := bootstrap.BuildAnalyzer(ctx, cfg, promptPool, awsCfg, nil, logger)

	tenantID := cfg.DefaultTenant
	if tenantID == "" {
		tenantID = "promptcheck"
	}
	order := orders.Order{
		OrderID:     "promptcheck",
		Modality:    strings.ToUpper(strings.TrimSpace(*modality)),
		CPTCode:     strings.TrimSpace(*cpt),
		Description: description,
	}

	start := time.Now()
	result := a.Analyze(ctx, tenantID, "", order, nil, nil)
	elapsed := time.Since(start)

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "promptcheck: encode result: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
	fmt.Fprintf(os.Stderr, "engine=%s elapsed=%s\n", result.Engine, elapsed.Round(time.Millisecond))
}
