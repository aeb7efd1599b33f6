package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/go-hive/internal/config"
	"github.com/basket/go-hive/internal/doctor"
	hiveotel "github.com/basket/go-hive/internal/otel"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	var diag doctor.Diagnosis
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		diag = doctor.Run(ctx, nil, hiveotel.Version)
	} else {
		diag = doctor.Run(ctx, &cfg, hiveotel.Version)
	}
	return printDiagnosis(os.Stdout, diag, jsonOutput)
}

func printDiagnosis(w io.Writer, diag doctor.Diagnosis, jsonOutput bool) int {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
	} else {
		fmt.Fprintf(w, "gohive doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(w, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
		fmt.Fprintln(w, "---")
		for _, res := range diag.Results {
			fmt.Fprintf(w, "[%s] %-14s %s\n", res.Status, res.Name, res.Message)
			if res.Detail != "" {
				fmt.Fprintf(w, "       %s\n", res.Detail)
			}
		}
	}
	if diag.Failed() > 0 {
		return 1
	}
	return 0
}
