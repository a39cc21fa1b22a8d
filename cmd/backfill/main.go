// Package main provides a CLI for triggering backfills against a running
// engine instance.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/insight-sync/internal/types"
)

func main() {
	var (
		serverURL = flag.String("server", "http://localhost:8080", "Base URL of the sync engine API")
		brandID   = flag.String("brand", "", "Brand id to backfill (required)")
		dates     = flag.String("dates", "", "Comma-separated list of dates (YYYY-MM-DD)")
		from      = flag.String("from", "", "Range start (YYYY-MM-DD), used with -to")
		to        = flag.String("to", "", "Range end (YYYY-MM-DD), used with -from")
	)
	flag.Parse()

	if *brandID == "" {
		log.Fatal("-brand is required")
	}

	days, err := collectDates(*dates, *from, *to)
	if err != nil {
		log.Fatalf("Invalid dates: %v", err)
	}
	if len(days) == 0 {
		log.Fatal("No dates given: pass -dates or -from/-to")
	}

	payload, err := json.Marshal(map[string]interface{}{
		"brandId": *brandID,
		"dates":   days,
	})
	if err != nil {
		log.Fatalf("Failed to encode request: %v", err)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(*serverURL+"/api/v1/backfill", "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		log.Fatalf("Backfill rejected (HTTP %d): %s", resp.StatusCode, body)
	}

	log.Printf("Backfill accepted for brand %s (%d dates): %s", *brandID, len(days), body)
}

// collectDates merges the -dates list and the -from/-to range into one list
// of YYYY-MM-DD strings
func collectDates(list, from, to string) ([]string, error) {
	var days []string

	if list != "" {
		for _, raw := range strings.Split(list, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			if _, err := types.ParseDate(raw); err != nil {
				return nil, fmt.Errorf("bad date %q: %w", raw, err)
			}
			days = append(days, raw)
		}
	}

	if from != "" || to != "" {
		start, err := types.ParseDate(from)
		if err != nil {
			return nil, fmt.Errorf("bad -from: %w", err)
		}
		end, err := types.ParseDate(to)
		if err != nil {
			return nil, fmt.Errorf("bad -to: %w", err)
		}
		if end.Before(start) {
			return nil, fmt.Errorf("-to precedes -from")
		}
		for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
			days = append(days, types.FormatDate(day))
		}
	}

	return days, nil
}
