// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// SystemStats matches the hub's /status response
type SystemStats struct {
	Nodes struct {
		Total   int `json:"total"`
		Online  int `json:"online"`
		Offline int `json:"offline"`
	} `json:"nodes"`
	Tasks struct {
		Total     int `json:"total"`
		Pending   int `json:"pending"`
		Running   int `json:"running"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
		Cancelled int `json:"cancelled"`
	} `json:"tasks"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

func main() {
	taskCount := flag.Int("tasks", 50, "Number of tasks to submit")
	modelName := flag.String("model", "benchmark/echo", "Model identifier to submit")
	apiHost := flag.String("api_host", "localhost", "Hub API host")
	apiPort := flag.String("api_port", "8000", "Hub API port")
	flag.Parse()

	// Load hub config from .env or defaults
	_ = godotenv.Load("../../.env")
	if h := os.Getenv("HUB_HOST"); h != "" && *apiHost == "localhost" {
		*apiHost = h
	}
	if p := os.Getenv("HUB_PORT"); p != "" && *apiPort == "8000" {
		*apiPort = p
	}

	baseURL := fmt.Sprintf("http://%s:%s", *apiHost, *apiPort)

	fmt.Printf("\n%s%s %s CONTINUUM HUB BENCHMARK %s (%d tasks)%s\n", colorCyan, colorBold, ">>", "<<", *taskCount, colorReset)

	initialStats, err := getSystemStats(baseURL)
	if err != nil {
		fmt.Printf("%s[ERR]%s Hub unreachable at %s: %v\n", colorRed, colorReset, baseURL, err)
		os.Exit(1)
	}
	if initialStats.Nodes.Online == 0 {
		fmt.Printf("%s[WARN]%s No online nodes registered; tasks will sit pending.\n", colorYellow, colorReset)
	}

	// Submit the batch
	submitted := 0
	for i := 0; i < *taskCount; i++ {
		body, _ := json.Marshal(map[string]interface{}{
			"model": *modelName,
			"input": map[string]interface{}{"prompt": fmt.Sprintf("benchmark task %d", i), "max_tokens": 16},
		})
		resp, err := http.Post(baseURL+"/tasks", "application/json", bytes.NewReader(body))
		if err != nil {
			fmt.Printf("%s[ERR]%s Submission %d failed: %v\n", colorRed, colorReset, i, err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusCreated {
			submitted++
		}
	}
	fmt.Printf("%s[OK]%s %d/%d tasks submitted.\n\n", colorGreen, colorReset, submitted, *taskCount)

	// Monitor Progress
	startTime := time.Now()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	fmt.Printf("%s%-10s %-12s %-10s %-10s %-10s%s\n", colorGray+colorBold, "ELAPSED", "COMPLETED", "FAILED", "RUNNING", "PENDING", colorReset)
	fmt.Println(colorGray + "------------------------------------------------------------" + colorReset)

	for range ticker.C {
		stats, err := getSystemStats(baseURL)
		elapsed := time.Since(startTime).Round(time.Second).String()

		if err != nil {
			fmt.Printf("\r%-10s %s%-42s%s",
				elapsed,
				colorRed, "Error: Connection Refused (Retrying...)", colorReset,
			)
			continue
		}

		deltaCompleted := stats.Tasks.Completed - initialStats.Tasks.Completed
		deltaFailed := stats.Tasks.Failed - initialStats.Tasks.Failed

		statusColor := colorGreen
		if deltaFailed > 0 {
			statusColor = colorRed
		}

		fmt.Printf("\r%-10s %s%-12d%s %s%-10d%s %s%-10d%s %-10d",
			elapsed,
			colorGreen, deltaCompleted, colorReset,
			statusColor, deltaFailed, colorReset,
			colorYellow, stats.Tasks.Running, colorReset,
			stats.Tasks.Pending,
		)

		if stats.Tasks.Running == 0 && stats.Tasks.Pending == 0 && deltaCompleted+deltaFailed >= submitted {
			fmt.Printf("\n%s------------------------------------------------------------%s\n", colorGray, colorReset)
			printReport(deltaCompleted, deltaFailed, time.Since(startTime))
			break
		}
	}
}

func getSystemStats(baseURL string) (SystemStats, error) {
	resp, err := http.Get(baseURL + "/status")
	if err != nil {
		return SystemStats{}, err
	}
	defer resp.Body.Close()

	var stats SystemStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return SystemStats{}, err
	}
	return stats, nil
}

func printReport(completed, failed int, duration time.Duration) {
	total := completed + failed
	tps := float64(total) / duration.Seconds()

	successRate := 100.0
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}

	fmt.Println("\n" + colorCyan + colorBold + "┏━━━━━━━━━━━━━━━━━━━━━━ REPORT ━━━━━━━━━━━━━━━━━━━━━━┓" + colorReset)

	lineFmt := colorCyan + "┃" + colorReset + "  %-22s " + colorBold + "%-25s" + colorCyan + "┃" + colorReset

	fmt.Printf(lineFmt+"\n", "Duration:", duration.Truncate(time.Millisecond).String())
	fmt.Printf(lineFmt+"\n", "Total Tasks:", fmt.Sprintf("%d", total))
	fmt.Printf(colorCyan+"┃"+"  %-22s "+colorGreen+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - Completed:", fmt.Sprintf("%d", completed))

	failedColor := colorGreen
	if failed > 0 {
		failedColor = colorRed
	}
	fmt.Printf(colorCyan+"┃"+"  %-22s "+failedColor+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - Failed:", fmt.Sprintf("%d", failed))

	fmt.Printf(lineFmt+"\n", "Success Rate:", fmt.Sprintf("%.2f%%", successRate))
	fmt.Printf(lineFmt+"\n", "Throughput (TPS):", fmt.Sprintf("%.2f tasks/sec", tps))

	fmt.Println(colorCyan + colorBold + "┗━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛" + colorReset)
}
