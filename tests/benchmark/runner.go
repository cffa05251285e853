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

// The race runner posts tasks against a running engine and fires concurrent
// accepts at each one. Every round must end with exactly one winner. With
// --verify it also checks the tasks table for workers holding more than one
// active task.
package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

// StatusResponse matches the /status payload of the engine.
type StatusResponse struct {
	ID     string `json:"id"`
	Uptime string `json:"uptime"`
	Engine struct {
		OnlineWorkers int `json:"online_workers"`
		Tasks         struct {
			TotalTasks int            `json:"total_tasks"`
			ByStatus   map[string]int `json:"by_status"`
		} `json:"tasks"`
	} `json:"engine"`
}

type roundResult struct {
	winners   int
	conflicts int
	other     int
	latency   time.Duration
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

var client = &http.Client{Timeout: 10 * time.Second}

func main() {
	rounds := flag.Int("rounds", 20, "Number of tasks to race on")
	workers := flag.Int("workers", 16, "Concurrent accepts per task")
	apiHost := flag.String("api_host", "localhost", "Engine API host")
	apiPort := flag.String("api_port", "8080", "Engine API port")
	verify := flag.Bool("verify", false, "Check the tasks table after the run")
	dbHost := flag.String("db_host", "localhost", "Database host (with --verify)")
	flag.Parse()

	base := fmt.Sprintf("http://%s:%s", *apiHost, *apiPort)
	fmt.Printf("\n%s%s >> DISPATCH RACE RUNNER  rounds=%d workers=%d <<%s\n", colorCyan, colorBold, *rounds, *workers, colorReset)

	initial, err := getStatus(base)
	if err != nil {
		fmt.Printf("%s[ERR]%s Engine not reachable at %s: %v\n", colorRed, colorReset, base, err)
		os.Exit(1)
	}
	fmt.Printf("%s[OK]%s Engine %s up %s, %d workers online\n\n", colorGreen, colorReset, initial.ID, initial.Uptime, initial.Engine.OnlineWorkers)

	fmt.Printf("%s%-8s %-10s %-10s %-10s %-10s%s\n", colorGray+colorBold, "ROUND", "WINNERS", "CONFLICTS", "OTHER", "LATENCY", colorReset)
	fmt.Println(colorGray + "------------------------------------------------------------" + colorReset)

	start := time.Now()
	var bad int
	results := make([]roundResult, 0, *rounds)
	for i := 0; i < *rounds; i++ {
		res, err := runRound(base, i, *workers)
		if err != nil {
			fmt.Printf("%s[ERR]%s round %d: %v\n", colorRed, colorReset, i, err)
			os.Exit(1)
		}
		results = append(results, res)

		winColor := colorGreen
		if res.winners != 1 {
			winColor = colorRed
			bad++
		}
		fmt.Printf("%-8d %s%-10d%s %-10d %s%-10d%s %-10s\n",
			i, winColor, res.winners, colorReset, res.conflicts,
			colorYellow, res.other, colorReset, res.latency.Truncate(time.Microsecond))
	}

	printReport(results, time.Since(start))

	if *verify {
		if err := verifyTable(*dbHost); err != nil {
			fmt.Printf("%s[FAIL]%s %v\n", colorRed, colorReset, err)
			os.Exit(1)
		}
		fmt.Printf("%s[OK]%s No worker holds more than one active task.\n", colorGreen, colorReset)
	}
	if bad > 0 {
		os.Exit(1)
	}
}

// runRound brings a fresh set of workers online, posts one task and races
// them on it.
func runRound(base string, round, workers int) (roundResult, error) {
	loc := map[string]any{"lat": 12.97, "lng": 77.59, "area": "bench"}
	ids := make([]string, workers)
	for i := range ids {
		ids[i] = fmt.Sprintf("bench-w-%d-%d-%d", time.Now().Unix(), round, i)
		if code, err := post(base+"/workers/"+ids[i]+"/online", map[string]any{"location": loc}, nil); err != nil || code != http.StatusOK {
			return roundResult{}, fmt.Errorf("worker online: status %d: %v", code, err)
		}
	}
	defer func() {
		for _, id := range ids {
			_, _ = post(base+"/workers/"+id+"/offline", map[string]any{}, nil)
		}
	}()

	var task struct {
		ID string `json:"id"`
	}
	code, err := post(base+"/tasks", map[string]any{
		"posterId": fmt.Sprintf("bench-poster-%d", round),
		"title":    "race run",
		"location": loc,
		"budget":   "100",
	}, &task)
	if err != nil || code != http.StatusCreated {
		return roundResult{}, fmt.Errorf("create task: status %d: %v", code, err)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		res   roundResult
		ready = make(chan struct{})
	)
	for _, id := range ids {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			<-ready
			code, _ := post(base+"/tasks/"+task.ID+"/accept", map[string]any{"workerId": worker}, nil)
			mu.Lock()
			defer mu.Unlock()
			switch code {
			case http.StatusOK:
				res.winners++
			case http.StatusConflict:
				res.conflicts++
			default:
				res.other++
			}
		}(id)
	}
	t0 := time.Now()
	close(ready)
	wg.Wait()
	res.latency = time.Since(t0)

	// Free the winner for later rounds.
	_, _ = post(base+"/tasks/"+task.ID+"/cancel", map[string]any{"actorId": "bench", "role": "admin", "reason": "bench cleanup"}, nil)
	return res, nil
}

func post(url string, body any, out any) (int, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func getStatus(base string) (StatusResponse, error) {
	resp, err := client.Get(base + "/status")
	if err != nil {
		return StatusResponse{}, err
	}
	defer resp.Body.Close()

	var st StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return StatusResponse{}, err
	}
	return st, nil
}

func verifyTable(dbHost string) error {
	_ = godotenv.Load("../../.env")
	dbUser := os.Getenv("DB_USER")
	dbPass := os.Getenv("DB_PASSWORD")
	dbName := os.Getenv("DB_NAME")
	if dbUser == "" {
		dbUser = "user"
	}
	if dbPass == "" {
		dbPass = "password"
	}
	if dbName == "" {
		dbName = "dispatch"
	}

	db, err := sql.Open("postgres", fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=5432 sslmode=require",
		dbUser, dbPass, dbName, dbHost))
	if err != nil {
		return err
	}
	defer db.Close()

	var offenders int
	err = db.QueryRow(`
		SELECT COUNT(*) FROM (
			SELECT worker_id FROM tasks
			WHERE status IN ('ACCEPTED', 'IN_PROGRESS')
			GROUP BY worker_id HAVING COUNT(*) > 1
		) o`).Scan(&offenders)
	if err != nil {
		return fmt.Errorf("query tasks: %w", err)
	}
	if offenders > 0 {
		return fmt.Errorf("%d workers hold more than one active task", offenders)
	}
	return nil
}

func printReport(results []roundResult, duration time.Duration) {
	var winners, conflicts, other int
	var worst time.Duration
	for _, r := range results {
		winners += r.winners
		conflicts += r.conflicts
		other += r.other
		if r.latency > worst {
			worst = r.latency
		}
	}

	fmt.Println("\n" + colorCyan + colorBold + "┏━━━━━━━━━━━━━━━━━━━━━━ REPORT ━━━━━━━━━━━━━━━━━━━━━━┓" + colorReset)
	lineFmt := colorCyan + "┃" + colorReset + "  %-22s " + colorBold + "%-25s" + colorCyan + "┃" + colorReset

	fmt.Printf(lineFmt+"\n", "Duration:", duration.Truncate(time.Millisecond).String())
	fmt.Printf(lineFmt+"\n", "Rounds:", fmt.Sprintf("%d", len(results)))
	fmt.Printf(lineFmt+"\n", "Winners:", fmt.Sprintf("%d", winners))
	fmt.Printf(lineFmt+"\n", "Conflicts (409):", fmt.Sprintf("%d", conflicts))
	fmt.Printf(lineFmt+"\n", "Other responses:", fmt.Sprintf("%d", other))
	fmt.Printf(lineFmt+"\n", "Slowest round:", worst.Truncate(time.Microsecond).String())
	fmt.Println(colorCyan + colorBold + "┗━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛" + colorReset)
}
