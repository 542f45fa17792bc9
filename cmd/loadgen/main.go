package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type Config struct {
	TargetURL       string
	Concurrency     int
	Duration        time.Duration
	ZipfS           float64
	ZipfV           float64
	SourceCount     int
	DupRate         float64
	OutputPrefix    string
	RequestTimeout  time.Duration
	AppendTimestamp bool
	TimestampFormat string
	SourceFile      string
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.TargetURL, "target", "http://localhost:8080/ingest", "Collector /ingest URL")
	flag.IntVar(&cfg.Concurrency, "concurrency", 16, "Concurrent workers")
	flag.DurationVar(&cfg.Duration, "duration", 60*time.Second, "Test duration")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.3, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.IntVar(&cfg.SourceCount, "sources", 256, "Distinct source addresses in pool")
	flag.Float64Var(&cfg.DupRate, "dup-rate", 0.15, "Probability a worker re-sends its previous event verbatim")
	flag.StringVar(&cfg.OutputPrefix, "out", "results/ingest", "Output file prefix (JSON/CSV)")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 5*time.Second, "Per-request timeout")
	flag.BoolVar(&cfg.AppendTimestamp, "append-ts", true, "Append timestamp to output prefix")
	flag.StringVar(&cfg.TimestampFormat, "ts-format", "iso", "Timestamp format: iso|unix|none")
	flag.StringVar(&cfg.SourceFile, "sources-file", "", "Optional source CSV file (id,addr) to drive the pool")
	flag.Parse()
	return cfg
}

// ingestBody mirrors the collector's raw ingest contract.
type ingestBody struct {
	ObservedAt    string            `json:"observed_at"`
	SourceAddress string            `json:"source_address"`
	Protocol      string            `json:"protocol,omitempty"`
	TargetService string            `json:"target_service"`
	Action        string            `json:"action"`
	TargetPath    string            `json:"target_path,omitempty"`
	SessionID     string            `json:"session_id"`
	UserAgent     string            `json:"user_agent,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
}

type ingestAck struct {
	Accepted  bool `json:"accepted"`
	Inserted  bool `json:"inserted"`
	Duplicate bool `json:"duplicate"`
	Score     struct {
		Value float64 `json:"value"`
		Band  string  `json:"band"`
	} `json:"score"`
}

type template struct {
	Action        string
	TargetService string
	TargetPath    string
	Protocol      string
	UserAgent     string
	Payload       string
}

// hostileTemplates are the shapes a persistent attacker keeps probing.
var hostileTemplates = []template{
	{"git_push", "gitea", "/acme-api/.env", "HTTPS", "git/2.43.0", `{"ref":"refs/heads/main","commits":1}`},
	{"cred_access", "vault", "/secrets/prod/credentials", "HTTPS", "curl/8.5.0", `{"method":"GET"}`},
	{"login_attempt", "ssh-honeypot", "/auth", "SSH", "libssh2_1.11", `{"username":"root","password":"123456"}`},
	{"file_download", "fileshare", "/backups/db_dump.sql.gz", "HTTPS", "Wget/1.21", `{"range":"bytes=0-"}`},
	{"port_scan", "net-sensor", "", "TCP", "masscan/1.3", `{"ports":[22,80,443,3306]}`},
}

// benignTemplates look like ordinary browsing and automation noise.
var benignTemplates = []template{
	{"repo_browse", "gitea", "/acme-api/README.md", "HTTPS", "Mozilla/5.0 (X11; Linux x86_64)", `{"referer":"/explore"}`},
	{"api_probe", "api-gateway", "/api/v1/users", "HTTP", "python-requests/2.31.0", `{"page":1}`},
	{"health_check", "api-gateway", "/healthz", "HTTP", "kube-probe/1.29", ""},
	{"repo_browse", "gitea", "/acme-api/docs/setup.md", "HTTPS", "Mozilla/5.0 (Windows NT 10.0)", `{"referer":"/acme-api"}`},
}

// creates a mix of loud repeat offenders and one-shot background
// sources, with a few private addresses sprinkled in.
func makeSources(count int, r *rand.Rand) []string {
	hotBlocks := []string{"198.51.100", "203.0.113"}

	sources := make([]string, 0, count)
	hotCount := int(math.Max(8, float64(count/4))) // at least 8 hot sources

	// hot offenders cluster in a couple of blocks
	for i := range hotCount {
		block := hotBlocks[i%len(hotBlocks)]
		sources = append(sources, fmt.Sprintf("%s.%d", block, 1+r.Intn(254)))
	}

	// cold background noise, occasionally from inside the perimeter
	for len(sources) < count {
		if r.Float64() < 0.06 {
			sources = append(sources, fmt.Sprintf("10.%d.%d.%d", r.Intn(256), r.Intn(256), 1+r.Intn(254)))
			continue
		}
		sources = append(sources, fmt.Sprintf("192.0.2.%d", 1+r.Intn(254)))
	}
	return sources
}

func loadSourcesCSV(path string) ([]string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open sources: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)

	// Read header
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	colIdx := map[string]int{}
	for i, h := range header {
		colIdx[strings.ToLower(strings.TrimSpace(h))] = i
	}

	addrIdx, okAddr := colIdx["addr"]
	if !okAddr {
		return nil, fmt.Errorf("source csv: expected columns id,addr; got %v", header)
	}

	var out []string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}

		addr := strings.TrimSpace(rec[addrIdx])
		if addr == "" {
			continue
		}
		if net.ParseIP(addr) == nil {
			return nil, fmt.Errorf("parse addr %q: not an IP address", addr)
		}
		out = append(out, addr)
	}

	return out, nil
}

func pickTemplate(r *rand.Rand, hot bool) template {
	hostileShare := 0.2
	if hot {
		hostileShare = 0.7
	}
	if r.Float64() < hostileShare {
		return hostileTemplates[r.Intn(len(hostileTemplates))]
	}
	return benignTemplates[r.Intn(len(benignTemplates))]
}

func buildEvent(r *rand.Rand, source string, hot bool, seq int) []byte {
	t := pickTemplate(r, hot)

	body := ingestBody{
		ObservedAt:    time.Now().UTC().Format(time.RFC3339Nano),
		SourceAddress: source,
		Protocol:      t.Protocol,
		TargetService: t.TargetService,
		Action:        t.Action,
		TargetPath:    t.TargetPath,
		SessionID:     fmt.Sprintf("lg-%s-%d", source, seq/6), // ~6 events per session
		UserAgent:     t.UserAgent,
		Headers:       map[string]string{"accept": "*/*"},
	}
	if t.Payload != "" {
		body.Payload = json.RawMessage(t.Payload)
	}

	b, _ := json.Marshal(body)
	return b
}

// request result (one sample per request)
type sample struct {
	Timestamp   time.Time
	Latency     time.Duration
	Status      int
	ErrorMsg    string
	SourceIndex int
	Action      string
	Inserted    bool
	Duplicate   bool
}

type summary struct {
	StartTime     time.Time `json:"start"`
	EndTime       time.Time `json:"end"`
	DurationSec   float64   `json:"duration_sec"`
	TotalRequests int64     `json:"total"`
	SuccessCount  int64     `json:"success"`
	ErrorCount    int64     `json:"errors"`
	InsertedCount int64     `json:"inserted"`
	DuplicateHits int64     `json:"duplicates"`
	ThroughputRPS float64   `json:"throughput_rps"`
	P50Ms         float64   `json:"p50_ms"`
	P95Ms         float64   `json:"p95_ms"`
	P99Ms         float64   `json:"p99_ms"`
	Concurrency   int       `json:"concurrency"`
	ZipfS         float64   `json:"zipf_s"`
	ZipfV         float64   `json:"zipf_v"`
	Sources       int       `json:"sources"`
	DupRate       float64   `json:"dup_rate"`
	TargetURL     string    `json:"target"`
}

type aggregatedResult struct {
	total      int64
	success    int64
	errors     int64
	inserted   int64
	duplicates int64
	latMs      []float64
}

func main() {
	cfg := loadConfig()
	if err := os.MkdirAll(filepath.Dir(cfg.OutputPrefix), 0o750); err != nil {
		log.Fatalf("mkdir results: %v", err)
	}

	prefix := cfg.OutputPrefix
	if cfg.AppendTimestamp {
		switch strings.ToLower(cfg.TimestampFormat) {
		case "none":
		case "unix":
			prefix = fmt.Sprintf("%s_%d", prefix, time.Now().Unix())
		default: // "iso"
			prefix = fmt.Sprintf("%s_%s", prefix, time.Now().UTC().Format("20060102_150405Z"))
		}
	}

	// precompute random workload
	seed := time.Now().UnixNano()
	r := rand.New(rand.NewSource(seed))

	var sources []string
	if strings.TrimSpace(cfg.SourceFile) != "" {
		loaded, err := loadSourcesCSV(cfg.SourceFile)
		if err != nil {
			log.Printf("WARN: failed to load sources from %q: %v; falling back to synthetic pool", cfg.SourceFile, err)
		} else {
			sources = loaded
			log.Printf("using %d file-driven sources from %s", len(sources), cfg.SourceFile)
		}
	}

	// fallback if the source file is disabled or failed
	if len(sources) == 0 {
		sources = makeSources(cfg.SourceCount, r)
		log.Printf("using %d synthetic sources", len(sources))
	}

	if len(sources) == 0 {
		log.Fatalf("no sources generated")
	}

	hotCount := int(math.Max(8, float64(len(sources)/4)))
	if hotCount > len(sources) {
		hotCount = len(sources)
	}
	imax := uint64(len(sources)) - 1

	// HTTP client for load generation
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 4 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:          1024,
			MaxIdleConnsPerHost:   256,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   4 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		Timeout: cfg.RequestTimeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	// Prepare output files
	csvPath := prefix + "_samples.csv"
	jsonPath := prefix + "_summary.json"
	csvFile, err := os.Create(filepath.Clean(csvPath))
	if err != nil {
		log.Printf("open csv: %v", err)
		return
	}
	defer func() { _ = csvFile.Close() }()
	csvWriter := csv.NewWriter(csvFile)

	// Collects results asynchronously
	samplesChan := make(chan sample, 4096)
	resultsChan := make(chan aggregatedResult, 1)
	go func() {
		_ = csvWriter.Write([]string{"timestamp", "latency_ms", "status", "error", "source_idx", "action", "inserted", "duplicate"})
		var total, successCount, errorCount, insertedCount, duplicateCount int64
		latencies := make([]float64, 0, 1<<20)
		for s := range samplesChan {
			total++
			if s.ErrorMsg == "" && s.Status >= 200 && s.Status < 300 {
				successCount++
				latencies = append(latencies, float64(s.Latency.Microseconds())/1000.0)
				if s.Inserted {
					insertedCount++
				}
				if s.Duplicate {
					duplicateCount++
				}
			} else {
				errorCount++
			}
			_ = csvWriter.Write([]string{
				s.Timestamp.UTC().Format(time.RFC3339Nano),
				fmt.Sprintf("%.3f", float64(s.Latency.Microseconds())/1000.0),
				fmt.Sprintf("%d", s.Status),
				s.ErrorMsg,
				fmt.Sprintf("%d", s.SourceIndex),
				s.Action,
				fmt.Sprintf("%t", s.Inserted),
				fmt.Sprintf("%t", s.Duplicate),
			})
		}
		csvWriter.Flush()
		if err := csvWriter.Error(); err != nil {
			log.Printf("csv flush error: %v", err)
		}
		resultsChan <- aggregatedResult{
			total: total, success: successCount, errors: errorCount,
			inserted: insertedCount, duplicates: duplicateCount, latMs: latencies,
		}
	}()

	startTime := time.Now()
	log.Printf("loadgen start target=%s dur=%s conc=%d zipf(s=%.2f,v=%.2f) sources=%d dup=%.2f file=%s",
		cfg.TargetURL, cfg.Duration, cfg.Concurrency, cfg.ZipfS, cfg.ZipfV, len(sources), cfg.DupRate, cfg.SourceFile)

	var wg sync.WaitGroup
	wg.Add(cfg.Concurrency)

	for workerID := range cfg.Concurrency {
		go func(id int) {
			defer wg.Done()

			rWorker := rand.New(rand.NewSource(seed + int64(id) + 1))
			zipfDist := rand.NewZipf(rWorker, cfg.ZipfS, cfg.ZipfV, imax)

			var lastBody []byte
			var lastAction string
			seq := 0
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				v := zipfDist.Uint64()
				if v > uint64(math.MaxInt) {
					continue
				}
				idx := int(v)
				if idx >= len(sources) {
					continue
				}

				// resend the previous body verbatim to exercise dedup
				var body []byte
				action := lastAction
				if lastBody != nil && rWorker.Float64() < cfg.DupRate {
					body = lastBody
				} else {
					body = buildEvent(rWorker, sources[idx], idx < hotCount, seq)
					var probe struct {
						Action string `json:"action"`
					}
					_ = json.Unmarshal(body, &probe)
					action = probe.Action
					lastBody = body
					lastAction = action
					seq++
				}

				startReq := time.Now()
				req, _ := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TargetURL, bytes.NewReader(body))
				req.Header.Set("Content-Type", "application/json")
				resp, err := httpClient.Do(req)
				latency := time.Since(startReq)

				result := sample{
					Timestamp:   startReq,
					Latency:     latency,
					Status:      0,
					ErrorMsg:    "",
					SourceIndex: idx,
					Action:      action,
				}

				if err != nil {
					result.ErrorMsg = err.Error()
				} else {
					result.Status = resp.StatusCode
					var ack ingestAck
					if decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&ack); decodeErr == nil {
						result.Inserted = ack.Inserted
						result.Duplicate = ack.Duplicate
					}
					_, _ = io.Copy(io.Discard, resp.Body)
					_ = resp.Body.Close()
					if resp.StatusCode < 200 || resp.StatusCode >= 300 {
						result.ErrorMsg = fmt.Sprintf("status=%d", resp.StatusCode)
					}
				}

				select {
				case samplesChan <- result:
				case <-ctx.Done():
					return
				}
			}
		}(workerID)
	}

	// close samples channel
	go func() {
		<-ctx.Done()
		wg.Wait()
		close(samplesChan)
	}()

	aggResult := <-resultsChan
	endTime := time.Now()
	elapsed := endTime.Sub(startTime).Seconds()

	sort.Float64s(aggResult.latMs)
	p50 := percentile(aggResult.latMs, 50)
	p95 := percentile(aggResult.latMs, 95)
	p99 := percentile(aggResult.latMs, 99)

	runSummary := summary{
		StartTime:     startTime.UTC(),
		EndTime:       endTime.UTC(),
		DurationSec:   elapsed,
		TotalRequests: aggResult.total,
		SuccessCount:  aggResult.success,
		ErrorCount:    aggResult.errors,
		InsertedCount: aggResult.inserted,
		DuplicateHits: aggResult.duplicates,
		ThroughputRPS: float64(aggResult.total) / elapsed,
		P50Ms:         p50,
		P95Ms:         p95,
		P99Ms:         p99,
		Concurrency:   cfg.Concurrency,
		ZipfS:         cfg.ZipfS,
		ZipfV:         cfg.ZipfV,
		Sources:       len(sources),
		DupRate:       cfg.DupRate,
		TargetURL:     cfg.TargetURL,
	}

	jsonFile, err := os.Create(filepath.Clean(jsonPath))
	if err == nil {
		enc := json.NewEncoder(jsonFile)
		enc.SetIndent("", "  ")
		_ = enc.Encode(runSummary)
		_ = jsonFile.Close()
	}

	log.Printf("done: total=%d succ=%d err=%d ins=%d dup=%d thr=%.2f rps p50=%.1fms p95=%.1fms p99=%.1fms",
		aggResult.total, aggResult.success, aggResult.errors, aggResult.inserted, aggResult.duplicates,
		runSummary.ThroughputRPS, p50, p95, p99)
	log.Printf("wrote %s and %s", jsonPath, csvPath)
}

func percentile(sortedValues []float64, p float64) float64 {
	if len(sortedValues) == 0 {
		return math.NaN()
	}
	if p <= 0 {
		return sortedValues[0]
	}
	if p >= 100 {
		return sortedValues[len(sortedValues)-1]
	}
	k := (p / 100.0) * float64(len(sortedValues)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sortedValues)-1 {
		return sortedValues[len(sortedValues)-1]
	}
	d := k - f
	return sortedValues[i]*(1-d) + sortedValues[i+1]*d
}
