// loadgen is a tiny, dependency-free HTTP load generator tailored for the
// gateway. It reuses HTTP connections (keep-alive) and supports concurrency
// so it can drive meaningful traffic without relying on external tools.
//
// Modes:
//   - single: send N completion requests for a single model
//   - zipf:   approximate 80/20 skew (hot/cold) without PRNG: send the hot
//     model 4/5 of the time
//
// Usage examples:
//
//	loadgen -base=http://127.0.0.1:8080 -mode=single -model=llama-3-8b -n=5000 -c=16
//	loadgen -base=http://127.0.0.1:8080 -mode=zipf -hot_model=llama-3-8b -cold_models=3 -n=8000 -c=16
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type modeType string

const (
	modeSingle modeType = "single"
	modeZipf   modeType = "zipf"
)

func main() {
	var (
		base       = flag.String("base", "http://127.0.0.1:8080", "Base URL including scheme and host, e.g. http://127.0.0.1:8080")
		path       = flag.String("path", "/v1/completions", "Request path")
		token      = flag.String("token", "", "Bearer token for the Authorization header")
		modeS      = flag.String("mode", string(modeSingle), "Mode: single|zipf")
		model      = flag.String("model", "llama-3-8b", "Model for single mode")
		hotModel   = flag.String("hot_model", "llama-3-8b", "Hot model for zipf mode")
		coldN      = flag.Int("cold_models", 3, "Number of cold models to round-robin in zipf mode")
		N          = flag.Int("n", 5000, "Total requests to send")
		conc       = flag.Int("c", 8, "Number of concurrent workers")
		hotEvery   = flag.Int("hot_every", 5, "Zipf-like skew period (all but one request of each period go to hot; minimum 2)")
		timeout    = flag.Duration("timeout", 60*time.Second, "Overall timeout for the loadgen run")
		connIdle   = flag.Duration("idle_timeout", 30*time.Second, "HTTP idle connection timeout")
		maxIdle    = flag.Int("max_idle", 256, "Max idle connections total")
		maxIdlePer = flag.Int("max_idle_per_host", 256, "Max idle connections per host")
	)
	flag.Parse()

	m := modeType(strings.ToLower(*modeS))
	if m != modeSingle && m != modeZipf {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want single|zipf)\n", *modeS)
		os.Exit(2)
	}
	if *N <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}
	if m == modeZipf {
		if *coldN <= 0 {
			fmt.Fprintln(os.Stderr, "-cold_models must be > 0 in zipf mode")
			os.Exit(2)
		}
		if *hotEvery < 2 {
			*hotEvery = 2
		}
	}

	baseURL := strings.TrimRight(*base, "/")
	p := *path
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	fullURL := baseURL + p

	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        *maxIdle,
		MaxIdleConnsPerHost: *maxIdlePer,
		IdleConnTimeout:     *connIdle,
	}
	client := &http.Client{Transport: tr, Timeout: 30 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	start := time.Now()
	var sent, okCount int64

	worker := func(id, count int) {
		defer atomic.AddInt64(&sent, int64(count))
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			var chosenModel string
			if m == modeSingle {
				chosenModel = *model
			} else if ((i + id) % *hotEvery) != 0 {
				chosenModel = *hotModel
			} else {
				idx := ((i + id) % *coldN) + 1
				chosenModel = fmt.Sprintf("cold-model-%d", idx)
			}

			body := fmt.Sprintf(`{"model":%q,"messages":[{"role":"user","content":"hello"}],"max_tokens":16}`, chosenModel)
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader([]byte(body)))
			if err != nil {
				continue
			}
			req.Header.Set("Content-Type", "application/json")
			if *token != "" {
				req.Header.Set("Authorization", "Bearer "+*token)
			}

			resp, err := client.Do(req)
			if err == nil {
				if resp.StatusCode == http.StatusOK {
					atomic.AddInt64(&okCount, 1)
				}
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
			} else {
				time.Sleep(200 * time.Microsecond)
			}
		}
	}

	per := *N / *conc
	rem := *N - per**conc
	var wg sync.WaitGroup
	wg.Add(*conc)
	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		go func(id, n int) {
			defer wg.Done()
			worker(id, n)
		}(w, count)
	}
	wg.Wait()

	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	ops := float64(*N) / elapsed.Seconds()
	fmt.Printf("loadgen: mode=%s N=%d c=%d go=%d duration=%s throughput=%.0f req/s ok=%d/%d\n",
		m, *N, *conc, runtime.GOMAXPROCS(0), elapsed.Truncate(time.Millisecond), ops, atomic.LoadInt64(&okCount), atomic.LoadInt64(&sent))
}
