// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package x402

import (
	"context"
	"fmt"
	"runtime"

	"github.com/pkoukk/tiktoken-go"
)

// tokenizerPool offloads the CPU-bound cl100k_base BPE encode from the
// caller's goroutine onto a small fixed worker pool, so a burst of pricing
// requests cannot starve the HTTP reactor's other goroutines of scheduling
// time the way an unbounded fan-out of encode calls would.
type tokenizerPool struct {
	enc  *tiktoken.Tiktoken
	jobs chan tokenizeJob
}

type tokenizeJob struct {
	text   string
	result chan<- int
}

func newTokenizerPool() (*tokenizerPool, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("x402: loading cl100k_base encoding: %w", err)
	}
	p := &tokenizerPool{
		enc:  enc,
		jobs: make(chan tokenizeJob, 64),
	}
	workers := runtime.GOMAXPROCS(0)
	if workers < 2 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p, nil
}

func (p *tokenizerPool) run() {
	for job := range p.jobs {
		tokens := p.enc.Encode(job.text, nil, nil)
		job.result <- len(tokens)
	}
}

// CountTokens returns the number of cl100k_base tokens in text, offloaded to
// the tokenizer worker pool. It respects ctx cancellation while waiting for
// a worker slot or a result.
func (p *tokenizerPool) CountTokens(ctx context.Context, text string) (int, error) {
	result := make(chan int, 1)
	select {
	case p.jobs <- tokenizeJob{text: text, result: result}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case n := <-result:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
