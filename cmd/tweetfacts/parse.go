package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hurttlocker/tweetfacts/internal/engine"
)

func runParse(args []string) error {
	var id, date string
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--id" && i+1 < len(args):
			i++
			id = args[i]
		case strings.HasPrefix(args[i], "--id="):
			id = strings.TrimPrefix(args[i], "--id=")
		case args[i] == "--date" && i+1 < len(args):
			i++
			date = args[i]
		case strings.HasPrefix(args[i], "--date="):
			date = strings.TrimPrefix(args[i], "--date=")
		case args[i] != "-" && strings.HasPrefix(args[i], "-"):
			return fmt.Errorf("unknown flag: %s", args[i])
		default:
			words = append(words, args[i])
		}
	}

	text := strings.Join(words, " ")
	if text == "" || text == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		text = string(b)
	}
	req := engine.Request{ID: id, Text: text}
	if date != "" {
		d, err := engine.ParseReferenceDate(date)
		if err != nil {
			return err
		}
		req.ReferenceDate = d
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	defer a.serveMetrics()()

	res, err := a.parser.Parse(ctx, req)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(res)
}

// batchInput is one JSONL input line. reference_date may be a date or an
// RFC 3339 timestamp.
type batchInput struct {
	ID            string `json:"id"`
	Text          string `json:"text"`
	ReferenceDate string `json:"reference_date"`
}

// batchOutput is one JSONL output line: a result or an error.
type batchOutput struct {
	Line   int            `json:"line"`
	ID     string         `json:"id,omitempty"`
	Result *engine.Result `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
	Causes []string       `json:"causes,omitempty"`
}

func runBatch(args []string) error {
	concurrency := 4
	input, output := "-", ""
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--concurrency" && i+1 < len(args):
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil || n < 1 {
				return fmt.Errorf("--concurrency must be a positive integer")
			}
			concurrency = n
		case strings.HasPrefix(args[i], "--concurrency="):
			n, err := strconv.Atoi(strings.TrimPrefix(args[i], "--concurrency="))
			if err != nil || n < 1 {
				return fmt.Errorf("--concurrency must be a positive integer")
			}
			concurrency = n
		case args[i] == "--output" && i+1 < len(args):
			i++
			output = args[i]
		case strings.HasPrefix(args[i], "--output="):
			output = strings.TrimPrefix(args[i], "--output=")
		case args[i] != "-" && strings.HasPrefix(args[i], "-"):
			return fmt.Errorf("unknown flag: %s", args[i])
		default:
			input = args[i]
		}
	}

	in := io.Reader(os.Stdin)
	if input != "-" {
		f, err := os.Open(input)
		if err != nil {
			return fmt.Errorf("opening %s: %w", input, err)
		}
		defer f.Close()
		in = f
	}
	out := io.Writer(os.Stdout)
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("creating %s: %w", output, err)
		}
		defer f.Close()
		out = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	defer a.serveMetrics()()

	start := time.Now()
	n, failed, err := parseBatch(ctx, a.parser, in, out, concurrency)
	if err != nil {
		return err
	}
	a.log.Info("batch finished",
		zap.Int("posts", n),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(start)),
	)
	fmt.Fprintf(os.Stderr, "Parsed %d posts (%d failed) in %s\n", n, failed, time.Since(start).Round(time.Millisecond))
	return nil
}

type postParser interface {
	Parse(ctx context.Context, req engine.Request) (*engine.Result, error)
}

// parseBatch parses every JSONL line of in with at most concurrency parses
// in flight and writes one output line per input line, in input order.
// Failed posts are reported inline; only I/O errors stop the batch.
func parseBatch(ctx context.Context, p postParser, in io.Reader, out io.Writer, concurrency int) (int, int, error) {
	var lines []batchOutput
	var reqs []engine.Request

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		entry := batchOutput{Line: lineNo}
		var bi batchInput
		if err := json.Unmarshal([]byte(raw), &bi); err != nil {
			entry.Error = fmt.Sprintf("invalid JSON: %v", err)
		} else {
			entry.ID = bi.ID
		}
		req := engine.Request{ID: bi.ID, Text: bi.Text}
		if entry.Error == "" && bi.ReferenceDate != "" {
			d, err := engine.ParseReferenceDate(bi.ReferenceDate)
			if err != nil {
				entry.Error = err.Error()
			}
			req.ReferenceDate = d
		}
		lines = append(lines, entry)
		reqs = append(reqs, req)
	}
	if err := sc.Err(); err != nil {
		return 0, 0, fmt.Errorf("reading input: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range lines {
		if lines[i].Error != "" {
			continue
		}
		g.Go(func() error {
			res, err := p.Parse(gctx, reqs[i])
			if err != nil {
				lines[i].Error = err.Error()
				var all *engine.AllLayersFailedError
				var agg *engine.AggregateParsingFailure
				switch {
				case errors.As(err, &all):
					lines[i].Causes = all.Causes()
				case errors.As(err, &agg):
					lines[i].Causes = []string{agg.Cause}
				}
				return nil
			}
			lines[i].Result = res
			lines[i].ID = res.ID
			return nil
		})
	}
	_ = g.Wait()

	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	failed := 0
	for _, l := range lines {
		if l.Error != "" {
			failed++
		}
		if err := enc.Encode(l); err != nil {
			return len(lines), failed, fmt.Errorf("writing output: %w", err)
		}
	}
	return len(lines), failed, nil
}
