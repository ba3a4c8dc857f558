package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"

	"github.com/cloudx-io/escrowauction/auctionapi"
	"github.com/cloudx-io/escrowauction/feed"
	"github.com/cloudx-io/escrowauction/feed/redisfeed"
	"github.com/cloudx-io/escrowauction/validation"
)

// plainTextHandler is a simple slog handler that writes plain text to stdout
// without timestamps or log levels - appropriate for CLI output
type plainTextHandler struct{}

func (*plainTextHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (*plainTextHandler) Handle(_ context.Context, r slog.Record) error {
	_, err := fmt.Fprintln(os.Stdout, r.Message)
	return err
}

func (h *plainTextHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *plainTextHandler) WithGroup(_ string) slog.Handler {
	return h
}

var logger = slog.New(&plainTextHandler{})

func main() {
	var (
		trailPath     = flag.String("trail", "", "Path to a JSON-lines file of signed audit records")
		redisAddr     = flag.String("redis-addr", "", "Replay the trail from Redis instead of a file")
		redisPrefix   = flag.String("redis-prefix", "", "Prefix of the audit streams in Redis")
		auctionID     = flag.String("auction-id", "", "Only validate records of this auction")
		publicKeyPath = flag.String("public-key", "", "Path to audit public key PEM file (required)")
		outputFormat  = flag.String("format", "text", "Output format: text or json")
		help          = flag.Bool("help", false, "Show usage information")
	)
	flag.Parse()

	if *help || *publicKeyPath == "" || (*trailPath == "") == (*redisAddr == "") {
		showUsage()
		if *help {
			os.Exit(0)
		}
		os.Exit(1)
	}

	publicKey, err := os.ReadFile(*publicKeyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading public key: %v\n", err)
		os.Exit(2)
	}

	var messages [][]byte
	if *trailPath != "" {
		messages, err = readTrailFile(*trailPath)
	} else {
		messages, err = replayRedis(*redisAddr, *redisPrefix)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading audit trail: %v\n", err)
		os.Exit(2)
	}
	if *auctionID != "" {
		messages = filterAuction(messages, *auctionID)
	}

	result, err := validation.ValidateAuditTrail(messages, string(publicKey))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Validation error: %v\n", err)
		os.Exit(2)
	}

	if *outputFormat == "json" {
		if err := outputJSON(result); err != nil {
			fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
			os.Exit(2)
		}
	} else {
		outputText(result)
	}

	if !result.IsValid() {
		os.Exit(1)
	}
	os.Exit(0)
}

func showUsage() {
	logger.Info("Audit Trail Validator")
	logger.Info("")
	logger.Info("Verifies the signatures, hash commitments and ordering of an")
	logger.Info("auction's signed audit feed.")
	logger.Info("")
	logger.Info("Usage:")
	logger.Info("  audit-validator --public-key <pem> (--trail <path> | --redis-addr <addr>) [options]")
	logger.Info("")
	logger.Info("Required Flags:")
	logger.Info("  --public-key <path>               Audit public key PEM (from the key_request response)")
	logger.Info("  --trail <path>                    JSON-lines file, one {\"topic\",\"message\"} object per line")
	logger.Info("  --redis-addr <addr>               Replay every audit stream from Redis instead")
	logger.Info("")
	logger.Info("Optional Flags:")
	logger.Info("  --redis-prefix <prefix>           Stream name prefix used by the daemon")
	logger.Info("  --auction-id <id>                 Only validate records of this auction")
	logger.Info("  --format <text|json>              Output format (default: text)")
	logger.Info("  --help                            Show this help message")
	logger.Info("")
	logger.Info("Exit Codes:")
	logger.Info("  0 - Validation passed")
	logger.Info("  1 - Validation failed")
	logger.Info("  2 - Invalid input or runtime error")
}

func readTrailFile(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var messages [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec auctionapi.SignedAuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		messages = append(messages, rec.Message)
	}
	return messages, scanner.Err()
}

// replayRedis reads every audit stream and orders the records by
// timestamp, breaking ties by topic order.
func replayRedis(addr, prefix string) ([][]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	f, err := redisfeed.New(ctx, redisfeed.Config{Addr: addr, Prefix: prefix})
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	type entry struct {
		at    time.Time
		topic int
		seq   int
		msg   []byte
	}
	var entries []entry
	for i, topic := range feed.Topics() {
		msgs, err := f.Replay(ctx, topic, redisfeed.DefaultStreamMaxLen)
		if err != nil {
			return nil, err
		}
		for j, msg := range msgs {
			rec, err := peek(msg)
			if err != nil {
				return nil, fmt.Errorf("%s #%d: %w", topic, j, err)
			}
			entries = append(entries, entry{at: rec.Timestamp, topic: i, seq: j, msg: msg})
		}
	}
	sort.SliceStable(entries, func(a, b int) bool {
		if !entries[a].at.Equal(entries[b].at) {
			return entries[a].at.Before(entries[b].at)
		}
		if entries[a].topic != entries[b].topic {
			return entries[a].topic < entries[b].topic
		}
		return entries[a].seq < entries[b].seq
	})

	messages := make([][]byte, len(entries))
	for i, e := range entries {
		messages[i] = e.msg
	}
	return messages, nil
}

// peek decodes a record without verifying it; verification happens in
// ValidateAuditTrail.
func peek(msg []byte) (auctionapi.AuditRecord, error) {
	var rec auctionapi.AuditRecord
	var sign1 cose.Sign1Message
	if err := sign1.UnmarshalCBOR(msg); err != nil {
		return rec, err
	}
	err := cbor.Unmarshal(sign1.Payload, &rec)
	return rec, err
}

func filterAuction(messages [][]byte, auctionID string) [][]byte {
	var kept [][]byte
	for _, msg := range messages {
		rec, err := peek(msg)
		if err != nil || rec.AuctionID == auctionID {
			kept = append(kept, msg)
		}
	}
	return kept
}

func outputText(result *validation.AuditTrailResult) {
	logger.Info("Audit Trail Validator")
	logger.Info("=====================")
	logger.Info("")

	for i, r := range result.Records {
		kind := "unreadable"
		if r.Record != nil {
			kind = fmt.Sprintf("%s %s %d", r.Record.Kind, r.Record.Subject, r.Record.Amount)
		}
		logger.Info(fmt.Sprintf("#%d %s: signature=%v commitment=%v", i, kind, r.SignatureValid, r.CommitmentValid))
		for _, detail := range r.ValidationDetails {
			logger.Info("    " + detail)
		}
	}

	logger.Info("")
	logger.Info("Sequence:")
	for _, detail := range result.ValidationDetails {
		logger.Info("  " + detail)
	}

	logger.Info("")
	logger.Info("=====================")
	if result.IsValid() {
		logger.Info("VALIDATION: ✓ PASSED")
	} else {
		logger.Info("VALIDATION: ✗ FAILED")
	}
}

func outputJSON(result *validation.AuditTrailResult) error {
	records := make([]map[string]any, 0, len(result.Records))
	for _, r := range result.Records {
		records = append(records, map[string]any{
			"valid":            r.IsValid(),
			"signature_valid":  r.SignatureValid,
			"commitment_valid": r.CommitmentValid,
			"record":           r.Record,
			"details":          r.ValidationDetails,
		})
	}
	output := map[string]any{
		"valid":          result.IsValid(),
		"sequence_valid": result.SequenceValid,
		"records":        records,
		"details":        result.ValidationDetails,
	}

	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return err
	}
	logger.Info(string(data))
	return nil
}
