package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/cloudx-io/escrowauction/auctionapi"
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
	// Define CLI flags
	var (
		attestationPath = flag.String("attestation", "", "Path to key response JSON file (required)")
		publicKeyPath   = flag.String("public-key", "", "Path to public key PEM file (default: key from the response)")
		pcrsPath        = flag.String("pcrs", "", "Path to known PCR sets JSON file (required)")
		outputFormat    = flag.String("format", "text", "Output format: text or json")
		help            = flag.Bool("help", false, "Show usage information")
	)

	flag.Parse()

	// Show help
	if *help || *attestationPath == "" || *pcrsPath == "" {
		showUsage()
		if *attestationPath == "" || *pcrsPath == "" {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Read key response file
	keyResponse, err := readKeyResponse(*attestationPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading attestation: %v\n", err)
		os.Exit(2)
	}

	publicKey := keyResponse.PublicKey
	if *publicKeyPath != "" {
		publicKey, err = readPublicKey(*publicKeyPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading public key: %v\n", err)
			os.Exit(2)
		}
	}

	knownPCRs, err := validation.LoadPCRsFromFile(*pcrsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading PCR sets: %v\n", err)
		os.Exit(2)
	}

	result, err := validation.ValidateKeyAttestation(keyResponse.AttestationCOSEBase64, publicKey, knownPCRs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Validation error: %v\n", err)
		os.Exit(2)
	}

	// Output results
	if *outputFormat == "json" {
		if err := outputJSON(result); err != nil {
			fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
			os.Exit(2)
		}
	} else {
		outputText(result)
	}

	// Exit with appropriate code
	if !result.IsValid() {
		os.Exit(1)
	}
	os.Exit(0)
}

func showUsage() {
	logger.Info("Audit Key Attestation Validator")
	logger.Info("")
	logger.Info("Validates that an auction daemon's audit signing key was generated")
	logger.Info("inside an attested Nitro enclave.")
	logger.Info("")
	logger.Info("Usage:")
	logger.Info("  key-validator --attestation <path> --pcrs <path> [options]")
	logger.Info("")
	logger.Info("Required Flags:")
	logger.Info("  --attestation <path>              Path to key response JSON file")
	logger.Info("  --pcrs <path>                     Path to known PCR sets JSON file")
	logger.Info("")
	logger.Info("Optional Flags:")
	logger.Info("  --public-key <path>               Public key PEM to compare (default: key in response)")
	logger.Info("  --format <text|json>              Output format (default: text)")
	logger.Info("  --help                            Show this help message")
	logger.Info("")
	logger.Info("Examples:")
	logger.Info("  # Validate key attestation")
	logger.Info("  key-validator --attestation response.json --pcrs pcrs.json")
	logger.Info("")
	logger.Info("  # JSON output")
	logger.Info("  key-validator --attestation response.json --pcrs pcrs.json --format json")
	logger.Info("")
	logger.Info("Exit Codes:")
	logger.Info("  0 - Validation passed")
	logger.Info("  1 - Validation failed")
	logger.Info("  2 - Invalid input or runtime error")
	logger.Info("")
	logger.Info("Library Usage:")
	logger.Info("  This CLI tool is an example. For programmatic use, import:")
	logger.Info("  github.com/cloudx-io/escrowauction/validation")
}

func readKeyResponse(path string) (*auctionapi.KeyResponse, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var keyResponse auctionapi.KeyResponse
	if err := json.Unmarshal(data, &keyResponse); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	if keyResponse.AttestationCOSEBase64 == "" {
		return nil, fmt.Errorf("missing attestation_cose_base64 field in key response")
	}

	return &keyResponse, nil
}

func readPublicKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	return string(data), nil
}

func outputText(result *validation.KeyValidationResult) {
	logger.Info("Audit Key Attestation Validator")
	logger.Info("===============================")
	logger.Info("")

	logger.Info("Validation Results:")
	logger.Info("-------------------")
	for _, detail := range result.ValidationDetails {
		logger.Info("  " + detail)
	}

	logger.Info("")
	logger.Info("Summary:")
	logger.Info(fmt.Sprintf("  PCRs Valid:        %v", result.PCRsValid))
	logger.Info(fmt.Sprintf("  Certificate Valid: %v", result.CertificateValid))
	logger.Info(fmt.Sprintf("  Signature Valid:   %v", result.SignatureValid))
	logger.Info(fmt.Sprintf("  Public Key Match:  %v", result.PublicKeyMatch))
	logger.Info(fmt.Sprintf("  Auction:           %s", result.AuctionID))

	logger.Info("")
	logger.Info("=============================")
	if result.IsValid() {
		logger.Info("VALIDATION: ✓ PASSED")
		logger.Info("Exit Code: 0")
	} else {
		logger.Info("VALIDATION: ✗ FAILED")
		logger.Info("Exit Code: 1")
	}
}

func outputJSON(result *validation.KeyValidationResult) error {
	output := map[string]any{
		"valid":             result.IsValid(),
		"pcrs_valid":        result.PCRsValid,
		"certificate_valid": result.CertificateValid,
		"signature_valid":   result.SignatureValid,
		"public_key_match":  result.PublicKeyMatch,
		"auction_id":        result.AuctionID,
		"details":           result.ValidationDetails,
	}

	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return err
	}
	logger.Info(string(data))
	return nil
}
