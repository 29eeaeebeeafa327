package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// InputSource says where a step's value comes from.
type InputSource int

const (
	SourcePrompt InputSource = iota
	SourceGenerated
)

// Step is one SSM parameter the services need before first deploy.
type Step struct {
	Label string
	// Key is the path below /{env}/planforge/.
	Key string
	// EnvVar is the variable the services resolve through EnvVar_SSM_PARAM.
	EnvVar   string
	Secure   bool
	Source   InputSource
	Prompt   string
	Validate func(ctx context.Context, input string) ValidationResult
	// Masked inputs are read without echo when stdin is a terminal.
	Masked bool
}

const maxAttempts = 5

var errSkipped = errors.New("parameter skipped by operator")

// Inventory returns the ordered bootstrap steps.
func Inventory(v *Validator) []Step {
	return []Step{
		{
			Label:    "Database URL",
			Key:      "database/url",
			EnvVar:   "DATABASE_URL",
			Secure:   true,
			Prompt:   "Paste the Postgres connection string (postgres://...):",
			Validate: v.ValidateDatabaseURL,
			Masked:   true,
		},
		{
			Label:    "Payments API Key",
			Key:      "payments/api_key",
			EnvVar:   "PAYMENTS_API_KEY",
			Secure:   true,
			Prompt:   "Paste the payment provider API key:",
			Validate: v.ValidatePaymentsKey,
			Masked:   true,
		},
		{
			Label:    "Payments Webhook Secret",
			Key:      "payments/webhook_secret",
			EnvVar:   "PAYMENTS_WEBHOOK_SECRET",
			Secure:   true,
			Prompt:   "Create a webhook endpoint for /webhooks/payments and paste its signing secret:",
			Validate: v.ValidateWebhookSecret,
			Masked:   true,
		},
		{
			Label:  "Hobbyist Product ID",
			Key:    "payments/product_id_hobbyist",
			EnvVar: "PRODUCT_ID_HOBBYIST",
			Prompt: "Paste the product id of the one-time hobbyist purchase:",
			Validate: func(ctx context.Context, input string) ValidationResult {
				return v.ValidateRegex(ctx, input, `^[A-Za-z0-9_-]{4,}$`, "Hobbyist Product ID")
			},
		},
		{
			Label:  "Pro Product ID",
			Key:    "payments/product_id_pro",
			EnvVar: "PRODUCT_ID_PRO",
			Prompt: "Paste the product id of the monthly pro subscription:",
			Validate: func(ctx context.Context, input string) ValidationResult {
				return v.ValidateRegex(ctx, input, `^[A-Za-z0-9_-]{4,}$`, "Pro Product ID")
			},
		},
		{
			Label:    "Identity API Key",
			Key:      "identity/api_key",
			EnvVar:   "IDENTITY_API_KEY",
			Secure:   true,
			Prompt:   "Paste the identity provider secret key (sk_...):",
			Validate: v.ValidateIdentityKey,
			Masked:   true,
		},
		{
			Label:  "Admin API Key",
			Key:    "security/admin_api_key",
			EnvVar: "ADMIN_API_KEY",
			Secure: true,
			Source: SourceGenerated,
		},
	}
}

// Runner drives the interactive bootstrap.
type Runner struct {
	SSM    *SSMManager
	Stdin  io.Reader
	Stderr io.Writer

	steps   []Step
	scanner *bufio.Scanner
}

// NewRunner creates a Runner over the full inventory.
func NewRunner(ssm *SSMManager, v *Validator, stdin io.Reader, stderr io.Writer) *Runner {
	return &Runner{SSM: ssm, Stdin: stdin, Stderr: stderr, steps: Inventory(v)}
}

type stepResult struct {
	Label  string
	Action string
	EnvVar string
	Path   string
}

// Run processes every step, then prints the *_SSM_PARAM lines to put in
// the deployment environment.
func (r *Runner) Run(ctx context.Context) error {
	results := make([]stepResult, 0, len(r.steps))
	for i, step := range r.steps {
		fmt.Fprintf(r.Stderr, "\n[%d/%d] %s\n", i+1, len(r.steps), step.Label)
		res, err := r.processStep(ctx, step)
		if err != nil {
			return fmt.Errorf("step %q failed: %w", step.Label, err)
		}
		results = append(results, res)
	}
	r.printSummary(results)
	return nil
}

func (r *Runner) processStep(ctx context.Context, step Step) (stepResult, error) {
	path := r.SSM.Path(step.Key)
	res := stepResult{Label: step.Label, EnvVar: step.EnvVar, Path: path}

	exists, err := r.SSM.Exists(ctx, path)
	if err != nil {
		return res, err
	}
	if exists {
		fmt.Fprintf(r.Stderr, "  Parameter already exists: %s\n", path)
		overwrite, err := r.askOverwrite()
		if err != nil {
			return res, err
		}
		if !overwrite {
			res.Action = "skipped"
			return res, nil
		}
	}

	var value string
	switch step.Source {
	case SourceGenerated:
		value, err = GenerateSecureToken()
		if err != nil {
			return res, err
		}
		fmt.Fprintf(r.Stderr, "  Auto-generated (%d chars)\n", len(value))
	default:
		value, err = r.promptAndValidate(ctx, step)
		if errors.Is(err, errSkipped) {
			fmt.Fprintln(r.Stderr, "  Skipped.")
			res.Action = "skipped"
			return res, nil
		}
		if err != nil {
			return res, err
		}
	}

	if err := r.SSM.Put(ctx, path, value, step.Secure, exists); err != nil {
		return res, err
	}
	switch {
	case exists:
		res.Action = "overwritten"
	case step.Source == SourceGenerated:
		res.Action = "generated"
	default:
		res.Action = "written"
	}
	fmt.Fprintf(r.Stderr, "  Stored: %s\n", path)
	return res, nil
}

// promptAndValidate reads a value until it validates. Empty input skips the
// step.
func (r *Runner) promptAndValidate(ctx context.Context, step Step) (string, error) {
	fmt.Fprintf(r.Stderr, "\n  %s\n", step.Prompt)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var input string
		var err error
		if step.Masked {
			input, err = r.readSecret("  > ")
		} else {
			input, err = r.readLine("  > ")
		}
		if err != nil {
			return "", fmt.Errorf("reading input for %s: %w", step.Label, err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			return "", errSkipped
		}
		if step.Masked {
			fmt.Fprintf(r.Stderr, "  Received %d chars.\n", len(input))
		}

		if step.Validate != nil {
			vr := step.Validate(ctx, input)
			if !vr.Valid {
				fmt.Fprintf(r.Stderr, "  Validation failed: %s (%d/%d)\n", vr.Message, attempt, maxAttempts)
				continue
			}
			fmt.Fprintf(r.Stderr, "  %s\n", vr.Message)
		}
		return input, nil
	}
	return "", fmt.Errorf("maximum attempts (%d) exceeded for %s", maxAttempts, step.Label)
}

func (r *Runner) scanLine() (string, error) {
	if r.scanner == nil {
		r.scanner = bufio.NewScanner(r.Stdin)
	}
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.scanner.Text(), nil
}

func (r *Runner) readLine(prompt string) (string, error) {
	fmt.Fprint(r.Stderr, prompt)
	return r.scanLine()
}

// readSecret disables echo on a terminal and falls back to a plain line
// read for pipes.
func (r *Runner) readSecret(prompt string) (string, error) {
	fmt.Fprint(r.Stderr, prompt)
	if f, ok := r.Stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(r.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading secret input: %w", err)
		}
		return string(b), nil
	}
	return r.scanLine()
}

func (r *Runner) askOverwrite() (bool, error) {
	for {
		line, err := r.readLine("  [S]kip or [O]verwrite? ")
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "s", "skip":
			return false, nil
		case "o", "overwrite":
			return true, nil
		}
		fmt.Fprintln(r.Stderr, "  Please enter 'S' to skip or 'O' to overwrite.")
	}
}

func (r *Runner) printSummary(results []stepResult) {
	fmt.Fprintln(r.Stderr)
	fmt.Fprintln(r.Stderr, "============================================================")
	fmt.Fprintln(r.Stderr, "  Bootstrap Summary")
	fmt.Fprintln(r.Stderr, "============================================================")
	for _, res := range results {
		fmt.Fprintf(r.Stderr, "  %-14s %s\n", "["+strings.ToUpper(res.Action)+"]", res.Label)
	}
	fmt.Fprintln(r.Stderr)
	fmt.Fprintln(r.Stderr, "  Deployment environment:")
	for _, res := range results {
		fmt.Fprintf(r.Stderr, "    %s_SSM_PARAM=%s\n", res.EnvVar, res.Path)
	}
	fmt.Fprintln(r.Stderr)
}
