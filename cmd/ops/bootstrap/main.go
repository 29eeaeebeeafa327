// Package main implements the bootstrap CLI for planforge.
//
// It walks an operator through collecting the provider credentials the
// billing engine needs and writes them to AWS SSM Parameter Store under
// /{env}/planforge/..., the paths the services' *_SSM_PARAM variables point
// at. Internal secrets such as the admin key are generated, never typed.
//
// Usage:
//
//	go run ./cmd/ops/bootstrap --env=dev
//	go run ./cmd/ops/bootstrap --env=prod --profile=planforge-prod --region=us-east-1
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

var validEnvironments = map[string]bool{
	"dev":     true,
	"staging": true,
	"prod":    true,
}

// Session is the verified AWS session the bootstrap runs in.
type Session struct {
	Environment string
	AWSProfile  string
	AWSRegion   string
	AccountID   string
	CallerARN   string
	AWSConfig   aws.Config
	Logger      *slog.Logger
}

func main() {
	envFlag := flag.String("env", "", "Target environment (dev/staging/prod) [required]")
	profileFlag := flag.String("profile", "", "AWS CLI profile (default: uses default credential chain)")
	regionFlag := flag.String("region", "us-east-1", "AWS region")
	paymentsURL := flag.String("payments-url", "https://live.dodopayments.com", "Payment provider API base URL used to verify the API key")
	identityURL := flag.String("identity-url", "https://api.clerk.com/v1", "Identity provider API base URL used to verify the API key")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "planforge bootstrap\n\n")
		fmt.Fprintf(os.Stderr, "Collects provider credentials and writes them to SSM.\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n  bootstrap --env=dev [--profile=NAME] [--region=REGION]\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *envFlag == "" {
		fmt.Fprintf(os.Stderr, "error: --env is required\n\n")
		flag.Usage()
		os.Exit(1)
	}
	if !validEnvironments[*envFlag] {
		fmt.Fprintf(os.Stderr, "error: invalid environment %q (must be dev, staging, or prod)\n", *envFlag)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sess, err := initializeSession(ctx, *envFlag, *profileFlag, *regionFlag, logger)
	if err != nil {
		logger.Error("initialization failed", "error", err)
		os.Exit(1)
	}

	if sess.Environment == "prod" && !confirmProduction(sess, os.Stdin, os.Stderr) {
		fmt.Fprintln(os.Stderr, "Aborted. No changes were made.")
		os.Exit(0)
	}
	printBanner(sess, os.Stderr)

	runner := NewRunner(NewSSMManager(sess), NewValidator(*paymentsURL, *identityURL), os.Stdin, os.Stderr)
	if err := runner.Run(ctx); err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}

	logger.Info("bootstrap completed",
		"env", sess.Environment,
		"account", sess.AccountID,
		"region", sess.AWSRegion,
	)
}

// initializeSession loads AWS credentials and confirms them with STS
// GetCallerIdentity before anything is written.
func initializeSession(ctx context.Context, env, profile, region string, logger *slog.Logger) (*Session, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	identityCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	identity, err := sts.NewFromConfig(cfg).GetCallerIdentity(identityCtx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("verifying AWS identity (profile %q, region %q): %w", profile, region, err)
	}

	sess := &Session{
		Environment: env,
		AWSProfile:  profile,
		AWSRegion:   region,
		AccountID:   aws.ToString(identity.Account),
		CallerARN:   aws.ToString(identity.Arn),
		AWSConfig:   cfg,
		Logger:      logger,
	}
	logger.Info("AWS identity verified", "account_id", sess.AccountID, "arn", sess.CallerARN)
	return sess, nil
}

// confirmProduction requires the operator to type "yes".
func confirmProduction(sess *Session, in io.Reader, out io.Writer) bool {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  WARNING: You are targeting the PRODUCTION environment")
	fmt.Fprintf(out, "  Account: %s\n  Region:  %s\n  ARN:     %s\n\n", sess.AccountID, sess.AWSRegion, sess.CallerARN)
	fmt.Fprint(out, "Type 'yes' to continue: ")

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(scanner.Text()), "yes")
}

func printBanner(sess *Session, out io.Writer) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "------------------------------------------------------------")
	fmt.Fprintln(out, "  planforge bootstrap")
	fmt.Fprintln(out, "------------------------------------------------------------")
	fmt.Fprintf(out, "  Environment:  %s\n", sess.Environment)
	fmt.Fprintf(out, "  AWS Account:  %s\n", sess.AccountID)
	fmt.Fprintf(out, "  AWS Region:   %s\n", sess.AWSRegion)
	if sess.AWSProfile != "" {
		fmt.Fprintf(out, "  Profile:      %s\n", sess.AWSProfile)
	}
	fmt.Fprintf(out, "  SSM Prefix:   /%s/planforge/\n", sess.Environment)
	fmt.Fprintln(out, "------------------------------------------------------------")
}
