package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// SSMClient is the subset of the SSM API the bootstrap uses.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

const ssmOperationTimeout = 15 * time.Second

// SSMManager writes bootstrap parameters under /{env}/planforge/.
type SSMManager struct {
	client SSMClient
	env    string
	logger *slog.Logger
}

// NewSSMManager creates an SSMManager for a verified session.
func NewSSMManager(sess *Session) *SSMManager {
	return NewSSMManagerWithClient(ssm.NewFromConfig(sess.AWSConfig), sess.Environment, sess.Logger)
}

// NewSSMManagerWithClient creates an SSMManager around client.
func NewSSMManagerWithClient(client SSMClient, env string, logger *slog.Logger) *SSMManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSMManager{client: client, env: env, logger: logger}
}

// Path returns /{env}/planforge/{key}.
func (m *SSMManager) Path(key string) string {
	return fmt.Sprintf("/%s/planforge/%s", m.env, key)
}

// Exists reports whether a parameter is already stored at path. It never
// decrypts, so kms:Decrypt is not needed.
func (m *SSMManager) Exists(ctx context.Context, path string) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, ssmOperationTimeout)
	defer cancel()

	_, err := m.client.GetParameter(opCtx, &ssm.GetParameterInput{
		Name:           aws.String(path),
		WithDecryption: aws.Bool(false),
	})
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("checking SSM parameter %q: %w", path, err)
	}
	return true, nil
}

// Put writes value at path. SecureString values are logged by length only.
func (m *SSMManager) Put(ctx context.Context, path, value string, secure, overwrite bool) error {
	if path == "" {
		return fmt.Errorf("SSM parameter path must not be empty")
	}
	if value == "" {
		return fmt.Errorf("SSM parameter value must not be empty for path %q", path)
	}

	paramType := ssmtypes.ParameterTypeString
	if secure {
		paramType = ssmtypes.ParameterTypeSecureString
	}

	opCtx, cancel := context.WithTimeout(ctx, ssmOperationTimeout)
	defer cancel()

	_, err := m.client.PutParameter(opCtx, &ssm.PutParameterInput{
		Name:      aws.String(path),
		Value:     aws.String(value),
		Type:      paramType,
		Overwrite: aws.Bool(overwrite),
	})
	if err != nil {
		var alreadyExists *ssmtypes.ParameterAlreadyExists
		if errors.As(err, &alreadyExists) {
			return fmt.Errorf("SSM parameter %q already exists: %w", path, err)
		}
		return fmt.Errorf("writing SSM parameter %q: %w", path, err)
	}

	if secure {
		m.logger.Info("SSM parameter written", "path", path, "type", string(paramType), "value_length", len(value))
	} else {
		m.logger.Info("SSM parameter written", "path", path, "type", string(paramType), "value", value)
	}
	return nil
}
