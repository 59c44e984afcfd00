package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the slice of *ssm.Client used here.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter reads one decrypted parameter value.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client reads SecureString parameters holding relay credentials.
type Client struct {
	api    ssmAPI
	prefix string
}

// New creates a Client. Names passed to Secret are resolved under prefix.
func New(api ssmAPI, prefix string) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api, prefix: strings.TrimRight(strings.TrimSpace(prefix), "/")}, nil
}

// Prefix returns the parameter path prefix the client was built with.
func (c *Client) Prefix() string {
	return c.prefix
}

// GetParameter returns the decrypted value stored under name.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c == nil || c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: parameter %q missing value", name)
	}
	return *out.Parameter.Value, nil
}

// Secret returns a lazily resolved credential stored at prefix + "/" + name.
func (c *Client) Secret(name string) *Secret {
	full := strings.TrimLeft(strings.TrimSpace(name), "/")
	if c.prefix != "" {
		full = c.prefix + "/" + full
	}
	return NewSecret(c, full)
}
