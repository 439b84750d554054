// Package paramstore reads provider credentials from SSM Parameter Store.
package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SSM accepts at most ten names per GetParameters call.
const maxBatch = 10

type ssmAPI interface {
	GetParameters(ctx context.Context, in *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

type Client struct {
	api ssmAPI
}

func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

// Credentials holds decoded tokens keyed by the short name under a prefix,
// e.g. "open-ai-token" for "<prefix>/open-ai-token".
type Credentials map[string]string

// Require returns the named token or an error naming the missing parameter.
func (c Credentials) Require(name string) (string, error) {
	tok, ok := c[name]
	if !ok || tok == "" {
		return "", fmt.Errorf("paramstore: credential %q is not configured", name)
	}
	return tok, nil
}

// LoadCredentials fetches every name under prefix in batched GetParameters
// calls and decodes each {"token":"..."} payload. Names SSM does not know are
// left out of the result so callers decide which ones are mandatory.
func (c *Client) LoadCredentials(ctx context.Context, prefix string, names ...string) (Credentials, error) {
	if c.api == nil {
		return nil, errors.New("paramstore: client not initialized")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return nil, errors.New("paramstore: prefix is required")
	}

	byPath := make(map[string]string, len(names))
	paths := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.Trim(strings.TrimSpace(n), "/")
		if n == "" {
			continue
		}
		path := prefix + "/" + n
		if _, dup := byPath[path]; dup {
			continue
		}
		byPath[path] = n
		paths = append(paths, path)
	}

	creds := make(Credentials, len(paths))
	for start := 0; start < len(paths); start += maxBatch {
		end := min(start+maxBatch, len(paths))
		out, err := c.api.GetParameters(ctx, &ssm.GetParametersInput{
			Names:          paths[start:end],
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("paramstore: get parameters: %w", err)
		}
		if out == nil {
			continue
		}
		for _, p := range out.Parameters {
			path := aws.ToString(p.Name)
			short, ok := byPath[path]
			if !ok {
				continue
			}
			tok, err := decodeToken(path, aws.ToString(p.Value))
			if err != nil {
				return nil, err
			}
			creds[short] = tok
		}
	}
	return creds, nil
}

func decodeToken(name, raw string) (string, error) {
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return "", fmt.Errorf("paramstore: decode token %q: %w", name, err)
	}
	if strings.TrimSpace(payload.Token) == "" {
		return "", fmt.Errorf("paramstore: token %q is empty", name)
	}
	return payload.Token, nil
}
