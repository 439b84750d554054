package paramstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	// values backs GetParameters by full parameter name.
	values   map[string]string
	batchErr error
	batches  [][]string
	decrypt  bool
}

func (f *fakeAPI) GetParameters(_ context.Context, in *ssm.GetParametersInput, _ ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	f.batches = append(f.batches, append([]string(nil), in.Names...))
	f.decrypt = aws.ToBool(in.WithDecryption)
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := &ssm.GetParametersOutput{}
	for _, n := range in.Names {
		if v, ok := f.values[n]; ok {
			out.Parameters = append(out.Parameters, types.Parameter{Name: aws.String(n), Value: aws.String(v)})
		} else {
			out.InvalidParameters = append(out.InvalidParameters, n)
		}
	}
	return out, nil
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.ErrorContains(t, err, "must not be nil")
}

func TestLoadCredentials_DecodesKnownAndSkipsMissing(t *testing.T) {
	api := &fakeAPI{values: map[string]string{
		"/tutor-agent/open-ai-token":  `{"token":"sk-1"}`,
		"/tutor-agent/surrealdb-pass": `{"token":"s3cret"}`,
	}}
	client, err := New(api)
	require.NoError(t, err)

	creds, err := client.LoadCredentials(context.Background(), "/tutor-agent/", "open-ai-token", "gemini-token", "/surrealdb-pass", "open-ai-token", "")
	require.NoError(t, err)
	require.Equal(t, Credentials{"open-ai-token": "sk-1", "surrealdb-pass": "s3cret"}, creds)
	require.Equal(t, [][]string{{
		"/tutor-agent/open-ai-token", "/tutor-agent/gemini-token", "/tutor-agent/surrealdb-pass",
	}}, api.batches)
	require.True(t, api.decrypt)

	tok, err := creds.Require("open-ai-token")
	require.NoError(t, err)
	require.Equal(t, "sk-1", tok)
	_, err = creds.Require("gemini-token")
	require.ErrorContains(t, err, `"gemini-token" is not configured`)
}

func TestLoadCredentials_BatchesByTen(t *testing.T) {
	api := &fakeAPI{values: map[string]string{}}
	var names []string
	for i := range 12 {
		n := fmt.Sprintf("token-%02d", i)
		names = append(names, n)
		api.values["/p/"+n] = fmt.Sprintf(`{"token":"t%d"}`, i)
	}
	client, err := New(api)
	require.NoError(t, err)

	creds, err := client.LoadCredentials(context.Background(), "/p", names...)
	require.NoError(t, err)
	require.Len(t, creds, 12)
	require.Len(t, api.batches, 2)
	require.Len(t, api.batches[0], 10)
	require.Len(t, api.batches[1], 2)
}

func TestLoadCredentials_Errors(t *testing.T) {
	_, err := (&Client{}).LoadCredentials(context.Background(), "/p", "a")
	require.ErrorContains(t, err, "not initialized")

	client, err := New(&fakeAPI{})
	require.NoError(t, err)
	_, err = client.LoadCredentials(context.Background(), " / ", "a")
	require.ErrorContains(t, err, "prefix is required")

	client, err = New(&fakeAPI{batchErr: errors.New("throttled")})
	require.NoError(t, err)
	_, err = client.LoadCredentials(context.Background(), "/p", "a")
	require.ErrorContains(t, err, "throttled")

	client, err = New(&fakeAPI{values: map[string]string{"/p/a": "plain"}})
	require.NoError(t, err)
	_, err = client.LoadCredentials(context.Background(), "/p", "a")
	require.ErrorContains(t, err, `decode token "/p/a"`)
}
