package param

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSSM struct {
	values map[string]string
	empty  map[string]bool
	pages  [][]string
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	if !aws.ToBool(in.WithDecryption) {
		return nil, errors.New("expected decryption")
	}
	if f.empty[aws.ToString(in.Name)] {
		return &ssm.GetParameterOutput{Parameter: &types.Parameter{}}, nil
	}
	v, ok := f.values[aws.ToString(in.Name)]
	if !ok {
		return nil, &types.ParameterNotFound{}
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Value: aws.String(v)}}, nil
}

func (f *fakeSSM) GetParametersByPath(_ context.Context, in *ssm.GetParametersByPathInput, _ ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error) {
	page := 0
	if in.NextToken != nil {
		page = 1
	}
	out := &ssm.GetParametersByPathOutput{}
	for _, v := range f.pages[page] {
		out.Parameters = append(out.Parameters, types.Parameter{Value: aws.String(v)})
	}
	if page+1 < len(f.pages) {
		out.NextToken = aws.String("next")
	}
	return out, nil
}

func TestParameterStoreFetch(t *testing.T) {
	f := &ParameterStoreFetcher{client: &fakeSSM{values: map[string]string{"/flux/hub_token": "hf_abc"}}}
	v, err := f.Fetch(context.Background(), "/flux/hub_token")
	require.NoError(t, err)
	assert.Equal(t, "hf_abc", v)

	_, err = f.Fetch(context.Background(), "/flux/missing")
	var notFound *types.ParameterNotFound
	assert.ErrorAs(t, err, &notFound)
	assert.Contains(t, err.Error(), "get parameter /flux/missing")
}

func TestParameterStoreFetchEmptyValue(t *testing.T) {
	f := &ParameterStoreFetcher{client: &fakeSSM{empty: map[string]bool{"/flux/blank": true}}}
	_, err := f.Fetch(context.Background(), "/flux/blank")
	assert.ErrorIs(t, err, ErrEmptyParameter)
}

func TestParameterStoreFetchAllPages(t *testing.T) {
	f := &ParameterStoreFetcher{client: &fakeSSM{pages: [][]string{{"a", "b"}, {"c"}}}}
	vs, err := f.FetchAll(context.Background(), "/flux/prompts")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, vs)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	f := &ParameterStoreFetcher{client: &fakeSSM{values: map[string]string{"/p": "from-ssm"}}}

	v, err := Resolve(ctx, f, "direct", "/p")
	require.NoError(t, err)
	assert.Equal(t, "direct", v)

	v, err = Resolve(ctx, f, "", "/p")
	require.NoError(t, err)
	assert.Equal(t, "from-ssm", v)

	v, err = Resolve(ctx, nil, "", "")
	require.NoError(t, err)
	assert.Empty(t, v)

	_, err = Resolve(ctx, nil, "", "/p")
	assert.Error(t, err)
}

func TestResolveAll(t *testing.T) {
	ctx := context.Background()
	f := &ParameterStoreFetcher{client: &fakeSSM{pages: [][]string{{"x"}}}}

	vs, err := ResolveAll(ctx, f, []string{"y"}, "/p")
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, vs)

	vs, err = ResolveAll(ctx, f, nil, "/p")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, vs)
}
