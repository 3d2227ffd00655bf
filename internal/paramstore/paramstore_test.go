package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	out *ssm.GetParameterOutput
	err error
	in  *ssm.GetParameterInput
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.in = in
	return f.out, f.err
}

func param(v string) *ssm.GetParameterOutput {
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name:  new(string),
		Value: &v,
		Type:  types.ParameterTypeSecureString,
	}}
}

func TestGetParameter(t *testing.T) {
	api := &fakeAPI{out: param("dapi-123\n")}
	c, err := New(api)
	require.NoError(t, err)

	v, err := c.GetParameter(context.Background(), " /salesmail/databricks-token ")
	require.NoError(t, err)
	require.Equal(t, "dapi-123", v)
	require.Equal(t, "/salesmail/databricks-token", *api.in.Name)
	require.True(t, *api.in.WithDecryption)
}

func TestGetParameter_NoValue(t *testing.T) {
	c, err := New(&fakeAPI{out: &ssm.GetParameterOutput{Parameter: &types.Parameter{}}})
	require.NoError(t, err)

	_, err = c.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "has no value")
}

func TestGetParameter_APIError(t *testing.T) {
	c, err := New(&fakeAPI{err: errors.New("AccessDenied")})
	require.NoError(t, err)

	_, err = c.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "AccessDenied")
}

func TestGetParameter_EmptyName(t *testing.T) {
	c, err := New(&fakeAPI{})
	require.NoError(t, err)

	_, err = c.GetParameter(context.Background(), "  ")
	require.ErrorContains(t, err, "required")
}

func TestGetParameter_Uninitialized(t *testing.T) {
	_, err := (&Client{}).GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "not initialized")
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}
