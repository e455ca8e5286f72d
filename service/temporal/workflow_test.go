package temporal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
)

const (
	testWallet   = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	testEndpoint = "https://rpc.example.com/?api-key=secret"
)

func newWorkflowEnv() (*testsuite.TestWorkflowEnvironment, *Activities) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()
	activities := &Activities{}
	register(env, activities)
	return env, activities
}

func TestRefreshWalletWorkflow(t *testing.T) {
	env, activities := newWorkflowEnv()
	input := RefreshWalletInput{Address: testWallet, Endpoint: testEndpoint, Limit: 20}

	newest := "sig-newest"
	balance := "1.5"
	env.OnActivity(activities.RefreshWallet, mock.Anything, input).
		Return(&RefreshWalletResult{
			Address:         testWallet,
			Balance:         &balance,
			RowCount:        20,
			TokenCount:      2,
			Failures:        1,
			NewestSignature: &newest,
		}, nil)

	env.ExecuteWorkflow(RefreshWalletWorkflow, input)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result RefreshWalletResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, testWallet, result.Address)
	assert.Equal(t, 20, result.RowCount)
	assert.Equal(t, 2, result.TokenCount)
	assert.Equal(t, 1, result.Failures)
	require.NotNil(t, result.NewestSignature)
	assert.Equal(t, "sig-newest", *result.NewestSignature)
	assert.Nil(t, result.Error)
}

func TestRefreshWalletWorkflow_RetriesThenFails(t *testing.T) {
	env, activities := newWorkflowEnv()

	calls := 0
	env.OnActivity(activities.RefreshWallet, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { calls++ }).
		Return(nil, temporalsdk.NewApplicationError("rpc unreachable", errTypeLookupFailed))

	env.ExecuteWorkflow(RefreshWalletWorkflow, RefreshWalletInput{Address: testWallet, Endpoint: testEndpoint, Limit: 20})

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rpc unreachable")
	assert.Equal(t, 3, calls)
}

func TestRefreshWalletWorkflow_RecoversOnRetry(t *testing.T) {
	env, activities := newWorkflowEnv()

	calls := 0
	env.OnActivity(activities.RefreshWallet, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			calls++
			if calls < 2 {
				panic("transient error") // Temporal retries on panics
			}
		}).
		Return(&RefreshWalletResult{Address: testWallet, RowCount: 3}, nil)

	env.ExecuteWorkflow(RefreshWalletWorkflow, RefreshWalletInput{Address: testWallet, Endpoint: testEndpoint, Limit: 20})

	require.NoError(t, env.GetWorkflowError())
	var result RefreshWalletResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, 3, result.RowCount)
	assert.Equal(t, 2, calls)
}

func TestRefreshWalletWorkflow_InvalidRequestNotRetried(t *testing.T) {
	env, activities := newWorkflowEnv()

	calls := 0
	env.OnActivity(activities.RefreshWallet, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { calls++ }).
		Return(nil, temporalsdk.NewNonRetryableApplicationError("bad address", errTypeInvalidRequest, nil))

	start := env.Now()
	env.ExecuteWorkflow(RefreshWalletWorkflow, RefreshWalletInput{Address: "bad", Endpoint: testEndpoint, Limit: 20})

	require.Error(t, env.GetWorkflowError())
	assert.Equal(t, 1, calls)
	assert.Less(t, env.Now().Sub(start), 30*time.Second)
}
