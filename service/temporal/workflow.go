package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// RefreshWalletWorkflowName is the registered workflow type started by schedules.
const RefreshWalletWorkflowName = "RefreshWalletWorkflow"

// RefreshWalletWorkflow rebuilds one cached wallet lookup. It is triggered by a
// Temporal schedule so hot wallets are served from cache between refreshes.
func RefreshWalletWorkflow(ctx workflow.Context, input RefreshWalletInput) (*RefreshWalletResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("RefreshWalletWorkflow started", "address", input.Address, "limit", input.Limit)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        30 * time.Second,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{errTypeInvalidRequest},
		},
	})

	var result *RefreshWalletResult
	err := workflow.ExecuteActivity(ctx, a.RefreshWallet, input).Get(ctx, &result)
	if err != nil {
		logger.Error("wallet refresh failed", "address", input.Address, "error", err)
		errMsg := err.Error()
		return &RefreshWalletResult{
			Address:   input.Address,
			FetchedAt: workflow.Now(ctx),
			Error:     &errMsg,
		}, fmt.Errorf("refresh wallet: %w", err)
	}

	logger.Info("RefreshWalletWorkflow completed",
		"address", input.Address,
		"rows", result.RowCount,
		"failures", result.Failures,
	)
	return result, nil
}
