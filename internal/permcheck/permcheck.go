// Package permcheck runs a pre-flight IAM simulation before a run starts,
// confirming the run's principal can reach the configured warehouse and
// object-store resources. It is the one real caller of the IAM client the
// teacher's go.mod carries but never exercises.
package permcheck

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/opensource-observer/goldsky-ingest/internal/awsclient"
)

// ErrDenied reports that the simulated principal lacks one or more of the
// requested actions on one or more of the requested resources.
type ErrDenied struct {
	Denials []string
}

func (e *ErrDenied) Error() string {
	return fmt.Sprintf("permcheck: %d action(s) denied: %v", len(e.Denials), e.Denials)
}

// Checker simulates whether principalARN can perform actions against
// resourceARNs, failing the run before any work starts if it can't.
type Checker struct {
	client awsclient.IAMClient
}

// New creates a Checker.
func New(client awsclient.IAMClient) *Checker {
	return &Checker{client: client}
}

// Check simulates every (action, resource) pair and returns ErrDenied if
// any combination isn't allowed.
func (c *Checker) Check(ctx context.Context, principalARN string, actions, resourceARNs []string) error {
	out, err := c.client.SimulatePrincipalPolicy(ctx, &iam.SimulatePrincipalPolicyInput{
		PolicySourceArn: aws.String(principalARN),
		ActionNames:     actions,
		ResourceArns:    resourceARNs,
	})
	if err != nil {
		return fmt.Errorf("permcheck: simulate policy for %s: %w", principalARN, err)
	}

	var denials []string
	for _, result := range out.EvaluationResults {
		if result.EvalDecision != types.PolicyEvaluationDecisionTypeAllowed {
			action := ""
			if result.EvalActionName != nil {
				action = *result.EvalActionName
			}
			resource := ""
			if result.EvalResourceName != nil {
				resource = *result.EvalResourceName
			}
			denials = append(denials, fmt.Sprintf("%s on %s", action, resource))
		}
	}

	if len(denials) > 0 {
		return &ErrDenied{Denials: denials}
	}
	return nil
}
