package ports

import (
	"context"

	"github.com/layer-3/paygate/core"
)

// Gate is the contract framework adapters consume. It never returns an
// error: every failure is folded into the GateResult.
type Gate interface {
	Authorize(ctx context.Context, header string, policy core.Policy) core.GateResult
	IssueChallenge(ctx context.Context, policy core.Policy) core.GateResult
	Redeem(ctx context.Context, proof *core.Proof) core.GateResult
	Receipt(token string) (*core.Receipt, error)
}
