package domain

import "math/big"

// ReplacementFees computes the fees for a same-nonce replacement. Nodes
// reject replacements that do not raise both the tip and the fee cap by at
// least 10 percent, so bumpPct below 10 is raised to 10. The bump applies
// to the higher of the original fee and the current network recommendation
// per component, so a replacement after a fee spike jumps to market instead
// of crawling up from the original price. curTip and curFeeCap may be nil
// when no market read is available. When the bumped fee cap would exceed
// ceiling it is clamped and capped reports true; the caller decides whether
// a clamped bump is still a valid replacement.
func ReplacementFees(oldTip, oldFeeCap, curTip, curFeeCap, ceiling *big.Int, bumpPct int) (newTip, newFeeCap *big.Int, capped bool) {
	if bumpPct < 10 {
		bumpPct = 10
	}
	mult := big.NewInt(int64(100 + bumpPct))

	baseTip := oldTip
	if curTip != nil && curTip.Cmp(baseTip) > 0 {
		baseTip = curTip
	}
	baseCap := oldFeeCap
	if curFeeCap != nil && curFeeCap.Cmp(baseCap) > 0 {
		baseCap = curFeeCap
	}

	newTip = new(big.Int).Mul(baseTip, mult)
	newTip.Div(newTip, big.NewInt(100))
	newFeeCap = new(big.Int).Mul(baseCap, mult)
	newFeeCap.Div(newFeeCap, big.NewInt(100))

	if ceiling != nil && ceiling.Sign() > 0 && newFeeCap.Cmp(ceiling) > 0 {
		newFeeCap = new(big.Int).Set(ceiling)
		capped = true
		if newTip.Cmp(newFeeCap) > 0 {
			newTip = new(big.Int).Set(newFeeCap)
		}
	}
	return newTip, newFeeCap, capped
}
