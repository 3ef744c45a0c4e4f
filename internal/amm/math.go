package amm

import (
	"fmt"
	"math"
	"math/big"

	"github.com/aman-zulfiqar/anchor-dex/internal/models"
)

const (
	// BpsDenominator is 100% in basis points.
	BpsDenominator = 10_000

	MinPoolFeeBps = 1
	MaxPoolFeeBps = 1000
)

// MinimumLiquidity is locked out of the first deposit of every pool so the
// share price of an empty pool cannot be manipulated.
var MinimumLiquidity = big.NewInt(1000)

var bpsDenom = big.NewInt(BpsDenominator)

type SwapQuote struct {
	AmountIn         *big.Int
	AmountOut        *big.Int
	FeeAmount        *big.Int
	AmountInAfterFee *big.Int
	// PriceImpact is a percentage for display only.
	PriceImpact float64
}

// QuoteSwap computes the constant-product output for amountIn with the fee
// retained in the pool:
//
//	fee      = floor(amountIn * feeBps / 10000)
//	out      = floor(reserveOut * (amountIn-fee) / (reserveIn + amountIn-fee))
func QuoteSwap(reserveIn, reserveOut, amountIn *big.Int, feeBps uint16) (*SwapQuote, error) {
	if !positive(amountIn) || !positive(reserveIn) || !positive(reserveOut) {
		return nil, fmt.Errorf("%w: amounts and reserves must be > 0", models.ErrInvalidInput)
	}
	if feeBps >= BpsDenominator {
		return nil, fmt.Errorf("%w: fee %d bps out of range", models.ErrInvalidInput, feeBps)
	}

	fee := FeeAmount(amountIn, feeBps)
	after := new(big.Int).Sub(amountIn, fee)

	numerator := new(big.Int).Mul(reserveOut, after)
	denominator := new(big.Int).Add(reserveIn, after)
	amountOut := new(big.Int).Quo(numerator, denominator)

	return &SwapQuote{
		AmountIn:         new(big.Int).Set(amountIn),
		AmountOut:        amountOut,
		FeeAmount:        fee,
		AmountInAfterFee: after,
		PriceImpact:      priceImpact(reserveIn, reserveOut, after, amountOut),
	}, nil
}

// QuoteSwapExactOut finds an input for which QuoteSwap yields at least
// amountOut, rounding every step up.
func QuoteSwapExactOut(reserveIn, reserveOut, amountOut *big.Int, feeBps uint16) (*SwapQuote, error) {
	if !positive(amountOut) || !positive(reserveIn) || !positive(reserveOut) {
		return nil, fmt.Errorf("%w: amounts and reserves must be > 0", models.ErrInvalidInput)
	}
	if feeBps >= BpsDenominator {
		return nil, fmt.Errorf("%w: fee %d bps out of range", models.ErrInvalidInput, feeBps)
	}
	if amountOut.Cmp(reserveOut) >= 0 {
		return nil, fmt.Errorf("%w: requested output exceeds reserve", models.ErrInsufficientLiquidity)
	}

	// after = ceil(reserveIn * out / (reserveOut - out))
	after := ceilDiv(new(big.Int).Mul(reserveIn, amountOut), new(big.Int).Sub(reserveOut, amountOut))
	// amountIn = ceil(after * 10000 / (10000 - fee))
	amountIn := ceilDiv(new(big.Int).Mul(after, bpsDenom), big.NewInt(int64(BpsDenominator-int(feeBps))))

	return QuoteSwap(reserveIn, reserveOut, amountIn, feeBps)
}

// FeeAmount is floor(amount * feeBps / 10000).
func FeeAmount(amount *big.Int, feeBps uint16) *big.Int {
	fee := new(big.Int).Mul(amount, big.NewInt(int64(feeBps)))
	return fee.Quo(fee, bpsDenom)
}

// ProtocolFee is the treasury's share of a trading fee, floor(fee * shareBps / 10000).
func ProtocolFee(feeAmount *big.Int, shareBps uint16) *big.Int {
	if feeAmount == nil || shareBps == 0 {
		return new(big.Int)
	}
	if shareBps > BpsDenominator {
		shareBps = BpsDenominator
	}
	return FeeAmount(feeAmount, shareBps)
}

type LiquidityQuote struct {
	Shares  *big.Int
	AmountA *big.Int
	AmountB *big.Int
	// First is true when the deposit seeds an empty pool and locks MinimumLiquidity.
	First bool
}

// QuoteLiquidity computes the LP shares minted for a deposit. Amounts are
// taken as given; the caller is responsible for proportionality.
func QuoteLiquidity(reserveA, reserveB, totalSupply, amountA, amountB *big.Int) (*LiquidityQuote, error) {
	if !positive(amountA) || !positive(amountB) {
		return nil, fmt.Errorf("%w: deposit amounts must be > 0", models.ErrInvalidInput)
	}

	if totalSupply == nil || totalSupply.Sign() == 0 {
		shares := Isqrt(new(big.Int).Mul(amountA, amountB))
		shares.Sub(shares, MinimumLiquidity)
		if shares.Sign() <= 0 {
			return nil, fmt.Errorf("%w: first deposit must exceed minimum liquidity", models.ErrInsufficientLiquidity)
		}
		return &LiquidityQuote{
			Shares:  shares,
			AmountA: new(big.Int).Set(amountA),
			AmountB: new(big.Int).Set(amountB),
			First:   true,
		}, nil
	}

	if !positive(reserveA) || !positive(reserveB) {
		return nil, fmt.Errorf("%w: pool has supply but no reserves", models.ErrInsufficientLiquidity)
	}

	sharesA := new(big.Int).Mul(amountA, totalSupply)
	sharesA.Quo(sharesA, reserveA)
	sharesB := new(big.Int).Mul(amountB, totalSupply)
	sharesB.Quo(sharesB, reserveB)

	shares := sharesA
	if sharesB.Cmp(sharesA) < 0 {
		shares = sharesB
	}
	if shares.Sign() <= 0 {
		return nil, fmt.Errorf("%w: deposit too small to mint shares", models.ErrInsufficientLiquidity)
	}

	return &LiquidityQuote{
		Shares:  shares,
		AmountA: new(big.Int).Set(amountA),
		AmountB: new(big.Int).Set(amountB),
	}, nil
}

// QuoteWithdrawal returns the floor-proportional share of both reserves.
func QuoteWithdrawal(reserveA, reserveB, totalSupply, shares *big.Int) (*big.Int, *big.Int, error) {
	if !positive(shares) {
		return nil, nil, fmt.Errorf("%w: shares must be > 0", models.ErrInvalidInput)
	}
	if !positive(totalSupply) {
		return nil, nil, fmt.Errorf("%w: pool has no supply", models.ErrInsufficientLiquidity)
	}
	if shares.Cmp(totalSupply) > 0 {
		return nil, nil, fmt.Errorf("%w: shares exceed total supply", models.ErrInvalidInput)
	}

	a := new(big.Int).Mul(shares, nonNil(reserveA))
	a.Quo(a, totalSupply)
	b := new(big.Int).Mul(shares, nonNil(reserveB))
	b.Quo(b, totalSupply)
	return a, b, nil
}

// Isqrt returns floor(sqrt(n)) by Newton's method, stopping once two
// successive iterates differ by at most one. Non-positive input yields zero.
func Isqrt(n *big.Int) *big.Int {
	if n == nil || n.Sign() <= 0 {
		return new(big.Int)
	}

	one := big.NewInt(1)
	x := new(big.Int).Set(n)
	diff := new(big.Int)
	for {
		// y = (x + n/x) / 2
		y := new(big.Int).Quo(n, x)
		y.Add(y, x)
		y.Rsh(y, 1)

		diff.Sub(x, y)
		x = y
		if diff.CmpAbs(one) <= 0 {
			break
		}
	}

	sq := new(big.Int)
	for sq.Mul(x, x).Cmp(n) > 0 {
		x.Sub(x, one)
	}
	next := new(big.Int).Add(x, one)
	for sq.Mul(next, next).Cmp(n) <= 0 {
		x.Set(next)
		next.Add(next, one)
	}
	return x
}

// ApplySlippage returns amount * (10000 - bps) / 10000.
func ApplySlippage(amount *big.Int, slippageBps uint16) *big.Int {
	if amount == nil || slippageBps >= BpsDenominator {
		return new(big.Int)
	}
	out := new(big.Int).Mul(amount, big.NewInt(int64(BpsDenominator-int(slippageBps))))
	return out.Quo(out, bpsDenom)
}

// ValidatePriceImpact rejects quotes whose impact (a percentage) exceeds maxImpactBps.
func ValidatePriceImpact(impactPct float64, maxImpactBps uint16) error {
	if maxImpactBps == 0 {
		return nil
	}
	limit := float64(maxImpactBps) / 100.0
	if impactPct > limit {
		return fmt.Errorf("%w: price impact %.4f%% exceeds max %.4f%%", models.ErrInsufficientLiquidity, impactPct, limit)
	}
	return nil
}

// priceImpact is |1 - (out/after) / (reserveOut/reserveIn)| * 100.
func priceImpact(reserveIn, reserveOut, after, amountOut *big.Int) float64 {
	if after.Sign() == 0 {
		return 0
	}
	execution := new(big.Float).Quo(new(big.Float).SetInt(amountOut), new(big.Float).SetInt(after))
	spot := new(big.Float).Quo(new(big.Float).SetInt(reserveOut), new(big.Float).SetInt(reserveIn))
	ratio, _ := new(big.Float).Quo(execution, spot).Float64()
	return math.Abs(1-ratio) * 100
}

func ceilDiv(a, b *big.Int) *big.Int {
	q, m := new(big.Int).QuoRem(a, b, new(big.Int))
	if m.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

func positive(x *big.Int) bool { return x != nil && x.Sign() > 0 }

func nonNil(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}
