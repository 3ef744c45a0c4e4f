package ledger

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/aman-zulfiqar/anchor-dex/internal/models"
	"github.com/gagliardetto/solana-go"
)

var associatedTokenProgramID = solana.MustPublicKeyFromBase58("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")

// SPL Token instruction indexes.
const (
	tokenIxTransfer = 3
	tokenIxMintTo   = 7
	tokenIxBurn     = 8
)

// ATA program instruction index for CreateIdempotent.
const ataIxCreateIdempotent = 1

var maxUint64 = new(big.Int).SetUint64(^uint64(0))

// FindAssociatedTokenAddress derives the ATA PDA for (owner, mint).
func FindAssociatedTokenAddress(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindProgramAddress(
		[][]byte{
			owner.Bytes(),
			solana.TokenProgramID.Bytes(),
			mint.Bytes(),
		},
		associatedTokenProgramID,
	)
	return ata, err
}

// newCreateATAIdempotentIx creates the owner's ATA if it does not exist yet.
// Account order: payer, ata, owner, mint, system program, token program.
func newCreateATAIdempotentIx(payer, ata, owner, mint solana.PublicKey) solana.Instruction {
	accounts := []*solana.AccountMeta{
		{PublicKey: payer, IsSigner: true, IsWritable: true},
		{PublicKey: ata, IsSigner: false, IsWritable: true},
		{PublicKey: owner, IsSigner: false, IsWritable: false},
		{PublicKey: mint, IsSigner: false, IsWritable: false},
		{PublicKey: solana.SystemProgramID, IsSigner: false, IsWritable: false},
		{PublicKey: solana.TokenProgramID, IsSigner: false, IsWritable: false},
	}
	return solana.NewInstruction(associatedTokenProgramID, accounts, []byte{ataIxCreateIdempotent})
}

func tokenIxData(index byte, amount uint64) []byte {
	data := make([]byte, 1+8)
	data[0] = index
	binary.LittleEndian.PutUint64(data[1:], amount)
	return data
}

// newTransferIx: source (w), destination (w), authority (s).
func newTransferIx(source, dest, authority solana.PublicKey, amount uint64) solana.Instruction {
	accounts := []*solana.AccountMeta{
		{PublicKey: source, IsSigner: false, IsWritable: true},
		{PublicKey: dest, IsSigner: false, IsWritable: true},
		{PublicKey: authority, IsSigner: true, IsWritable: false},
	}
	return solana.NewInstruction(solana.TokenProgramID, accounts, tokenIxData(tokenIxTransfer, amount))
}

// newMintToIx: mint (w), destination (w), mint authority (s).
func newMintToIx(mint, dest, authority solana.PublicKey, amount uint64) solana.Instruction {
	accounts := []*solana.AccountMeta{
		{PublicKey: mint, IsSigner: false, IsWritable: true},
		{PublicKey: dest, IsSigner: false, IsWritable: true},
		{PublicKey: authority, IsSigner: true, IsWritable: false},
	}
	return solana.NewInstruction(solana.TokenProgramID, accounts, tokenIxData(tokenIxMintTo, amount))
}

// newBurnIx: account (w), mint (w), authority (s).
func newBurnIx(account, mint, authority solana.PublicKey, amount uint64) solana.Instruction {
	accounts := []*solana.AccountMeta{
		{PublicKey: account, IsSigner: false, IsWritable: true},
		{PublicKey: mint, IsSigner: false, IsWritable: true},
		{PublicKey: authority, IsSigner: true, IsWritable: false},
	}
	return solana.NewInstruction(solana.TokenProgramID, accounts, tokenIxData(tokenIxBurn, amount))
}

func toUint64(x *big.Int) (uint64, error) {
	if x.Sign() <= 0 || x.Cmp(maxUint64) > 0 {
		return 0, fmt.Errorf("%w: amount %s outside u64 range", models.ErrInvalidInput, x)
	}
	return x.Uint64(), nil
}

// compile turns ledger instructions into SPL instructions signed by
// authority. The service key is the delegate on pool vaults and the mint
// authority of every LP token.
func compile(ixs []Instruction, authority solana.PublicKey) ([]solana.Instruction, error) {
	var out []solana.Instruction
	created := make(map[solana.PublicKey]bool)

	ensureATA := func(owner, mint solana.PublicKey) (solana.PublicKey, error) {
		ata, err := FindAssociatedTokenAddress(owner, mint)
		if err != nil {
			return solana.PublicKey{}, fmt.Errorf("derive token account: %w", err)
		}
		if !created[ata] {
			out = append(out, newCreateATAIdempotentIx(authority, ata, owner, mint))
			created[ata] = true
		}
		return ata, nil
	}

	for i, ix := range ixs {
		mint, err := solana.PublicKeyFromBase58(ix.Token)
		if err != nil {
			return nil, fmt.Errorf("%w: instruction %d token: %v", models.ErrInvalidInput, i, err)
		}
		amount, err := toUint64(ix.Amount)
		if err != nil {
			return nil, err
		}

		switch ix.Kind {
		case KindTransfer:
			from, to, err := parsePair(ix.From, ix.To)
			if err != nil {
				return nil, fmt.Errorf("instruction %d: %w", i, err)
			}
			src, err := FindAssociatedTokenAddress(from, mint)
			if err != nil {
				return nil, fmt.Errorf("derive token account: %w", err)
			}
			dst, err := ensureATA(to, mint)
			if err != nil {
				return nil, err
			}
			out = append(out, newTransferIx(src, dst, authority, amount))

		case KindMint:
			to, err := solana.PublicKeyFromBase58(ix.To)
			if err != nil {
				return nil, fmt.Errorf("%w: instruction %d destination: %v", models.ErrInvalidInput, i, err)
			}
			dst, err := ensureATA(to, mint)
			if err != nil {
				return nil, err
			}
			out = append(out, newMintToIx(mint, dst, authority, amount))

		case KindBurn:
			from, err := solana.PublicKeyFromBase58(ix.From)
			if err != nil {
				return nil, fmt.Errorf("%w: instruction %d source: %v", models.ErrInvalidInput, i, err)
			}
			src, err := FindAssociatedTokenAddress(from, mint)
			if err != nil {
				return nil, fmt.Errorf("derive token account: %w", err)
			}
			out = append(out, newBurnIx(src, mint, authority, amount))
		}
	}
	return out, nil
}

func parsePair(from, to string) (solana.PublicKey, solana.PublicKey, error) {
	f, err := solana.PublicKeyFromBase58(from)
	if err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, fmt.Errorf("%w: source: %v", models.ErrInvalidInput, err)
	}
	t, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, fmt.Errorf("%w: destination: %v", models.ErrInvalidInput, err)
	}
	return f, t, nil
}
