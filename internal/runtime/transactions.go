package runtime

import (
	"fmt"
	"math/big"

	"github.com/shardnet/node/internal/cryptoutil"
	"github.com/shardnet/node/internal/nodeerrors"
	"github.com/shardnet/node/internal/types"
)

// verifyAndChargeTransaction implements spec.md §4.5 step 2: validate
// the signature, charge the signer for all prepaid gas converted at
// the current gas_price plus any deposit, and produce the
// ActionReceipt the transaction's actions become.
func (r *Runtime) verifyAndChargeTransaction(s *state, tx types.SignedTransaction, gasPrice *big.Int) (types.Receipt, uint64, error) {
	if !cryptoutil.Verify(tx.SignerPublicKey, tx.SigningHash(), tx.Signature) {
		return types.Receipt{}, 0, fmt.Errorf("%w: bad signature", nodeerrors.ErrInvalidTx)
	}

	signer, exists, err := s.getAccount(tx.SignerID)
	if err != nil {
		return types.Receipt{}, 0, err
	}
	if !exists {
		return types.Receipt{}, 0, fmt.Errorf("%w: unknown signer %s", nodeerrors.ErrInvalidTx, tx.SignerID)
	}

	prepaidGas := totalPrepaidGas(tx.Actions)
	gasCost := new(big.Int).Mul(new(big.Int).SetUint64(prepaidGas), gasPrice)
	totalCost := new(big.Int).Add(gasCost, totalDeposit(tx.Actions))

	if signer.Amount == nil || signer.Amount.Cmp(totalCost) < 0 {
		return types.Receipt{}, 0, fmt.Errorf("%w: insufficient balance for prepaid gas and deposit", nodeerrors.ErrInvalidTx)
	}
	signer.Amount = new(big.Int).Sub(signer.Amount, totalCost)
	if err := s.putAccount(tx.SignerID, signer); err != nil {
		return types.Receipt{}, 0, err
	}

	receipt := types.Receipt{
		PredecessorID: tx.SignerID,
		ReceiverID:    tx.ReceiverID,
		ReceiptID:     tx.Hash(),
		Body: types.ActionReceipt{
			SignerID:        tx.SignerID,
			SignerPublicKey: tx.SignerPublicKey,
			GasPrice:        gasPrice,
			Actions:         tx.Actions,
		},
	}

	const baseTxFee = 10
	return receipt, baseTxFee, nil
}
