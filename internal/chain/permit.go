package chain

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	clierr "github.com/ggonzalez94/swapflow/internal/errors"
	"github.com/ggonzalez94/swapflow/internal/flow"
	"github.com/ggonzalez94/swapflow/internal/registry"
)

// Permit2 nonces are unordered bitmap slots; any unused 248-bit value works.
var permitNonceLimit = new(big.Int).Lsh(big.NewInt(1), 248)

var permitTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"PermitTransferFrom": {
		{Name: "permitted", Type: "TokenPermissions"},
		{Name: "spender", Type: "address"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
	"TokenPermissions": {
		{Name: "token", Type: "address"},
		{Name: "amount", Type: "uint256"},
	},
}

// PermitTypedData is the EIP-712 PermitTransferFrom message for permit.
func PermitTypedData(chainID int64, permit flow.PermitPayload) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       permitTypes,
		PrimaryType: "PermitTransferFrom",
		Domain: apitypes.TypedDataDomain{
			Name:              "Permit2",
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: registry.Permit2Address,
		},
		Message: apitypes.TypedDataMessage{
			"permitted": map[string]interface{}{
				"token":  common.HexToAddress(permit.Token.Address).Hex(),
				"amount": permit.Amount,
			},
			"spender":  common.HexToAddress(permit.Spender).Hex(),
			"nonce":    permit.Nonce,
			"deadline": strconv.FormatInt(permit.Deadline, 10),
		},
	}
}

// SignPermit fills a fresh nonce and deadline into permit and signs it.
func SignPermit(signer Signer, chainID int64, permit flow.PermitPayload, now time.Time) (flow.PermitPayload, error) {
	if !common.IsHexAddress(permit.Token.Address) || !common.IsHexAddress(permit.Spender) {
		return flow.PermitPayload{}, clierr.New(clierr.CodeUsage, "permit needs a token and spender address")
	}
	if _, err := parseBaseUnits(permit.Amount, "permit amount"); err != nil {
		return flow.PermitPayload{}, err
	}
	nonce, err := rand.Int(rand.Reader, permitNonceLimit)
	if err != nil {
		return flow.PermitPayload{}, clierr.Wrap(clierr.CodeInternal, "generate permit nonce", err)
	}
	permit.Nonce = nonce.String()
	permit.Deadline = now.Add(registry.Permit2DeadlineSeconds * time.Second).Unix()

	digest, _, err := apitypes.TypedDataAndHash(PermitTypedData(chainID, permit))
	if err != nil {
		return flow.PermitPayload{}, clierr.Wrap(clierr.CodeSigner, "hash permit", err)
	}
	sig, err := signer.SignHash(digest)
	if err != nil {
		return flow.PermitPayload{}, clierr.Wrap(clierr.CodeSigner, "sign permit", err)
	}
	permit.Signature = hexutil.Encode(sig)
	return permit, nil
}

// RecoverPermitSigner returns the address that produced permit's signature.
func RecoverPermitSigner(chainID int64, permit flow.PermitPayload) (common.Address, error) {
	sig, err := hexutil.Decode(permit.Signature)
	if err != nil || len(sig) != 65 {
		return common.Address{}, clierr.New(clierr.CodeUsage, "invalid permit signature")
	}
	digest, _, err := apitypes.TypedDataAndHash(PermitTypedData(chainID, permit))
	if err != nil {
		return common.Address{}, clierr.Wrap(clierr.CodeUsage, "hash permit", err)
	}
	sig = append([]byte(nil), sig...)
	sig[64] -= 27
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, clierr.Wrap(clierr.CodeUsage, "recover permit signer", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
