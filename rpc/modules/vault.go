package modules

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"nusd/core"
	"nusd/crypto"
	nativecommon "nusd/native/common"
	"nusd/native/vault"
)

// VaultModule bridges JSON-RPC handlers to the node's vault operations and
// maps engine failures onto wire-level error codes.
type VaultModule struct {
	node *core.Node
}

func NewVaultModule(node *core.Node) *VaultModule {
	return &VaultModule{node: node}
}

func (m *VaultModule) moduleUnavailable() *ModuleError {
	return &ModuleError{HTTPStatus: http.StatusInternalServerError, Code: codeServerError, Message: "vault module not available"}
}

func (m *VaultModule) Deposit(caller crypto.Address, asset string, amount *big.Int) (string, *ModuleError) {
	if m == nil || m.node == nil {
		return "", m.moduleUnavailable()
	}
	if err := m.node.VaultDeposit(caller, asset, amount); err != nil {
		return "", m.wrapError(err)
	}
	return m.makeTxHash("deposit", caller.String(), amount), nil
}

func (m *VaultModule) Mint(caller crypto.Address, amount *big.Int) (string, *ModuleError) {
	if m == nil || m.node == nil {
		return "", m.moduleUnavailable()
	}
	if err := m.node.VaultMint(caller, amount); err != nil {
		return "", m.wrapError(err)
	}
	return m.makeTxHash("mint", caller.String(), amount), nil
}

func (m *VaultModule) DepositAndMint(caller crypto.Address, asset string, collateralAmount, debtAmount *big.Int) (string, *ModuleError) {
	if m == nil || m.node == nil {
		return "", m.moduleUnavailable()
	}
	if err := m.node.VaultDepositAndMint(caller, asset, collateralAmount, debtAmount); err != nil {
		return "", m.wrapError(err)
	}
	return m.makeTxHash("deposit-and-mint", caller.String(), collateralAmount, debtAmount), nil
}

func (m *VaultModule) Redeem(caller crypto.Address, asset string, amount *big.Int) (string, *ModuleError) {
	if m == nil || m.node == nil {
		return "", m.moduleUnavailable()
	}
	if err := m.node.VaultRedeem(caller, asset, amount); err != nil {
		return "", m.wrapError(err)
	}
	return m.makeTxHash("redeem", caller.String(), amount), nil
}

func (m *VaultModule) Burn(caller crypto.Address, amount *big.Int) (string, *ModuleError) {
	if m == nil || m.node == nil {
		return "", m.moduleUnavailable()
	}
	if err := m.node.VaultBurn(caller, amount); err != nil {
		return "", m.wrapError(err)
	}
	return m.makeTxHash("burn", caller.String(), amount), nil
}

func (m *VaultModule) RedeemForBurn(caller crypto.Address, asset string, collateralAmount, debtAmount *big.Int) (string, *ModuleError) {
	if m == nil || m.node == nil {
		return "", m.moduleUnavailable()
	}
	if err := m.node.VaultRedeemForBurn(caller, asset, collateralAmount, debtAmount); err != nil {
		return "", m.wrapError(err)
	}
	return m.makeTxHash("redeem-for-burn", caller.String(), collateralAmount, debtAmount), nil
}

func (m *VaultModule) Liquidate(liquidator, user crypto.Address, asset string, debtToCover *big.Int) (string, *big.Int, *big.Int, *ModuleError) {
	if m == nil || m.node == nil {
		return "", nil, nil, m.moduleUnavailable()
	}
	repaid, seized, err := m.node.VaultLiquidate(liquidator, user, asset, debtToCover)
	if err != nil {
		return "", nil, nil, m.wrapError(err)
	}
	primary := fmt.Sprintf("%s:%s", liquidator.String(), user.String())
	return m.makeTxHash("liquidate", primary, repaid, seized), repaid, seized, nil
}

func (m *VaultModule) Account(user crypto.Address) (*vault.AccountSnapshot, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	snapshot, err := m.node.VaultAccount(user)
	if err != nil {
		return nil, m.wrapError(err)
	}
	return snapshot, nil
}

func (m *VaultModule) HealthFactor(user crypto.Address) (*big.Int, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	health, err := m.node.VaultHealthFactor(user)
	if err != nil {
		return nil, m.wrapError(err)
	}
	return health, nil
}

func (m *VaultModule) CollateralValue(user crypto.Address) (*big.Int, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	value, err := m.node.VaultCollateralValue(user)
	if err != nil {
		return nil, m.wrapError(err)
	}
	return value, nil
}

func (m *VaultModule) CollateralBalance(user crypto.Address, asset string) (*big.Int, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	balance, err := m.node.VaultCollateralBalance(user, asset)
	if err != nil {
		return nil, m.wrapError(err)
	}
	return balance, nil
}

func (m *VaultModule) UsdValue(asset string, amount *big.Int) (*big.Int, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	value, err := m.node.VaultUsdValue(asset, amount)
	if err != nil {
		return nil, m.wrapError(err)
	}
	return value, nil
}

func (m *VaultModule) TokenAmountFromUsd(asset string, usd *big.Int) (*big.Int, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	amount, err := m.node.VaultTokenAmountFromUsd(asset, usd)
	if err != nil {
		return nil, m.wrapError(err)
	}
	return amount, nil
}

func (m *VaultModule) Assets() ([]vault.AssetConfig, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	return m.node.VaultAssets(), nil
}

// makeTxHash derives a deterministic-looking receipt for a completed
// operation. There is no transaction pipeline behind the RPC surface, so the
// hash only serves as a client-side correlation handle.
func (m *VaultModule) makeTxHash(kind, primary string, amounts ...*big.Int) string {
	parts := []string{kind, primary}
	for _, amount := range amounts {
		if amount != nil {
			parts = append(parts, amount.String())
		}
	}
	parts = append(parts, fmt.Sprintf("%d", time.Now().UTC().UnixNano()))
	payload := strings.Join(parts, "|")
	hash := ethcrypto.Keccak256([]byte(payload))
	return "0x" + hex.EncodeToString(hash)
}

// callerFaults are rejected inputs or unmet preconditions: the request was
// understood and refused, so they surface as invalid-params.
var callerFaults = []error{
	vault.ErrInvalidAmount,
	vault.ErrUnsupportedAsset,
	vault.ErrUnknownAsset,
	vault.ErrInsufficientCollateral,
	vault.ErrInsufficientDebt,
	vault.ErrHealthFactorBroken,
	vault.ErrHealthFactorOk,
	vault.ErrHealthFactorNotImproved,
}

func (m *VaultModule) wrapError(err error) *ModuleError {
	if err == nil {
		return nil
	}
	for _, sentinel := range callerFaults {
		if errors.Is(err, sentinel) {
			return &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: err.Error()}
		}
	}
	if errors.Is(err, nativecommon.ErrPaused) || errors.Is(err, vault.ErrOracleUnavailable) {
		return &ModuleError{HTTPStatus: http.StatusServiceUnavailable, Code: codeServerError, Message: err.Error()}
	}
	status := http.StatusInternalServerError
	code := codeServerError
	if strings.HasPrefix(err.Error(), "vault engine:") {
		status = http.StatusBadRequest
		code = codeInvalidParams
	}
	return &ModuleError{HTTPStatus: status, Code: code, Message: err.Error()}
}
