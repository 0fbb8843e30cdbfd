package rpc

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strings"

	"nusd/crypto"
)

type vaultAmountParams struct {
	From   string `json:"from"`
	Asset  string `json:"asset,omitempty"`
	Amount string `json:"amount"`
}

type vaultCompositeParams struct {
	From             string `json:"from"`
	Asset            string `json:"asset"`
	CollateralAmount string `json:"collateralAmount"`
	DebtAmount       string `json:"debtAmount"`
}

type vaultLiquidateParams struct {
	Liquidator  string `json:"liquidator"`
	User        string `json:"user"`
	Asset       string `json:"asset"`
	DebtToCover string `json:"debtToCover"`
}

type vaultAddressParams struct {
	Address string `json:"address"`
}

type vaultBalanceParams struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
}

type vaultConvertParams struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount,omitempty"`
	Usd    string `json:"usd,omitempty"`
}

type vaultTxResult struct {
	TxHash string `json:"txHash"`
}

type vaultLiquidateResult struct {
	TxHash     string `json:"txHash"`
	DebtRepaid string `json:"debtRepaid"`
	Seized     string `json:"seized"`
}

type vaultCollateralEntry struct {
	Symbol   string `json:"symbol"`
	Amount   string `json:"amount"`
	UsdValue string `json:"usdValue"`
}

type vaultAccountResult struct {
	Address       string                 `json:"address"`
	Debt          string                 `json:"debt"`
	CollateralUsd string                 `json:"collateralUsd"`
	HealthFactor  string                 `json:"healthFactor"`
	Collateral    []vaultCollateralEntry `json:"collateral"`
}

type vaultHealthResult struct {
	Address      string `json:"address"`
	HealthFactor string `json:"healthFactor"`
}

type vaultValueResult struct {
	Address       string `json:"address"`
	CollateralUsd string `json:"collateralUsd"`
}

type vaultBalanceResult struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

type vaultConvertResult struct {
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
	UsdValue string `json:"usdValue"`
}

type vaultAssetResult struct {
	Symbol   string `json:"symbol"`
	FeedID   string `json:"feedId"`
	Decimals uint8  `json:"decimals"`
}

// parseAmountParams decodes the shared {from, asset?, amount} payload.
func (s *Server) parseAmountParams(w http.ResponseWriter, req *RPCRequest, needAsset bool) (crypto.Address, string, *big.Int, bool) {
	var zero crypto.Address
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected parameter object", nil)
		return zero, "", nil, false
	}
	var params vaultAmountParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return zero, "", nil, false
	}
	from, err := parseAddress(params.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid from", err.Error())
		return zero, "", nil, false
	}
	asset := strings.TrimSpace(params.Asset)
	if needAsset && asset == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "asset required", nil)
		return zero, "", nil, false
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return zero, "", nil, false
	}
	return from, asset, amount, true
}

func (s *Server) parseCompositeParams(w http.ResponseWriter, req *RPCRequest) (crypto.Address, string, *big.Int, *big.Int, bool) {
	var zero crypto.Address
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected parameter object", nil)
		return zero, "", nil, nil, false
	}
	var params vaultCompositeParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return zero, "", nil, nil, false
	}
	from, err := parseAddress(params.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid from", err.Error())
		return zero, "", nil, nil, false
	}
	asset := strings.TrimSpace(params.Asset)
	if asset == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "asset required", nil)
		return zero, "", nil, nil, false
	}
	collateral, err := parseAmount(params.CollateralAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "collateralAmount: "+err.Error(), nil)
		return zero, "", nil, nil, false
	}
	debt, err := parseAmount(params.DebtAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "debtAmount: "+err.Error(), nil)
		return zero, "", nil, nil, false
	}
	return from, asset, collateral, debt, true
}

// parseAddressParam accepts either a bare string or {address} object.
func (s *Server) parseAddressParam(w http.ResponseWriter, req *RPCRequest) (crypto.Address, string, bool) {
	var zero crypto.Address
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected address parameter", nil)
		return zero, "", false
	}
	var addrStr string
	if err := json.Unmarshal(req.Params[0], &addrStr); err != nil {
		var wrapped vaultAddressParams
		if err := json.Unmarshal(req.Params[0], &wrapped); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address parameter", err.Error())
			return zero, "", false
		}
		addrStr = wrapped.Address
	}
	trimmed := strings.TrimSpace(addrStr)
	if trimmed == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "address required", nil)
		return zero, "", false
	}
	addr, err := parseAddress(trimmed)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return zero, "", false
	}
	return addr, trimmed, true
}

func (s *Server) handleVaultDeposit(w http.ResponseWriter, req *RPCRequest) {
	from, asset, amount, ok := s.parseAmountParams(w, req, true)
	if !ok {
		return
	}
	txHash, modErr := s.vault.Deposit(from, asset, amount)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, vaultTxResult{TxHash: txHash})
}

func (s *Server) handleVaultMint(w http.ResponseWriter, req *RPCRequest) {
	from, _, amount, ok := s.parseAmountParams(w, req, false)
	if !ok {
		return
	}
	txHash, modErr := s.vault.Mint(from, amount)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, vaultTxResult{TxHash: txHash})
}

func (s *Server) handleVaultDepositAndMint(w http.ResponseWriter, req *RPCRequest) {
	from, asset, collateral, debt, ok := s.parseCompositeParams(w, req)
	if !ok {
		return
	}
	txHash, modErr := s.vault.DepositAndMint(from, asset, collateral, debt)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, vaultTxResult{TxHash: txHash})
}

func (s *Server) handleVaultRedeem(w http.ResponseWriter, req *RPCRequest) {
	from, asset, amount, ok := s.parseAmountParams(w, req, true)
	if !ok {
		return
	}
	txHash, modErr := s.vault.Redeem(from, asset, amount)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, vaultTxResult{TxHash: txHash})
}

func (s *Server) handleVaultBurn(w http.ResponseWriter, req *RPCRequest) {
	from, _, amount, ok := s.parseAmountParams(w, req, false)
	if !ok {
		return
	}
	txHash, modErr := s.vault.Burn(from, amount)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, vaultTxResult{TxHash: txHash})
}

func (s *Server) handleVaultRedeemForBurn(w http.ResponseWriter, req *RPCRequest) {
	from, asset, collateral, debt, ok := s.parseCompositeParams(w, req)
	if !ok {
		return
	}
	txHash, modErr := s.vault.RedeemForBurn(from, asset, collateral, debt)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, vaultTxResult{TxHash: txHash})
}

func (s *Server) handleVaultLiquidate(w http.ResponseWriter, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected parameter object", nil)
		return
	}
	var params vaultLiquidateParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	liquidator, err := parseAddress(params.Liquidator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid liquidator", err.Error())
		return
	}
	user, err := parseAddress(params.User)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid user", err.Error())
		return
	}
	asset := strings.TrimSpace(params.Asset)
	if asset == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "asset required", nil)
		return
	}
	debtToCover, err := parseAmount(params.DebtToCover)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "debtToCover: "+err.Error(), nil)
		return
	}
	txHash, repaid, seized, modErr := s.vault.Liquidate(liquidator, user, asset, debtToCover)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, vaultLiquidateResult{
		TxHash:     txHash,
		DebtRepaid: bigString(repaid),
		Seized:     bigString(seized),
	})
}

func (s *Server) handleVaultGetAccount(w http.ResponseWriter, req *RPCRequest) {
	addr, display, ok := s.parseAddressParam(w, req)
	if !ok {
		return
	}
	snapshot, modErr := s.vault.Account(addr)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	collateral := make([]vaultCollateralEntry, len(snapshot.Collateral))
	for i, entry := range snapshot.Collateral {
		collateral[i] = vaultCollateralEntry{
			Symbol:   entry.Symbol,
			Amount:   bigString(entry.Amount),
			UsdValue: bigString(entry.UsdValue),
		}
	}
	writeResult(w, req.ID, vaultAccountResult{
		Address:       display,
		Debt:          bigString(snapshot.Debt),
		CollateralUsd: bigString(snapshot.CollateralUsd),
		HealthFactor:  bigString(snapshot.HealthFactor),
		Collateral:    collateral,
	})
}

func (s *Server) handleVaultGetCollateralValue(w http.ResponseWriter, req *RPCRequest) {
	addr, display, ok := s.parseAddressParam(w, req)
	if !ok {
		return
	}
	value, modErr := s.vault.CollateralValue(addr)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, vaultValueResult{Address: display, CollateralUsd: bigString(value)})
}

func (s *Server) handleVaultHealthFactor(w http.ResponseWriter, req *RPCRequest) {
	addr, display, ok := s.parseAddressParam(w, req)
	if !ok {
		return
	}
	health, modErr := s.vault.HealthFactor(addr)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, vaultHealthResult{Address: display, HealthFactor: bigString(health)})
}

func (s *Server) handleVaultCollateralBalance(w http.ResponseWriter, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected parameter object", nil)
		return
	}
	var params vaultBalanceParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	asset := strings.TrimSpace(params.Asset)
	if asset == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "asset required", nil)
		return
	}
	balance, modErr := s.vault.CollateralBalance(addr, asset)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, vaultBalanceResult{
		Address: strings.TrimSpace(params.Address),
		Asset:   strings.ToUpper(asset),
		Amount:  bigString(balance),
	})
}

func (s *Server) handleVaultUsdValue(w http.ResponseWriter, req *RPCRequest) {
	asset, amount, ok := s.parseConvertParams(w, req, false)
	if !ok {
		return
	}
	value, modErr := s.vault.UsdValue(asset, amount)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, vaultConvertResult{
		Asset:    strings.ToUpper(asset),
		Amount:   bigString(amount),
		UsdValue: bigString(value),
	})
}

func (s *Server) handleVaultTokenAmountFromUsd(w http.ResponseWriter, req *RPCRequest) {
	asset, usd, ok := s.parseConvertParams(w, req, true)
	if !ok {
		return
	}
	amount, modErr := s.vault.TokenAmountFromUsd(asset, usd)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, vaultConvertResult{
		Asset:    strings.ToUpper(asset),
		Amount:   bigString(amount),
		UsdValue: bigString(usd),
	})
}

func (s *Server) parseConvertParams(w http.ResponseWriter, req *RPCRequest, wantUsd bool) (string, *big.Int, bool) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected parameter object", nil)
		return "", nil, false
	}
	var params vaultConvertParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return "", nil, false
	}
	asset := strings.TrimSpace(params.Asset)
	if asset == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "asset required", nil)
		return "", nil, false
	}
	raw := params.Amount
	label := "amount"
	if wantUsd {
		raw = params.Usd
		label = "usd"
	}
	value, err := parseAmount(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, label+": "+err.Error(), nil)
		return "", nil, false
	}
	return asset, value, true
}

func (s *Server) handleVaultListAssets(w http.ResponseWriter, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "no parameters expected", nil)
		return
	}
	assets, modErr := s.vault.Assets()
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	results := make([]vaultAssetResult, len(assets))
	for i, asset := range assets {
		results[i] = vaultAssetResult{Symbol: asset.Symbol, FeedID: asset.FeedID, Decimals: asset.Decimals}
	}
	writeResult(w, req.ID, results)
}
