package vault

import "errors"

var (
	// ErrInvalidAmount rejects nil, zero and negative amounts on every
	// operation.
	ErrInvalidAmount = errors.New("vault engine: amount must be positive")
	// ErrUnsupportedAsset rejects mutations against a symbol that was never
	// registered as collateral.
	ErrUnsupportedAsset = errors.New("vault engine: collateral asset not allowed")
	// ErrUnknownAsset rejects price conversions for an unregistered symbol.
	ErrUnknownAsset = errors.New("vault engine: unknown collateral asset")
	// ErrTransferFailed wraps a collateral or debt token movement that the
	// capability refused.
	ErrTransferFailed = errors.New("vault engine: token transfer failed")
	// ErrMintFailed wraps a debt token issuance the capability refused.
	ErrMintFailed = errors.New("vault engine: debt token mint failed")
	// ErrHealthFactorBroken reports a post-condition violation; the wrapped
	// message carries the offending 18-decimal value.
	ErrHealthFactorBroken = errors.New("vault engine: health factor below minimum")
	// ErrHealthFactorOk rejects liquidation of a position that is still
	// healthy.
	ErrHealthFactorOk = errors.New("vault engine: health factor not below minimum")
	// ErrHealthFactorNotImproved rejects a liquidation whose net effect failed
	// to raise the target's health factor.
	ErrHealthFactorNotImproved = errors.New("vault engine: health factor not improved")
	// ErrInsufficientCollateral rejects redeeming or seizing more collateral
	// than the position holds.
	ErrInsufficientCollateral = errors.New("vault engine: insufficient collateral")
	// ErrInsufficientDebt rejects burning or covering more debt than is
	// outstanding.
	ErrInsufficientDebt = errors.New("vault engine: insufficient debt")
	// ErrOracleUnavailable wraps a price feed failure or a non-positive
	// answer.
	ErrOracleUnavailable = errors.New("vault engine: price feed unavailable")
	// ErrLengthMismatch rejects collateral registration when the parallel
	// config, token and feed slices differ in size.
	ErrLengthMismatch = errors.New("vault engine: registration slices length mismatch")
	// ErrReentrantCall rejects a mutating call issued while another mutation
	// is still in flight on the same engine.
	ErrReentrantCall = errors.New("vault engine: reentrant call")
)

var (
	errNilState       = errors.New("vault engine: state not configured")
	errNilDebtToken   = errors.New("vault engine: debt token not configured")
	errNilToken       = errors.New("vault engine: collateral token must not be nil")
	errNilFeed        = errors.New("vault engine: price feed must not be nil")
	errDuplicateAsset = errors.New("vault engine: collateral asset already registered")
)
