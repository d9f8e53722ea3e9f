package state

import "errors"

// Configuration errors: rejected before anything runs.
var (
	ErrInvalidFundingInterval   = errors.New("vault: invalid funding interval")
	ErrInvalidFundingRateFactor = errors.New("vault: invalid funding rate factor")
	ErrInvalidMaxLeverage       = errors.New("vault: invalid max leverage")
	ErrInvalidFees              = errors.New("vault: invalid fee basis points")
	ErrInvalidLiquidationFee    = errors.New("vault: invalid liquidation fee")
	ErrInvalidAssetConfig       = errors.New("vault: invalid asset config")
	ErrAssetInUse               = errors.New("vault: asset still has pool balances")
)

// Admission errors: no state is touched.
var (
	ErrUnauthorized         = errors.New("vault: unauthorized caller")
	ErrAssetNotWhitelisted  = errors.New("vault: asset not whitelisted")
	ErrLeverageDisabled     = errors.New("vault: leverage not enabled")
	ErrSwapsDisabled        = errors.New("vault: swaps not enabled")
	ErrGasPriceTooHigh      = errors.New("vault: gas price exceeds max")
	ErrSameAsset            = errors.New("vault: same asset in and out")
	ErrInvalidAmount        = errors.New("vault: invalid amount")
	ErrCollateralNotAllowed = errors.New("vault: collateral asset not allowed")
	ErrIndexNotShortable    = errors.New("vault: index asset not shortable")
	ErrPositionNotFound     = errors.New("vault: empty position")
	ErrNotLiquidatable      = errors.New("vault: position cannot be liquidated")
	ErrReentrantCall        = errors.New("vault: reentrant call")
)

// Solvency errors: detected on the hypothetical post-state and rolled back.
var (
	ErrReserveExceedsPool               = errors.New("vault: reserve exceeds pool")
	ErrPoolBufferViolation              = errors.New("vault: pool amount below buffer")
	ErrPoolAmountExceeded               = errors.New("vault: pool amount exceeded")
	ErrInsufficientReserve              = errors.New("vault: insufficient reserve")
	ErrMaxStableUnitExceeded            = errors.New("vault: max stable unit amount exceeded")
	ErrInsufficientRedemptionCollateral = errors.New("vault: insufficient redemption collateral")
	ErrInsufficientCollateralForFees    = errors.New("vault: insufficient collateral for fees")
	ErrLossesExceedCollateral           = errors.New("vault: losses exceed collateral")
	ErrFeesExceedCollateral             = errors.New("vault: fees exceed collateral")
	ErrLiquidationFeesExceedCollateral  = errors.New("vault: liquidation fees exceed collateral")
)

// Bounds errors.
var (
	ErrMaxLeverageExceeded    = errors.New("vault: max leverage exceeded")
	ErrSizeLessThanCollateral = errors.New("vault: size less than collateral")
	ErrSizeExceeded           = errors.New("vault: size delta exceeds position size")
	ErrCollateralExceeded     = errors.New("vault: collateral delta exceeds position collateral")
	ErrInvalidPositionSize    = errors.New("vault: invalid position size")
)

// ErrorClass groups errors by how a caller should treat them.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassConfiguration
	ClassAdmission
	ClassSolvency
	ClassBounds
)

func (c ErrorClass) String() string {
	switch c {
	case ClassConfiguration:
		return "configuration"
	case ClassAdmission:
		return "admission"
	case ClassSolvency:
		return "solvency"
	case ClassBounds:
		return "bounds"
	default:
		return "unknown"
	}
}

var errorClasses = map[error]ErrorClass{
	ErrInvalidFundingInterval:   ClassConfiguration,
	ErrInvalidFundingRateFactor: ClassConfiguration,
	ErrInvalidMaxLeverage:       ClassConfiguration,
	ErrInvalidFees:              ClassConfiguration,
	ErrInvalidLiquidationFee:    ClassConfiguration,
	ErrInvalidAssetConfig:       ClassConfiguration,
	ErrAssetInUse:               ClassConfiguration,

	ErrUnauthorized:         ClassAdmission,
	ErrAssetNotWhitelisted:  ClassAdmission,
	ErrLeverageDisabled:     ClassAdmission,
	ErrSwapsDisabled:        ClassAdmission,
	ErrGasPriceTooHigh:      ClassAdmission,
	ErrSameAsset:            ClassAdmission,
	ErrInvalidAmount:        ClassAdmission,
	ErrCollateralNotAllowed: ClassAdmission,
	ErrIndexNotShortable:    ClassAdmission,
	ErrPositionNotFound:     ClassAdmission,
	ErrNotLiquidatable:      ClassAdmission,
	ErrReentrantCall:        ClassAdmission,

	ErrReserveExceedsPool:               ClassSolvency,
	ErrPoolBufferViolation:              ClassSolvency,
	ErrPoolAmountExceeded:               ClassSolvency,
	ErrInsufficientReserve:              ClassSolvency,
	ErrMaxStableUnitExceeded:            ClassSolvency,
	ErrInsufficientRedemptionCollateral: ClassSolvency,
	ErrInsufficientCollateralForFees:    ClassSolvency,
	ErrLossesExceedCollateral:           ClassSolvency,
	ErrFeesExceedCollateral:             ClassSolvency,
	ErrLiquidationFeesExceedCollateral:  ClassSolvency,

	ErrMaxLeverageExceeded:    ClassBounds,
	ErrSizeLessThanCollateral: ClassBounds,
	ErrSizeExceeded:           ClassBounds,
	ErrCollateralExceeded:     ClassBounds,
	ErrInvalidPositionSize:    ClassBounds,
}

// Classify returns the class of the first known sentinel in err's chain.
func Classify(err error) ErrorClass {
	for sentinel, class := range errorClasses {
		if errors.Is(err, sentinel) {
			return class
		}
	}
	return ClassUnknown
}
