package errors

// ErrorCode represents a unique error code for identifying different error types.
type ErrorCode int

const (
	// General errors (1-99)
	ErrCodeUnknown ErrorCode = 1

	// Validation errors (100-199)
	ErrCodeInvalidParameter     ErrorCode = 100
	ErrCodeInvalidConfiguration ErrorCode = 101
	ErrCodeMissingParameter     ErrorCode = 102
	ErrCodeUnknownSymbol        ErrorCode = 103

	// Storage errors (200-299)
	ErrCodeStorageUnavailable ErrorCode = 200
	ErrCodeQueryFailed        ErrorCode = 201
	ErrCodeSchemaFailed       ErrorCode = 202

	// Market data errors (700-799)
	ErrCodeFeedConnectFailed   ErrorCode = 700
	ErrCodeFeedSubscribeFailed ErrorCode = 701
	ErrCodeFeedReadFailed      ErrorCode = 702
	ErrCodeMalformedInput      ErrorCode = 703
	ErrCodeLateEvent           ErrorCode = 704
	ErrCodeDuplicateTrade      ErrorCode = 705
	ErrCodeFeedError           ErrorCode = 706
	ErrCodeIgnoredMessage      ErrorCode = 707

	// Delivery errors (800-899)
	ErrCodeSubscriberDelivery ErrorCode = 800
	ErrCodeSubscriberOverflow ErrorCode = 801
	ErrCodeHubClosed          ErrorCode = 802

	// Persistence errors (900-999)
	ErrCodePersistenceWrite ErrorCode = 900
	ErrCodeSinkOverflow     ErrorCode = 901
	ErrCodeSinkClosed       ErrorCode = 902
)
