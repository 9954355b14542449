package singleton

import "errors"

// Sentinel errors
var (
	ErrNetworkNotSupported = errors.New("singleton: network not supported")
	ErrInvalidEntry        = errors.New("singleton: invalid registry entry")
)

// remediation is appended to ErrNetworkNotSupported so operators know how to
// get a factory onto a new chain.
const remediation = "You can request a new deployment at https://github.com/safe-global/safe-singleton-factory. " +
	"For more information, see https://github.com/safe-global/safe-contracts#replay-protection-eip-155"
