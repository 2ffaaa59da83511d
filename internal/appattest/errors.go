package appattest

import "errors"

// Verification verdicts. Core operations return exactly one of these;
// the HTTP layer logs the specific reason and answers with a generic
// message so failures do not become an oracle.
var (
	ErrMalformedCBOR        = errors.New("malformed_cbor")
	ErrTruncatedAuthData    = errors.New("truncated_auth_data")
	ErrNonceMismatch        = errors.New("nonce_mismatch")
	ErrInvalidCertChain     = errors.New("invalid_cert_chain")
	ErrKeyIDMismatch        = errors.New("key_id_mismatch")
	ErrRpIDMismatch         = errors.New("rp_id_mismatch")
	ErrNonZeroCounter       = errors.New("non_zero_counter")
	ErrWrongEnvironment     = errors.New("wrong_environment")
	ErrCredentialIDMismatch = errors.New("credential_id_mismatch")
	ErrBadSignature         = errors.New("bad_signature")
	ErrCounterRegression    = errors.New("counter_regression")
)
