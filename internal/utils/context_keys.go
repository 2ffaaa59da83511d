package utils

// ctxKey is unexported to prevent collisions.
type ctxKey string

// CtxKeyDeviceID stores the verified device identifier after a
// successful assertion.
const CtxKeyDeviceID ctxKey = "attestedDeviceID"

// CtxKeyCounter stores the assertion counter accepted for this request.
const CtxKeyCounter ctxKey = "attestedCounter"
