package audit

import (
	"github.com/forest6511/foilnotes/pkg/keystore"
)

// The methods below let a Logger follow the lock controller. They are
// called synchronously while the affected key is still open, so failures
// are logged instead of returned.

// KeyUnlocked switches to h's chain and records the unlock, preceded by
// any failed attempts seen while locked.
func (l *Logger) KeyUnlocked(h *keystore.KeyHandle) {
	if err := l.SetKey(h); err != nil {
		l.report(OpKeyUnlock, err)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failed > 0 {
		ctx := map[string]any{"count": l.failed}
		l.report(OpKeyUnlockFailed, l.logLocked(OpKeyUnlockFailed, ResultError, "",
			&ErrorInfo{Code: "invalid_password"}, ctx))
		l.failed = 0
	}
	l.report(OpKeyUnlock, l.logLocked(OpKeyUnlock, ResultSuccess, "", nil, nil))
}

// UnlockFailed counts a wrong password. The count is written on the next
// successful unlock, since there is no key to sign with until then.
func (l *Logger) UnlockFailed() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed++
}

// KeyLocking records the lock and wipes the HMAC key.
func (l *Logger) KeyLocking(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hmacKey == nil {
		return
	}
	l.report(OpKeyLock, l.logLocked(OpKeyLock, ResultSuccess, "", nil, map[string]any{"reason": reason}))
	l.clearLocked()
}

// PasswordChanged records a password change.
func (l *Logger) PasswordChanged() {
	l.report(OpKeyPasswordChange, l.LogSuccess(OpKeyPasswordChange, ""))
}

// KeyRotated closes the old chain with a rotation record and opens a new
// chain for next with a matching one.
func (l *Logger) KeyRotated(next *keystore.KeyHandle, keySizeBits int) {
	l.mu.Lock()
	previous := l.keyID
	if l.hmacKey != nil {
		ctx := map[string]any{"key_size_bits": keySizeBits}
		l.report(OpKeyRotate, l.logLocked(OpKeyRotate, ResultSuccess, "", nil, ctx))
	}
	l.mu.Unlock()

	if err := l.SetKey(next); err != nil {
		l.report(OpKeyRotate, err)
		return
	}
	ctx := map[string]any{"key_size_bits": keySizeBits, "previous": previous}
	l.report(OpKeyRotate, l.Log(OpKeyRotate, ResultSuccess, "", nil, ctx))
}

func (l *Logger) report(op string, err error) {
	if err != nil {
		l.logger.Warn("audit write failed", "op", op, "error", err)
	}
}
