// Package auth は API キーによる認証を提供します。
package auth

import (
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	failureWindow    = 15 * time.Minute
	lockDuration     = 10 * time.Minute
	maxFailedAttempt = 5
)

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Manager は API キーの検証と、失敗回数による IP 単位のロックを管理します。
type Manager struct {
	keyHash  []byte
	enforce  bool
	now      func() time.Time
	lock     sync.Mutex
	attempts map[string]*attemptState
}

// NewManager は認証マネージャーを作成します。
// keyHash が空の場合、required が false なら認証を行いません。
func NewManager(keyHash string, required bool) *Manager {
	return &Manager{
		keyHash:  []byte(keyHash),
		enforce:  keyHash != "" || required,
		now:      time.Now,
		attempts: make(map[string]*attemptState),
	}
}

// Enabled は認証が有効かどうかを返します。
func (m *Manager) Enabled() bool {
	return m.enforce
}

func (m *Manager) verifyKey(key string) bool {
	if len(m.keyHash) == 0 || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(m.keyHash, []byte(key)) == nil
}

func (m *Manager) checkLock(ip string) time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, ok := m.attempts[ip]
	if !ok {
		return 0
	}
	now := m.now()
	if now.After(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

func (m *Manager) recordFailure(ip string) int {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	state, ok := m.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > failureWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[ip] = state
	}

	state.count++
	if state.count >= maxFailedAttempt {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxFailedAttempt
	}

	remaining := maxFailedAttempt - state.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (m *Manager) resetAttempts(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, ip)
}
