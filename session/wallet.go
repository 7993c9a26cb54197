package session

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

var ErrInvalidAddress = errors.New("invalid wallet address")

// ValidAddress reports whether addr is a hex account address.
func ValidAddress(addr string) bool {
	return addressPattern.MatchString(addr)
}

// Wallet is the session's wallet connection. Addresses are kept lowercase.
type Wallet struct {
	mu   sync.RWMutex
	addr string
}

func (w *Wallet) Connect(addr string) error {
	addr = strings.TrimSpace(addr)
	if !ValidAddress(addr) {
		return fmt.Errorf("%w %q", ErrInvalidAddress, addr)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.addr = strings.ToLower(addr)
	return nil
}

func (w *Wallet) Disconnect() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.addr = ""
}

func (w *Wallet) Address() (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.addr, w.addr != ""
}
