package vault

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/social-monitor/internal/types"
)

// Credentials holds one decrypted credential set in locked memory
type Credentials struct {
	platform types.Platform

	mu  sync.Mutex
	buf *memguard.LockedBuffer
}

// NewCredentials builds credentials directly from fields, for collectors under test
func NewCredentials(platform types.Platform, fields map[string]string) *Credentials {
	data, _ := json.Marshal(fields) // nolint:errcheck // map[string]string always marshals
	return &Credentials{platform: platform, buf: memguard.NewBufferFromBytes(data)}
}

// Platform returns the platform the credentials belong to
func (c *Credentials) Platform() types.Platform {
	return c.platform
}

// Get returns one credential field, or "" if absent or destroyed
func (c *Credentials) Get(field string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.buf == nil || !c.buf.IsAlive() {
		return ""
	}
	var fields map[string]string
	if err := json.Unmarshal(c.buf.Bytes(), &fields); err != nil {
		return ""
	}
	return fields[field]
}

// Destroy wipes the credentials. Safe to call more than once.
func (c *Credentials) Destroy() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.buf != nil {
		c.buf.Destroy()
		c.buf = nil
	}
}

// String never reveals credential values
func (c *Credentials) String() string {
	return fmt.Sprintf("Credentials{platform: %s, fields: [REDACTED]}", c.platform)
}

// GoString keeps %#v from printing the buffer
func (c *Credentials) GoString() string {
	return c.String()
}
