package upload

import "sync"

// UserData carries the vendor credential fields an upload session is opened
// with. Zero fields mean "leave unchanged" during a merge, so callers can
// refresh just the signature triplet.
type UserData struct {
	UserID string `json:"userid"`
	PTime  int64  `json:"ptime"` // millisecond timestamp the signature was derived at
	Sign   string `json:"sign"`  // md5(secretkey + ptime)
	Hash   string `json:"hash"`  // md5(ptime + writetoken)
}

func (u *UserData) merge(patch UserData) {
	if patch.UserID != "" {
		u.UserID = patch.UserID
	}
	if patch.PTime != 0 {
		u.PTime = patch.PTime
	}
	if patch.Sign != "" {
		u.Sign = patch.Sign
	}
	if patch.Hash != "" {
		u.Hash = patch.Hash
	}
}

// Config is built once and shared by reference: the manager, the task
// factory and running tasks all hold the same instance, so a credential
// update is observed everywhere without re-acquisition.
type Config struct {
	mu       sync.RWMutex
	limit    int
	accepts  func(FileSpec) bool
	userData UserData
}

// NewConfig clamps limit into [1, 5]; anything outside silently resets to
// DefaultLimit. A nil accept predicate admits every file.
func NewConfig(limit int, accepts func(FileSpec) bool, user UserData) *Config {
	if limit < 1 || limit > maxLimit {
		limit = DefaultLimit
	}
	return &Config{limit: limit, accepts: accepts, userData: user}
}

// Limit reports the concurrent upload cap.
func (c *Config) Limit() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.limit
}

// Accepts reports whether the configured type predicate admits the file.
func (c *Config) Accepts(f FileSpec) bool {
	c.mu.RLock()
	accepts := c.accepts
	c.mu.RUnlock()
	if accepts == nil {
		return true
	}
	return accepts(f)
}

// UserData returns a copy of the current credential fields.
func (c *Config) UserData() UserData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userData
}

// UpdateUserData merges the non-zero fields of patch into the shared
// credentials. Tasks opening their session afterwards pick the new values
// up.
func (c *Config) UpdateUserData(patch UserData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userData.merge(patch)
}
