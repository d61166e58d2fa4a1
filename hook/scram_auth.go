package hook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	scramKeyLength   = 32
	scramDefaultIter = 4096
)

// scramCredential is what ScramAuthHook stores per user instead of a
// plaintext password: a PBKDF2 salt/iteration count and the SCRAM
// StoredKey derived from them, per RFC 5802's SCRAM-SHA-256 key schedule.
type scramCredential struct {
	salt      []byte
	iter      int
	storedKey []byte
}

// ScramAuthHook authenticates CONNECT username/password pairs against
// SCRAM-SHA-256 stored credentials rather than plaintext, so a leaked
// credential store never hands out usable passwords directly. It checks
// the plain password MQTT 3.1.1 CONNECT carries against the stored key
// schedule; it does not run the multi-round SCRAM challenge/response
// (that needs MQTT 5 AUTH, which 3.1.1 has no room for).
type ScramAuthHook struct {
	*Base
	mu    sync.RWMutex
	users map[string]scramCredential
}

// NewScramAuthHook creates an empty SCRAM-backed auth hook.
func NewScramAuthHook() *ScramAuthHook {
	return &ScramAuthHook{
		Base:  &Base{id: "scram-auth"},
		users: make(map[string]scramCredential),
	}
}

func (h *ScramAuthHook) ID() string { return h.id }

func (h *ScramAuthHook) Provides(event Event) bool {
	return event == OnConnectAuthenticate
}

// AddUser derives and stores a SCRAM-SHA-256 credential for username from
// its plaintext password, discarding the plaintext immediately.
func (h *ScramAuthHook) AddUser(username, password string) error {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	h.mu.Lock()
	h.users[username] = deriveScramCredential(password, salt, scramDefaultIter)
	h.mu.Unlock()
	return nil
}

func (h *ScramAuthHook) RemoveUser(username string) {
	h.mu.Lock()
	delete(h.users, username)
	h.mu.Unlock()
}

func (h *ScramAuthHook) HasUser(username string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.users[username]
	return ok
}

// OnConnectAuthenticate verifies packet.Password against the stored SCRAM
// key schedule for packet.Username.
func (h *ScramAuthHook) OnConnectAuthenticate(client *Client, packet *ConnectPacket) bool {
	h.mu.RLock()
	cred, ok := h.users[packet.Username]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	candidate := deriveScramCredential(string(packet.Password), cred.salt, cred.iter)
	return subtle.ConstantTimeCompare(candidate.storedKey, cred.storedKey) == 1
}

func deriveScramCredential(password string, salt []byte, iter int) scramCredential {
	saltedPassword := pbkdf2.Key([]byte(password), salt, iter, scramKeyLength, sha256.New)
	clientKey := hmacSum(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	return scramCredential{salt: salt, iter: iter, storedKey: storedKey[:]}
}

func hmacSum(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}
