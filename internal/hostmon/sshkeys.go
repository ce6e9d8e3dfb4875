// Package hostmon watches remote Docker hosts: per-host SSH identities,
// reachability heartbeats with exponential backoff, and GPU capability
// detection.
package hostmon

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Remote keys are restricted to dialing the container runtime. Plain
// "restrict" is deliberately not used: it blocks the extra SSH channels the
// Docker client opens.
const dockerCommandRestriction = "/usr/bin/docker system dial-stdio"

// KeyService manages one ed25519 keypair per remote host plus a private
// known_hosts file, all under <data_dir>/ssh_keys. Nothing here touches the
// operator's own ~/.ssh.
type KeyService struct {
	keysDir string
	log     zerolog.Logger
}

// NewKeyService creates the keys directory (0700) if missing.
func NewKeyService(dataDir string, log zerolog.Logger) (*KeyService, error) {
	dir := filepath.Join(dataDir, "ssh_keys")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keys dir: %w", err)
	}
	return &KeyService{keysDir: dir, log: log.With().Str("component", "sshkeys").Logger()}, nil
}

// filenames cannot contain colons on every platform
func sanitizeHostID(hostID string) string {
	return strings.ReplaceAll(hostID, ":", "-")
}

// PrivateKeyPath returns where the host's private key lives.
func (k *KeyService) PrivateKeyPath(hostID string) string {
	return filepath.Join(k.keysDir, "host_"+sanitizeHostID(hostID))
}

// PublicKeyPath returns where the host's public key lives.
func (k *KeyService) PublicKeyPath(hostID string) string {
	return k.PrivateKeyPath(hostID) + ".pub"
}

// KnownHostsPath returns the application-managed known_hosts file.
func (k *KeyService) KnownHostsPath() string {
	return filepath.Join(k.keysDir, "known_hosts")
}

// EnsureKeyPair returns the host's public key in authorized_keys format,
// generating the pair on first use.
func (k *KeyService) EnsureKeyPair(hostID string) (string, error) {
	privPath := k.PrivateKeyPath(hostID)
	pubPath := k.PublicKeyPath(hostID)
	if pub, err := os.ReadFile(pubPath); err == nil {
		if _, err := os.Stat(privPath); err == nil {
			return strings.TrimSpace(string(pub)), nil
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate keypair: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "audiobookd host "+hostID)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(privPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return "", fmt.Errorf("write private key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("convert public key: %w", err)
	}
	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	if err := os.WriteFile(pubPath, []byte(authorized+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write public key: %w", err)
	}
	k.log.Info().Str("host", hostID).Msg("generated ssh keypair")
	return authorized, nil
}

// AuthorizedKeysEntry wraps a public key with the docker-only restrictions.
func (k *KeyService) AuthorizedKeysEntry(publicKey string) string {
	restrictions := fmt.Sprintf(`command="%s",no-port-forwarding,no-X11-forwarding,no-agent-forwarding,no-pty`, dockerCommandRestriction)
	return restrictions + " " + publicKey
}

// InstallCommand returns the shell one-liner an operator runs on the remote
// host to authorize the daemon's key.
func (k *KeyService) InstallCommand(publicKey string) string {
	entry := k.AuthorizedKeysEntry(publicKey)
	return fmt.Sprintf("echo '%s' >> ~/.ssh/authorized_keys && chmod 600 ~/.ssh/authorized_keys", entry)
}

// ScanHostKey connects to addr (host:port), records the presented host key
// in the private known_hosts file, and returns its fingerprint. Existing
// entries for the address are left untouched.
func (k *KeyService) ScanHostKey(addr string, timeout time.Duration) (string, error) {
	var hostKey ssh.PublicKey
	cfg := &ssh.ClientConfig{
		User: "audiobookd-scan",
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			hostKey = key
			return nil
		},
		Timeout: timeout,
	}
	// No auth methods on purpose: the handshake reaches key exchange (which
	// is all we need) and then fails authentication.
	client, err := ssh.Dial("tcp", addr, cfg)
	if client != nil {
		_ = client.Close()
	}
	if hostKey == nil {
		return "", fmt.Errorf("scan host key for %s: %w", addr, err)
	}

	line := knownhosts.Line([]string{addr}, hostKey) + "\n"
	existing, _ := os.ReadFile(k.KnownHostsPath())
	if !strings.Contains(string(existing), strings.TrimSpace(line)) {
		f, err := os.OpenFile(k.KnownHostsPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return "", fmt.Errorf("open known_hosts: %w", err)
		}
		defer f.Close()
		if _, err := f.WriteString(line); err != nil {
			return "", fmt.Errorf("append known_hosts: %w", err)
		}
		k.log.Info().Str("addr", addr).Msg("recorded host key")
	}
	return ssh.FingerprintSHA256(hostKey), nil
}

// DeleteKeyPair removes the host's keys and its known_hosts entries.
func (k *KeyService) DeleteKeyPair(hostID, addr string) error {
	_ = os.Remove(k.PrivateKeyPath(hostID))
	_ = os.Remove(k.PublicKeyPath(hostID))
	if addr == "" {
		return nil
	}
	data, err := os.ReadFile(k.KnownHostsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	marker := knownhosts.Normalize(addr)
	var kept []string
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == marker {
			continue
		}
		kept = append(kept, line)
	}
	out := strings.Join(kept, "\n")
	if out != "" {
		out += "\n"
	}
	return os.WriteFile(k.KnownHostsPath(), []byte(out), 0o600)
}
