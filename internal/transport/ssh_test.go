package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	cryptossh "golang.org/x/crypto/ssh"

	"github.com/testpilot/testpilot/internal/model"
)

func genHostKey(t *testing.T) cryptossh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	sshPub, err := cryptossh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return sshPub
}

func TestHostKeyCallbackAutoAddAcceptsAnyKey(t *testing.T) {
	s := NewSSH(nil, model.SSHSettings{AutoAddHosts: true})
	cb := s.hostKeyCallbackFor(s.settings)
	if err := cb("host1:22", nil, genHostKey(t)); err != nil {
		t.Fatalf("expected auto_add_hosts to accept any key, got %v", err)
	}
	if err := cb("host1:22", nil, genHostKey(t)); err != nil {
		t.Fatalf("expected auto_add_hosts to accept a changed key too, got %v", err)
	}
}

func TestHostKeyCallbackPinsFirstKeyAndRejectsChange(t *testing.T) {
	s := NewSSH(nil, model.SSHSettings{AutoAddHosts: false})
	cb := s.hostKeyCallbackFor(s.settings)

	first := genHostKey(t)
	if err := cb("host1:22", nil, first); err != nil {
		t.Fatalf("expected first key to be pinned without error, got %v", err)
	}
	if err := cb("host1:22", nil, first); err != nil {
		t.Fatalf("expected resubmitting the pinned key to succeed, got %v", err)
	}

	second := genHostKey(t)
	if err := cb("host1:22", nil, second); err == nil {
		t.Fatal("expected a changed host key to be rejected")
	}
}
