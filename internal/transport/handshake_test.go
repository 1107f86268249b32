package transport

import (
	"context"
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
	"github.com/atmosphere-mesh/atmosphere/internal/token"
)

func issueTestToken(t *testing.T, priv ed25519.PrivateKey, meshID, issuerNodeID string) *token.Token {
	t.Helper()
	tok, err := token.Issue(priv, meshID, issuerNodeID, time.Hour, []token.JoinEndpoint{
		{Kind: token.EndpointLocal, Address: "127.0.0.1:0"},
	}, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func TestHandshakeAccept(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	tok := issueTestToken(t, priv, "mesh-1", "node-client")

	verifier := VerifierFunc(func(tok *token.Token) (string, string, error) {
		if err := tok.Verify(pub, time.Now(), nil, nil); err != nil {
			return "", "", err
		}
		return tok.MeshID(), "home mesh", nil
	})

	clientConn, serverConn := newPipe()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	type clientResult struct {
		sess     *Session
		meshID   string
		meshName string
		err      error
	}
	clientCh := make(chan clientResult, 1)
	go func() {
		sess, meshID, meshName, err := clientHandshake(ctx, clientConn, "node-client", tok, []string{"llm/chat"})
		clientCh <- clientResult{sess, meshID, meshName, err}
	}()

	sess, proposedCaps, err := serverHandshake(ctx, serverConn, "node-server", verifier)
	if err != nil {
		t.Fatalf("serverHandshake: %v", err)
	}
	if len(proposedCaps) != 1 || proposedCaps[0] != "llm/chat" {
		t.Fatalf("proposedCaps = %v", proposedCaps)
	}
	if sess.PeerNodeID() != "node-client" {
		t.Fatalf("server-side PeerNodeID = %q, want node-client", sess.PeerNodeID())
	}

	cr := <-clientCh
	if cr.err != nil {
		t.Fatalf("clientHandshake: %v", cr.err)
	}
	if cr.meshID != "mesh-1" {
		t.Fatalf("meshID = %q, want mesh-1", cr.meshID)
	}
	if cr.meshName != "home mesh" {
		t.Fatalf("meshName = %q, want %q", cr.meshName, "home mesh")
	}
	if cr.sess.SessionID() != sess.SessionID() {
		t.Fatalf("session IDs differ: client=%q server=%q", cr.sess.SessionID(), sess.SessionID())
	}
	if cr.sess.PeerNodeID() != "node-server" {
		t.Fatalf("client-side PeerNodeID = %q, want node-server", cr.sess.PeerNodeID())
	}
}

func TestHandshakeRejectBadSignature(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	otherPub, _, _ := ed25519.GenerateKey(nil)
	tok := issueTestToken(t, priv, "mesh-1", "node-client")

	verifier := VerifierFunc(func(tok *token.Token) (string, string, error) {
		if err := tok.Verify(otherPub, time.Now(), nil, nil); err != nil {
			return "", "", err
		}
		return tok.MeshID(), "home mesh", nil
	})

	clientConn, serverConn := newPipe()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	clientErrCh := make(chan error, 1)
	go func() {
		_, _, _, err := clientHandshake(ctx, clientConn, "node-client", tok, nil)
		clientErrCh <- err
	}()

	_, _, err := serverHandshake(ctx, serverConn, "node-server", verifier)
	if err == nil {
		t.Fatal("serverHandshake: expected error, got nil")
	}
	if !errors.Is(err, meshmodel.ErrNotAuthorized) {
		t.Fatalf("serverHandshake err = %v, want ErrNotAuthorized", err)
	}

	if cerr := <-clientErrCh; cerr == nil || !errors.Is(cerr, meshmodel.ErrNotAuthorized) {
		t.Fatalf("clientHandshake err = %v, want ErrNotAuthorized", cerr)
	}
}
