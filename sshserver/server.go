package sshserver

import (
	"context"
	"errors"
	"io"
	"net"

	gliderssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"
	"pkt.systems/pslog"

	"github.com/qbit-ai/qbitsync/core"
	"github.com/qbit-ai/qbitsync/internal/command"
	"github.com/qbit-ai/qbitsync/internal/logx"
	"github.com/qbit-ai/qbitsync/schema"
)

// CommandHandler routes slash commands typed at the console prompt.
type CommandHandler interface {
	Handle(ctx context.Context, userID schema.UserID, current schema.SessionID, input string) (command.Result, bool, error)
}

// LoginAuthStore validates SSH login credentials and supports password
// changes from inside a view.
type LoginAuthStore interface {
	HasLoginPubKey(userID schema.UserID, key ssh.PublicKey) (bool, error)
	Authenticate(username, password, totpCode string) error
	ValidateTOTP(username, totpCode string) error
	ChangePassword(username, currentPassword, totpCode, newPassword string) error
}

type authContextKey string

const loginPubKeyOK authContextKey = "login-pubkey-ok"

// Server exposes the session console over SSH.
type Server struct {
	Config   Config
	Listener net.Listener
	Service  core.Service
	Handler  CommandHandler
	Auth     LoginAuthStore
	Notifier *Notifier
	logger   pslog.Logger
}

// ListenAndServe starts the SSH server and shuts down on context
// cancellation.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.Config.IdlePrompt == "" {
		s.Config.IdlePrompt = "> "
	}
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx)
	}

	signer, err := EnsureHostKey(s.Config.HostKeyPath)
	if err != nil {
		return err
	}
	if s.Auth == nil {
		return errors.New("auth store is required for SSH")
	}

	server := &gliderssh.Server{
		Addr:                       s.Config.Addr,
		Handler:                    s.handleSession,
		PublicKeyHandler:           s.handlePublicKey,
		KeyboardInteractiveHandler: s.handleKeyboardInteractive,
	}
	server.AddHostKey(signer)

	errCh := make(chan error, 1)
	go func() {
		if s.Listener != nil {
			errCh <- server.Serve(s.Listener)
			return
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		_ = server.Close()
		return nil
	case err := <-errCh:
		return err
	}
}

// handlePublicKey records a matching login key on the connection but
// never completes auth on its own; TOTP verification still follows over
// keyboard-interactive.
func (s *Server) handlePublicKey(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
	log := s.logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	fingerprint := ssh.FingerprintSHA256(key)
	remote := remoteAddr(ctx)
	userID := schema.UserID(ctx.User())
	sshConn := ctx.SessionID()
	if userID == "" {
		log.Warn("ssh pubkey rejected", "reason", "missing user", "remote", remote, "ssh_conn", sshConn, "fingerprint", fingerprint)
		return false
	}
	log = log.With("user", userID, "remote", remote, "fingerprint", fingerprint)
	if sshConn != "" {
		log = log.With("ssh_conn", sshConn)
	}
	ok, err := s.Auth.HasLoginPubKey(userID, key)
	if err != nil {
		log.Warn("ssh pubkey rejected", "err", err)
		return false
	}
	if !ok {
		log.Warn("ssh pubkey rejected", "reason", "no matching key")
		return false
	}
	ctx.SetValue(loginPubKeyOK, true)
	log.Info("ssh pubkey accepted")
	return false
}

// handleKeyboardInteractive finishes auth: a verified public key only
// needs the TOTP code, anyone else answers password plus code.
func (s *Server) handleKeyboardInteractive(ctx gliderssh.Context, challenger ssh.KeyboardInteractiveChallenge) bool {
	log := s.logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	remote := remoteAddr(ctx)
	userID := schema.UserID(ctx.User())
	sshConn := ctx.SessionID()
	if userID == "" {
		log.Warn("ssh login rejected", "reason", "missing user", "remote", remote)
		return false
	}
	log = log.With("user", userID, "remote", remote)
	if sshConn != "" {
		log = log.With("ssh_conn", sshConn)
	}

	if ctx.Value(loginPubKeyOK) == true {
		answers, err := challenger(ctx.User(), "", []string{"Verification code: "}, []bool{false})
		if err != nil {
			log.Warn("ssh totp rejected", "reason", "challenge failed", "err", err)
			return false
		}
		if len(answers) != 1 {
			log.Warn("ssh totp rejected", "reason", "invalid answer count", "count", len(answers))
			return false
		}
		if err := s.Auth.ValidateTOTP(ctx.User(), answers[0]); err != nil {
			log.Warn("ssh totp rejected", "reason", "invalid code", "err", err)
			return false
		}
		log.Info("ssh totp accepted")
		return true
	}

	answers, err := challenger(ctx.User(), "", []string{"Password: ", "Verification code: "}, []bool{false, false})
	if err != nil {
		log.Warn("ssh login rejected", "reason", "challenge failed", "err", err)
		return false
	}
	if len(answers) != 2 {
		log.Warn("ssh login rejected", "reason", "invalid answer count", "count", len(answers))
		return false
	}
	if err := s.Auth.Authenticate(ctx.User(), answers[0], answers[1]); err != nil {
		log.Warn("ssh login rejected", "reason", "invalid credentials", "err", err)
		return false
	}
	log.Info("ssh login accepted")
	return true
}

func remoteAddr(ctx gliderssh.Context) string {
	if ctx == nil || ctx.RemoteAddr() == nil {
		return ""
	}
	return ctx.RemoteAddr().String()
}

func (s *Server) handleSession(sess gliderssh.Session) {
	log := s.logger
	if log == nil {
		log = pslog.Ctx(sess.Context())
	}
	userID := schema.UserID(sess.User())
	if userID == "" {
		log.Info("ssh session rejected", "reason", "missing user", "remote", sess.RemoteAddr().String())
		_, _ = io.WriteString(sess, "missing user\n")
		return
	}
	remote := sess.RemoteAddr().String()
	viewID := viewIDForConn(sess.Context().SessionID())
	log = log.With("user", userID, "remote", remote, "view", viewID)
	ctx := logx.ContextWithUserLogger(sess.Context(), log, userID)

	pty, winCh, ok := sess.Pty()
	if !ok {
		log.Info("ssh session rejected", "reason", "pty required")
		_, _ = io.WriteString(sess, "pty required\n")
		return
	}

	log.Info("ssh view opened", "term", pty.Term)
	var events <-chan viewEvent
	if s.Notifier != nil {
		var cancel func()
		events, cancel = s.Notifier.subscribe(userID)
		defer cancel()
	}
	view := newTerminalView(sess, s.Service, s.Handler, s.Auth, userID, viewID, s.Config.IdlePrompt, events)
	view.setSize(pty.Window.Width, pty.Window.Height)
	_ = view.Run(ctx, winCh)
	log.Info("ssh view closed", "term", pty.Term)
}

// viewIDForConn derives a stable short view identifier from the SSH
// connection id.
func viewIDForConn(connID string) schema.ViewID {
	if len(connID) > 8 {
		connID = connID[:8]
	}
	if connID == "" {
		connID = "local"
	}
	return schema.ViewID("ssh:" + connID)
}
