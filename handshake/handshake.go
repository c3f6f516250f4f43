// Package handshake negotiates a new grain connection before any frame is exchanged.
//
//	client                                   server
//	  │ ── Syn{versions, serializers, types, challenge?} ──→ │
//	  │ ←── Ack{version, serializer, reason, response?, challenge?} ── │
//	  │ ── Synack{response?} ──────────────────────────────→ │
//	  │ ←── Fin{accepted, reason} ──────────────────────────── │
//
// The engine only reads and writes the connection; it never closes it. On any error the
// caller is expected to drop the connection.
package handshake

import (
	"net"
	"time"

	"grain-rpc/auth"
	"grain-rpc/codec"
	"grain-rpc/protocol"
	"grain-rpc/rpcerr"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Capabilities is what one side brings to the handshake.
type Capabilities struct {
	Versions    uint32            // Bitset of supported protocol versions
	Serializers []codec.CodecType // Supported serializers, most preferred first

	// TypeModel lists the interfaces a client intends to use. The server reports the names
	// Resolve does not know in Session.UnresolvedTypes.
	TypeModel []string
	Resolve   func(name string) bool

	// ClientAuthenticator authenticates clients: a server challenges with it, a client
	// answers with it. ServerAuthenticator does the same for the server's identity.
	ClientAuthenticator auth.Authenticator
	ServerAuthenticator auth.Authenticator
}

// Session is the outcome of a successful handshake.
type Session struct {
	Version         uint32
	Serializer      codec.CodecType
	UnresolvedTypes []string
}

// Engine runs handshakes over freshly opened connections.
type Engine struct {
	logger *logrus.Entry
}

func New(logger *logrus.Entry) *Engine {
	return &Engine{logger: logger}
}

// Client performs the client half of the handshake.
func (e *Engine) Client(conn net.Conn, local *Capabilities, timeout time.Duration) (*Session, error) {
	if err := setDeadline(conn, timeout); err != nil {
		return nil, err
	}
	defer conn.SetDeadline(time.Time{})
	logger := e.logger.WithField("remote", conn.RemoteAddr().String())

	// Step 1: Syn, with a challenge if the server has to prove itself
	syn := &protocol.Syn{
		Versions:    local.Versions,
		Serializers: codec.Mask(local.Serializers),
		TypeModel:   local.TypeModel,
	}
	if local.ServerAuthenticator != nil {
		challenge, err := local.ServerAuthenticator.CreateChallenge()
		if err != nil {
			return nil, &rpcerr.HandshakeError{Reason: "cannot create challenge", Err: err}
		}
		syn.Challenge = &challenge
	}
	if err := protocol.WriteSyn(conn, syn); err != nil {
		return nil, ioFailure("send syn", err)
	}

	// Step 2: the server's choice
	ack, err := protocol.ReadAck(conn)
	if err != nil {
		return nil, ioFailure("read ack", err)
	}
	if ack.Reason != protocol.ReasonNone || ack.Version == protocol.VersionNone || ack.Serializer == protocol.SerializerNone {
		reason := ack.Reason
		if reason == protocol.ReasonNone {
			reason = protocol.ReasonUnacceptableVersion
		}
		logger.WithField("reason", reason).Warn("server refused the connection")
		return nil, &rpcerr.HandshakeError{Reason: reason.String()}
	}
	if ack.Version&local.Versions == 0 || ack.Version&(ack.Version-1) != 0 {
		return nil, &rpcerr.HandshakeError{Reason: "server chose an unsupported version"}
	}
	serializer := codec.CodecType(ack.Serializer)
	if !contains(local.Serializers, serializer) {
		return nil, &rpcerr.HandshakeError{Reason: "server chose an unsupported serializer " + serializer.String()}
	}

	if syn.Challenge != nil {
		if ack.Response == nil {
			return nil, &rpcerr.HandshakeError{Reason: "server did not authenticate", Err: rpcerr.ErrAuthenticationRequired}
		}
		if !local.ServerAuthenticator.Authenticate(*syn.Challenge, *ack.Response) {
			return nil, &rpcerr.HandshakeError{Reason: "server failed authentication", Err: rpcerr.ErrAuthentication}
		}
	}

	// Step 3: answer the server's challenge, if any
	synack := &protocol.Synack{}
	var answerErr error
	if ack.Challenge != nil {
		if local.ClientAuthenticator == nil {
			answerErr = &rpcerr.HandshakeError{Reason: "server requires authentication", Err: rpcerr.ErrAuthenticationRequired}
		} else {
			response, err := local.ClientAuthenticator.CreateResponse(*ack.Challenge)
			if err != nil {
				return nil, &rpcerr.HandshakeError{Reason: "cannot answer challenge", Err: err}
			}
			synack.Response = &response
		}
	}
	if err := protocol.WriteSynack(conn, synack); err != nil {
		return nil, ioFailure("send synack", err)
	}
	if answerErr != nil {
		return nil, answerErr
	}

	// Step 4: the verdict
	fin, err := protocol.ReadFin(conn)
	if err != nil {
		return nil, ioFailure("read fin", err)
	}
	if !fin.Accepted {
		return nil, refused(fin.Reason)
	}

	logger.WithFields(logrus.Fields{"version": ack.Version, "serializer": serializer}).Debug("handshake complete")
	return &Session{Version: ack.Version, Serializer: serializer}, nil
}

// Server performs the server half of the handshake.
func (e *Engine) Server(conn net.Conn, local *Capabilities, timeout time.Duration) (*Session, error) {
	if err := setDeadline(conn, timeout); err != nil {
		return nil, err
	}
	defer conn.SetDeadline(time.Time{})
	logger := e.logger.WithField("remote", conn.RemoteAddr().String())

	syn, err := protocol.ReadSyn(conn)
	if err != nil {
		return nil, ioFailure("read syn", err)
	}

	// Step 1: pick version and serializer
	ack := &protocol.Ack{Version: protocol.HighestVersion(syn.Versions, local.Versions)}
	if ack.Version == protocol.VersionNone {
		ack.Reason = protocol.ReasonUnacceptableVersion
	} else {
		for _, t := range local.Serializers {
			if syn.Serializers&uint32(t) != 0 {
				ack.Serializer = uint32(t)
				break
			}
		}
		if ack.Serializer == protocol.SerializerNone {
			ack.Version = protocol.VersionNone
			ack.Reason = protocol.ReasonUnacceptableSerializer
		}
	}
	if ack.Reason != protocol.ReasonNone {
		logger.WithField("reason", ack.Reason).Warn("refusing client")
		if err := protocol.WriteAck(conn, ack); err != nil {
			return nil, ioFailure("send ack", err)
		}
		return nil, &rpcerr.HandshakeError{Reason: ack.Reason.String()}
	}

	// Step 2: prove ourselves and challenge the client
	if syn.Challenge != nil && local.ServerAuthenticator != nil {
		response, err := local.ServerAuthenticator.CreateResponse(*syn.Challenge)
		if err != nil {
			return nil, &rpcerr.HandshakeError{Reason: "cannot answer challenge", Err: err}
		}
		ack.Response = &response
	}
	if local.ClientAuthenticator != nil {
		challenge, err := local.ClientAuthenticator.CreateChallenge()
		if err != nil {
			return nil, &rpcerr.HandshakeError{Reason: "cannot create challenge", Err: err}
		}
		ack.Challenge = &challenge
	}
	if err := protocol.WriteAck(conn, ack); err != nil {
		return nil, ioFailure("send ack", err)
	}

	// Step 3: check the client's answer
	synack, err := protocol.ReadSynack(conn)
	if err != nil {
		return nil, ioFailure("read synack", err)
	}
	if ack.Challenge != nil {
		fin := &protocol.Fin{}
		var authErr error
		switch {
		case synack.Response == nil:
			fin.Reason = protocol.ReasonAuthenticationRequired
			authErr = rpcerr.ErrAuthenticationRequired
		case !local.ClientAuthenticator.Authenticate(*ack.Challenge, *synack.Response):
			fin.Reason = protocol.ReasonAuthenticationFailed
			authErr = rpcerr.ErrAuthentication
		}
		if authErr != nil {
			logger.WithField("reason", fin.Reason).Warn("client failed authentication")
			// the client may already have hung up; the verdict is best effort
			if err := protocol.WriteFin(conn, fin); err != nil {
				logger.WithError(err).Debug("cannot send fin")
			}
			return nil, &rpcerr.HandshakeError{Reason: "client " + fin.Reason.String(), Err: authErr}
		}
	}

	// Step 4: accept
	if err := protocol.WriteFin(conn, &protocol.Fin{Accepted: true}); err != nil {
		return nil, ioFailure("send fin", err)
	}

	session := &Session{Version: ack.Version, Serializer: codec.CodecType(ack.Serializer)}
	if local.Resolve != nil {
		for _, name := range syn.TypeModel {
			if !local.Resolve(name) {
				session.UnresolvedTypes = append(session.UnresolvedTypes, name)
			}
		}
	}
	if len(session.UnresolvedTypes) > 0 {
		logger.WithField("types", session.UnresolvedTypes).Warn("client uses interfaces unknown to this endpoint")
	}
	logger.WithFields(logrus.Fields{"version": session.Version, "serializer": session.Serializer}).Debug("handshake complete")
	return session, nil
}

// Reject answers a client's Syn with reason, used while the endpoint is busy with another peer.
func (e *Engine) Reject(conn net.Conn, reason protocol.Reason, timeout time.Duration) error {
	if err := setDeadline(conn, timeout); err != nil {
		return err
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := protocol.ReadSyn(conn); err != nil {
		return ioFailure("read syn", err)
	}
	e.logger.WithFields(logrus.Fields{"remote": conn.RemoteAddr().String(), "reason": reason}).Info("rejecting client")
	if err := protocol.WriteAck(conn, &protocol.Ack{Reason: reason}); err != nil {
		return ioFailure("send ack", err)
	}
	return nil
}

func setDeadline(conn net.Conn, timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return errors.Wrap(err, "set handshake deadline")
	}
	return nil
}

// ioFailure turns a read or write error into a HandshakeError; a deadline hit becomes
// "no response".
func ioFailure(step string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &rpcerr.HandshakeError{Reason: "no response", Err: err}
	}
	return &rpcerr.HandshakeError{Reason: step, Err: err}
}

func refused(reason protocol.Reason) error {
	switch reason {
	case protocol.ReasonAuthenticationFailed:
		return &rpcerr.HandshakeError{Reason: reason.String(), Err: rpcerr.ErrAuthentication}
	case protocol.ReasonAuthenticationRequired:
		return &rpcerr.HandshakeError{Reason: reason.String(), Err: rpcerr.ErrAuthenticationRequired}
	default:
		return &rpcerr.HandshakeError{Reason: reason.String()}
	}
}

func contains(types []codec.CodecType, t codec.CodecType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}
