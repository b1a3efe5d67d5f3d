package dav

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/maneesh/drivebridge/internal/bridgerr"
	"github.com/maneesh/drivebridge/internal/models"
	"github.com/maneesh/drivebridge/internal/storage"
	"golang.org/x/crypto/bcrypt"
)

type contextKey int

const principalKey contextKey = iota

// principal is the authenticated caller of one request.
type principal struct {
	OwnerID      int64
	CredentialID int64
	SessionID    string
}

func principalFrom(ctx context.Context) *principal {
	p, _ := ctx.Value(principalKey).(*principal)
	return p
}

// sessionAdmitter is the slice of the session manager the front end
// needs; narrowed for tests.
type sessionAdmitter interface {
	Admit(ctx context.Context, ownerID, credentialID int64, clientIP, userAgent string) (*models.SessionRecord, error)
	Touch(ctx context.Context, sessionID string) error
}

// authenticator checks Basic credentials and pins each client to a
// live session. Protocol clients do not carry session tokens, so the
// session is keyed by credential, client address and agent; the first
// request admits it and later ones touch it.
type authenticator struct {
	repo     storage.MetadataRepository
	sessions sessionAdmitter

	mu   sync.Mutex
	live map[string]string // client key -> session id
}

func newAuthenticator(repo storage.MetadataRepository, sessions sessionAdmitter) *authenticator {
	return &authenticator{
		repo:     repo,
		sessions: sessions,
		live:     make(map[string]string),
	}
}

// middleware rejects unauthenticated requests and attaches the
// principal to the context.
func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred, err := a.verify(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="drivebridge"`)
			writeError(w, err)
			return
		}

		p, err := a.ensureSession(r, cred)
		if err != nil {
			writeError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	})
}

func (a *authenticator) verify(r *http.Request) (*models.Credential, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, fmt.Errorf("missing credentials: %w", bridgerr.ErrUnauthorized)
	}
	cred, err := a.repo.FindCredentialByUsername(r.Context(), username)
	if err != nil {
		return nil, err
	}
	if cred.Revoked {
		return nil, fmt.Errorf("credential revoked: %w", bridgerr.ErrUnauthorized)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		return nil, fmt.Errorf("bad password: %w", bridgerr.ErrUnauthorized)
	}
	return cred, nil
}

// ensureSession admits the client's session on first contact and
// touches it afterwards. An evicted session is re-admitted
// transparently; hitting the ceiling surfaces as 503.
func (a *authenticator) ensureSession(r *http.Request, cred *models.Credential) (*principal, error) {
	clientIP := remoteIP(r)
	key := fmt.Sprintf("%d|%s|%s", cred.ID, clientIP, r.UserAgent())

	a.mu.Lock()
	sessionID, ok := a.live[key]
	a.mu.Unlock()

	if ok {
		err := a.sessions.Touch(r.Context(), sessionID)
		if err == nil {
			return &principal{OwnerID: cred.OwnerID, CredentialID: cred.ID, SessionID: sessionID}, nil
		}
		if !errors.Is(err, bridgerr.ErrNotFound) {
			return nil, err
		}
		log.Printf("Session %.8s evicted, re-admitting client", sessionID)
	}

	rec, err := a.sessions.Admit(r.Context(), cred.OwnerID, cred.ID, clientIP, r.UserAgent())
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.live[key] = rec.SessionID
	a.mu.Unlock()
	return &principal{OwnerID: cred.OwnerID, CredentialID: cred.ID, SessionID: rec.SessionID}, nil
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
